package telegram

import (
	"fmt"
	"sort"

	"shopbot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	menuProducts = "Products"
	menuSupport  = "Support"
	menuRules    = "Warranty / Rules"
)

func mainMenu() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(menuProducts)),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuSupport),
			tgbotapi.NewKeyboardButton(menuRules),
		),
	)
	kb.ResizeKeyboard = true
	return kb
}

func productKeyboard(products []*models.Product, fiat string) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(products))
	for _, p := range products {
		label := fmt.Sprintf("%s - %s %s (%d left)", title(p), p.Price.StringFixed(2), fiat, p.Quantity)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, mustEncode(ActionSelectOrder, idOf(p.ProductID))),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func quantityKeyboard(quantities []int) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, q := range quantities {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("%d pcs", q), mustEncode(ActionSelectQty, idOf(int64(q))),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(backButton(ActionBackToProduct)),
	)
}

func assetKeyboard(assets map[int]string) tgbotapi.InlineKeyboardMarkup {
	codes := make([]int, 0, len(assets))
	for code := range assets {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	var row []tgbotapi.InlineKeyboardButton
	for _, code := range codes {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			assets[code], mustEncode(ActionSelectAsset, idOf(int64(code))),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(backButton(ActionBackToQty)),
	)
}

func backToQtyKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(backButton(ActionBackToQty)))
}

func orderKeyboard(payURL string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Pay", payURL)),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Cancel", mustEncode(ActionOrder, OrderActionCancel)),
			tgbotapi.NewInlineKeyboardButtonData("Check payment", mustEncode(ActionOrder, OrderActionCheck)),
		),
	)
}

func backButton(action string) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData("Back", mustEncode(action, ""))
}

func title(p *models.Product) string {
	if p.Title != "" {
		return p.Title
	}
	return fmt.Sprintf("Product #%d", p.ProductID)
}
