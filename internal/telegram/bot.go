package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"shopbot/internal/models"
	"shopbot/internal/orders"
	"shopbot/internal/selection"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// OrderService is the part of orders.Service the bot drives.
type OrderService interface {
	CheckQuantity(ctx context.Context, productID int64, quantity int) (*models.Product, error)
	PlaceOrder(ctx context.Context, req orders.PlaceRequest) (*orders.Placement, error)
	CheckPayment(ctx context.Context, userID int64) (*models.Order, error)
	CancelPending(ctx context.Context, userID int64) (*models.Order, error)
}

type Catalog interface {
	EnsureUser(ctx context.Context, userID int64, username string) error
	ListProducts(ctx context.Context) ([]*models.Product, error)
}

type Options struct {
	Fiat       string
	Quantities []int
	Assets     map[int]string
	Texts      Texts
	// HandleTimeout bounds the work done for one update.
	HandleTimeout time.Duration
}

type Bot struct {
	api       Sender
	orders    OrderService
	catalog   Catalog
	selection *selection.Machine
	opts      Options
	log       *slog.Logger
}

func NewBot(api Sender, svc OrderService, catalog Catalog, sel *selection.Machine, opts Options, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 30 * time.Second
	}
	return &Bot{api: api, orders: svc, catalog: catalog, selection: sel, opts: opts, log: logger}
}

// HandleUpdate is the Dispatcher handler.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.HandleTimeout)
	defer cancel()

	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil || m.Chat == nil {
		return
	}
	if err := b.catalog.EnsureUser(ctx, m.From.ID, m.From.UserName); err != nil {
		b.log.Error("ensure user failed", "user_id", m.From.ID, "err", err)
	}

	if m.IsCommand() {
		switch m.Command() {
		case "start":
			msg := tgbotapi.NewMessage(m.Chat.ID, b.opts.Texts.start())
			msg.ReplyMarkup = mainMenu()
			b.send(msg)
		default:
			b.log.Debug("unknown command", "user_id", m.From.ID, "command", m.Command())
		}
		return
	}

	switch strings.TrimSpace(m.Text) {
	case menuProducts:
		b.showProducts(ctx, m.Chat.ID, 0)
	case menuSupport:
		b.send(tgbotapi.NewMessage(m.Chat.ID, b.opts.Texts.support()))
	case menuRules:
		b.send(tgbotapi.NewMessage(m.Chat.ID, b.opts.Texts.rules()))
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return
	}
	userID := q.From.ID
	chatID := q.Message.Chat.ID
	messageID := q.Message.MessageID

	cb, err := DecodeCallback(q.Data)
	if err != nil {
		b.log.Warn("unknown callback data", "user_id", userID, "data", q.Data)
		b.answer(q.ID, "")
		return
	}

	notice := ""
	switch cb.Action {
	case ActionSelectOrder:
		if b.advance(ctx, chatID, messageID, userID, selection.StageProduct, cb) {
			b.edit(chatID, messageID, textChooseQty, quantityKeyboard(b.opts.Quantities))
		}
	case ActionSelectQty:
		b.selectQuantity(ctx, chatID, messageID, userID, cb)
	case ActionSelectAsset:
		if b.advance(ctx, chatID, messageID, userID, selection.StageAsset, cb) {
			notice = b.placeOrder(ctx, chatID, messageID, userID)
		}
	case ActionBackToProduct:
		b.showProducts(ctx, chatID, messageID)
	case ActionBackToQty:
		b.edit(chatID, messageID, textChooseQty, quantityKeyboard(b.opts.Quantities))
	case ActionBackToAsset:
		b.edit(chatID, messageID, textChooseAsset, assetKeyboard(b.opts.Assets))
	case ActionOrder:
		notice = b.orderAction(ctx, userID, cb.ID)
	default:
		b.log.Warn("unknown callback action", "user_id", userID, "action", cb.Action)
	}
	b.answer(q.ID, notice)
}

// advance records the choice. On a stale or corrupt selection the user is sent
// back to the product list and false is returned.
func (b *Bot) advance(ctx context.Context, chatID int64, messageID int, userID int64, stage selection.Stage, cb Callback) bool {
	_, err := b.selection.Advance(ctx, userID, stage, cb.Action, cb.ID)
	if err == nil {
		return true
	}
	if errors.Is(err, selection.ErrStageSkipped) || errors.Is(err, selection.ErrMalformedPath) {
		b.log.Info("selection restarted", "user_id", userID, "stage", int(stage), "err", err)
		b.showProductsWith(ctx, chatID, messageID, textRestart)
		return false
	}
	b.log.Error("selection update failed", "user_id", userID, "err", err)
	b.edit(chatID, messageID, textFailed, tgbotapi.InlineKeyboardMarkup{})
	return false
}

func (b *Bot) selectQuantity(ctx context.Context, chatID int64, messageID int, userID int64, cb Callback) {
	if !b.advance(ctx, chatID, messageID, userID, selection.StageQuantity, cb) {
		return
	}
	choice, err := b.selection.Current(ctx, userID)
	if err != nil || !choice.HasQuantity {
		b.showProductsWith(ctx, chatID, messageID, textRestart)
		return
	}
	_, err = b.orders.CheckQuantity(ctx, choice.ProductID, choice.Quantity)
	var qe *orders.QuantityError
	switch {
	case err == nil:
		b.edit(chatID, messageID, textChooseAsset, assetKeyboard(b.opts.Assets))
	case errors.As(err, &qe):
		b.edit(chatID, messageID, b.opts.Texts.insufficient(qe), backToQtyKeyboard())
	case errors.Is(err, orders.ErrProductNotFound):
		b.showProductsWith(ctx, chatID, messageID, textRestart)
	default:
		b.log.Error("quantity check failed", "user_id", userID, "err", err)
		b.edit(chatID, messageID, textFailed, backToQtyKeyboard())
	}
}

func (b *Bot) placeOrder(ctx context.Context, chatID int64, messageID int, userID int64) string {
	choice, err := b.selection.Current(ctx, userID)
	if err != nil {
		b.showProductsWith(ctx, chatID, messageID, textRestart)
		return ""
	}
	placement, err := b.orders.PlaceOrder(ctx, orders.PlaceRequest{
		UserID:    userID,
		Choice:    choice,
		ChatID:    chatID,
		MessageID: messageID,
	})
	var qe *orders.QuantityError
	switch {
	case err == nil:
		b.edit(chatID, messageID, b.opts.Texts.order(placement), orderKeyboard(placement.PayURL))
		if err := b.selection.Reset(ctx, userID); err != nil {
			b.log.Warn("selection reset failed", "user_id", userID, "err", err)
		}
		return ""
	case errors.As(err, &qe):
		b.edit(chatID, messageID, b.opts.Texts.insufficient(qe), backToQtyKeyboard())
		return ""
	case errors.Is(err, orders.ErrSettlementPending):
		return textSettling
	case errors.Is(err, orders.ErrPricingUnavailable), errors.Is(err, orders.ErrInvoiceUnavailable):
		return textUnavailable
	case errors.Is(err, orders.ErrIncompleteSelection), errors.Is(err, orders.ErrUnknownAsset), errors.Is(err, orders.ErrProductNotFound):
		b.showProductsWith(ctx, chatID, messageID, textRestart)
		return ""
	default:
		b.log.Error("place order failed", "user_id", userID, "err", err)
		return textFailed
	}
}

// orderAction handles the cancel and check buttons of an order message. The
// order message itself is rewritten by the Notifier.
func (b *Bot) orderAction(ctx context.Context, userID int64, id string) string {
	var (
		order *models.Order
		err   error
	)
	switch id {
	case OrderActionCancel:
		order, err = b.orders.CancelPending(ctx, userID)
	case OrderActionCheck:
		order, err = b.orders.CheckPayment(ctx, userID)
	default:
		return ""
	}
	switch {
	case errors.Is(err, orders.ErrNoPendingOrder):
		return textNoOrder
	case errors.Is(err, orders.ErrSettlementPending):
		return textSettling
	case err != nil:
		b.log.Error("order action failed", "user_id", userID, "action", id, "err", err)
		return textFailed
	case order.Status == models.OrderPending:
		return textNotPaidYet
	}
	return ""
}

func (b *Bot) showProducts(ctx context.Context, chatID int64, messageID int) {
	b.showProductsWith(ctx, chatID, messageID, textChooseProduct)
}

func (b *Bot) showProductsWith(ctx context.Context, chatID int64, messageID int, text string) {
	products, err := b.catalog.ListProducts(ctx)
	if err != nil {
		b.log.Error("list products failed", "err", err)
		text = textFailed
	}
	if err == nil && len(products) == 0 {
		text = textNoProducts
	}
	kb := productKeyboard(products, b.opts.Fiat)
	if messageID != 0 {
		b.edit(chatID, messageID, text, kb)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if len(products) > 0 {
		msg.ReplyMarkup = kb
	}
	b.send(msg)
}

func (b *Bot) edit(chatID int64, messageID int, text string, kb tgbotapi.InlineKeyboardMarkup) {
	var cfg tgbotapi.EditMessageTextConfig
	if len(kb.InlineKeyboard) > 0 {
		cfg = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, kb)
	} else {
		cfg = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	b.send(cfg)
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("telegram send failed", "err", err)
	}
}

func (b *Bot) answer(queryID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		b.log.Debug("callback answer failed", "query_id", queryID, "err", err)
	}
}

// Poll starts long polling and dispatches updates until ctx is done.
func Poll(ctx context.Context, api *tgbotapi.BotAPI, timeoutSeconds int, d *Dispatcher) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeoutSeconds
	updates := api.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()
	d.Run(ctx, updates)
}
