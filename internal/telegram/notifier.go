package telegram

import (
	"context"
	"log/slog"

	"shopbot/internal/models"
	"shopbot/internal/orders"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the subset of *tgbotapi.BotAPI the adapter uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Notifier rewrites an order's message when the order is paid or cancelled.
type Notifier struct {
	api   Sender
	texts Texts
	log   *slog.Logger
}

func NewNotifier(api Sender, texts Texts, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{api: api, texts: texts, log: logger}
}

func (n *Notifier) OrderPaid(_ context.Context, o *models.Order) {
	n.edit(o, n.texts.paid(o.OrderID))
}

func (n *Notifier) OrderCancelled(_ context.Context, o *models.Order, reason orders.CancelReason) {
	n.edit(o, n.texts.cancelled(o.OrderID, reason))
}

func (n *Notifier) edit(o *models.Order, text string) {
	if o.ChatID == 0 || o.MessageID == 0 {
		return
	}
	if _, err := n.api.Send(tgbotapi.NewEditMessageText(o.ChatID, o.MessageID, text)); err != nil {
		n.log.Warn("order message not updated", "order_id", o.OrderID, "err", err)
	}
}
