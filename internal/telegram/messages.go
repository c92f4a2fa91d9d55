package telegram

import (
	"fmt"
	"strings"
	"time"

	"shopbot/internal/cryptopay"
	"shopbot/internal/orders"
)

// Texts holds the user-facing strings that depend on shop settings.
type Texts struct {
	Support string
}

func (t Texts) contact() string {
	if t.Support == "" {
		return ""
	}
	return "\nSupport: @" + strings.TrimPrefix(t.Support, "@")
}

func (t Texts) start() string {
	return "Welcome! Choose Products to start an order." + t.contact()
}

func (t Texts) support() string {
	if t.Support == "" {
		return "Support is not configured yet."
	}
	return "Write to @" + strings.TrimPrefix(t.Support, "@") + " with any question."
}

func (t Texts) rules() string {
	return "Every account is checked before delivery. Replacement is possible within 24 hours of purchase." + t.contact()
}

const (
	textChooseProduct = "Choose a product:"
	textNoProducts    = "Nothing is in stock right now."
	textChooseQty     = "Choose a quantity:"
	textChooseAsset   = "Choose a payment currency:"
	textUnavailable   = "Payment is temporarily unavailable, please try again in a minute."
	textSettling      = "Your previous order is still being closed, please try again in a moment."
	textNotPaidYet    = "Payment not received yet."
	textNoOrder       = "You have no open order."
	textRestart       = "This menu is out of date, please choose a product again."
	textFailed        = "Something went wrong, please try again."
)

func (t Texts) insufficient(qe *orders.QuantityError) string {
	return fmt.Sprintf("Only %d available, you asked for %d. Choose a smaller quantity.%s",
		qe.Available, qe.Requested, t.contact())
}

func (t Texts) order(p *orders.Placement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order #%d\n", p.Order.OrderID)
	fmt.Fprintf(&b, "%s x%d", title(p.Product), p.Order.Quantity)
	if p.Product.AccountLimit > 0 {
		fmt.Fprintf(&b, " (limit %d)", p.Product.AccountLimit)
	}
	fmt.Fprintf(&b, "\nTotal: %s %s\n", p.Total.StringFixed(2), p.Fiat)
	fmt.Fprintf(&b, "To pay: %s %s\n", cryptopay.FormatAmount(p.AssetAmount), p.Asset)
	fmt.Fprintf(&b, "Pay within %d min, or the order is cancelled.", int(p.TimeToPay.Round(time.Minute)/time.Minute))
	b.WriteString(t.contact())
	return b.String()
}

func (t Texts) paid(orderID int64) string {
	return fmt.Sprintf("Order #%d is paid. Thank you!%s", orderID, t.contact())
}

func (t Texts) cancelled(orderID int64, reason orders.CancelReason) string {
	switch reason {
	case orders.ReasonExpired:
		return fmt.Sprintf("Order #%d was cancelled: the payment time ran out.%s", orderID, t.contact())
	case orders.ReasonSuperseded:
		return fmt.Sprintf("Order #%d was replaced by a new order.%s", orderID, t.contact())
	default:
		return fmt.Sprintf("Order #%d is cancelled.%s", orderID, t.contact())
	}
}
