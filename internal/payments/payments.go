package payments

import (
	"context"
	"time"

	"shopbot/internal/cryptopay"
	"shopbot/internal/models"

	"github.com/shopspring/decimal"
)

// Recorder is the persistence the settlement path needs.
type Recorder interface {
	MarkOrderPaid(ctx context.Context, orderID int64, payment *models.Payment) (bool, error)
}

// FromInvoice builds the payment record of a paid invoice. Fiat invoices are
// settled in whichever asset the payer chose, so paid_asset/paid_amount win
// over the invoice's own asset and amount when present.
func FromInvoice(order *models.Order, inv cryptopay.Invoice) *models.Payment {
	asset := inv.PaidAsset
	if asset == "" {
		asset = inv.Asset
	}
	if asset == "" {
		asset = order.Asset
	}
	amount := inv.PaidAmount
	if !amount.IsPositive() {
		amount = inv.Amount
	}
	if !amount.IsPositive() {
		amount = order.AssetAmount
	}
	paidAt := time.Now().UTC()
	if inv.PaidAt != nil && !inv.PaidAt.IsZero() {
		paidAt = inv.PaidAt.UTC()
	}
	invoiceID := inv.InvoiceID
	if invoiceID == 0 && order.InvoiceID != nil {
		invoiceID = *order.InvoiceID
	}
	return &models.Payment{
		InvoiceID: invoiceID,
		OrderID:   order.OrderID,
		Asset:     asset,
		Amount:    amount,
		PaidAt:    paidAt,
	}
}

// ApplyPayment settles order as paid. It reports whether this call made the
// transition.
func ApplyPayment(ctx context.Context, st Recorder, order *models.Order, inv cryptopay.Invoice) (*models.Payment, bool, error) {
	payment := FromInvoice(order, inv)
	updated, err := st.MarkOrderPaid(ctx, order.OrderID, payment)
	if err != nil {
		return payment, false, err
	}
	if updated {
		order.Status = models.OrderPaid
		order.PaidAt = &payment.PaidAt
	}
	return payment, updated, nil
}

// CompareAmount compares a paid amount with the expected one at the provider's
// precision.
func CompareAmount(paid, expected decimal.Decimal) int {
	return paid.Round(cryptopay.AmountPrecision).Cmp(expected.Round(cryptopay.AmountPrecision))
}
