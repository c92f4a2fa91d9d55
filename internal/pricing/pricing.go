package pricing

import (
	"context"
	"errors"
	"time"

	"shopbot/internal/cryptopay"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrNoRate          = errors.New("no exchange rate for asset")
)

// Converter is satisfied by *cryptopay.Gateway.
type Converter interface {
	ConvertAmount(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, bool)
}

type Service struct {
	Converter Converter
	Fiat      string
}

// Snapshot is the quote an order was placed at. It is stored with the order.
type Snapshot struct {
	Fiat        string          `json:"fiat"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Total       decimal.Decimal `json:"total"`
	Asset       string          `json:"asset"`
	AssetAmount decimal.Decimal `json:"asset_amount"`
	Rate        decimal.Decimal `json:"rate"`
	Source      string          `json:"source"`
	QuotedAt    time.Time       `json:"quoted_at"`
}

func (s Service) Quote(ctx context.Context, unitPrice decimal.Decimal, quantity int, asset string) (Snapshot, error) {
	if quantity <= 0 {
		return Snapshot{}, ErrInvalidQuantity
	}
	total := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	amount, ok := s.Converter.ConvertAmount(ctx, total, s.Fiat, asset)
	if !ok || !amount.IsPositive() {
		return Snapshot{}, ErrNoRate
	}
	amount = amount.Round(cryptopay.AmountPrecision)

	rate := decimal.Zero
	if total.IsPositive() {
		rate = amount.DivRound(total, cryptopay.AmountPrecision)
	}
	return Snapshot{
		Fiat:        s.Fiat,
		UnitPrice:   unitPrice,
		Quantity:    quantity,
		Total:       total,
		Asset:       asset,
		AssetAmount: amount,
		Rate:        rate,
		Source:      "cryptopay",
		QuotedAt:    time.Now().UTC(),
	}, nil
}
