package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderCancelled
}

type Order struct {
	OrderID       int64
	UserID        int64
	ProductID     int64
	Quantity      int
	InvoiceID     *int64
	Status        OrderStatus
	Fiat          string
	TotalPrice    decimal.Decimal
	Asset         string
	AssetAmount   decimal.Decimal
	PayURL        string
	PriceSnapshot string
	ChatID        int64
	MessageID     int
	ExpiresAt     time.Time
	PaidAt        *time.Time
	CancelReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Product struct {
	ProductID    int64
	Title        string
	AccountLimit int
	Quantity     int
	Price        decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type User struct {
	UserID    int64
	Username  string
	Choice    string
	CreatedAt time.Time
}

type Payment struct {
	InvoiceID int64
	OrderID   int64
	Asset     string
	Amount    decimal.Decimal
	PaidAt    time.Time
	CreatedAt time.Time
}
