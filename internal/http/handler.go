package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shopbot/internal/cryptopay"
	"shopbot/internal/models"
	"shopbot/internal/store"

	"github.com/go-chi/chi/v5"
)

type OrderReader interface {
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
}

type PaymentsView interface {
	Stats() cryptopay.GatewayStats
	ExchangeRates(ctx context.Context, force bool) ([]cryptopay.ExchangeRate, bool)
}

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.OrderStatus]int, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	Orders   OrderReader
	Payments PaymentsView
	Store    StatusCounter
}

type statsResponse struct {
	Gateway cryptopay.GatewayStats     `json:"gateway"`
	Orders  map[models.OrderStatus]int `json:"orders,omitempty"`
}

type rateResponse struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Rate      string `json:"rate"`
	FetchedAt string `json:"fetchedAt"`
}

type ratesResponse struct {
	Fresh bool           `json:"fresh"`
	Rates []rateResponse `json:"rates"`
}

type orderResponse struct {
	OrderID      int64           `json:"orderId"`
	UserID       int64           `json:"userId"`
	ProductID    int64           `json:"productId"`
	Quantity     int             `json:"quantity"`
	Status       string          `json:"status"`
	InvoiceID    *int64          `json:"invoiceId,omitempty"`
	Fiat         string          `json:"fiat"`
	TotalPrice   string          `json:"totalPrice"`
	Asset        string          `json:"asset"`
	AssetAmount  string          `json:"assetAmount"`
	PayURL       string          `json:"payUrl,omitempty"`
	ExpiresAt    string          `json:"expiresAt"`
	PaidAt       string          `json:"paidAt,omitempty"`
	CancelReason string          `json:"cancelReason,omitempty"`
	Snapshot     json.RawMessage `json:"priceSnapshot,omitempty"`
}

func NewHandler(orders OrderReader, payments PaymentsView, st StatusCounter) *Handler {
	return &Handler{Orders: orders, Payments: payments, Store: st}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) PaymentStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Gateway: h.Payments.Stats()}
	if h.Store != nil {
		counts, err := h.Store.CountByStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "count orders failed")
			return
		}
		resp.Orders = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

// Rates returns the cached rates; ?refresh=1 forces a provider fetch.
func (h *Handler) Rates(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	rates, fresh := h.Payments.ExchangeRates(r.Context(), force)
	resp := ratesResponse{Fresh: fresh, Rates: make([]rateResponse, 0, len(rates))}
	for _, rate := range rates {
		resp.Rates = append(resp.Rates, rateResponse{
			Source:    rate.Source,
			Target:    rate.Target,
			Rate:      rate.Rate.String(),
			FetchedAt: rate.FetchedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get order failed")
		return
	}

	resp := orderResponse{
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		ProductID:   order.ProductID,
		Quantity:    order.Quantity,
		Status:      string(order.Status),
		InvoiceID:   order.InvoiceID,
		Fiat:        order.Fiat,
		TotalPrice:  order.TotalPrice.StringFixed(2),
		Asset:       order.Asset,
		AssetAmount: cryptopay.FormatAmount(order.AssetAmount),
		PayURL:      order.PayURL,
		ExpiresAt:   order.ExpiresAt.Format(time.RFC3339),
	}
	if order.PaidAt != nil {
		resp.PaidAt = order.PaidAt.Format(time.RFC3339)
	}
	if order.CancelReason != nil {
		resp.CancelReason = *order.CancelReason
	}
	if json.Valid([]byte(order.PriceSnapshot)) {
		resp.Snapshot = json.RawMessage(order.PriceSnapshot)
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
