package cryptopay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidInvoiceRequest = errors.New("cryptopay: invoice request needs a positive amount and an asset or fiat")
var ErrInvalidTransferRequest = errors.New("cryptopay: transfer request needs a user, an asset and a positive amount")

// maxInvoiceIDs bounds the invoice_ids list of one getInvoices call.
const maxInvoiceIDs = 100

type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	CacheTTL          time.Duration
	AutoCancelDefault time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	PollInterval      time.Duration
}

// Gateway is the payment provider facade. It owns the currency cache and the
// invoice registry and runs the background status poller.
type Gateway struct {
	client       *Client
	cache        *CurrencyCache
	invoices     *InvoiceStore
	limiter      *RateLimiter
	autoCancel   time.Duration
	pollInterval time.Duration
	log          *slog.Logger

	refreshMu  sync.Mutex
	refreshGen atomic.Uint64

	subMu sync.RWMutex
	subs  []func(Invoice)
}

func New(cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cryptopay")
	if cfg.AutoCancelDefault <= 0 {
		cfg.AutoCancelDefault = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	limiter := NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	g := &Gateway{
		client:       NewClient(cfg.BaseURL, cfg.Token, cfg.Timeout, limiter, logger),
		cache:        NewCurrencyCache(cfg.CacheTTL),
		limiter:      limiter,
		autoCancel:   cfg.AutoCancelDefault,
		pollInterval: cfg.PollInterval,
		log:          logger,
	}
	g.invoices = NewInvoiceStore(g.settleOverdue, g.publish, logger)
	return g
}

func (g *Gateway) Cache() *CurrencyCache { return g.cache }
func (g *Gateway) Invoices() *InvoiceStore { return g.invoices }
func (g *Gateway) AutoCancel() time.Duration { return g.autoCancel }

// Subscribe registers fn for paid and expired transitions. fn runs on the
// goroutine that committed the transition and must not block for long.
func (g *Gateway) Subscribe(fn func(Invoice)) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.subs = append(g.subs, fn)
}

func (g *Gateway) publish(inv Invoice) {
	g.subMu.RLock()
	subs := slices.Clone(g.subs)
	g.subMu.RUnlock()
	for _, fn := range subs {
		fn(inv)
	}
}

type GatewayStats struct {
	Stats
	TrackedInvoices int       `json:"trackedInvoices"`
	ActiveInvoices  int       `json:"activeInvoices"`
	RateWindowUsed  int       `json:"rateWindowUsed"`
	LastRateRefresh time.Time `json:"lastRateRefresh,omitempty"`
}

func (g *Gateway) Stats() GatewayStats {
	tracked, active := g.invoices.Counts()
	return GatewayStats{
		Stats:           g.client.Stats(),
		TrackedInvoices: tracked,
		ActiveInvoices:  active,
		RateWindowUsed:  g.limiter.InWindow(),
		LastRateRefresh: g.cache.LastRefresh(),
	}
}

// === exchange rates ===

func (g *Gateway) refreshRates(ctx context.Context) error {
	gen := g.refreshGen.Load()
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	if g.refreshGen.Load() != gen {
		// refreshed successfully while we waited
		return nil
	}

	var records []ExchangeRate
	if err := g.client.Call(ctx, http.MethodGet, "getExchangeRates", nil, &records); err != nil {
		return err
	}
	n := g.cache.UpdateFromBulkFetch(records)
	g.refreshGen.Add(1)
	g.log.Info("exchange rates refreshed", "received", len(records), "valid", n)
	return nil
}

// ExchangeRates returns fresh cached rates, refreshing when none are fresh or
// force is set. A failed refresh falls back to whatever the cache still holds.
func (g *Gateway) ExchangeRates(ctx context.Context, force bool) ([]ExchangeRate, bool) {
	if !force {
		if rates := g.cache.AllValid(); len(rates) > 0 {
			return rates, true
		}
	}
	if err := g.refreshRates(ctx); err != nil {
		stale := g.cache.All()
		if len(stale) == 0 {
			return nil, false
		}
		g.log.Warn("using stale exchange rates", "count", len(stale), "err", err)
		return stale, true
	}
	rates := g.cache.AllValid()
	return rates, len(rates) > 0
}

// ConvertAmount converts amount between currencies using cached rates, the
// inverse pair, one refresh, and finally a stale rate if the refresh failed.
// A false result means the amount cannot be priced.
func (g *Gateway) ConvertAmount(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	from, to = proxyCurrency(from), proxyCurrency(to)
	if from == to {
		return amount, true
	}

	if rate, ok := g.lookupRate(from, to, false); ok {
		return amount.Mul(rate), true
	}

	err := g.refreshRates(ctx)
	if err == nil {
		if rate, ok := g.lookupRate(from, to, false); ok {
			return amount.Mul(rate), true
		}
		g.log.Warn("exchange rate not offered", "from", from, "to", to)
		return decimal.Decimal{}, false
	}

	if rate, ok := g.lookupRate(from, to, true); ok {
		g.log.Warn("exchange rate fallback to stale cache", "from", from, "to", to, "err", err)
		return amount.Mul(rate), true
	}
	g.log.Error("exchange rate unavailable", "from", from, "to", to, "err", err)
	return decimal.Decimal{}, false
}

func (g *Gateway) lookupRate(from, to string, allowStale bool) (decimal.Decimal, bool) {
	get := func(s, t string) (decimal.Decimal, bool) {
		if allowStale {
			r, _, ok := g.cache.StaleRate(s, t)
			return r, ok
		}
		return g.cache.Rate(s, t)
	}
	if r, ok := get(from, to); ok {
		return r, true
	}
	if r, ok := get(to, from); ok && r.IsPositive() {
		return decimal.NewFromInt(1).Div(r), true
	}
	return decimal.Decimal{}, false
}

// The provider quotes USDT rather than USD.
func proxyCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "USD" {
		return "USDT"
	}
	return code
}

// === invoices ===

type InvoiceRequest struct {
	Asset          string
	Fiat           string
	AcceptedAssets []string
	Amount         decimal.Decimal
	Description    string
	Payload        string
	ExpiresIn      time.Duration
	AutoCancel     time.Duration
}

// CreateInvoice issues an invoice and registers it with an auto-cancel timer of
// the greater of req.AutoCancel and the configured default. Provider failures
// come back as *CallError; only a malformed request yields ErrInvalidInvoiceRequest.
func (g *Gateway) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if !req.Amount.IsPositive() || (req.Asset == "" && req.Fiat == "") {
		return nil, ErrInvalidInvoiceRequest
	}

	params := url.Values{}
	params.Set("amount", FormatAmount(req.Amount))
	if req.Fiat != "" {
		params.Set("currency_type", "fiat")
		params.Set("fiat", req.Fiat)
		if len(req.AcceptedAssets) > 0 {
			params.Set("accepted_assets", strings.Join(req.AcceptedAssets, ","))
		}
	} else {
		params.Set("currency_type", "crypto")
		params.Set("asset", req.Asset)
	}
	if req.Description != "" {
		params.Set("description", req.Description)
	}
	if req.Payload != "" {
		params.Set("payload", req.Payload)
	}
	if req.ExpiresIn > 0 {
		params.Set("expires_in", strconv.Itoa(int(req.ExpiresIn/time.Second)))
	}

	g.log.Info("creating invoice", "amount", params.Get("amount"), "asset", req.Asset, "fiat", req.Fiat)
	var inv Invoice
	if err := g.client.Call(ctx, http.MethodPost, "createInvoice", params, &inv); err != nil {
		return nil, err
	}

	autoCancel := g.autoCancel
	if req.AutoCancel > autoCancel {
		autoCancel = req.AutoCancel
	}
	registered := g.invoices.Register(inv, autoCancel)
	return &registered, nil
}

// GetInvoices fetches provider records for ids without touching the registry.
func (g *Gateway) GetInvoices(ctx context.Context, ids []int64) ([]Invoice, error) {
	var out []Invoice
	for start := 0; start < len(ids); start += maxInvoiceIDs {
		end := start + maxInvoiceIDs
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		parts := make([]string, 0, len(chunk))
		for _, id := range chunk {
			parts = append(parts, strconv.FormatInt(id, 10))
		}
		params := url.Values{}
		params.Set("invoice_ids", strings.Join(parts, ","))
		params.Set("count", strconv.Itoa(len(chunk)))

		var page struct {
			Items []Invoice `json:"items"`
		}
		if err := g.client.Call(ctx, http.MethodGet, "getInvoices", params, &page); err != nil {
			return out, err
		}
		out = append(out, page.Items...)
	}
	return out, nil
}

func (g *Gateway) deleteRemote(ctx context.Context, id int64) error {
	params := url.Values{}
	params.Set("invoice_id", strconv.FormatInt(id, 10))
	var deleted bool
	if err := g.client.Call(ctx, http.MethodPost, "deleteInvoice", params, &deleted); err != nil {
		return err
	}
	if !deleted {
		return g.client.refused("deleteInvoice", &APIError{Name: "NOT_DELETED"})
	}
	return nil
}

// DeleteInvoice cancels an invoice at the provider and marks it cancelled
// locally. An invoice that already expired or was cancelled is a no-op success;
// a paid invoice, or one whose settlement is in flight, is refused.
func (g *Gateway) DeleteInvoice(ctx context.Context, id int64) bool {
	status, known, claimed := g.invoices.claim(id)
	if known && !claimed {
		switch status {
		case InvoiceExpired, InvoiceCancelled:
			return true
		case InvoicePaid:
			g.log.Warn("refusing to delete a paid invoice", "invoice_id", id)
			return false
		default:
			g.log.Info("invoice settlement in flight, delete deferred", "invoice_id", id)
			return false
		}
	}

	if err := g.deleteRemote(ctx, id); err != nil {
		if known {
			g.invoices.release(id)
		}
		g.log.Error("delete invoice failed", "invoice_id", id, "err", err)
		return false
	}
	if known {
		g.invoices.commit(id, InvoiceCancelled)
	}
	g.log.Info("invoice deleted", "invoice_id", id)
	return true
}

// CheckInvoicePaid answers from the local registry kept current by the poller.
func (g *Gateway) CheckInvoicePaid(id int64) bool {
	status, ok := g.invoices.Status(id)
	return ok && status == InvoicePaid
}

func (g *Gateway) InvoiceStatus(id int64) (InvoiceStatus, bool) {
	return g.invoices.Status(id)
}

func (g *Gateway) Invoice(id int64) (Invoice, bool) {
	return g.invoices.Get(id)
}

// settleOverdue is the payment-aware expiry: the provider status is refreshed
// first and a paid invoice is never deleted.
func (g *Gateway) settleOverdue(ctx context.Context, id int64) (InvoiceStatus, bool) {
	recs, err := g.GetInvoices(ctx, []int64{id})
	if err != nil {
		return "", false
	}
	for _, rec := range recs {
		if rec.InvoiceID != id {
			continue
		}
		switch rec.Status {
		case InvoicePaid:
			return InvoicePaid, true
		case InvoiceExpired:
			return InvoiceExpired, true
		}
	}
	if err := g.deleteRemote(ctx, id); err != nil {
		return "", false
	}
	return InvoiceExpired, true
}

// TrackedInvoice identifies an invoice created before a restart.
type TrackedInvoice struct {
	ID       int64
	CancelAt time.Time
}

// Track re-registers invoices known from persistence, fetching their current
// provider state. Active ones get the remaining auto-cancel delay.
func (g *Gateway) Track(ctx context.Context, tracked []TrackedInvoice) ([]Invoice, error) {
	if len(tracked) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(tracked))
	cancelAt := make(map[int64]time.Time, len(tracked))
	for _, t := range tracked {
		ids = append(ids, t.ID)
		cancelAt[t.ID] = t.CancelAt
	}
	recs, err := g.GetInvoices(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Invoice, 0, len(recs))
	for _, rec := range recs {
		var delay time.Duration
		if rec.Status == InvoiceActive {
			delay = time.Until(cancelAt[rec.InvoiceID])
			if delay < time.Millisecond {
				delay = time.Millisecond
			}
		}
		out = append(out, g.invoices.Register(rec, delay))
	}
	return out, nil
}

// === transfers and account ===

type TransferRequest struct {
	UserID              int64
	Asset               string
	Amount              decimal.Decimal
	SpendID             string
	Comment             string
	DisableNotification bool
}

type Transfer struct {
	TransferID  int64           `json:"transfer_id"`
	SpendID     string          `json:"spend_id"`
	UserID      int64           `json:"user_id"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	CompletedAt time.Time       `json:"completed_at"`
	Comment     string          `json:"comment,omitempty"`
}

// Transfer sends funds to a Telegram user. An empty SpendID gets a fresh UUID;
// reuse the same SpendID to retry idempotently.
func (g *Gateway) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.UserID == 0 || req.Asset == "" || !req.Amount.IsPositive() {
		return nil, ErrInvalidTransferRequest
	}
	if req.SpendID == "" {
		req.SpendID = uuid.NewString()
	}
	params := url.Values{}
	params.Set("user_id", strconv.FormatInt(req.UserID, 10))
	params.Set("asset", req.Asset)
	params.Set("amount", FormatAmount(req.Amount))
	params.Set("spend_id", req.SpendID)
	if req.Comment != "" {
		params.Set("comment", req.Comment)
	}
	if req.DisableNotification {
		params.Set("disable_send_notification", "true")
	}

	g.log.Info("transfer", "user_id", req.UserID, "asset", req.Asset, "amount", params.Get("amount"), "spend_id", req.SpendID)
	var t Transfer
	if err := g.client.Call(ctx, http.MethodPost, "transfer", params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

type TransferFilter struct {
	Asset       string
	TransferIDs []int64
	SpendID     string
	Offset      int
	Count       int
}

func (g *Gateway) Transfers(ctx context.Context, f TransferFilter) ([]Transfer, error) {
	params := url.Values{}
	if f.Count <= 0 {
		f.Count = 100
	}
	params.Set("offset", strconv.Itoa(f.Offset))
	params.Set("count", strconv.Itoa(f.Count))
	if f.Asset != "" {
		params.Set("asset", f.Asset)
	}
	if len(f.TransferIDs) > 0 {
		parts := make([]string, 0, len(f.TransferIDs))
		for _, id := range f.TransferIDs {
			parts = append(parts, strconv.FormatInt(id, 10))
		}
		params.Set("transfer_ids", strings.Join(parts, ","))
	}
	if f.SpendID != "" {
		params.Set("spend_id", f.SpendID)
	}
	var page struct {
		Items []Transfer `json:"items"`
	}
	if err := g.client.Call(ctx, http.MethodGet, "getTransfers", params, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

type Balance struct {
	CurrencyCode string          `json:"currency_code"`
	Available    decimal.Decimal `json:"available"`
	Onhold       decimal.Decimal `json:"onhold"`
}

func (g *Gateway) Balance(ctx context.Context) ([]Balance, error) {
	var out []Balance
	if err := g.client.Call(ctx, http.MethodGet, "getBalance", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type Currency struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	IsBlockchain bool   `json:"is_blockchain"`
	IsStablecoin bool   `json:"is_stablecoin"`
	IsFiat       bool   `json:"is_fiat"`
	URL          string `json:"url,omitempty"`
	Decimals     int    `json:"decimals"`
}

func (g *Gateway) Currencies(ctx context.Context) ([]Currency, error) {
	var out []Currency
	if err := g.client.Call(ctx, http.MethodGet, "getCurrencies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
