package cryptopay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceActive    InvoiceStatus = "active"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceExpired   InvoiceStatus = "expired"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceExpired || s == InvoiceCancelled
}

// Invoice mirrors the provider invoice object. Status is the local view and is
// advisory until confirmed by a poll or an explicit provider call.
type Invoice struct {
	InvoiceID      int64           `json:"invoice_id"`
	Hash           string          `json:"hash"`
	CurrencyType   string          `json:"currency_type"`
	Asset          string          `json:"asset,omitempty"`
	Fiat           string          `json:"fiat,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	PayURL         string          `json:"pay_url"`
	BotInvoiceURL  string          `json:"bot_invoice_url"`
	MiniAppURL     string          `json:"mini_app_invoice_url,omitempty"`
	WebAppURL      string          `json:"web_app_invoice_url,omitempty"`
	Description    string          `json:"description,omitempty"`
	Payload        string          `json:"payload,omitempty"`
	PaidAsset      string          `json:"paid_asset,omitempty"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	Status         InvoiceStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	AllowComments  bool            `json:"allow_comments"`
	AllowAnonymous bool            `json:"allow_anonymous"`
}

// URL returns the link a payer should open.
func (inv Invoice) URL() string {
	if inv.BotInvoiceURL != "" {
		return inv.BotInvoiceURL
	}
	return inv.PayURL
}

// settleFunc resolves an overdue active invoice against the provider. It returns
// the status to commit and whether the provider side succeeded.
type settleFunc func(ctx context.Context, id int64) (InvoiceStatus, bool)

// InvoiceStore is the registry of known invoices and their auto-cancel deadlines.
// Provider calls are never made while mu is held.
type InvoiceStore struct {
	mu        sync.Mutex
	invoices  map[int64]*Invoice
	deadlines map[int64]time.Time
	settling  map[int64]struct{}
	runCtx    context.Context

	sched   *Scheduler
	settle  settleFunc
	notify  func(Invoice)
	log     *slog.Logger
	nowFunc func() time.Time
}

func NewInvoiceStore(settle settleFunc, notify func(Invoice), logger *slog.Logger) *InvoiceStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &InvoiceStore{
		invoices:  map[int64]*Invoice{},
		deadlines: map[int64]time.Time{},
		settling:  map[int64]struct{}{},
		runCtx:    context.Background(),
		settle:    settle,
		notify:    notify,
		log:       logger,
		nowFunc:   time.Now,
	}
	s.sched = NewScheduler(s.onDue)
	return s
}

// Run drives the auto-cancel timers until ctx is cancelled.
func (s *InvoiceStore) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.sched.Run(ctx)
}

// Register stores inv and, when autoCancel is positive, (re)schedules its
// cancellation, replacing any earlier timer for the same id.
func (s *InvoiceStore) Register(inv Invoice, autoCancel time.Duration) Invoice {
	if inv.Status == "" {
		inv.Status = InvoiceActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := inv
	s.invoices[inv.InvoiceID] = &stored
	if autoCancel > 0 && stored.Status == InvoiceActive {
		at := s.nowFunc().Add(autoCancel)
		s.deadlines[inv.InvoiceID] = at
		s.sched.Schedule(inv.InvoiceID, at)
		s.log.Info("invoice auto-cancel scheduled", "invoice_id", inv.InvoiceID, "in", autoCancel)
	}
	return stored
}

func (s *InvoiceStore) Get(id int64) (Invoice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, false
	}
	return *inv, true
}

func (s *InvoiceStore) Status(id int64) (InvoiceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return "", false
	}
	return inv.Status, true
}

// Deadline reports the local auto-cancel deadline of id, if any.
func (s *InvoiceStore) Deadline(id int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.deadlines[id]
	return at, ok
}

func (s *InvoiceStore) ActiveIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.invoices))
	for id, inv := range s.invoices {
		if inv.Status == InvoiceActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Overdue lists active invoices whose deadline has passed and whose timer is
// no longer armed, i.e. an earlier cancellation attempt failed.
func (s *InvoiceStore) Overdue() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	var ids []int64
	for id, at := range s.deadlines {
		inv, ok := s.invoices[id]
		if !ok || inv.Status != InvoiceActive || at.After(now) {
			continue
		}
		if _, busy := s.settling[id]; busy {
			continue
		}
		if _, armed := s.sched.Pending(id); armed {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *InvoiceStore) Counts() (tracked, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.Status == InvoiceActive {
			active++
		}
	}
	return len(s.invoices), active
}

// Apply merges provider records into the registry. Only active local invoices
// change status, so terminal states are never reopened. The transitions made
// are returned and published.
func (s *InvoiceStore) Apply(records []Invoice) []Invoice {
	s.mu.Lock()
	var changed []Invoice
	for _, rec := range records {
		inv, ok := s.invoices[rec.InvoiceID]
		if !ok {
			continue
		}
		if inv.Status != InvoiceActive {
			continue
		}
		status := rec.Status
		*inv = rec
		inv.Status = InvoiceActive
		if s.transitionLocked(rec.InvoiceID, status) {
			changed = append(changed, *inv)
		}
	}
	s.mu.Unlock()

	for _, inv := range changed {
		s.publish(inv)
	}
	return changed
}

func (s *InvoiceStore) CancelTimer(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadlines, id)
	return s.sched.Cancel(id)
}

func (s *InvoiceStore) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched.Cancel(id)
	delete(s.deadlines, id)
	delete(s.invoices, id)
}

// Expire runs the cancellation path for id: skipped unless the invoice is still
// active and no other settlement is in flight; the provider is consulted
// outside the lock and the local status is only finalized on success.
func (s *InvoiceStore) Expire(ctx context.Context, id int64) bool {
	status, known, claimed := s.claim(id)
	if !known {
		return false
	}
	if !claimed {
		if status != InvoiceActive {
			s.log.Debug("invoice already settled, auto-cancel skipped", "invoice_id", id, "status", status)
		}
		return false
	}

	result, ok := s.settle(ctx, id)
	if !ok {
		s.release(id)
		s.log.Warn("invoice auto-cancel failed, left active", "invoice_id", id)
		return false
	}
	inv, changed := s.commit(id, result)
	if changed {
		s.publish(inv)
	}
	return changed
}

func (s *InvoiceStore) onDue(id int64) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	s.Expire(ctx, id)
}

// claim marks an active invoice as settling. known is false for ids the
// registry has never seen.
func (s *InvoiceStore) claim(id int64) (status InvoiceStatus, known, claimed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return "", false, false
	}
	if inv.Status != InvoiceActive {
		delete(s.deadlines, id)
		return inv.Status, true, false
	}
	if _, busy := s.settling[id]; busy {
		return inv.Status, true, false
	}
	s.settling[id] = struct{}{}
	return inv.Status, true, true
}

func (s *InvoiceStore) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settling, id)
}

func (s *InvoiceStore) commit(id int64, status InvoiceStatus) (Invoice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settling, id)
	changed := s.transitionLocked(id, status)
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, false
	}
	return *inv, changed
}

// transitionLocked moves an active invoice to a terminal status and drops its timer.
func (s *InvoiceStore) transitionLocked(id int64, status InvoiceStatus) bool {
	inv, ok := s.invoices[id]
	if !ok || inv.Status != InvoiceActive || !status.Terminal() {
		return false
	}
	inv.Status = status
	delete(s.deadlines, id)
	s.sched.Cancel(id)
	return true
}

func (s *InvoiceStore) publish(inv Invoice) {
	switch inv.Status {
	case InvoicePaid:
		s.log.Info("invoice paid", "invoice_id", inv.InvoiceID)
	case InvoiceExpired:
		s.log.Info("invoice expired", "invoice_id", inv.InvoiceID)
	default:
		return
	}
	if s.notify != nil {
		s.notify(inv)
	}
}
