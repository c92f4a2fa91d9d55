package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shopbot/internal/cryptopay"
	"shopbot/internal/models"
	"shopbot/internal/pricing"
	"shopbot/internal/selection"
	"shopbot/internal/store"

	"github.com/shopspring/decimal"
)

type memStore struct {
	mu         sync.Mutex
	products   map[int64]*models.Product
	orders     map[int64]*models.Order
	payments   []*models.Payment
	nextID     int64
	maxPending int
	createErr  error
}

func newMemStore(products ...*models.Product) *memStore {
	st := &memStore{products: map[int64]*models.Product{}, orders: map[int64]*models.Order{}}
	for _, p := range products {
		st.products[p.ProductID] = p
	}
	return st
}

func (m *memStore) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Quantity
}

func (m *memStore) pendingCount(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked(userID)
}

func (m *memStore) pendingLocked(userID int64) int {
	n := 0
	for _, o := range m.orders {
		if o.UserID == userID && o.Status == models.OrderPending {
			n++
		}
	}
	return n
}

func (m *memStore) order(id int64) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

func (m *memStore) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) PendingOrder(_ context.Context, userID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Order
	for _, o := range m.orders {
		if o.UserID == userID && o.Status == models.OrderPending && (found == nil || o.OrderID > found.OrderID) {
			found = o
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *memStore) OrderByInvoice(_ context.Context, invoiceID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.InvoiceID != nil && *o.InvoiceID == invoiceID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListPendingOrders(_ context.Context) ([]*models.Order, error) {
	return m.filter(func(o *models.Order) bool { return o.Status == models.OrderPending }), nil
}

func (m *memStore) ExpiredPending(_ context.Context, now time.Time) ([]*models.Order, error) {
	return m.filter(func(o *models.Order) bool {
		return o.Status == models.OrderPending && o.ExpiresAt.Before(now)
	}), nil
}

func (m *memStore) filter(keep func(*models.Order) bool) []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if keep(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (m *memStore) insert(o *models.Order) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.OrderID = m.nextID
	cp := *o
	m.orders[o.OrderID] = &cp
	return o
}

func (m *memStore) CreateOrderWithStock(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	p := m.products[o.ProductID]
	if p.Quantity < o.Quantity {
		return store.ErrOutOfStock
	}
	if m.pendingLocked(o.UserID) > 0 {
		return store.ErrPendingExists
	}
	p.Quantity -= o.Quantity
	m.nextID++
	o.OrderID = m.nextID
	o.CreatedAt = time.Now().UTC()
	cp := *o
	m.orders[o.OrderID] = &cp
	if n := m.pendingLocked(o.UserID); n > m.maxPending {
		m.maxPending = n
	}
	return nil
}

func (m *memStore) CancelOrder(_ context.Context, id int64, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderPending {
		return false, nil
	}
	o.Status = models.OrderCancelled
	o.CancelReason = &reason
	m.products[o.ProductID].Quantity += o.Quantity
	return true, nil
}

func (m *memStore) MarkOrderPaid(_ context.Context, id int64, p *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderPending {
		return false, nil
	}
	o.Status = models.OrderPaid
	o.PaidAt = &p.PaidAt
	m.payments = append(m.payments, p)
	return true, nil
}

// fakeGateway keeps invoice statuses in memory.
type fakeGateway struct {
	mu          sync.Mutex
	nextID      int64
	invoices    map[int64]*cryptopay.Invoice
	created     int
	deleted     []int64
	createErr   error
	deleteFails bool
	trackErr    error
	remote      map[int64]cryptopay.InvoiceStatus
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{nextID: 100, invoices: map[int64]*cryptopay.Invoice{}, remote: map[int64]cryptopay.InvoiceStatus{}}
}

func (g *fakeGateway) setStatus(id int64, st cryptopay.InvoiceStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inv, ok := g.invoices[id]; ok {
		inv.Status = st
	}
}

func (g *fakeGateway) CreateInvoice(_ context.Context, req cryptopay.InvoiceRequest) (*cryptopay.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.nextID++
	g.created++
	inv := &cryptopay.Invoice{
		InvoiceID:     g.nextID,
		Asset:         req.Asset,
		Amount:        req.Amount,
		Status:        cryptopay.InvoiceActive,
		BotInvoiceURL: "https://t.me/CryptoBot?start=IV",
	}
	g.invoices[inv.InvoiceID] = inv
	cp := *inv
	return &cp, nil
}

func (g *fakeGateway) DeleteInvoice(_ context.Context, id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[id]
	if ok {
		switch inv.Status {
		case cryptopay.InvoiceExpired, cryptopay.InvoiceCancelled:
			return true
		case cryptopay.InvoicePaid:
			return false
		}
	} else if g.remote[id] == cryptopay.InvoicePaid {
		// the provider refuses to delete a paid invoice
		return false
	}
	if g.deleteFails {
		return false
	}
	g.deleted = append(g.deleted, id)
	if ok {
		inv.Status = cryptopay.InvoiceCancelled
	}
	return true
}

func (g *fakeGateway) CheckInvoicePaid(id int64) bool {
	st, ok := g.InvoiceStatus(id)
	return ok && st == cryptopay.InvoicePaid
}

func (g *fakeGateway) InvoiceStatus(id int64) (cryptopay.InvoiceStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[id]
	if !ok {
		return "", false
	}
	return inv.Status, true
}

func (g *fakeGateway) Invoice(id int64) (cryptopay.Invoice, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[id]
	if !ok {
		return cryptopay.Invoice{}, false
	}
	return *inv, true
}

func (g *fakeGateway) Track(_ context.Context, tracked []cryptopay.TrackedInvoice) ([]cryptopay.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.trackErr != nil {
		return nil, g.trackErr
	}
	var out []cryptopay.Invoice
	for _, t := range tracked {
		st, ok := g.remote[t.ID]
		if !ok {
			continue
		}
		inv := &cryptopay.Invoice{InvoiceID: t.ID, Status: st}
		g.invoices[t.ID] = inv
		out = append(out, *inv)
	}
	return out, nil
}

func (g *fakeGateway) AutoCancel() time.Duration { return time.Hour }

func (g *fakeGateway) deletes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deleted)
}

func (g *fakeGateway) creates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

type rateConverter struct {
	fail bool
}

func (c rateConverter) ConvertAmount(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	if c.fail {
		return decimal.Decimal{}, false
	}
	if from == to {
		return amount, true
	}
	return amount.Div(decimal.NewFromInt(100)), true
}

type notification struct {
	orderID int64
	paid    bool
	reason  CancelReason
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notification
}

func (n *recordingNotifier) OrderPaid(_ context.Context, o *models.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notification{orderID: o.OrderID, paid: true})
}

func (n *recordingNotifier) OrderCancelled(_ context.Context, o *models.Order, r CancelReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notification{orderID: o.OrderID, reason: r})
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.got...)
}

type fixture struct {
	store    *memStore
	gateway  *fakeGateway
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(conv rateConverter, products ...*models.Product) *fixture {
	st := newMemStore(products...)
	gw := newFakeGateway()
	n := &recordingNotifier{}
	svc := NewService(st, gw, pricing.Service{Converter: conv, Fiat: "RUB"}, map[int]string{1: "USDT", 2: "TON"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.SetNotifier(n)
	return &fixture{store: st, gateway: gw, notifier: n, svc: svc}
}

func product(id int64, qty int, price string) *models.Product {
	return &models.Product{ProductID: id, Title: "Account", Quantity: qty, Price: decimal.RequireFromString(price)}
}

func choice(productID int64, qty, asset int) selection.Choice {
	return selection.Choice{
		ProductID: productID, Quantity: qty, AssetCode: asset,
		HasProduct: true, HasQuantity: true, HasAsset: true,
	}
}

var errDBDown = errors.New("db down")
