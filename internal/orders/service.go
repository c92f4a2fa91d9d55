package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shopbot/internal/cryptopay"
	"shopbot/internal/models"
	"shopbot/internal/payments"
	"shopbot/internal/pricing"
	"shopbot/internal/selection"
	"shopbot/internal/store"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound      = errors.New("product not found")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrIncompleteSelection  = errors.New("selection incomplete")
	ErrUnknownAsset         = errors.New("unknown payment asset")
	ErrPricingUnavailable   = errors.New("pricing unavailable")
	ErrInvoiceUnavailable   = errors.New("invoice could not be created")
	ErrSettlementPending    = errors.New("previous order is still settling")
	ErrNoPendingOrder       = errors.New("no pending order")
)

// QuantityError is returned when stock cannot cover a request.
type QuantityError struct {
	Requested int
	Available int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity: requested %d, available %d", e.Requested, e.Available)
}

func (e *QuantityError) Unwrap() error { return ErrInsufficientQuantity }

type CancelReason string

const (
	ReasonSuperseded CancelReason = "superseded"
	ReasonUser       CancelReason = "user"
	ReasonExpired    CancelReason = "expired"
)

type Store interface {
	GetProduct(ctx context.Context, productID int64) (*models.Product, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	PendingOrder(ctx context.Context, userID int64) (*models.Order, error)
	OrderByInvoice(ctx context.Context, invoiceID int64) (*models.Order, error)
	ListPendingOrders(ctx context.Context) ([]*models.Order, error)
	ExpiredPending(ctx context.Context, now time.Time) ([]*models.Order, error)
	CreateOrderWithStock(ctx context.Context, order *models.Order) error
	CancelOrder(ctx context.Context, orderID int64, reason string) (bool, error)
	MarkOrderPaid(ctx context.Context, orderID int64, payment *models.Payment) (bool, error)
}

// Gateway is the slice of *cryptopay.Gateway the reconciler uses.
type Gateway interface {
	CreateInvoice(ctx context.Context, req cryptopay.InvoiceRequest) (*cryptopay.Invoice, error)
	DeleteInvoice(ctx context.Context, invoiceID int64) bool
	CheckInvoicePaid(invoiceID int64) bool
	InvoiceStatus(invoiceID int64) (cryptopay.InvoiceStatus, bool)
	Invoice(invoiceID int64) (cryptopay.Invoice, bool)
	Track(ctx context.Context, tracked []cryptopay.TrackedInvoice) ([]cryptopay.Invoice, error)
	AutoCancel() time.Duration
}

// Notifier presents order outcomes to the user.
type Notifier interface {
	OrderPaid(ctx context.Context, order *models.Order)
	OrderCancelled(ctx context.Context, order *models.Order, reason CancelReason)
}

type nopNotifier struct{}

func (nopNotifier) OrderPaid(context.Context, *models.Order)                    {}
func (nopNotifier) OrderCancelled(context.Context, *models.Order, CancelReason) {}

type Service struct {
	Store    Store
	Gateway  Gateway
	Pricing  pricing.Service
	Notifier Notifier
	// Assets maps the asset code of a selection to the provider asset symbol.
	Assets map[int]string
	Log    *slog.Logger

	locks userLocks
}

func NewService(st Store, gw Gateway, pr pricing.Service, assets map[int]string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:    st,
		Gateway:  gw,
		Pricing:  pr,
		Notifier: nopNotifier{},
		Assets:   assets,
		Log:      logger.With("component", "orders"),
	}
}

func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.Notifier = n
}

// Placement is what the presentation layer needs to show a new order.
type Placement struct {
	Order       *models.Order
	Product     *models.Product
	PayURL      string
	Fiat        string
	Total       decimal.Decimal
	Asset       string
	AssetAmount decimal.Decimal
	TimeToPay   time.Duration
}

type PlaceRequest struct {
	UserID    int64
	Choice    selection.Choice
	ChatID    int64
	MessageID int
}

// CheckQuantity validates a quantity against current stock without reserving it.
func (s *Service) CheckQuantity(ctx context.Context, productID int64, quantity int) (*models.Product, error) {
	product, err := s.product(ctx, productID)
	if err != nil {
		return nil, err
	}
	if quantity <= 0 || quantity > product.Quantity {
		return product, &QuantityError{Requested: quantity, Available: product.Quantity}
	}
	return product, nil
}

// PlaceOrder turns a completed selection into a pending order bound to a new
// invoice. Any earlier pending order of the user is settled first; if that
// cannot finish, no new order is placed.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (*Placement, error) {
	c := req.Choice
	if !c.Complete() {
		return nil, ErrIncompleteSelection
	}
	asset, ok := s.Assets[c.AssetCode]
	if !ok {
		return nil, ErrUnknownAsset
	}

	unlock := s.locks.lock(req.UserID)
	defer unlock()

	if _, err := s.product(ctx, c.ProductID); err != nil {
		return nil, err
	}
	if err := s.resolvePending(ctx, req.UserID); err != nil {
		return nil, err
	}

	// stock may have been restored by the cancellation above
	product, err := s.CheckQuantity(ctx, c.ProductID, c.Quantity)
	if err != nil {
		return nil, err
	}

	quote, err := s.Pricing.Quote(ctx, product.Price, c.Quantity, asset)
	if err != nil {
		s.Log.Error("order pricing failed", "user_id", req.UserID, "asset", asset, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrPricingUnavailable, err)
	}

	inv, err := s.Gateway.CreateInvoice(ctx, cryptopay.InvoiceRequest{
		Asset:       asset,
		Amount:      quote.AssetAmount,
		Description: fmt.Sprintf("%s x%d", productTitle(product), c.Quantity),
		Payload:     fmt.Sprintf("user:%d", req.UserID),
	})
	if err != nil {
		s.Log.Error("invoice creation failed", "user_id", req.UserID, "asset", asset, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
	}

	snap, err := json.Marshal(quote)
	if err != nil {
		s.abandonInvoice(ctx, inv.InvoiceID)
		return nil, err
	}
	timeToPay := s.Gateway.AutoCancel()
	invoiceID := inv.InvoiceID
	order := &models.Order{
		UserID:        req.UserID,
		ProductID:     product.ProductID,
		Quantity:      c.Quantity,
		InvoiceID:     &invoiceID,
		Status:        models.OrderPending,
		Fiat:          quote.Fiat,
		TotalPrice:    quote.Total,
		Asset:         asset,
		AssetAmount:   quote.AssetAmount,
		PayURL:        inv.URL(),
		PriceSnapshot: string(snap),
		ChatID:        req.ChatID,
		MessageID:     req.MessageID,
		ExpiresAt:     time.Now().UTC().Add(timeToPay),
	}

	if err := s.Store.CreateOrderWithStock(ctx, order); err != nil {
		s.abandonInvoice(ctx, inv.InvoiceID)
		if errors.Is(err, store.ErrOutOfStock) {
			return nil, &QuantityError{Requested: c.Quantity, Available: s.available(ctx, product)}
		}
		if errors.Is(err, store.ErrPendingExists) {
			return nil, ErrSettlementPending
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}

	s.Log.Info("order created",
		"order_id", order.OrderID,
		"user_id", order.UserID,
		"invoice_id", invoiceID,
		"total", order.TotalPrice.String(),
		"fiat", order.Fiat,
		"asset_amount", cryptopay.FormatAmount(order.AssetAmount),
		"asset", asset,
	)
	return &Placement{
		Order:       order,
		Product:     product,
		PayURL:      order.PayURL,
		Fiat:        order.Fiat,
		Total:       order.TotalPrice,
		Asset:       asset,
		AssetAmount: order.AssetAmount,
		TimeToPay:   timeToPay,
	}, nil
}

// CheckPayment settles the user's pending order if its invoice was paid or
// already closed. A still-active order is returned unchanged.
func (s *Service) CheckPayment(ctx context.Context, userID int64) (*models.Order, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	order, err := s.pending(ctx, userID)
	if err != nil {
		return nil, err
	}
	if order.InvoiceID == nil {
		return s.settle(ctx, order, ReasonExpired)
	}
	found, err := s.track(ctx, order)
	if err != nil {
		s.Log.Warn("payment check deferred", "order_id", order.OrderID, "err", err)
		return order, nil
	}
	if !found {
		return s.settle(ctx, order, ReasonExpired)
	}
	if s.Gateway.CheckInvoicePaid(*order.InvoiceID) {
		return s.finalizePaid(ctx, order)
	}
	if status, known := s.Gateway.InvoiceStatus(*order.InvoiceID); known && status.Terminal() {
		return s.settle(ctx, order, ReasonExpired)
	}
	return order, nil
}

// CancelPending checks the user's pending order for payment and cancels it
// when unpaid.
func (s *Service) CancelPending(ctx context.Context, userID int64) (*models.Order, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	order, err := s.pending(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, order, ReasonUser)
}

// HandleInvoiceUpdate applies a paid or expired transition committed by the
// gateway. It is registered with Gateway.Subscribe.
func (s *Service) HandleInvoiceUpdate(inv cryptopay.Invoice) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	order, err := s.Store.OrderByInvoice(ctx, inv.InvoiceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.Log.Error("invoice update lookup failed", "invoice_id", inv.InvoiceID, "err", err)
		}
		return
	}

	unlock := s.locks.lock(order.UserID)
	defer unlock()

	switch inv.Status {
	case cryptopay.InvoicePaid:
		_, err = s.markPaid(ctx, order, inv)
	case cryptopay.InvoiceExpired:
		_, err = s.closeOrder(ctx, order, ReasonExpired)
	default:
		return
	}
	if err != nil {
		s.Log.Error("invoice update not applied", "invoice_id", inv.InvoiceID, "order_id", order.OrderID, "err", err)
	}
}

// Resume re-registers the invoices of pending orders after a restart and
// settles those the provider already closed.
func (s *Service) Resume(ctx context.Context) error {
	orders, err := s.Store.ListPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}

	byInvoice := map[int64]*models.Order{}
	var tracked []cryptopay.TrackedInvoice
	for _, o := range orders {
		if o.InvoiceID == nil {
			if _, err := s.closeOrder(ctx, o, ReasonExpired); err != nil {
				s.Log.Error("resume: cancel order without invoice failed", "order_id", o.OrderID, "err", err)
			}
			continue
		}
		byInvoice[*o.InvoiceID] = o
		tracked = append(tracked, cryptopay.TrackedInvoice{ID: *o.InvoiceID, CancelAt: o.ExpiresAt})
	}

	invoices, err := s.Gateway.Track(ctx, tracked)
	if err != nil {
		return fmt.Errorf("track invoices: %w", err)
	}
	seen := map[int64]bool{}
	for _, inv := range invoices {
		seen[inv.InvoiceID] = true
		o := byInvoice[inv.InvoiceID]
		if o == nil {
			continue
		}
		switch inv.Status {
		case cryptopay.InvoicePaid:
			_, err = s.markPaid(ctx, o, inv)
		case cryptopay.InvoiceExpired, cryptopay.InvoiceCancelled:
			_, err = s.closeOrder(ctx, o, ReasonExpired)
		default:
			continue
		}
		if err != nil {
			s.Log.Error("resume: settle order failed", "order_id", o.OrderID, "err", err)
		}
	}
	// the provider no longer knows these invoices, so they cannot be paid
	for id, o := range byInvoice {
		if seen[id] {
			continue
		}
		if _, err := s.closeOrder(ctx, o, ReasonExpired); err != nil {
			s.Log.Error("resume: cancel order failed", "order_id", o.OrderID, "err", err)
		}
	}
	s.Log.Info("pending orders resumed", "orders", len(orders), "tracked", len(invoices))
	return nil
}

// Sweep settles pending orders whose payment window closed without the
// gateway reporting a transition. It returns the number of orders settled.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	orders, err := s.Store.ExpiredPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired pending orders: %w", err)
	}
	settled := 0
	for _, o := range orders {
		if o.InvoiceID != nil {
			if status, known := s.Gateway.InvoiceStatus(*o.InvoiceID); known && status == cryptopay.InvoiceActive {
				// the invoice store still owns the timeout
				continue
			}
		}
		unlock := s.locks.lock(o.UserID)
		out, err := s.settle(ctx, o, ReasonExpired)
		unlock()
		if err != nil {
			s.Log.Warn("sweep: order not settled", "order_id", o.OrderID, "err", err)
			continue
		}
		if out.Status.Terminal() {
			settled++
		}
	}
	return settled, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.Store.GetOrder(ctx, orderID)
}

// === settlement ===

func (s *Service) resolvePending(ctx context.Context, userID int64) error {
	prior, err := s.Store.PendingOrder(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending order: %w", err)
	}
	_, err = s.settle(ctx, prior, ReasonSuperseded)
	return err
}

// settle finalizes order as paid when its invoice was paid, otherwise deletes
// the invoice and cancels the order. The order stays pending when the invoice
// could not be deleted.
func (s *Service) settle(ctx context.Context, order *models.Order, reason CancelReason) (*models.Order, error) {
	if order.InvoiceID == nil {
		return s.closeOrder(ctx, order, reason)
	}
	id := *order.InvoiceID
	found, err := s.track(ctx, order)
	if err != nil {
		s.Log.Warn("order settlement deferred", "order_id", order.OrderID, "invoice_id", id, "err", err)
		return order, ErrSettlementPending
	}
	if !found {
		// the provider no longer knows the invoice, so it cannot be paid
		return s.closeOrder(ctx, order, reason)
	}
	if s.Gateway.CheckInvoicePaid(id) {
		return s.finalizePaid(ctx, order)
	}
	if !s.Gateway.DeleteInvoice(ctx, id) {
		if s.Gateway.CheckInvoicePaid(id) {
			return s.finalizePaid(ctx, order)
		}
		s.Log.Warn("order settlement deferred", "order_id", order.OrderID, "invoice_id", id)
		return order, ErrSettlementPending
	}
	return s.closeOrder(ctx, order, reason)
}

// track makes sure the gateway knows the order's invoice, registering it from
// the provider when a failed Resume left it out. It reports false when the
// provider has no such invoice.
func (s *Service) track(ctx context.Context, order *models.Order) (bool, error) {
	id := *order.InvoiceID
	if _, known := s.Gateway.InvoiceStatus(id); known {
		return true, nil
	}
	recs, err := s.Gateway.Track(ctx, []cryptopay.TrackedInvoice{{ID: id, CancelAt: order.ExpiresAt}})
	if err != nil {
		return false, fmt.Errorf("track invoice %d: %w", id, err)
	}
	for _, rec := range recs {
		if rec.InvoiceID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) finalizePaid(ctx context.Context, order *models.Order) (*models.Order, error) {
	inv, ok := s.Gateway.Invoice(*order.InvoiceID)
	if !ok {
		inv = cryptopay.Invoice{InvoiceID: *order.InvoiceID, Status: cryptopay.InvoicePaid}
	}
	return s.markPaid(ctx, order, inv)
}

func (s *Service) markPaid(ctx context.Context, order *models.Order, inv cryptopay.Invoice) (*models.Order, error) {
	payment, updated, err := payments.ApplyPayment(ctx, s.Store, order, inv)
	if err != nil {
		return order, err
	}
	if !updated {
		return s.reload(ctx, order)
	}
	if payment.Asset == order.Asset && payments.CompareAmount(payment.Amount, order.AssetAmount) < 0 {
		s.Log.Warn("order paid below quoted amount", "order_id", order.OrderID, "paid", payment.Amount.String(), "quoted", order.AssetAmount.String())
	}
	s.Log.Info("order paid", "order_id", order.OrderID, "user_id", order.UserID, "invoice_id", payment.InvoiceID, "total", order.TotalPrice.String())
	s.Notifier.OrderPaid(ctx, order)
	return order, nil
}

// closeOrder cancels a pending order whose invoice is already gone and
// restores its stock.
func (s *Service) closeOrder(ctx context.Context, order *models.Order, reason CancelReason) (*models.Order, error) {
	cancelled, err := s.Store.CancelOrder(ctx, order.OrderID, string(reason))
	if err != nil {
		return order, err
	}
	if !cancelled {
		return s.reload(ctx, order)
	}
	order.Status = models.OrderCancelled
	r := string(reason)
	order.CancelReason = &r
	s.Log.Info("order cancelled", "order_id", order.OrderID, "user_id", order.UserID, "reason", reason)
	s.Notifier.OrderCancelled(ctx, order, reason)
	return order, nil
}

func (s *Service) abandonInvoice(ctx context.Context, invoiceID int64) {
	if !s.Gateway.DeleteInvoice(ctx, invoiceID) {
		s.Log.Error("orphaned invoice could not be deleted", "invoice_id", invoiceID)
	}
}

func (s *Service) product(ctx context.Context, productID int64) (*models.Product, error) {
	p, err := s.Store.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		s.Log.Warn("product not found", "product_id", productID)
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	return p, nil
}

func (s *Service) pending(ctx context.Context, userID int64) (*models.Order, error) {
	o, err := s.Store.PendingOrder(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPendingOrder
	}
	if err != nil {
		return nil, fmt.Errorf("load pending order: %w", err)
	}
	return o, nil
}

func (s *Service) reload(ctx context.Context, order *models.Order) (*models.Order, error) {
	fresh, err := s.Store.GetOrder(ctx, order.OrderID)
	if err != nil {
		return order, fmt.Errorf("reload order: %w", err)
	}
	return fresh, nil
}

func (s *Service) available(ctx context.Context, product *models.Product) int {
	fresh, err := s.Store.GetProduct(ctx, product.ProductID)
	if err != nil {
		return 0
	}
	return fresh.Quantity
}

func productTitle(p *models.Product) string {
	if p.Title != "" {
		return p.Title
	}
	return fmt.Sprintf("Product #%d", p.ProductID)
}

// userLocks serializes order operations per user.
type userLocks struct {
	mu sync.Mutex
	m  map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (l *userLocks) lock(userID int64) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[int64]*userLock{}
	}
	ul, ok := l.m[userID]
	if !ok {
		ul = &userLock{}
		l.m[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, userID)
		}
		l.mu.Unlock()
	}
}
