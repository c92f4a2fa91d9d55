package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shopbot/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrOutOfStock    = errors.New("insufficient stock")
	ErrPendingExists = errors.New("user already has a pending order")
)

const pendingIndex = "orders_one_pending_per_user"

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// === users ===

func (s *Store) EnsureUser(ctx context.Context, userID int64, username string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO users (user_id, username) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET username=EXCLUDED.username, updated_at=now()
		WHERE users.username <> EXCLUDED.username
	`, userID, username)
	return err
}

// LoadSelection returns the stored selection path, "" for unknown users.
func (s *Store) LoadSelection(ctx context.Context, userID int64) (string, error) {
	var choice string
	err := s.Pool.QueryRow(ctx, `SELECT choice FROM users WHERE user_id=$1`, userID).Scan(&choice)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return choice, err
}

func (s *Store) SaveSelection(ctx context.Context, userID int64, path string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO users (user_id, choice) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET choice=EXCLUDED.choice, updated_at=now()
	`, userID, path)
	return err
}

// === products ===

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	return s.Pool.QueryRow(ctx, `
		INSERT INTO products (title, account_limit, quantity, price)
		VALUES ($1,$2,$3,$4)
		RETURNING product_id, created_at, updated_at
	`, p.Title, p.AccountLimit, p.Quantity, p.Price).Scan(&p.ProductID, &p.CreatedAt, &p.UpdatedAt)
}

const productColumns = `product_id, title, account_limit, quantity, price, created_at, updated_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	if err := row.Scan(&p.ProductID, &p.Title, &p.AccountLimit, &p.Quantity, &p.Price, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	p, err := scanProduct(s.Pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE product_id=$1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]*models.Product, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddStock raises a product's quantity by add without exceeding limit and
// returns the new quantity.
func (s *Store) AddStock(ctx context.Context, productID int64, add, limit int) (int, error) {
	var qty int
	err := s.Pool.QueryRow(ctx, `
		UPDATE products
		SET quantity=LEAST(quantity + $2, GREATEST(quantity, $3)), updated_at=now()
		WHERE product_id=$1
		RETURNING quantity
	`, productID, add, limit).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return qty, err
}

// === orders ===

const orderColumns = `order_id, user_id, product_id, quantity, invoice_id, status,
	fiat, total_price, asset, asset_amount, pay_url, price_snapshot,
	chat_id, message_id, expires_at, paid_at, cancel_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var invoiceID sql.NullInt64
	var paidAt sql.NullTime
	var reason sql.NullString

	err := row.Scan(
		&order.OrderID,
		&order.UserID,
		&order.ProductID,
		&order.Quantity,
		&invoiceID,
		&order.Status,
		&order.Fiat,
		&order.TotalPrice,
		&order.Asset,
		&order.AssetAmount,
		&order.PayURL,
		&order.PriceSnapshot,
		&order.ChatID,
		&order.MessageID,
		&order.ExpiresAt,
		&paidAt,
		&reason,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if invoiceID.Valid {
		order.InvoiceID = &invoiceID.Int64
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if reason.Valid {
		order.CancelReason = &reason.String
	}
	return &order, nil
}

// CreateOrderWithStock decrements stock and inserts the order in one
// transaction. order.OrderID and the timestamps are filled in on success.
func (s *Store) CreateOrderWithStock(ctx context.Context, order *models.Order) error {
	snapshot := order.PriceSnapshot
	if snapshot == "" {
		snapshot = "{}"
	}
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE products SET quantity=quantity-$2, updated_at=now()
			WHERE product_id=$1 AND quantity >= $2
		`, order.ProductID, order.Quantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrOutOfStock
		}
		return tx.QueryRow(ctx, `
			INSERT INTO orders (
				user_id, product_id, quantity, invoice_id, status,
				fiat, total_price, asset, asset_amount, pay_url, price_snapshot,
				chat_id, message_id, expires_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			RETURNING order_id, created_at, updated_at
		`,
			order.UserID,
			order.ProductID,
			order.Quantity,
			order.InvoiceID,
			order.Status,
			order.Fiat,
			order.TotalPrice,
			order.Asset,
			order.AssetAmount,
			order.PayURL,
			snapshot,
			order.ChatID,
			order.MessageID,
			order.ExpiresAt,
		).Scan(&order.OrderID, &order.CreatedAt, &order.UpdatedAt)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == pendingIndex {
		return ErrPendingExists
	}
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := scanOrder(s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *Store) OrderByInvoice(ctx context.Context, invoiceID int64) (*models.Order, error) {
	o, err := scanOrder(s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE invoice_id=$1`, invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// PendingOrder returns the most recent pending order of userID.
func (s *Store) PendingOrder(ctx context.Context, userID int64) (*models.Order, error) {
	o, err := scanOrder(s.Pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id=$1 AND status='pending'
		ORDER BY created_at DESC LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *Store) ListPendingOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE status='pending' ORDER BY order_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CancelOrder moves a pending order to cancelled and returns its quantity to
// stock. It reports false when the order was no longer pending.
func (s *Store) CancelOrder(ctx context.Context, orderID int64, reason string) (bool, error) {
	var cancelled bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var productID int64
		var qty int
		err := tx.QueryRow(ctx, `
			UPDATE orders SET status='cancelled', cancel_reason=$2, updated_at=now()
			WHERE order_id=$1 AND status='pending'
			RETURNING product_id, quantity
		`, orderID, reason).Scan(&productID, &qty)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE products SET quantity=quantity+$2, updated_at=now() WHERE product_id=$1
		`, productID, qty); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return cancelled, nil
}

// MarkOrderPaid records the payment and moves a pending order to paid. It
// reports false when the order was no longer pending.
func (s *Store) MarkOrderPaid(ctx context.Context, orderID int64, payment *models.Payment) (bool, error) {
	var updated bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET status='paid', paid_at=$2, updated_at=now()
			WHERE order_id=$1 AND status='pending'
		`, orderID, payment.PaidAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO payments (invoice_id, order_id, asset, amount, paid_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (invoice_id) DO NOTHING
		`, payment.InvoiceID, orderID, payment.Asset, payment.Amount, payment.PaidAt); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark order %d paid: %w", orderID, err)
	}
	return updated, nil
}

func (s *Store) ListPayments(ctx context.Context, orderID int64) ([]*models.Payment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT invoice_id, order_id, asset, amount, paid_at, created_at
		FROM payments WHERE order_id=$1 ORDER BY paid_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.InvoiceID, &p.OrderID, &p.Asset, &p.Amount, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CountByStatus is used by the ops API.
func (s *Store) CountByStatus(ctx context.Context) (map[models.OrderStatus]int, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, count(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[models.OrderStatus]int{}
	for rows.Next() {
		var st models.OrderStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ExpiredPending lists pending orders whose payment window closed before now.
func (s *Store) ExpiredPending(ctx context.Context, now time.Time) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE status='pending' AND expires_at < $1 ORDER BY order_id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
