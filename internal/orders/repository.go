package orders

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/joao-fontenele/order-notifications/internal/domain"
)

var (
	// ErrDuplicateIdempotencyKey signals that another insert already
	// claimed this (user, idempotency key) pair. Expected under
	// concurrent retries; callers resolve it by re-querying.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateOrderNumber signals an order number collision. With
	// UUID-based numbers this is effectively unreachable and is treated
	// as a hard failure.
	ErrDuplicateOrderNumber = errors.New("duplicate order number")
)

// Postgres unique_violation, see
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const uniqueViolation = "23505"

// Constraint names fixed by the migration.
const (
	idempotencyKeyConstraint = "orders_user_id_idempotency_key_key"
	orderNumberConstraint    = "orders_order_number_key"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// InsertTx persists the order inside the caller's transaction and
// fills in the store-assigned id. Unique violations are mapped to the
// sentinel matching the violated constraint.
func (r *OrderRepository) InsertTx(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, order_number, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`, order.UserID, order.OrderNumber, order.Status, order.IdempotencyKey, order.CreatedAt).Scan(&order.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			switch pqErr.Constraint {
			case idempotencyKeyConstraint:
				return ErrDuplicateIdempotencyKey
			case orderNumberConstraint:
				return ErrDuplicateOrderNumber
			}
		}
		return err
	}
	return nil
}

// FindByUserAndKey is the idempotency lookup. It reads through the
// same unique index the insert path relies on. Returns nil when no
// order exists for the pair.
func (r *OrderRepository) FindByUserAndKey(ctx context.Context, userID int64, idempotencyKey string) (*domain.Order, error) {
	return r.queryOne(ctx, `
		SELECT id, user_id, order_number, status, idempotency_key, created_at, updated_at
		FROM orders
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, idempotencyKey)
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	return r.queryOne(ctx, `
		SELECT id, user_id, order_number, status, idempotency_key, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id)
}

func (r *OrderRepository) GetByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return r.queryOne(ctx, `
		SELECT id, user_id, order_number, status, idempotency_key, created_at, updated_at
		FROM orders
		WHERE order_number = $1
	`, orderNumber)
}

// ListByUser returns up to limit most recent orders for a user.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, order_number, status, idempotency_key, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	for rows.Next() {
		var order domain.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// UpdateStatus mutates the order status and bumps updated_at. Returns
// the updated order, or nil when the id is unknown.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, nil
	}

	return r.GetByID(ctx, id)
}

func (r *OrderRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE user_id = $1
	`, userID).Scan(&count)
	return count, err
}

func (r *OrderRepository) queryOne(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	order := &domain.Order{}
	err := scanOrder(r.db.QueryRowContext(ctx, query, args...), order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return order, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner, order *domain.Order) error {
	return s.Scan(&order.ID, &order.UserID, &order.OrderNumber, &order.Status,
		&order.IdempotencyKey, &order.CreatedAt, &order.UpdatedAt)
}
