package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/order-notifications/internal/domain"
	"github.com/joao-fontenele/order-notifications/internal/outbox"
)

var (
	// ErrInvalidArgument covers malformed input. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCreationFailed covers persistence errors not explained by an
	// idempotency-key race. Retryable with backoff from the caller.
	ErrCreationFailed = errors.New("order creation failed")
)

// Service is the single entry point for creating orders. It guarantees
// idempotency per (user, key) pair and publishes the created event
// only after the transaction commits.
type Service struct {
	db              *sql.DB
	repo            *OrderRepository
	outbox          *outbox.Outbox
	logger          *slog.Logger
	created         metric.Int64Counter
	publishFailures metric.Int64Counter
}

func NewService(db *sql.DB, repo *OrderRepository, ob *outbox.Outbox, logger *slog.Logger) (*Service, error) {
	meter := otel.Meter("orders")

	created, err := meter.Int64Counter("orders.created",
		metric.WithDescription("Orders successfully created."))
	if err != nil {
		return nil, err
	}

	publishFailures, err := meter.Int64Counter("orders.events.publish_failures",
		metric.WithDescription("Orders committed whose created event could not be delivered."))
	if err != nil {
		return nil, err
	}

	return &Service{
		db:              db,
		repo:            repo,
		outbox:          ob,
		logger:          logger,
		created:         created,
		publishFailures: publishFailures,
	}, nil
}

// CreateOrder creates an order for userID, or returns the existing one
// when the idempotency key was already used. Repeated calls with the
// same (userID, idempotencyKey) always resolve to the same order.
//
// A publish failure after commit does not fail the call: the order is
// durable, the failure is logged and counted for out-of-band recovery.
func (s *Service) CreateOrder(ctx context.Context, userID int64, idempotencyKey string) (*domain.Order, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidArgument)
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key must not be blank", ErrInvalidArgument)
	}

	existing, err := s.repo.FindByUserAndKey(ctx, userID, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency lookup: %w", ErrCreationFailed, err)
	}
	if existing != nil {
		s.logger.Info("returning existing order for idempotency key",
			"order_number", existing.OrderNumber, "user_id", userID)
		return existing, nil
	}

	now := time.Now().UTC()
	order := &domain.Order{
		UserID:         userID,
		OrderNumber:    domain.NewOrderNumber(),
		Status:         domain.OrderStatusCreated,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrCreationFailed, err)
	}

	staging, err := s.outbox.Begin(tx)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := s.repo.InsertTx(ctx, tx, order); err != nil {
		_ = staging.Rollback()
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Lost the race against a concurrent insert with the same
			// key; the committed winner is the result.
			return s.resolveInsertConflict(ctx, userID, idempotencyKey)
		}
		return nil, fmt.Errorf("%w: insert order: %w", ErrCreationFailed, err)
	}

	event := domain.NewOrderCreatedEvent(order)
	if err := staging.Stage(order.OrderNumber, event); err != nil {
		_ = staging.Rollback()
		return nil, fmt.Errorf("%w: stage event: %w", ErrCreationFailed, err)
	}

	if err := staging.Commit(ctx); err != nil {
		if errors.Is(err, outbox.ErrPublishFailed) {
			s.publishFailures.Add(ctx, 1)
			s.created.Add(ctx, 1)
			s.logger.Error("order committed but event publishing failed",
				"error", err, "order_number", order.OrderNumber, "user_id", userID)
			return order, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrCreationFailed, err)
	}

	s.created.Add(ctx, 1)
	s.logger.Info("order created",
		"order_id", order.ID, "order_number", order.OrderNumber, "user_id", userID)
	return order, nil
}

func (s *Service) resolveInsertConflict(ctx context.Context, userID int64, idempotencyKey string) (*domain.Order, error) {
	existing, err := s.repo.FindByUserAndKey(ctx, userID, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: conflict re-query: %w", ErrCreationFailed, err)
	}
	if existing == nil {
		// The conflicting row vanished between the failed insert and
		// the re-query. Nothing sane to return; let the caller retry.
		return nil, fmt.Errorf("%w: idempotency conflict without a resolvable order", ErrCreationFailed)
	}
	s.logger.Info("idempotency conflict resolved to existing order",
		"order_number", existing.OrderNumber, "user_id", userID)
	return existing, nil
}

// GetOrder returns the order with the given id, or nil when unknown.
func (s *Service) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return s.repo.GetByID(ctx, id)
}

// GetOrderByNumber returns the order with the given order number, or
// nil when unknown.
func (s *Service) GetOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return s.repo.GetByOrderNumber(ctx, orderNumber)
}

// ListOrders returns up to 100 most recent orders for a user.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]domain.Order, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidArgument)
	}
	return s.repo.ListByUser(ctx, userID, 100)
}

// UpdateStatus applies an out-of-band status change.
func (s *Service) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) (*domain.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}
	return s.repo.UpdateStatus(ctx, id, status)
}
