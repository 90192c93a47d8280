// Package notifier consumes order-created events and dispatches the
// email and SMS notifications for them.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/order-notifications/internal/domain"
)

// Sender delivers one notification to a user.
type Sender interface {
	Send(ctx context.Context, userID int64, message string) error
}

type Handler struct {
	email  Sender
	sms    Sender
	logger *slog.Logger

	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration

	emailSuccess metric.Int64Counter
	emailFailure metric.Int64Counter
	smsSuccess   metric.Int64Counter
	smsFailure   metric.Int64Counter
	processed    metric.Int64Counter
	failed       metric.Int64Counter
	invalid      metric.Int64Counter
	duration     metric.Float64Histogram
}

type Option func(*Handler)

func WithMaxAttempts(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxRetries = uint64(n - 1)
		}
	}
}

func WithRetryInterval(initial, max time.Duration) Option {
	return func(h *Handler) {
		h.initialInterval = initial
		h.maxInterval = max
	}
}

func NewHandler(email, sms Sender, logger *slog.Logger, opts ...Option) (*Handler, error) {
	h := &Handler{
		email:           email,
		sms:             sms,
		logger:          logger,
		maxRetries:      2,
		initialInterval: time.Second,
		maxInterval:     10 * time.Second,
	}

	meter := otel.Meter("notifier")

	var err error
	if h.emailSuccess, err = meter.Int64Counter("notification.email.success"); err != nil {
		return nil, err
	}
	if h.emailFailure, err = meter.Int64Counter("notification.email.failure"); err != nil {
		return nil, err
	}
	if h.smsSuccess, err = meter.Int64Counter("notification.sms.success"); err != nil {
		return nil, err
	}
	if h.smsFailure, err = meter.Int64Counter("notification.sms.failure"); err != nil {
		return nil, err
	}
	if h.processed, err = meter.Int64Counter("notification.event.processed"); err != nil {
		return nil, err
	}
	if h.failed, err = meter.Int64Counter("notification.event.failed"); err != nil {
		return nil, err
	}
	if h.invalid, err = meter.Int64Counter("notification.event.invalid"); err != nil {
		return nil, err
	}
	if h.duration, err = meter.Float64Histogram("notification.event.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Handle processes one order-created event. Malformed or invalid
// events are counted and dropped rather than redelivered: the topic is
// at-least-once and a poison message must not wedge the partition.
// Duplicate deliveries resend notifications, which is acceptable here.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	start := time.Now()
	defer func() {
		h.duration.Record(ctx, time.Since(start).Seconds())
	}()

	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Error("failed to unmarshal order created event", "error", err)
		h.invalid.Add(ctx, 1)
		return nil
	}

	if event.UserID <= 0 {
		h.logger.Error("invalid event: user id is not positive", "order_id", event.OrderID)
		h.invalid.Add(ctx, 1)
		return nil
	}

	h.logger.Info("processing order created event",
		"order_id", event.OrderID, "order_number", event.OrderNumber, "user_id", event.UserID)

	message := fmt.Sprintf("Your order %s has been created! Order ID: %d",
		event.OrderNumber, event.OrderID)

	emailErr := h.send(ctx, h.email, event.UserID, message)
	if emailErr != nil {
		h.emailFailure.Add(ctx, 1)
		h.logger.Error("failed to send email notification",
			"error", emailErr, "user_id", event.UserID, "order_id", event.OrderID)
	} else {
		h.emailSuccess.Add(ctx, 1)
	}

	smsErr := h.send(ctx, h.sms, event.UserID, message)
	if smsErr != nil {
		h.smsFailure.Add(ctx, 1)
		h.logger.Error("failed to send sms notification",
			"error", smsErr, "user_id", event.UserID, "order_id", event.OrderID)
	} else {
		h.smsSuccess.Add(ctx, 1)
	}

	if emailErr != nil || smsErr != nil {
		h.failed.Add(ctx, 1)
		return nil
	}

	h.processed.Add(ctx, 1)
	h.logger.Info("order created event processed", "order_id", event.OrderID)
	return nil
}

func (h *Handler) send(ctx context.Context, sender Sender, userID int64, message string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.initialInterval
	bo.MaxInterval = h.maxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	return backoff.Retry(func() error {
		return sender.Send(ctx, userID, message)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, h.maxRetries), ctx))
}
