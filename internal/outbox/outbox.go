// Package outbox ties event publication to a database transaction:
// events staged during the transaction are sent to the broker only
// after the commit returns successfully. A rollback discards them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrNoActiveTransaction means staging was attempted without an
	// open transaction. This is a wiring bug, not a runtime condition.
	ErrNoActiveTransaction = errors.New("outbox: no active transaction")

	// ErrPublishFailed means the owning transaction committed but one
	// or more staged events could not be delivered after retries. The
	// committed rows stand; callers must report, not roll back.
	ErrPublishFailed = errors.New("outbox: event publishing failed")
)

// Publisher hands a serialized event to the broker and reports whether
// delivery was confirmed.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Tx is the subset of *sql.Tx the outbox needs.
type Tx interface {
	Commit() error
	Rollback() error
}

type Outbox struct {
	publisher       Publisher
	logger          *slog.Logger
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

type Option func(*Outbox)

// WithMaxAttempts bounds the publish attempts per event, including the
// first one.
func WithMaxAttempts(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.maxRetries = uint64(n - 1)
		}
	}
}

// WithRetryInterval sets the exponential backoff window between
// publish attempts.
func WithRetryInterval(initial, max time.Duration) Option {
	return func(o *Outbox) {
		o.initialInterval = initial
		o.maxInterval = max
	}
}

func New(publisher Publisher, logger *slog.Logger, opts ...Option) *Outbox {
	o := &Outbox{
		publisher:       publisher,
		logger:          logger,
		maxRetries:      2,
		initialInterval: time.Second,
		maxInterval:     10 * time.Second,
		multiplier:      2,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type stagedEvent struct {
	key   string
	event any
}

// Staging collects events for one transaction. It is not safe for
// concurrent use; each transaction gets its own Staging.
type Staging struct {
	outbox *Outbox
	tx     Tx
	staged []stagedEvent
	done   bool
}

// Begin binds a staging area to an open transaction.
func (o *Outbox) Begin(tx Tx) (*Staging, error) {
	if tx == nil {
		return nil, ErrNoActiveTransaction
	}
	return &Staging{outbox: o, tx: tx}, nil
}

// Stage registers an event for publication after commit. Staging the
// same key twice is a no-op, so a single order never initiates more
// than one publish sequence.
func (s *Staging) Stage(key string, event any) error {
	if s.done {
		return ErrNoActiveTransaction
	}
	for _, ev := range s.staged {
		if ev.key == key {
			return nil
		}
	}
	s.staged = append(s.staged, stagedEvent{key: key, event: event})
	return nil
}

// Rollback aborts the transaction and discards everything staged.
func (s *Staging) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	s.staged = nil
	return s.tx.Rollback()
}

// Commit commits the transaction, then publishes the staged events.
// A commit failure returns before any publish attempt. Publish
// failures after a successful commit are collected and returned
// wrapped in ErrPublishFailed; the transaction is not undone.
func (s *Staging) Commit(ctx context.Context) error {
	if s.done {
		return ErrNoActiveTransaction
	}
	s.done = true

	if err := s.tx.Commit(); err != nil {
		s.staged = nil
		return fmt.Errorf("commit transaction: %w", err)
	}

	var errs []error
	for _, ev := range s.staged {
		if err := s.outbox.publish(ctx, ev); err != nil {
			s.outbox.logger.Error("failed to publish staged event",
				"error", err, "key", ev.key)
			errs = append(errs, fmt.Errorf("event %s: %w", ev.key, err))
		}
	}
	s.staged = nil

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPublishFailed, errors.Join(errs...))
	}
	return nil
}

func (o *Outbox) publish(ctx context.Context, ev stagedEvent) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.initialInterval
	bo.MaxInterval = o.maxInterval
	bo.Multiplier = o.multiplier
	bo.RandomizationFactor = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := o.publisher.Publish(ctx, ev.key, ev.event)
		if err != nil {
			o.logger.Warn("publish attempt failed",
				"key", ev.key, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, o.maxRetries), ctx))
}
