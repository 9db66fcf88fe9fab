package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/store"
)

// Publisher publishes one notification. msgID dedupes redeliveries.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Outbox is the slice of the store the dispatcher drains
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatcher moves outbox rows to the publisher
type Dispatcher struct {
	outbox   Outbox
	pub      Publisher
	log      *zerolog.Logger
	Batch    int
	Interval time.Duration
	// MaxBackoff caps the retry delay of a failing row.
	MaxBackoff time.Duration
}

// NewDispatcher creates a dispatcher with default batch and interval
func NewDispatcher(outbox Outbox, pub Publisher, log *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		outbox:     outbox,
		pub:        pub,
		log:        log,
		Batch:      50,
		Interval:   2 * time.Second,
		MaxBackoff: 10 * time.Minute,
	}
}

// backoff doubles from one second per attempt
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := time.Second
	for i := 0; i < attempts && delay < d.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, d.MaxBackoff)
}

// DispatchOnce publishes one batch of due rows and returns how many were
// published. A failed row is rescheduled, not dropped.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.outbox.DequeueOutbox(ctx, d.Batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, m := range pending {
		if err := d.pub.Publish(ctx, m.Subject, m.Payload, m.MsgID); err != nil {
			delay := d.backoff(m.Attempts)
			d.log.Warn().Err(err).
				Int64("outbox_id", m.ID).
				Str("subject", m.Subject).
				Dur("retry_in", delay).
				Msg("publish failed")
			if err := d.outbox.MarkOutboxRetry(ctx, m.ID, delay); err != nil {
				return published, err
			}
			continue
		}
		if err := d.outbox.MarkPublished(ctx, m.ID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// Run dispatches on every tick until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		if n, err := d.DispatchOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error().Err(err).Msg("outbox dispatch failed")
		} else if n > 0 {
			d.log.Debug().Int("published", n).Msg("outbox dispatched")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
