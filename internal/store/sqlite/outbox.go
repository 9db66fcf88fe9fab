package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbridge/internal/store"
)

// EnqueueOutbox records a notification for later publication. A repeated
// msgID is ignored.
func (s *Store) EnqueueOutbox(ctx context.Context, subject string, payload []byte, msgID string) error {
	now := toMS(time.Now())
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbox (subject, payload, msg_id, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO NOTHING`,
		subject, payload, msgID, now, now)
	if err != nil {
		return fmt.Errorf("inserting outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished entries that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	var rows []struct {
		ID      int64  `db:"id"`
		Subject string `db:"subject"`
		Payload []byte `db:"payload"`
		MsgID   string `db:"msg_id"`
		Retries int    `db:"retries"`
	}
	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?`, toMS(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}

	out := make([]store.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.OutboxMessage{
			ID:       r.ID,
			Subject:  r.Subject,
			Payload:  r.Payload,
			MsgID:    r.MsgID,
			Attempts: r.Retries,
		})
	}
	return out, nil
}

// MarkPublished marks an outbox entry as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	if _, err := s.q.ExecContext(ctx,
		"UPDATE outbox SET published_at = ? WHERE id = ?", toMS(time.Now()), id); err != nil {
		return fmt.Errorf("marking outbox %d published: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and delays the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	if _, err := s.q.ExecContext(ctx, `
		UPDATE outbox SET retries = retries + 1, next_attempt_at = ?
		WHERE id = ?`, toMS(time.Now().Add(backoff)), id); err != nil {
		return fmt.Errorf("marking outbox %d retry: %w", id, err)
	}
	return nil
}
