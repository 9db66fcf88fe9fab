package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbridge/internal/store"
)

// ClaimReply takes the reply lease on a message for owner until until. A
// lease held by another owner that has not expired at now is left alone and
// reported as not claimed.
func (s *Store) ClaimReply(ctx context.Context, messageID int64, owner string, until, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO reply_claims (message_id, owner, expires_at)
		SELECT id, ?, ? FROM messages WHERE id = ?
		ON CONFLICT(message_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE reply_claims.expires_at <= ?`,
		owner, toMS(until), messageID, toMS(now))
	if err != nil {
		return false, fmt.Errorf("claiming reply on message %d: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := sqlx.GetContext(ctx, s.q, &exists, "SELECT COUNT(*) FROM messages WHERE id = ?", messageID); err != nil {
		return false, fmt.Errorf("checking message %d: %w", messageID, err)
	}
	if exists == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

// ReleaseReply drops owner's lease on a message.
func (s *Store) ReleaseReply(ctx context.Context, messageID int64, owner string) error {
	if _, err := s.q.ExecContext(ctx,
		"DELETE FROM reply_claims WHERE message_id = ? AND owner = ?", messageID, owner); err != nil {
		return fmt.Errorf("releasing reply on message %d: %w", messageID, err)
	}
	return nil
}
