package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailbridge/internal/store"
)

// ClaimReply takes the reply lease on a message for owner until until. A
// lease held by another owner that has not expired at now is left alone and
// reported as not claimed.
func (s *Store) ClaimReply(ctx context.Context, messageID int64, owner string, until, now time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO reply_claims (message_id, owner, expires_at)
		SELECT id, $2, $3 FROM messages WHERE id = $1
		ON CONFLICT (message_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE reply_claims.expires_at <= $4`,
		messageID, owner, until.UTC(), now.UTC())
	if err != nil {
		return false, fmt.Errorf("claiming reply on message %d: %w", messageID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)", messageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking message %d: %w", messageID, err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// ReleaseReply drops owner's lease on a message.
func (s *Store) ReleaseReply(ctx context.Context, messageID int64, owner string) error {
	if _, err := s.q.Exec(ctx,
		"DELETE FROM reply_claims WHERE message_id = $1 AND owner = $2", messageID, owner); err != nil {
		return fmt.Errorf("releasing reply on message %d: %w", messageID, err)
	}
	return nil
}
