package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/store"
)

type draftRow struct {
	ID        int64     `db:"id"`
	MessageID int64     `db:"message_id"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r draftRow) model() *model.Draft {
	return &model.Draft{
		ID:        r.ID,
		MessageID: r.MessageID,
		Content:   r.Content,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// CreateDraft starts a draft for an existing message.
func (s *Store) CreateDraft(ctx context.Context, messageID int64, content string) (*model.Draft, error) {
	now := time.Now().UTC()
	rows, err := s.q.Query(ctx, `
		INSERT INTO drafts (message_id, content, created_at, updated_at)
		SELECT id, $2, $3, $3 FROM messages WHERE id = $1
		RETURNING *`, messageID, content, now)
	if err != nil {
		return nil, fmt.Errorf("creating draft for message %d: %w", messageID, err)
	}
	r, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[draftRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("creating draft for message %d: %w", messageID, err)
	}
	return r.model(), nil
}

// GetDraft returns a draft by id.
func (s *Store) GetDraft(ctx context.Context, id int64) (*model.Draft, error) {
	return s.oneDraft(ctx, "SELECT * FROM drafts WHERE id = $1", id)
}

// UpdateDraft replaces a draft's content.
func (s *Store) UpdateDraft(ctx context.Context, id int64, content string) (*model.Draft, error) {
	return s.oneDraft(ctx,
		"UPDATE drafts SET content = $2, updated_at = $3 WHERE id = $1 RETURNING *",
		id, content, time.Now().UTC())
}

func (s *Store) oneDraft(ctx context.Context, query string, args ...any) (*model.Draft, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading draft: %w", err)
	}
	r, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[draftRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading draft: %w", err)
	}
	return r.model(), nil
}

// DeleteDraft removes a draft.
func (s *Store) DeleteDraft(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM drafts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting draft %d: %w", id, err)
	}
	return requireRow(tag)
}

// ListDrafts returns a message's drafts, oldest first.
func (s *Store) ListDrafts(ctx context.Context, messageID int64) ([]*model.Draft, error) {
	rows, err := s.q.Query(ctx, "SELECT * FROM drafts WHERE message_id = $1 ORDER BY id", messageID)
	if err != nil {
		return nil, fmt.Errorf("listing drafts for message %d: %w", messageID, err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[draftRow])
	if err != nil {
		return nil, fmt.Errorf("listing drafts for message %d: %w", messageID, err)
	}
	out := make([]*model.Draft, 0, len(list))
	for _, r := range list {
		out = append(out, r.model())
	}
	return out, nil
}

type pushStateRow struct {
	Provider            string     `db:"provider"`
	Cursor              string     `db:"cursor"`
	WatchExpiresAt      *time.Time `db:"watch_expires_at"`
	LastPushAt          *time.Time `db:"last_push_at"`
	LastPollAt          *time.Time `db:"last_poll_at"`
	LastSuccessAt       *time.Time `db:"last_success_at"`
	Health              string     `db:"health"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
	LastError           string     `db:"last_error"`
	LastErrorKind       string     `db:"last_error_kind"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func (r pushStateRow) model() *model.PushState {
	return &model.PushState{
		Provider:            model.Provider(r.Provider),
		Cursor:              r.Cursor,
		WatchExpiresAt:      r.WatchExpiresAt,
		LastPushAt:          r.LastPushAt,
		LastPollAt:          r.LastPollAt,
		LastSuccessAt:       r.LastSuccessAt,
		Health:              model.Health(r.Health),
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastError:           r.LastError,
		LastErrorKind:       r.LastErrorKind,
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
}

// EnsurePushStates inserts a healthy row for each provider that has none.
func (s *Store) EnsurePushStates(ctx context.Context, providers []model.Provider) error {
	now := time.Now().UTC()
	for _, p := range providers {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO push_state (provider, health, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (provider) DO NOTHING`, string(p), string(model.HealthHealthy), now); err != nil {
			return fmt.Errorf("initializing push state for %s: %w", p, err)
		}
	}
	return nil
}

// GetPushState returns a provider's push state.
func (s *Store) GetPushState(ctx context.Context, p model.Provider) (*model.PushState, error) {
	rows, err := s.q.Query(ctx, "SELECT * FROM push_state WHERE provider = $1", string(p))
	if err != nil {
		return nil, fmt.Errorf("getting push state for %s: %w", p, err)
	}
	r, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[pushStateRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting push state for %s: %w", p, err)
	}
	return r.model(), nil
}

// ListPushStates returns every provider's push state.
func (s *Store) ListPushStates(ctx context.Context) ([]*model.PushState, error) {
	rows, err := s.q.Query(ctx, "SELECT * FROM push_state ORDER BY provider")
	if err != nil {
		return nil, fmt.Errorf("listing push states: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[pushStateRow])
	if err != nil {
		return nil, fmt.Errorf("listing push states: %w", err)
	}
	out := make([]*model.PushState, 0, len(list))
	for _, r := range list {
		out = append(out, r.model())
	}
	return out, nil
}

// SavePushState persists everything but the cursor.
func (s *Store) SavePushState(ctx context.Context, st *model.PushState) error {
	st.UpdatedAt = time.Now().UTC()
	tag, err := s.q.Exec(ctx, `
		UPDATE push_state SET
			watch_expires_at = $2,
			last_push_at = $3,
			last_poll_at = $4,
			last_success_at = $5,
			health = $6,
			consecutive_failures = $7,
			last_error = $8,
			last_error_kind = $9,
			updated_at = $10
		WHERE provider = $1`,
		string(st.Provider), st.WatchExpiresAt, st.LastPushAt, st.LastPollAt, st.LastSuccessAt,
		string(st.Health), st.ConsecutiveFailures, st.LastError, st.LastErrorKind, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving push state for %s: %w", st.Provider, err)
	}
	return requireRow(tag)
}

// AdvanceCursor moves the stored cursor to next when after(stored, next).
// The row is locked for the comparison.
func (s *Store) AdvanceCursor(ctx context.Context, p model.Provider, next string, after model.CursorOrder) (bool, error) {
	advanced := false
	err := s.InTx(ctx, func(st store.Store) error {
		tx := st.(*Store)
		var current string
		err := tx.q.QueryRow(ctx, "SELECT cursor FROM push_state WHERE provider = $1 FOR UPDATE", string(p)).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading cursor for %s: %w", p, err)
		}
		if !after(current, next) {
			return nil
		}
		if _, err := tx.q.Exec(ctx,
			"UPDATE push_state SET cursor = $2, updated_at = $3 WHERE provider = $1",
			string(p), next, time.Now().UTC()); err != nil {
			return fmt.Errorf("advancing cursor for %s: %w", p, err)
		}
		advanced = true
		return nil
	})
	return advanced, err
}

// EnqueueOutbox records a notification; a repeated msgID is ignored.
func (s *Store) EnqueueOutbox(ctx context.Context, subject string, payload []byte, msgID string) error {
	now := time.Now().UTC()
	if _, err := s.q.Exec(ctx, `
		INSERT INTO outbox (subject, payload, msg_id, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (msg_id) DO NOTHING`, subject, payload, msgID, now); err != nil {
		return fmt.Errorf("inserting outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished entries that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= $1
		ORDER BY id
		LIMIT $2`, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.OutboxMessage, error) {
		var m store.OutboxMessage
		err := row.Scan(&m.ID, &m.Subject, &m.Payload, &m.MsgID, &m.Attempts)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	return out, nil
}

// MarkPublished marks an outbox entry as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	if _, err := s.q.Exec(ctx, "UPDATE outbox SET published_at = $2 WHERE id = $1", id, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking outbox %d published: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and delays the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	if _, err := s.q.Exec(ctx, `
		UPDATE outbox SET retries = retries + 1, next_attempt_at = $2
		WHERE id = $1`, id, time.Now().UTC().Add(backoff)); err != nil {
		return fmt.Errorf("marking outbox %d retry: %w", id, err)
	}
	return nil
}
