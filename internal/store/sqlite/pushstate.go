package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/store"
)

type pushStateRow struct {
	Provider            string        `db:"provider"`
	Cursor              string        `db:"cursor"`
	WatchExpiresAt      sql.NullInt64 `db:"watch_expires_at"`
	LastPushAt          sql.NullInt64 `db:"last_push_at"`
	LastPollAt          sql.NullInt64 `db:"last_poll_at"`
	LastSuccessAt       sql.NullInt64 `db:"last_success_at"`
	Health              string        `db:"health"`
	ConsecutiveFailures int           `db:"consecutive_failures"`
	LastError           string        `db:"last_error"`
	LastErrorKind       string        `db:"last_error_kind"`
	UpdatedAt           int64         `db:"updated_at"`
}

func (r pushStateRow) model() *model.PushState {
	return &model.PushState{
		Provider:            model.Provider(r.Provider),
		Cursor:              r.Cursor,
		WatchExpiresAt:      fromNullMS(r.WatchExpiresAt),
		LastPushAt:          fromNullMS(r.LastPushAt),
		LastPollAt:          fromNullMS(r.LastPollAt),
		LastSuccessAt:       fromNullMS(r.LastSuccessAt),
		Health:              model.Health(r.Health),
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastError:           r.LastError,
		LastErrorKind:       r.LastErrorKind,
		UpdatedAt:           fromMS(r.UpdatedAt),
	}
}

// EnsurePushStates inserts a healthy, cursor-less row for each provider that
// has none.
func (s *Store) EnsurePushStates(ctx context.Context, providers []model.Provider) error {
	now := toMS(time.Now())
	for _, p := range providers {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO push_state (provider, health, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(provider) DO NOTHING`,
			string(p), string(model.HealthHealthy), now); err != nil {
			return fmt.Errorf("initializing push state for %s: %w", p, err)
		}
	}
	return nil
}

// GetPushState returns a provider's push state.
func (s *Store) GetPushState(ctx context.Context, p model.Provider) (*model.PushState, error) {
	var r pushStateRow
	err := sqlx.GetContext(ctx, s.q, &r, "SELECT * FROM push_state WHERE provider = ?", string(p))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting push state for %s: %w", p, err)
	}
	return r.model(), nil
}

// ListPushStates returns every provider's push state.
func (s *Store) ListPushStates(ctx context.Context) ([]*model.PushState, error) {
	var rows []pushStateRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, "SELECT * FROM push_state ORDER BY provider"); err != nil {
		return nil, fmt.Errorf("listing push states: %w", err)
	}
	out := make([]*model.PushState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// SavePushState persists everything but the cursor, which only moves
// through AdvanceCursor.
func (s *Store) SavePushState(ctx context.Context, st *model.PushState) error {
	st.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE push_state SET
			watch_expires_at = ?,
			last_push_at = ?,
			last_poll_at = ?,
			last_success_at = ?,
			health = ?,
			consecutive_failures = ?,
			last_error = ?,
			last_error_kind = ?,
			updated_at = ?
		WHERE provider = ?`,
		toNullMS(st.WatchExpiresAt), toNullMS(st.LastPushAt), toNullMS(st.LastPollAt), toNullMS(st.LastSuccessAt),
		string(st.Health), st.ConsecutiveFailures, st.LastError, st.LastErrorKind,
		toMS(st.UpdatedAt), string(st.Provider))
	if err != nil {
		return fmt.Errorf("saving push state for %s: %w", st.Provider, err)
	}
	return requireRow(res)
}

// AdvanceCursor moves the stored cursor to next when after(stored, next).
func (s *Store) AdvanceCursor(ctx context.Context, p model.Provider, next string, after model.CursorOrder) (bool, error) {
	advanced := false
	err := s.InTx(ctx, func(st store.Store) error {
		tx := st.(*Store)
		var current string
		err := sqlx.GetContext(ctx, tx.q, &current, "SELECT cursor FROM push_state WHERE provider = ?", string(p))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading cursor for %s: %w", p, err)
		}
		if !after(current, next) {
			return nil
		}
		if _, err := tx.q.ExecContext(ctx,
			"UPDATE push_state SET cursor = ?, updated_at = ? WHERE provider = ?",
			next, toMS(time.Now()), string(p)); err != nil {
			return fmt.Errorf("advancing cursor for %s: %w", p, err)
		}
		advanced = true
		return nil
	})
	return advanced, err
}
