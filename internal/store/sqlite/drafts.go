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

type draftRow struct {
	ID        int64  `db:"id"`
	MessageID int64  `db:"message_id"`
	Content   string `db:"content"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r draftRow) model() *model.Draft {
	return &model.Draft{
		ID:        r.ID,
		MessageID: r.MessageID,
		Content:   r.Content,
		CreatedAt: fromMS(r.CreatedAt),
		UpdatedAt: fromMS(r.UpdatedAt),
	}
}

// CreateDraft starts a draft for an existing message.
func (s *Store) CreateDraft(ctx context.Context, messageID int64, content string) (*model.Draft, error) {
	var exists int
	if err := sqlx.GetContext(ctx, s.q, &exists, "SELECT COUNT(*) FROM messages WHERE id = ?", messageID); err != nil {
		return nil, fmt.Errorf("checking message %d: %w", messageID, err)
	}
	if exists == 0 {
		return nil, store.ErrNotFound
	}

	now := toMS(time.Now())
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO drafts (message_id, content, created_at, updated_at) VALUES (?, ?, ?, ?)",
		messageID, content, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating draft for message %d: %w", messageID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading draft id: %w", err)
	}
	return &model.Draft{
		ID:        id,
		MessageID: messageID,
		Content:   content,
		CreatedAt: fromMS(now),
		UpdatedAt: fromMS(now),
	}, nil
}

// GetDraft returns a draft by id.
func (s *Store) GetDraft(ctx context.Context, id int64) (*model.Draft, error) {
	var r draftRow
	err := sqlx.GetContext(ctx, s.q, &r, "SELECT * FROM drafts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting draft %d: %w", id, err)
	}
	return r.model(), nil
}

// UpdateDraft replaces a draft's content.
func (s *Store) UpdateDraft(ctx context.Context, id int64, content string) (*model.Draft, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE drafts SET content = ?, updated_at = ? WHERE id = ?",
		content, toMS(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("updating draft %d: %w", id, err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	return s.GetDraft(ctx, id)
}

// DeleteDraft removes a draft.
func (s *Store) DeleteDraft(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM drafts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting draft %d: %w", id, err)
	}
	return requireRow(res)
}

// ListDrafts returns a message's drafts, oldest first.
func (s *Store) ListDrafts(ctx context.Context, messageID int64) ([]*model.Draft, error) {
	var rows []draftRow
	if err := sqlx.SelectContext(ctx, s.q, &rows,
		"SELECT * FROM drafts WHERE message_id = ? ORDER BY id", messageID); err != nil {
		return nil, fmt.Errorf("listing drafts for message %d: %w", messageID, err)
	}
	out := make([]*model.Draft, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}
