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

type threadRow struct {
	ID                int64         `db:"id"`
	Provider          string        `db:"provider"`
	ProviderThreadID  string        `db:"provider_thread_id"`
	RetrieverThreadID string        `db:"retriever_thread_id"`
	SubjectLast       string        `db:"subject_last"`
	DeletedAt         sql.NullInt64 `db:"deleted_at"`
	CreatedAt         int64         `db:"created_at"`
	UpdatedAt         int64         `db:"updated_at"`
}

func (r threadRow) model() *model.Thread {
	return &model.Thread{
		ID:                r.ID,
		Provider:          model.Provider(r.Provider),
		ProviderThreadID:  r.ProviderThreadID,
		RetrieverThreadID: r.RetrieverThreadID,
		SubjectLast:       r.SubjectLast,
		DeletedAt:         fromNullMS(r.DeletedAt),
		CreatedAt:         fromMS(r.CreatedAt),
		UpdatedAt:         fromMS(r.UpdatedAt),
	}
}

type messageRow struct {
	ID                 int64  `db:"id"`
	ThreadID           int64  `db:"thread_id"`
	Provider           string `db:"provider"`
	ProviderMessageID  string `db:"provider_message_id"`
	ProviderThreadID   string `db:"provider_thread_id"`
	RetrieverMessageID string `db:"retriever_message_id"`
	RetrieverThreadID  string `db:"retriever_thread_id"`
	Direction          string `db:"direction"`
	Status             string `db:"status"`
	FromName           string `db:"from_name"`
	FromEmail          string `db:"from_email"`
	ToJSON             string `db:"to_json"`
	CcJSON             string `db:"cc_json"`
	BccJSON            string `db:"bcc_json"`
	Subject            string `db:"subject"`
	Snippet            string `db:"snippet"`
	BodyText           string `db:"body_text"`
	BodyHTML           string `db:"body_html"`
	ReceivedAt         int64  `db:"received_at"`
	ImportedAt         int64  `db:"imported_at"`
	TagsJSON           string `db:"tags_json"`
	InternetMessageID  string `db:"internet_message_id"`
	ReferencesJSON     string `db:"references_json"`
}

const messageColumns = `id, thread_id, provider, provider_message_id, provider_thread_id,
	retriever_message_id, retriever_thread_id, direction, status,
	from_name, from_email, to_json, cc_json, bcc_json,
	subject, snippet, body_text, body_html,
	received_at, imported_at, tags_json, internet_message_id, references_json`

func (r messageRow) model() *model.Message {
	return &model.Message{
		ID:                 r.ID,
		ThreadID:           r.ThreadID,
		Provider:           model.Provider(r.Provider),
		ProviderMessageID:  r.ProviderMessageID,
		ProviderThreadID:   r.ProviderThreadID,
		RetrieverMessageID: r.RetrieverMessageID,
		RetrieverThreadID:  r.RetrieverThreadID,
		Direction:          model.Direction(r.Direction),
		Status:             r.Status,
		FromName:           r.FromName,
		FromEmail:          r.FromEmail,
		To:                 decodeList(r.ToJSON),
		Cc:                 decodeList(r.CcJSON),
		Bcc:                decodeList(r.BccJSON),
		Subject:            r.Subject,
		Snippet:            r.Snippet,
		BodyText:           r.BodyText,
		BodyHTML:           r.BodyHTML,
		ReceivedAt:         fromMS(r.ReceivedAt),
		ImportedAt:         fromMS(r.ImportedAt),
		Tags:               decodeList(r.TagsJSON),
		InternetMessageID:  r.InternetMessageID,
		References:         decodeList(r.ReferencesJSON),
	}
}

// UpsertThread creates the thread or refreshes its subject and update time.
// The subject only changes when the incoming update is not older than the
// stored one.
func (s *Store) UpsertThread(ctx context.Context, t *model.Thread) (int64, error) {
	now := time.Now()
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	var id int64
	err := sqlx.GetContext(ctx, s.q, &id, `
		INSERT INTO threads (provider, provider_thread_id, retriever_thread_id, subject_last, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, provider_thread_id) DO UPDATE SET
			subject_last = CASE
				WHEN excluded.subject_last != '' AND excluded.updated_at >= threads.updated_at
				THEN excluded.subject_last ELSE threads.subject_last END,
			retriever_thread_id = CASE
				WHEN excluded.retriever_thread_id != ''
				THEN excluded.retriever_thread_id ELSE threads.retriever_thread_id END,
			updated_at = MAX(threads.updated_at, excluded.updated_at)
		RETURNING id`,
		string(t.Provider), t.ProviderThreadID, t.RetrieverThreadID, t.SubjectLast, toMS(now), toMS(updated))
	if err != nil {
		return 0, fmt.Errorf("upserting thread %s/%s: %w", t.Provider, t.ProviderThreadID, err)
	}
	t.ID = id
	return id, nil
}

// GetThread returns a thread by id.
func (s *Store) GetThread(ctx context.Context, id int64) (*model.Thread, error) {
	var r threadRow
	err := sqlx.GetContext(ctx, s.q, &r, "SELECT * FROM threads WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %d: %w", id, err)
	}
	return r.model(), nil
}

// SetThreadDeleted soft-deletes or restores a thread.
func (s *Store) SetThreadDeleted(ctx context.Context, id int64, deleted bool) error {
	var at sql.NullInt64
	if deleted {
		at = sql.NullInt64{Int64: toMS(time.Now()), Valid: true}
	}
	res, err := s.q.ExecContext(ctx, "UPDATE threads SET deleted_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("updating thread %d: %w", id, err)
	}
	return requireRow(res)
}

// DeleteThread removes a thread together with its messages and drafts.
func (s *Store) DeleteThread(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting thread %d: %w", id, err)
	}
	return requireRow(res)
}

// InsertMessage inserts m unless its natural key already exists, in which
// case the stored id is returned with Inserted=false.
func (s *Store) InsertMessage(ctx context.Context, m *model.Message) (store.InsertResult, error) {
	lists := make([]string, 0, 5)
	for _, l := range [][]string{m.To, m.Cc, m.Bcc, m.Tags, m.References} {
		enc, err := encodeList(l)
		if err != nil {
			return store.InsertResult{}, fmt.Errorf("encoding message %s: %w", m.ProviderMessageID, err)
		}
		lists = append(lists, enc)
	}

	imported := m.ImportedAt
	if imported.IsZero() {
		imported = time.Now()
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (
			thread_id, provider, provider_message_id, provider_thread_id,
			retriever_message_id, retriever_thread_id, direction, status,
			from_name, from_email, to_json, cc_json, bcc_json,
			subject, snippet, body_text, body_html,
			received_at, imported_at, tags_json, internet_message_id, references_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, provider_message_id) DO NOTHING`,
		m.ThreadID, string(m.Provider), m.ProviderMessageID, m.ProviderThreadID,
		m.RetrieverMessageID, m.RetrieverThreadID, string(m.Direction), m.Status,
		m.FromName, m.FromEmail, lists[0], lists[1], lists[2],
		m.Subject, m.Snippet, m.BodyText, m.BodyHTML,
		toMS(m.ReceivedAt), toMS(imported), lists[3], m.InternetMessageID, lists[4])
	if err != nil {
		return store.InsertResult{}, fmt.Errorf("inserting message %s/%s: %w", m.Provider, m.ProviderMessageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return store.InsertResult{}, fmt.Errorf("inserting message %s/%s: %w", m.Provider, m.ProviderMessageID, err)
	}
	if n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return store.InsertResult{}, fmt.Errorf("reading message id: %w", err)
		}
		m.ID = id
		return store.InsertResult{ID: id, Inserted: true}, nil
	}

	var id int64
	if err := sqlx.GetContext(ctx, s.q, &id,
		"SELECT id FROM messages WHERE provider = ? AND provider_message_id = ?",
		string(m.Provider), m.ProviderMessageID); err != nil {
		return store.InsertResult{}, fmt.Errorf("loading existing message %s/%s: %w", m.Provider, m.ProviderMessageID, err)
	}
	m.ID = id
	return store.InsertResult{ID: id}, nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	return s.getMessage(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
}

// GetMessageByProviderID returns a message by its natural key.
func (s *Store) GetMessageByProviderID(ctx context.Context, p model.Provider, providerMessageID string) (*model.Message, error) {
	return s.getMessage(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE provider = ? AND provider_message_id = ?",
		string(p), providerMessageID)
}

func (s *Store) getMessage(ctx context.Context, query string, args ...any) (*model.Message, error) {
	var r messageRow
	err := sqlx.GetContext(ctx, s.q, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return r.model(), nil
}

// FindByInternetMessageID returns stored messages carrying the id, newest
// first.
func (s *Store) FindByInternetMessageID(ctx context.Context, internetMessageID string) ([]*model.Message, error) {
	if internetMessageID == "" {
		return nil, nil
	}
	return s.selectMessages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE internet_message_id = ? ORDER BY received_at DESC, id DESC",
		internetMessageID)
}

// ListThreadMessages returns a thread's messages, oldest first.
func (s *Store) ListThreadMessages(ctx context.Context, threadID int64) ([]*model.Message, error) {
	return s.selectMessages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE thread_id = ? ORDER BY received_at, id",
		threadID)
}

func (s *Store) selectMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	var rows []messageRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]*model.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// UpdateMessageStatus sets a message's lifecycle status.
func (s *Store) UpdateMessageStatus(ctx context.Context, id int64, status string) error {
	res, err := s.q.ExecContext(ctx, "UPDATE messages SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("updating message %d status: %w", id, err)
	}
	return requireRow(res)
}

// AddTag adds tag to a message if it is not already present.
func (s *Store) AddTag(ctx context.Context, id int64, tag string) error {
	return s.InTx(ctx, func(st store.Store) error {
		tx := st.(*Store)
		var raw string
		err := sqlx.GetContext(ctx, tx.q, &raw, "SELECT tags_json FROM messages WHERE id = ?", id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading tags for message %d: %w", id, err)
		}
		m := model.Message{Tags: decodeList(raw)}
		if m.HasTag(tag) {
			return nil
		}
		enc, err := encodeList(append(m.Tags, tag))
		if err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, "UPDATE messages SET tags_json = ? WHERE id = ?", enc, id); err != nil {
			return fmt.Errorf("tagging message %d: %w", id, err)
		}
		return nil
	})
}

// CountMessages counts a provider's stored messages.
func (s *Store) CountMessages(ctx context.Context, p model.Provider) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, s.q, &n, "SELECT COUNT(*) FROM messages WHERE provider = ?", string(p)); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// RetentionCleanup deletes inbound messages of p beyond the newest keep.
func (s *Store) RetentionCleanup(ctx context.Context, p model.Provider, keep int) (int, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("retention keep must be positive, got %d", keep)
	}
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM messages
		WHERE provider = ? AND direction = ? AND id NOT IN (
			SELECT id FROM messages
			WHERE provider = ? AND direction = ?
			ORDER BY received_at DESC, id DESC
			LIMIT ?
		)`,
		string(p), string(model.DirectionInbound), string(p), string(model.DirectionInbound), keep)
	if err != nil {
		return 0, fmt.Errorf("retention cleanup for %s: %w", p, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
