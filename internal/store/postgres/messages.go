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

type threadRow struct {
	ID                int64      `db:"id"`
	Provider          string     `db:"provider"`
	ProviderThreadID  string     `db:"provider_thread_id"`
	RetrieverThreadID string     `db:"retriever_thread_id"`
	SubjectLast       string     `db:"subject_last"`
	DeletedAt         *time.Time `db:"deleted_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

type messageRow struct {
	ID                 int64     `db:"id"`
	ThreadID           int64     `db:"thread_id"`
	Provider           string    `db:"provider"`
	ProviderMessageID  string    `db:"provider_message_id"`
	ProviderThreadID   string    `db:"provider_thread_id"`
	RetrieverMessageID string    `db:"retriever_message_id"`
	RetrieverThreadID  string    `db:"retriever_thread_id"`
	Direction          string    `db:"direction"`
	Status             string    `db:"status"`
	FromName           string    `db:"from_name"`
	FromEmail          string    `db:"from_email"`
	To                 []string  `db:"to_addrs"`
	Cc                 []string  `db:"cc_addrs"`
	Bcc                []string  `db:"bcc_addrs"`
	Subject            string    `db:"subject"`
	Snippet            string    `db:"snippet"`
	BodyText           string    `db:"body_text"`
	BodyHTML           string    `db:"body_html"`
	ReceivedAt         time.Time `db:"received_at"`
	ImportedAt         time.Time `db:"imported_at"`
	Tags               []string  `db:"tags"`
	InternetMessageID  string    `db:"internet_message_id"`
	References         []string  `db:"references_ids"`
}

func (r *messageRow) model() *model.Message {
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
		To:                 nonNil(r.To),
		Cc:                 nonNil(r.Cc),
		Bcc:                nonNil(r.Bcc),
		Subject:            r.Subject,
		Snippet:            r.Snippet,
		BodyText:           r.BodyText,
		BodyHTML:           r.BodyHTML,
		ReceivedAt:         r.ReceivedAt.UTC(),
		ImportedAt:         r.ImportedAt.UTC(),
		Tags:               nonNil(r.Tags),
		InternetMessageID:  r.InternetMessageID,
		References:         nonNil(r.References),
	}
}

const messageColumns = `id, thread_id, provider, provider_message_id, provider_thread_id,
	retriever_message_id, retriever_thread_id, direction, status,
	from_name, from_email, to_addrs, cc_addrs, bcc_addrs,
	subject, snippet, body_text, body_html,
	received_at, imported_at, tags, internet_message_id, references_ids`

// UpsertThread creates the thread or refreshes its subject and update time.
func (s *Store) UpsertThread(ctx context.Context, t *model.Thread) (int64, error) {
	now := time.Now().UTC()
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO threads (provider, provider_thread_id, retriever_thread_id, subject_last, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, provider_thread_id) DO UPDATE SET
			subject_last = CASE
				WHEN EXCLUDED.subject_last <> '' AND EXCLUDED.updated_at >= threads.updated_at
				THEN EXCLUDED.subject_last ELSE threads.subject_last END,
			retriever_thread_id = CASE
				WHEN EXCLUDED.retriever_thread_id <> ''
				THEN EXCLUDED.retriever_thread_id ELSE threads.retriever_thread_id END,
			updated_at = GREATEST(threads.updated_at, EXCLUDED.updated_at)
		RETURNING id`,
		string(t.Provider), t.ProviderThreadID, t.RetrieverThreadID, t.SubjectLast, now, updated).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting thread %s/%s: %w", t.Provider, t.ProviderThreadID, err)
	}
	t.ID = id
	return id, nil
}

// GetThread returns a thread by id.
func (s *Store) GetThread(ctx context.Context, id int64) (*model.Thread, error) {
	rows, err := s.q.Query(ctx, "SELECT * FROM threads WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("getting thread %d: %w", id, err)
	}
	r, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[threadRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %d: %w", id, err)
	}
	return &model.Thread{
		ID:                r.ID,
		Provider:          model.Provider(r.Provider),
		ProviderThreadID:  r.ProviderThreadID,
		RetrieverThreadID: r.RetrieverThreadID,
		SubjectLast:       r.SubjectLast,
		DeletedAt:         r.DeletedAt,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}, nil
}

// SetThreadDeleted soft-deletes or restores a thread.
func (s *Store) SetThreadDeleted(ctx context.Context, id int64, deleted bool) error {
	var at *time.Time
	if deleted {
		now := time.Now().UTC()
		at = &now
	}
	tag, err := s.q.Exec(ctx, "UPDATE threads SET deleted_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("updating thread %d: %w", id, err)
	}
	return requireRow(tag)
}

// DeleteThread removes a thread together with its messages and drafts.
func (s *Store) DeleteThread(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM threads WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting thread %d: %w", id, err)
	}
	return requireRow(tag)
}

// InsertMessage inserts m unless its natural key already exists.
func (s *Store) InsertMessage(ctx context.Context, m *model.Message) (store.InsertResult, error) {
	imported := m.ImportedAt
	if imported.IsZero() {
		imported = time.Now().UTC()
	}

	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO messages (
			thread_id, provider, provider_message_id, provider_thread_id,
			retriever_message_id, retriever_thread_id, direction, status,
			from_name, from_email, to_addrs, cc_addrs, bcc_addrs,
			subject, snippet, body_text, body_html,
			received_at, imported_at, tags, internet_message_id, references_ids
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (provider, provider_message_id) DO NOTHING
		RETURNING id`,
		m.ThreadID, string(m.Provider), m.ProviderMessageID, m.ProviderThreadID,
		m.RetrieverMessageID, m.RetrieverThreadID, string(m.Direction), m.Status,
		m.FromName, m.FromEmail, nonNil(m.To), nonNil(m.Cc), nonNil(m.Bcc),
		m.Subject, m.Snippet, m.BodyText, m.BodyHTML,
		m.ReceivedAt, imported, nonNil(m.Tags), m.InternetMessageID, nonNil(m.References)).Scan(&id)
	switch {
	case err == nil:
		m.ID = id
		return store.InsertResult{ID: id, Inserted: true}, nil
	case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
		// already present
	default:
		return store.InsertResult{}, fmt.Errorf("inserting message %s/%s: %w", m.Provider, m.ProviderMessageID, err)
	}

	if err := s.q.QueryRow(ctx,
		"SELECT id FROM messages WHERE provider = $1 AND provider_message_id = $2",
		string(m.Provider), m.ProviderMessageID).Scan(&id); err != nil {
		return store.InsertResult{}, fmt.Errorf("loading existing message %s/%s: %w", m.Provider, m.ProviderMessageID, err)
	}
	m.ID = id
	return store.InsertResult{ID: id}, nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	return s.getMessage(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", id)
}

// GetMessageByProviderID returns a message by its natural key.
func (s *Store) GetMessageByProviderID(ctx context.Context, p model.Provider, providerMessageID string) (*model.Message, error) {
	return s.getMessage(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE provider = $1 AND provider_message_id = $2",
		string(p), providerMessageID)
}

func (s *Store) getMessage(ctx context.Context, query string, args ...any) (*model.Message, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	r, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[messageRow])
	if errors.Is(err, pgx.ErrNoRows) {
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
		"SELECT "+messageColumns+" FROM messages WHERE internet_message_id = $1 ORDER BY received_at DESC, id DESC",
		internetMessageID)
}

// ListThreadMessages returns a thread's messages, oldest first.
func (s *Store) ListThreadMessages(ctx context.Context, threadID int64) ([]*model.Message, error) {
	return s.selectMessages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE thread_id = $1 ORDER BY received_at, id",
		threadID)
}

func (s *Store) selectMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[messageRow])
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]*model.Message, 0, len(list))
	for _, r := range list {
		out = append(out, r.model())
	}
	return out, nil
}

// UpdateMessageStatus sets a message's lifecycle status.
func (s *Store) UpdateMessageStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.q.Exec(ctx, "UPDATE messages SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("updating message %d status: %w", id, err)
	}
	return requireRow(tag)
}

// AddTag adds tag to a message if it is not already present.
func (s *Store) AddTag(ctx context.Context, id int64, tag string) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE messages SET tags = CASE
			WHEN EXISTS (SELECT 1 FROM unnest(tags) t WHERE lower(t) = lower($1)) THEN tags
			ELSE array_append(tags, $1) END
		WHERE id = $2`, tag, id)
	if err != nil {
		return fmt.Errorf("tagging message %d: %w", id, err)
	}
	return requireRow(ct)
}

// CountMessages counts a provider's stored messages.
func (s *Store) CountMessages(ctx context.Context, p model.Provider) (int, error) {
	var n int
	if err := s.q.QueryRow(ctx, "SELECT COUNT(*) FROM messages WHERE provider = $1", string(p)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// RetentionCleanup deletes inbound messages of p beyond the newest keep.
func (s *Store) RetentionCleanup(ctx context.Context, p model.Provider, keep int) (int, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("retention keep must be positive, got %d", keep)
	}
	tag, err := s.q.Exec(ctx, `
		DELETE FROM messages
		WHERE provider = $1 AND direction = $2 AND id NOT IN (
			SELECT id FROM messages
			WHERE provider = $1 AND direction = $2
			ORDER BY received_at DESC, id DESC
			LIMIT $3
		)`, string(p), string(model.DirectionInbound), keep)
	if err != nil {
		return 0, fmt.Errorf("retention cleanup for %s: %w", p, err)
	}
	return int(tag.RowsAffected()), nil
}
