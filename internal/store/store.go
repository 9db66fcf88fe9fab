// Package store defines the persistence contract for threads, messages,
// drafts, push state and the notification outbox.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Martian-dev/mailbridge/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// InsertResult reports the outcome of an idempotent message insert.
type InsertResult struct {
	ID       int64
	Inserted bool // false when the natural key was already present
}

// OutboxMessage is a pending notification awaiting publication.
type OutboxMessage struct {
	ID       int64
	Subject  string
	Payload  []byte
	MsgID    string
	Attempts int
}

// Store is implemented by every persistence backend.
type Store interface {
	// InTx runs fn against a transaction-bound Store. Nested calls join the
	// outer transaction.
	InTx(ctx context.Context, fn func(Store) error) error

	UpsertThread(ctx context.Context, t *model.Thread) (int64, error)
	GetThread(ctx context.Context, id int64) (*model.Thread, error)
	SetThreadDeleted(ctx context.Context, id int64, deleted bool) error
	DeleteThread(ctx context.Context, id int64) error

	// InsertMessage inserts m unless (provider, provider_message_id) exists.
	InsertMessage(ctx context.Context, m *model.Message) (InsertResult, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	GetMessageByProviderID(ctx context.Context, p model.Provider, providerMessageID string) (*model.Message, error)
	FindByInternetMessageID(ctx context.Context, internetMessageID string) ([]*model.Message, error)
	ListThreadMessages(ctx context.Context, threadID int64) ([]*model.Message, error)
	UpdateMessageStatus(ctx context.Context, id int64, status string) error
	AddTag(ctx context.Context, id int64, tag string) error
	CountMessages(ctx context.Context, p model.Provider) (int, error)
	// RetentionCleanup keeps the newest keep inbound messages of p and
	// deletes the rest, returning how many were removed.
	RetentionCleanup(ctx context.Context, p model.Provider, keep int) (int, error)

	CreateDraft(ctx context.Context, messageID int64, content string) (*model.Draft, error)
	GetDraft(ctx context.Context, id int64) (*model.Draft, error)
	UpdateDraft(ctx context.Context, id int64, content string) (*model.Draft, error)
	DeleteDraft(ctx context.Context, id int64) error
	ListDrafts(ctx context.Context, messageID int64) ([]*model.Draft, error)

	// ClaimReply takes a lease on replying to a message, shared by every
	// process using the database. It reports false while another owner's
	// lease is live.
	ClaimReply(ctx context.Context, messageID int64, owner string, until, now time.Time) (bool, error)
	ReleaseReply(ctx context.Context, messageID int64, owner string) error

	// EnsurePushStates creates a default row for every provider missing one.
	EnsurePushStates(ctx context.Context, providers []model.Provider) error
	GetPushState(ctx context.Context, p model.Provider) (*model.PushState, error)
	ListPushStates(ctx context.Context) ([]*model.PushState, error)
	// SavePushState writes every field except the cursor.
	SavePushState(ctx context.Context, s *model.PushState) error
	// AdvanceCursor stores next only when after(stored, next) holds. It
	// reports whether the cursor moved.
	AdvanceCursor(ctx context.Context, p model.Provider, next string, after model.CursorOrder) (bool, error)

	EnqueueOutbox(ctx context.Context, subject string, payload []byte, msgID string) error
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error

	Close() error
}
