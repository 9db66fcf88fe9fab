// Package providers defines the capability contracts every mail provider
// adapter implements, and the error taxonomy they report.
package providers

import (
	"context"
	"time"

	"github.com/Martian-dev/mailbridge/internal/model"
)

// Record is one message as reported by a provider, before normalization
type Record struct {
	ProviderMessageID  string
	ProviderThreadID   string
	RetrieverMessageID string
	RetrieverThreadID  string
	Direction          model.Direction
	FromName           string
	FromEmail          string
	To                 []string
	Cc                 []string
	Bcc                []string
	Subject            string
	Snippet            string
	BodyText           string
	BodyHTML           string
	ReceivedAt         time.Time
	Labels             []string
	// Headers holds raw header values; lookups are case-insensitive.
	Headers map[string]string
}

// Delta is the set of records a provider reports since a cursor
type Delta struct {
	Records []Record
	// Cursor is the high-watermark after these records ("" when unknown).
	Cursor string
}

// DeltaSource fetches new messages since a cursor
type DeltaSource interface {
	Name() model.Provider
	// FetchDelta returns records after cursor. An empty cursor asks for an
	// initial backfill.
	FetchDelta(ctx context.Context, cursor string) (*Delta, error)
}

// WatchResult is the outcome of a push subscription renewal
type WatchResult struct {
	Expiry time.Time
	// Cursor is the provider's watermark at subscription time, if known.
	Cursor string
}

// Watcher is implemented by providers with time-limited push subscriptions
type Watcher interface {
	Watch(ctx context.Context) (*WatchResult, error)
}

// Outgoing is a new, unthreaded message
type Outgoing struct {
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
	// References and InReplyTo let adapters that build raw messages keep
	// some lineage even without a native thread.
	InReplyTo  string
	References []string
}

// Sent identifies a message the provider accepted for delivery
type Sent struct {
	ID                string
	ThreadID          string
	InternetMessageID string
}

// Remote is a message found in a provider's own store
type Remote struct {
	ID                string
	ThreadID          string
	InternetMessageID string
	Subject           string
	FromEmail         string
	ReceivedAt        time.Time
}

// Sender sends new mail and threaded replies through a provider
type Sender interface {
	Name() model.Provider
	SendNew(ctx context.Context, msg Outgoing) (*Sent, error)
	// CreateReplyDraft creates an empty reply draft to a provider message,
	// in that message's native thread.
	CreateReplyDraft(ctx context.Context, targetMessageID string) (string, error)
	UpdateDraft(ctx context.Context, draftID, body string, recipients model.Participants) error
	SendDraft(ctx context.Context, draftID string) (*Sent, error)
	// FindByInternetMessageID returns every provider message carrying id.
	FindByInternetMessageID(ctx context.Context, id string) ([]Remote, error)
}
