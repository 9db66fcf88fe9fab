// Package sync turns provider deltas into stored messages exactly once per
// provider message id, and serializes that work per provider.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/store"
)

// Result summarizes one ingested delta
type Result struct {
	Provider model.Provider `json:"provider"`
	// Inserted holds ids of messages stored for the first time.
	Inserted   []int64 `json:"inserted"`
	Duplicates int     `json:"duplicates"`
	Skipped    int     `json:"skipped"`
	Cursor     string  `json:"cursor"`
	Advanced   bool    `json:"advanced"`
}

// ReceivedEvent is the notification payload for a newly stored message
type ReceivedEvent struct {
	EventID           string    `json:"event_id"`
	MessageID         int64     `json:"message_id"`
	ThreadID          int64     `json:"thread_id"`
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	ProviderThreadID  string    `json:"provider_thread_id"`
	InternetMessageID string    `json:"internet_message_id,omitempty"`
	FromEmail         string    `json:"from_email"`
	Subject           string    `json:"subject"`
	Snippet           string    `json:"snippet,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// ReceivedSubject is the notification subject for provider p
func ReceivedSubject(p model.Provider) string {
	return fmt.Sprintf("mail.%s.received", p)
}

// Pipeline stores deltas idempotently
type Pipeline struct {
	store store.Store
	log   *zerolog.Logger
	now   func() time.Time
}

// NewPipeline creates a pipeline writing to st
func NewPipeline(st store.Store, log *zerolog.Logger) *Pipeline {
	return &Pipeline{store: st, log: log, now: time.Now}
}

// Ingest stores every record of delta and then advances the provider cursor,
// all in one transaction. Records already present are counted as
// duplicates. On error nothing is stored and the cursor does not move.
func (p *Pipeline) Ingest(ctx context.Context, provider model.Provider, delta *providers.Delta) (*Result, error) {
	res := &Result{Provider: provider, Cursor: delta.Cursor, Inserted: []int64{}}
	importedAt := p.now()

	err := p.store.InTx(ctx, func(tx store.Store) error {
		for _, rec := range delta.Records {
			if rec.ProviderMessageID == "" {
				res.Skipped++
				p.log.Warn().Str("provider", provider.String()).Str("subject", rec.Subject).Msg("record without message id skipped")
				continue
			}

			msg, thread := Normalize(provider, rec, importedAt)
			threadID, err := tx.UpsertThread(ctx, thread)
			if err != nil {
				return err
			}
			msg.ThreadID = threadID

			ins, err := tx.InsertMessage(ctx, msg)
			if err != nil {
				return err
			}
			if !ins.Inserted {
				res.Duplicates++
				continue
			}
			if err := enqueueReceived(ctx, tx, msg); err != nil {
				return err
			}
			res.Inserted = append(res.Inserted, ins.ID)
		}

		if delta.Cursor == "" {
			return nil
		}
		advanced, err := tx.AdvanceCursor(ctx, provider, delta.Cursor, provider.CursorAfter)
		if err != nil {
			return err
		}
		res.Advanced = advanced
		return nil
	})
	if err != nil {
		return &Result{Provider: provider, Inserted: []int64{}}, fmt.Errorf("ingesting %s delta: %w", provider, err)
	}

	p.log.Info().
		Str("provider", provider.String()).
		Int("new", len(res.Inserted)).
		Int("duplicates", res.Duplicates).
		Bool("advanced", res.Advanced).
		Msg("delta ingested")
	return res, nil
}

func enqueueReceived(ctx context.Context, tx store.Store, msg *model.Message) error {
	payload, err := json.Marshal(ReceivedEvent{
		EventID:           uuid.NewString(),
		MessageID:         msg.ID,
		ThreadID:          msg.ThreadID,
		Provider:          msg.Provider.String(),
		ProviderMessageID: msg.ProviderMessageID,
		ProviderThreadID:  msg.ProviderThreadID,
		InternetMessageID: msg.InternetMessageID,
		FromEmail:         msg.FromEmail,
		Subject:           msg.Subject,
		Snippet:           msg.Snippet,
		ReceivedAt:        msg.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding received event: %w", err)
	}
	msgID := fmt.Sprintf("received|%s|%s", msg.Provider, msg.ProviderMessageID)
	return tx.EnqueueOutbox(ctx, ReceivedSubject(msg.Provider), payload, msgID)
}
