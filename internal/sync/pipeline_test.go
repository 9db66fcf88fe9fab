package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/store"
	"github.com/Martian-dev/mailbridge/internal/store/sqlite"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.Open(sqlite.DriverModernc, filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsurePushStates(context.Background(), model.Providers()))
	return st
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func record(id, imid string) providers.Record {
	return providers.Record{
		ProviderMessageID: id,
		ProviderThreadID:  "thread-" + id,
		FromName:          "Alice",
		FromEmail:         "alice@example.com",
		To:                []string{"me@example.com"},
		Subject:           "Hello " + id,
		BodyText:          "body",
		ReceivedAt:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Headers: map[string]string{
			"Message-ID": imid,
			"References": "<root@x> <parent@x>",
		},
	}
}

// failingStore fails every cursor advance, including inside transactions.
type failingStore struct {
	store.Store
}

func (f *failingStore) InTx(ctx context.Context, fn func(store.Store) error) error {
	return f.Store.InTx(ctx, func(tx store.Store) error {
		return fn(&failingStore{Store: tx})
	})
}

func (f *failingStore) AdvanceCursor(context.Context, model.Provider, string, model.CursorOrder) (bool, error) {
	return false, errors.New("disk full")
}

func TestIngestIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	p := NewPipeline(st, nopLogger())
	ctx := context.Background()
	delta := &providers.Delta{Records: []providers.Record{record("m1", "<abc@x>")}, Cursor: "100"}

	first, err := p.Ingest(ctx, model.ProviderGmail, delta)
	require.NoError(t, err)
	assert.Len(t, first.Inserted, 1)
	assert.Zero(t, first.Duplicates)
	assert.True(t, first.Advanced)

	second, err := p.Ingest(ctx, model.ProviderGmail, delta)
	require.NoError(t, err)
	assert.Empty(t, second.Inserted)
	assert.Equal(t, 1, second.Duplicates)
	assert.False(t, second.Advanced)

	n, err := st.CountMessages(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := st.GetMessage(ctx, first.Inserted[0])
	require.NoError(t, err)
	assert.Equal(t, "<abc@x>", msg.InternetMessageID)
	assert.Equal(t, []string{"<root@x>", "<parent@x>"}, msg.References)
	assert.Equal(t, model.DirectionInbound, msg.Direction)
	assert.Equal(t, model.StatusNew, msg.Status)

	th, err := st.GetThread(ctx, msg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "thread-m1", th.ProviderThreadID)
	assert.Equal(t, "Hello m1", th.SubjectLast)
}

func TestIngestOverlappingDeltas(t *testing.T) {
	st := newTestStore(t)
	p := NewPipeline(st, nopLogger())
	ctx := context.Background()

	_, err := p.Ingest(ctx, model.ProviderGmail, &providers.Delta{
		Records: []providers.Record{record("m1", "<1@x>"), record("m2", "<2@x>")}, Cursor: "10",
	})
	require.NoError(t, err)

	res, err := p.Ingest(ctx, model.ProviderGmail, &providers.Delta{
		Records: []providers.Record{record("m2", "<2@x>"), record("m3", "<3@x>")}, Cursor: "20",
	})
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1)
	assert.Equal(t, 1, res.Duplicates)

	n, err := st.CountMessages(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestIngestFailureKeepsCursor(t *testing.T) {
	base := newTestStore(t)
	p := NewPipeline(&failingStore{Store: base}, nopLogger())
	ctx := context.Background()

	res, err := p.Ingest(ctx, model.ProviderGmail, &providers.Delta{
		Records: []providers.Record{record("m1", "<abc@x>")}, Cursor: "100",
	})
	require.Error(t, err)
	assert.Empty(t, res.Inserted)

	n, err := base.CountMessages(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Zero(t, n, "messages rolled back")

	st, err := base.GetPushState(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Empty(t, st.Cursor)

	pending, err := base.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "no notification for rolled back message")
}

func TestIngestIgnoresOlderCursor(t *testing.T) {
	st := newTestStore(t)
	p := NewPipeline(st, nopLogger())
	ctx := context.Background()

	_, err := p.Ingest(ctx, model.ProviderGmail, &providers.Delta{Cursor: "500"})
	require.NoError(t, err)

	res, err := p.Ingest(ctx, model.ProviderGmail, &providers.Delta{
		Records: []providers.Record{record("late", "")}, Cursor: "400",
	})
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1, "late records are still stored")
	assert.False(t, res.Advanced)

	ps, err := st.GetPushState(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "500", ps.Cursor)
}

func TestIngestSkipsRecordsWithoutID(t *testing.T) {
	st := newTestStore(t)
	p := NewPipeline(st, nopLogger())

	res, err := p.Ingest(context.Background(), model.ProviderOutlook, &providers.Delta{
		Records: []providers.Record{record("", "<x@y>"), record("o1", "")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, res.Inserted, 1)
	assert.False(t, res.Advanced)
}

func TestIngestEnqueuesNotifications(t *testing.T) {
	st := newTestStore(t)
	p := NewPipeline(st, nopLogger())
	ctx := context.Background()
	delta := &providers.Delta{Records: []providers.Record{record("m1", "<abc@x>")}, Cursor: "1"}

	res, err := p.Ingest(ctx, model.ProviderGmail, delta)
	require.NoError(t, err)
	_, err = p.Ingest(ctx, model.ProviderGmail, delta)
	require.NoError(t, err)

	pending, err := st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "mail.gmail.received", pending[0].Subject)
	assert.Equal(t, "received|gmail|m1", pending[0].MsgID)

	var ev ReceivedEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &ev))
	assert.Equal(t, res.Inserted[0], ev.MessageID)
	assert.Equal(t, "<abc@x>", ev.InternetMessageID)
	assert.NotEmpty(t, ev.EventID)
}

func TestNormalize(t *testing.T) {
	imported := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	rec := providers.Record{
		ProviderMessageID: "m1",
		Subject:           "Hi",
		Labels:            []string{"INBOX"},
		Headers: map[string]string{
			"message-id": " abc@x ",
			"REFERENCES": "garbage",
		},
	}

	msg, th := Normalize(model.ProviderOutlook, rec, imported)
	assert.Equal(t, "m1", msg.ProviderThreadID, "thread falls back to message id")
	assert.Equal(t, "m1", th.ProviderThreadID)
	assert.Equal(t, "<abc@x>", msg.InternetMessageID)
	assert.Equal(t, []string{"<garbage>"}, msg.References)
	assert.True(t, imported.Equal(msg.ReceivedAt))
	assert.Equal(t, []string{"INBOX"}, msg.Tags)

	rec.Headers = nil
	rec.Direction = model.DirectionOutbound
	msg, _ = Normalize(model.ProviderOutlook, rec, imported)
	assert.Empty(t, msg.InternetMessageID)
	assert.Equal(t, []string{}, msg.References)
	assert.Equal(t, model.StatusSent, msg.Status)
}
