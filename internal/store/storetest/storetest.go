// Package storetest holds the behavioural suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/store"
)

// Factory returns an empty, migrated store. It registers its own cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertMessageIsIdempotent", testInsertMessageIdempotent},
		{"UpsertThreadKeepsOneRow", testUpsertThread},
		{"DeleteThreadCascades", testDeleteThreadCascades},
		{"SoftDeleteThread", testSoftDeleteThread},
		{"Drafts", testDrafts},
		{"PushStateLifecycle", testPushState},
		{"AdvanceCursorIsMonotonic", testAdvanceCursor},
		{"InTxRollsBack", testInTxRollback},
		{"FindByInternetMessageID", testFindByInternetMessageID},
		{"StatusAndTags", testStatusAndTags},
		{"RetentionCleanup", testRetention},
		{"Outbox", testOutbox},
		{"ReplyClaims", testReplyClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Seed stores a thread and an inbound message and returns the message.
func Seed(t *testing.T, s store.Store, p model.Provider, pmid, imid string, received time.Time) *model.Message {
	t.Helper()
	ctx := context.Background()

	threadID, err := s.UpsertThread(ctx, &model.Thread{
		Provider:         p,
		ProviderThreadID: "t-" + pmid,
		SubjectLast:      "Subject " + pmid,
		UpdatedAt:        received,
	})
	require.NoError(t, err)

	m := &model.Message{
		ThreadID:          threadID,
		Provider:          p,
		ProviderMessageID: pmid,
		ProviderThreadID:  "t-" + pmid,
		Direction:         model.DirectionInbound,
		Status:            model.StatusNew,
		FromEmail:         "alice@example.com",
		To:                []string{"me@example.com"},
		Subject:           "Subject " + pmid,
		BodyText:          "hello",
		ReceivedAt:        received,
		InternetMessageID: imid,
		References:        []string{"<root@example.com>"},
	}
	res, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)
	require.True(t, res.Inserted)
	return m
}

func testInsertMessageIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	received := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := Seed(t, s, model.ProviderGmail, "m1", "<abc@x>", received)

	dup := *m
	dup.ID = 0
	dup.Subject = "changed"
	res, err := s.InsertMessage(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, m.ID, res.ID)

	n, err := s.CountMessages(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Subject m1", got.Subject)
	assert.Equal(t, "<abc@x>", got.InternetMessageID)
	assert.Equal(t, []string{"<root@example.com>"}, got.References)
	assert.Equal(t, []string{"me@example.com"}, got.To)
	assert.True(t, received.Equal(got.ReceivedAt))

	// the same provider id under another provider is a different message
	other := *m
	other.ID = 0
	other.Provider = model.ProviderOutlook
	res, err = s.InsertMessage(ctx, &other)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
}

func testUpsertThread(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id1, err := s.UpsertThread(ctx, &model.Thread{Provider: model.ProviderGmail, ProviderThreadID: "t1", SubjectLast: "first", UpdatedAt: base})
	require.NoError(t, err)
	id2, err := s.UpsertThread(ctx, &model.Thread{Provider: model.ProviderGmail, ProviderThreadID: "t1", SubjectLast: "second", UpdatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// an older message must not roll the subject back
	_, err = s.UpsertThread(ctx, &model.Thread{Provider: model.ProviderGmail, ProviderThreadID: "t1", SubjectLast: "stale", UpdatedAt: base})
	require.NoError(t, err)

	th, err := s.GetThread(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "second", th.SubjectLast)
	assert.True(t, base.Add(time.Hour).Equal(th.UpdatedAt))

	id3, err := s.UpsertThread(ctx, &model.Thread{Provider: model.ProviderOutlook, ProviderThreadID: "t1", SubjectLast: "x", UpdatedAt: base})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	_, err = s.GetThread(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteThreadCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Seed(t, s, model.ProviderGmail, "m1", "<abc@x>", time.Now())
	d, err := s.CreateDraft(ctx, m.ID, "draft")
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(ctx, m.ThreadID))

	_, err = s.GetMessage(ctx, m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetDraft(ctx, d.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteThread(ctx, m.ThreadID), store.ErrNotFound)
}

func testSoftDeleteThread(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Seed(t, s, model.ProviderGmail, "m1", "", time.Now())

	require.NoError(t, s.SetThreadDeleted(ctx, m.ThreadID, true))
	th, err := s.GetThread(ctx, m.ThreadID)
	require.NoError(t, err)
	assert.NotNil(t, th.DeletedAt)

	require.NoError(t, s.SetThreadDeleted(ctx, m.ThreadID, false))
	th, err = s.GetThread(ctx, m.ThreadID)
	require.NoError(t, err)
	assert.Nil(t, th.DeletedAt)
}

func testDrafts(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Seed(t, s, model.ProviderGmail, "m1", "", time.Now())

	_, err := s.CreateDraft(ctx, 9999, "orphan")
	assert.ErrorIs(t, err, store.ErrNotFound)

	d, err := s.CreateDraft(ctx, m.ID, "first")
	require.NoError(t, err)
	assert.Equal(t, m.ID, d.MessageID)

	d, err = s.UpdateDraft(ctx, d.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", d.Content)

	list, err := s.ListDrafts(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0].Content)

	require.NoError(t, s.DeleteDraft(ctx, d.ID))
	assert.ErrorIs(t, s.DeleteDraft(ctx, d.ID), store.ErrNotFound)
	_, err = s.UpdateDraft(ctx, d.ID, "third")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPushState(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsurePushStates(ctx, model.Providers()))
	require.NoError(t, s.EnsurePushStates(ctx, model.Providers()))

	states, err := s.ListPushStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	st, err := s.GetPushState(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, st.Health)
	assert.Empty(t, st.Cursor)
	assert.Nil(t, st.WatchExpiresAt)

	_, err = s.AdvanceCursor(ctx, model.ProviderGmail, "100", model.ProviderGmail.CursorAfter)
	require.NoError(t, err)

	expiry := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	st.WatchExpiresAt = &expiry
	st.Health = model.HealthDegraded
	st.ConsecutiveFailures = 2
	st.LastError = "boom"
	st.LastErrorKind = model.ErrorKindTransient
	st.Cursor = "1" // ignored by SavePushState
	require.NoError(t, s.SavePushState(ctx, st))

	got, err := s.GetPushState(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "100", got.Cursor)
	assert.Equal(t, model.HealthDegraded, got.Health)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Equal(t, "boom", got.LastError)
	require.NotNil(t, got.WatchExpiresAt)
	assert.True(t, expiry.Equal(*got.WatchExpiresAt))

	_, err = s.GetPushState(ctx, model.Provider("yahoo"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAdvanceCursor(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsurePushStates(ctx, model.Providers()))
	after := model.ProviderGmail.CursorAfter

	steps := []struct {
		next     string
		advanced bool
		stored   string
	}{
		{"100", true, "100"},
		{"99", false, "100"},
		{"100", false, "100"},
		{"250", true, "250"},
		{"", false, "250"},
	}
	for _, step := range steps {
		ok, err := s.AdvanceCursor(ctx, model.ProviderGmail, step.next, after)
		require.NoError(t, err)
		assert.Equal(t, step.advanced, ok, "advance to %q", step.next)

		st, err := s.GetPushState(ctx, model.ProviderGmail)
		require.NoError(t, err)
		assert.Equal(t, step.stored, st.Cursor)
	}

	_, err := s.AdvanceCursor(ctx, model.Provider("yahoo"), "1", after)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInTxRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsurePushStates(ctx, model.Providers()))
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Store) error {
		Seed(t, tx, model.ProviderGmail, "m1", "", time.Now())
		if _, err := tx.AdvanceCursor(ctx, model.ProviderGmail, "500", model.ProviderGmail.CursorAfter); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.CountMessages(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := s.GetPushState(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Empty(t, st.Cursor)
}

func testFindByInternetMessageID(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	older := Seed(t, s, model.ProviderGmail, "m1", "<abc@x>", base)
	newer := Seed(t, s, model.ProviderOutlook, "m2", "<abc@x>", base.Add(time.Hour))
	Seed(t, s, model.ProviderGmail, "m3", "<other@x>", base)

	found, err := s.FindByInternetMessageID(ctx, "<abc@x>")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, newer.ID, found[0].ID)
	assert.Equal(t, older.ID, found[1].ID)

	found, err = s.FindByInternetMessageID(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, found)

	got, err := s.GetMessageByProviderID(ctx, model.ProviderOutlook, "m2")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	msgs, err := s.ListThreadMessages(ctx, older.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, older.ID, msgs[0].ID)
}

func testStatusAndTags(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Seed(t, s, model.ProviderGmail, "m1", "", time.Now())

	require.NoError(t, s.UpdateMessageStatus(ctx, m.ID, model.StatusReplied))
	require.NoError(t, s.AddTag(ctx, m.ID, "important"))
	require.NoError(t, s.AddTag(ctx, m.ID, "Important"))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReplied, got.Status)
	assert.Equal(t, []string{"important"}, got.Tags)

	assert.ErrorIs(t, s.UpdateMessageStatus(ctx, 9999, model.StatusSent), store.ErrNotFound)
	assert.ErrorIs(t, s.AddTag(ctx, 9999, "x"), store.ErrNotFound)
}

func testRetention(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		Seed(t, s, model.ProviderGmail, fmt.Sprintf("m%d", i), "", base.Add(time.Duration(i)*time.Minute))
	}
	Seed(t, s, model.ProviderOutlook, "o1", "", base)

	removed, err := s.RetentionCleanup(ctx, model.ProviderGmail, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	n, err := s.CountMessages(ctx, model.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetMessageByProviderID(ctx, model.ProviderGmail, "m4")
	assert.NoError(t, err)
	_, err = s.GetMessageByProviderID(ctx, model.ProviderGmail, "m0")
	assert.ErrorIs(t, err, store.ErrNotFound)

	n, err = s.CountMessages(ctx, model.ProviderOutlook)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.RetentionCleanup(ctx, model.ProviderGmail, 0)
	assert.Error(t, err)
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.EnqueueOutbox(ctx, "mail.gmail.received", []byte(`{"a":1}`), "received|gmail|m1"))
	require.NoError(t, s.EnqueueOutbox(ctx, "mail.gmail.received", []byte(`{"a":1}`), "received|gmail|m1"))
	require.NoError(t, s.EnqueueOutbox(ctx, "mail.gmail.received", []byte(`{"a":2}`), "received|gmail|m2"))

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "received|gmail|m1", pending[0].MsgID)
	assert.JSONEq(t, `{"a":1}`, string(pending[0].Payload))

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, pending[1].ID, time.Hour))

	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testReplyClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Seed(t, s, model.ProviderGmail, "m1", "<a@x>", time.Now())
	now := time.Now()

	ok, err := s.ClaimReply(ctx, m.ID, "cli", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimReply(ctx, m.ID, "serve", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, ok, "a live lease blocks other owners")

	require.NoError(t, s.ReleaseReply(ctx, m.ID, "serve"))
	ok, err = s.ClaimReply(ctx, m.ID, "serve", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, ok, "only the owner can release its lease")

	ok, err = s.ClaimReply(ctx, m.ID, "serve", now.Add(3*time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease can be taken over")

	require.NoError(t, s.ReleaseReply(ctx, m.ID, "serve"))
	ok, err = s.ClaimReply(ctx, m.ID, "cli", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.ClaimReply(ctx, 9999, "cli", now.Add(time.Minute), now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
