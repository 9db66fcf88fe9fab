package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

func newTestAdapter(t *testing.T, mux *http.ServeMux, cfg Config) *Adapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	log := zerolog.Nop()
	return NewWithService(svc, cfg, &log)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func apiError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"failed"}}`, code)
}

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func fullMessage(id, thread, imid string) map[string]any {
	return map[string]any{
		"id":           id,
		"threadId":     thread,
		"labelIds":     []string{"INBOX", "UNREAD"},
		"snippet":      "hi there",
		"internalDate": "1767225600000",
		"payload": map[string]any{
			"mimeType": "multipart/alternative",
			"headers": []map[string]string{
				{"name": "From", "value": "Alice <alice@example.com>"},
				{"name": "To", "value": "me@example.com, Bob <bob@example.com>"},
				{"name": "Subject", "value": "Hello"},
				{"name": "Message-Id", "value": imid},
				{"name": "References", "value": "<root@x>"},
			},
			"parts": []map[string]any{
				{"mimeType": "text/plain", "body": map[string]string{"data": b64("plain body")}},
				{"mimeType": "text/html", "body": map[string]string{"data": b64("<p>html body</p>")}},
			},
		},
	}
}

func TestFetchDeltaFromHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		assert.Equal(t, "messageAdded", r.URL.Query().Get("historyTypes"))
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(t, w, map[string]any{
				"history": []map[string]any{
					{"id": "105", "messagesAdded": []map[string]any{{"message": map[string]string{"id": "m1"}}}},
				},
				"historyId":     "120",
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(t, w, map[string]any{
			"history": []map[string]any{
				{"id": "118", "messagesAdded": []map[string]any{
					{"message": map[string]string{"id": "m1"}},
					{"message": map[string]string{"id": "gone"}},
				}},
			},
			"historyId": "119",
		})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(t, w, fullMessage("m1", "t1", "<abc@x>"))
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusNotFound)
	})

	a := newTestAdapter(t, mux, Config{})
	delta, err := a.FetchDelta(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "120", delta.Cursor)
	require.Len(t, delta.Records, 1)

	rec := delta.Records[0]
	assert.Equal(t, "m1", rec.ProviderMessageID)
	assert.Equal(t, "t1", rec.ProviderThreadID)
	assert.Equal(t, "Alice", rec.FromName)
	assert.Equal(t, "alice@example.com", rec.FromEmail)
	assert.Equal(t, []string{"me@example.com", "bob@example.com"}, rec.To)
	assert.Equal(t, "plain body", rec.BodyText)
	assert.Equal(t, "<p>html body</p>", rec.BodyHTML)
	assert.Equal(t, "<abc@x>", rec.Headers["Message-Id"])
	assert.Equal(t, model.DirectionInbound, rec.Direction)
	assert.True(t, rec.ReceivedAt.Equal(time.UnixMilli(1767225600000)))
}

func TestFetchDeltaSkipsDrafts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "INBOX", r.URL.Query().Get("labelId"))
		writeJSON(t, w, map[string]any{
			"history": []map[string]any{
				{"id": "201", "messagesAdded": []map[string]any{
					{"message": map[string]any{"id": "d1", "labelIds": []string{"DRAFT"}}},
					{"message": map[string]any{"id": "d2"}},
					{"message": map[string]any{"id": "m1", "labelIds": []string{"INBOX"}}},
				}},
			},
			"historyId": "201",
		})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/d1", func(w http.ResponseWriter, r *http.Request) {
		t.Error("draft d1 should not be fetched")
		apiError(w, http.StatusNotFound)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/d2", func(w http.ResponseWriter, r *http.Request) {
		msg := fullMessage("d2", "t1", "<d2@x>")
		msg["labelIds"] = []string{"DRAFT"}
		writeJSON(t, w, msg)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, fullMessage("m1", "t1", "<m1@x>"))
	})

	a := newTestAdapter(t, mux, Config{LabelIDs: []string{"INBOX"}})
	delta, err := a.FetchDelta(context.Background(), "200")
	require.NoError(t, err)
	require.Len(t, delta.Records, 1)
	assert.Equal(t, "m1", delta.Records[0].ProviderMessageID)
	assert.Equal(t, "201", delta.Cursor)
}

func TestFetchDeltaBackfillsExpiredHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusNotFound)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"emailAddress": "me@example.com", "historyId": "500"})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("maxResults"))
		assert.Equal(t, "INBOX", r.URL.Query().Get("labelIds"))
		writeJSON(t, w, map[string]any{"messages": []map[string]string{{"id": "m1", "threadId": "t1"}}})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, fullMessage("m1", "t1", "<abc@x>"))
	})

	a := newTestAdapter(t, mux, Config{BackfillLimit: 7})
	for _, cursor := range []string{"42", ""} {
		delta, err := a.FetchDelta(context.Background(), cursor)
		require.NoError(t, err)
		assert.Equal(t, "500", delta.Cursor)
		assert.Len(t, delta.Records, 1)
	}
}

func TestErrorsAreClassified(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusConflict, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
				apiError(w, tt.code)
			})
			a := newTestAdapter(t, mux, Config{})
			_, err := a.FetchDelta(context.Background(), "")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, providers.IsPermanent(err))
		})
	}
}

func TestWatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/watch", func(w http.ResponseWriter, r *http.Request) {
		var req gmail.WatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "projects/p/topics/mail", req.TopicName)
		assert.Equal(t, []string{"INBOX"}, req.LabelIds)
		writeJSON(t, w, map[string]any{"historyId": "900", "expiration": "1767830400000"})
	})

	a := newTestAdapter(t, mux, Config{Topic: "projects/p/topics/mail"})
	res, err := a.Watch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "900", res.Cursor)
	assert.True(t, res.Expiry.Equal(time.UnixMilli(1767830400000)))

	_, err = newTestAdapter(t, http.NewServeMux(), Config{}).Watch(context.Background())
	assert.True(t, providers.IsPermanent(err))
}

func decodeRaw(t *testing.T, d *gmail.Draft) string {
	t.Helper()
	require.NotNil(t, d.Message)
	raw, err := base64.URLEncoding.DecodeString(d.Message.Raw)
	require.NoError(t, err)
	return string(raw)
}

func TestReplyDraftLifecycle(t *testing.T) {
	var created, updated string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "metadata", r.URL.Query().Get("format"))
		writeJSON(t, w, fullMessage("m1", "t1", "<abc@x>"))
	})
	mux.HandleFunc("POST /gmail/v1/users/me/drafts", func(w http.ResponseWriter, r *http.Request) {
		var d gmail.Draft
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d))
		assert.Equal(t, "t1", d.Message.ThreadId)
		created = decodeRaw(t, &d)
		writeJSON(t, w, map[string]any{"id": "d1", "message": map[string]string{"id": "dm1", "threadId": "t1"}})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/drafts/d1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"id": "d1", "message": map[string]any{
			"id": "dm1", "threadId": "t1",
			"payload": map[string]any{"headers": []map[string]string{
				{"name": "Subject", "value": "Re: Hello"},
				{"name": "In-Reply-To", "value": "<abc@x>"},
				{"name": "References", "value": "<root@x> <abc@x>"},
				{"name": "To", "value": "alice@example.com"},
			}},
		}})
	})
	mux.HandleFunc("PUT /gmail/v1/users/me/drafts/d1", func(w http.ResponseWriter, r *http.Request) {
		var d gmail.Draft
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d))
		assert.Equal(t, "t1", d.Message.ThreadId)
		updated = decodeRaw(t, &d)
		writeJSON(t, w, map[string]any{"id": "d1"})
	})
	mux.HandleFunc("POST /gmail/v1/users/me/drafts/send", func(w http.ResponseWriter, r *http.Request) {
		var d gmail.Draft
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d))
		assert.Equal(t, "d1", d.Id)
		writeJSON(t, w, map[string]any{"id": "s1", "threadId": "t1"})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/s1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"id": "s1", "threadId": "t1", "payload": map[string]any{
			"headers": []map[string]string{{"name": "Message-ID", "value": "<sent@mail.gmail.com>"}},
		}})
	})

	a := newTestAdapter(t, mux, Config{Address: "me@example.com"})
	ctx := context.Background()

	draftID, err := a.CreateReplyDraft(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "d1", draftID)
	assert.Contains(t, created, "In-Reply-To: <abc@x>")
	assert.Contains(t, created, "References: <root@x> <abc@x>")
	assert.Contains(t, created, "Subject: Re: Hello")

	err = a.UpdateDraft(ctx, "d1", "Thanks, see you then.", model.Participants{
		To: []string{"alice@example.com"}, Cc: []string{"carol@example.com"},
	})
	require.NoError(t, err)
	assert.Contains(t, updated, "Thanks, see you then.")
	assert.Contains(t, updated, "In-Reply-To: <abc@x>")
	assert.Contains(t, updated, "carol@example.com")
	assert.Contains(t, updated, "me@example.com")

	sent, err := a.SendDraft(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, &providers.Sent{ID: "s1", ThreadID: "t1", InternetMessageID: "<sent@mail.gmail.com>"}, sent)
}

func TestFindByInternetMessageID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rfc822msgid:abc@x", r.URL.Query().Get("q"))
		writeJSON(t, w, map[string]any{"messages": []map[string]string{{"id": "m1"}}})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, fullMessage("m1", "t1", "<abc@x>"))
	})

	a := newTestAdapter(t, mux, Config{})
	found, err := a.FindByInternetMessageID(context.Background(), "<abc@x>")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m1", found[0].ID)
	assert.Equal(t, "t1", found[0].ThreadID)
	assert.Equal(t, "<abc@x>", found[0].InternetMessageID)
	assert.Equal(t, "alice@example.com", found[0].FromEmail)
}

func TestSendNew(t *testing.T) {
	var raw string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var m gmail.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		b, err := base64.URLEncoding.DecodeString(m.Raw)
		require.NoError(t, err)
		raw = string(b)
		writeJSON(t, w, map[string]any{"id": "n1", "threadId": "nt1"})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/n1", func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusNotFound)
	})

	a := newTestAdapter(t, mux, Config{Address: "me@example.com"})
	sent, err := a.SendNew(context.Background(), providers.Outgoing{
		To: []string{"alice@example.com"}, Subject: "Re: Hello", Body: "fresh", InReplyTo: "<abc@x>",
	})
	require.NoError(t, err, "Message-ID lookup failure does not fail the send")
	assert.Equal(t, "n1", sent.ID)
	assert.Equal(t, "nt1", sent.ThreadID)
	assert.Empty(t, sent.InternetMessageID)
	assert.Contains(t, raw, "Subject: Re: Hello")
	assert.Contains(t, raw, "fresh")
}
