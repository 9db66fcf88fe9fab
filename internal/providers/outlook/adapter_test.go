package outlook

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

func newTestAdapter(t *testing.T, handler func(srvURL string) http.HandlerFunc) (*Adapter, string) {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(srv.URL)(w, r)
	}))
	t.Cleanup(srv.Close)

	reqAdapter, err := msgraphsdk.NewGraphRequestAdapter(&authentication.AnonymousAuthenticationProvider{})
	require.NoError(t, err)
	reqAdapter.SetBaseUrl(srv.URL + "/v1.0")

	log := zerolog.Nop()
	return NewWithClient(msgraphsdk.NewGraphServiceClient(reqAdapter), Config{User: "u1"}, &log), srv.URL
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func graphError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": "Failed", "message": http.StatusText(status)}})
}

// readBody decodes a request body, which the Graph client may gzip
func readBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body = gz
	}
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func graphMessage(id, conv, imid string) map[string]any {
	return map[string]any{
		"id":                id,
		"conversationId":    conv,
		"internetMessageId": imid,
		"subject":           "Office hours",
		"bodyPreview":       "see you",
		"receivedDateTime":  "2026-01-05T09:30:00Z",
		"body":              map[string]string{"contentType": "html", "content": "<p>see you</p>"},
		"from":              map[string]any{"emailAddress": map[string]string{"name": "Prof", "address": "prof@school.edu"}},
		"toRecipients":      []map[string]any{{"emailAddress": map[string]string{"address": "me@school.edu"}}},
		"internetMessageHeaders": []map[string]string{
			{"name": "References", "value": "<root@school.edu>"},
		},
	}
}

func TestFetchDeltaFollowsPages(t *testing.T) {
	a, _ := newTestAdapter(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			require.Contains(t, r.URL.Path, "/v1.0/users/u1/mailFolders/inbox/messages/delta")
			if r.URL.Query().Get("page") == "" {
				assert.Contains(t, r.URL.Query().Get("$select"), "internetMessageId")
				writeJSON(w, http.StatusOK, map[string]any{
					"value": []any{
						graphMessage("O1", "c1", "<abc@x>"),
						map[string]any{"id": "O0", "@removed": map[string]string{"reason": "deleted"}},
					},
					"@odata.nextLink": base + "/v1.0/users/u1/mailFolders/inbox/messages/delta()?page=2",
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"value":            []any{graphMessage("O2", "c2", "<def@x>")},
				"@odata.deltaLink": base + "/v1.0/users/u1/mailFolders/inbox/messages/delta()?$deltatoken=t1",
			})
		}
	})

	delta, err := a.FetchDelta(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, delta.Records, 2)
	assert.True(t, strings.HasSuffix(delta.Cursor, "$deltatoken=t1"))

	rec := delta.Records[0]
	assert.Equal(t, "O1", rec.ProviderMessageID)
	assert.Equal(t, "c1", rec.ProviderThreadID)
	assert.Equal(t, "Prof", rec.FromName)
	assert.Equal(t, "prof@school.edu", rec.FromEmail)
	assert.Equal(t, []string{"me@school.edu"}, rec.To)
	assert.Equal(t, "<p>see you</p>", rec.BodyHTML)
	assert.Equal(t, "<abc@x>", rec.Headers["Message-ID"])
	assert.Equal(t, "<root@school.edu>", rec.Headers["References"])
	assert.True(t, rec.ReceivedAt.Equal(time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)))
}

func TestFetchDeltaRestartsExpiredLink(t *testing.T) {
	var restarted bool
	a, base := newTestAdapter(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("$deltatoken") == "old" {
				graphError(w, http.StatusGone)
				return
			}
			restarted = true
			writeJSON(w, http.StatusOK, map[string]any{
				"value":            []any{},
				"@odata.deltaLink": base + "/v1.0/users/u1/mailFolders/inbox/messages/delta()?$deltatoken=new",
			})
		}
	})

	delta, err := a.FetchDelta(context.Background(), base+"/v1.0/users/u1/mailFolders/inbox/messages/delta()?$deltatoken=old")
	require.NoError(t, err)
	assert.True(t, restarted)
	assert.True(t, strings.HasSuffix(delta.Cursor, "$deltatoken=new"))
}

func TestErrorsAreClassified(t *testing.T) {
	for _, tt := range []struct {
		status    int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusConflict, false},
	} {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			a, _ := newTestAdapter(t, func(string) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) { graphError(w, tt.status) }
			})
			_, err := a.FetchDelta(context.Background(), "")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, providers.IsPermanent(err))
		})
	}
}

func TestFindByInternetMessageID(t *testing.T) {
	a, _ := newTestAdapter(t, func(string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1.0/users/u1/messages", r.URL.Path)
			assert.Equal(t, "internetMessageId eq '<abc@x>'", r.URL.Query().Get("$filter"))
			writeJSON(w, http.StatusOK, map[string]any{"value": []any{graphMessage("O1", "c1", "<abc@x>")}})
		}
	})

	found, err := a.FindByInternetMessageID(context.Background(), "abc@x")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, providers.Remote{
		ID:                "O1",
		ThreadID:          "c1",
		InternetMessageID: "<abc@x>",
		Subject:           "Office hours",
		FromEmail:         "prof@school.edu",
		ReceivedAt:        time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC),
	}, found[0])
}

func TestReplyDraftLifecycle(t *testing.T) {
	var patched map[string]any
	var sentCalled bool
	a, _ := newTestAdapter(t, func(string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/v1.0/users/u1/messages/O1/createReply":
				writeJSON(w, http.StatusCreated, map[string]any{"id": "D1", "conversationId": "c1"})
			case r.Method == http.MethodPatch && r.URL.Path == "/v1.0/users/u1/messages/D1":
				patched = readBody(t, r)
				writeJSON(w, http.StatusOK, map[string]any{"id": "D1"})
			case r.Method == http.MethodGet && r.URL.Path == "/v1.0/users/u1/messages/D1":
				writeJSON(w, http.StatusOK, map[string]any{"id": "D1", "conversationId": "c1", "internetMessageId": "<reply@outlook>"})
			case r.Method == http.MethodPost && r.URL.Path == "/v1.0/users/u1/messages/D1/send":
				sentCalled = true
				w.WriteHeader(http.StatusAccepted)
			default:
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				graphError(w, http.StatusBadRequest)
			}
		}
	})
	ctx := context.Background()

	draftID, err := a.CreateReplyDraft(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, "D1", draftID)

	require.NoError(t, a.UpdateDraft(ctx, draftID, "Thanks!", model.Participants{
		To: []string{"prof@school.edu"}, Cc: []string{"ta@school.edu"},
	}))
	body := patched["body"].(map[string]any)
	assert.Equal(t, "Thanks!", body["content"])
	assert.Equal(t, "text", body["contentType"])
	cc := patched["ccRecipients"].([]any)
	require.Len(t, cc, 1)
	assert.Equal(t, "ta@school.edu", cc[0].(map[string]any)["emailAddress"].(map[string]any)["address"])
	assert.NotContains(t, patched, "bccRecipients")

	sent, err := a.SendDraft(ctx, draftID)
	require.NoError(t, err)
	assert.True(t, sentCalled)
	assert.Equal(t, &providers.Sent{ID: "D1", ThreadID: "c1", InternetMessageID: "<reply@outlook>"}, sent)
}

func TestTokenSourceCredential(t *testing.T) {
	expiry := time.Now().Add(30 * time.Minute)
	cred := TokenSourceCredential{Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc", Expiry: expiry})}
	tok, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.Token)
	assert.True(t, tok.ExpiresOn.Equal(expiry))

	_, err = New(cred, Config{}, nil)
	assert.Error(t, err, "user is required")
}
