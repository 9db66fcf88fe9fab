package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailbridge/internal/auth"
	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/reply"
	"github.com/Martian-dev/mailbridge/internal/store"
	"github.com/Martian-dev/mailbridge/internal/store/sqlite"
	"github.com/Martian-dev/mailbridge/internal/store/storetest"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockPusher struct {
	HandlePushFunc func(ctx context.Context, p model.Provider, hint string) (*sync.Result, error)
	hints          []string
	polling        map[model.Provider]bool
}

func (m *MockPusher) IsPolling(p model.Provider) bool { return m.polling[p] }

func (m *MockPusher) HandlePush(ctx context.Context, p model.Provider, hint string) (*sync.Result, error) {
	m.hints = append(m.hints, hint)
	if m.HandlePushFunc != nil {
		return m.HandlePushFunc(ctx, p, hint)
	}
	return &sync.Result{Provider: p, Cursor: hint, Inserted: []int64{}}, nil
}

type MockStates struct {
	states  []*model.PushState
	touched []model.Provider
}

func (m *MockStates) States(context.Context) ([]*model.PushState, error) { return m.states, nil }

func (m *MockStates) RecordPushReceived(_ context.Context, p model.Provider, _ time.Time) error {
	m.touched = append(m.touched, p)
	return nil
}

type MockReplier struct {
	ReplyFunc func(ctx context.Context, req reply.Request) reply.Outcome
	requests  []reply.Request
}

func (m *MockReplier) Reply(ctx context.Context, req reply.Request) reply.Outcome {
	m.requests = append(m.requests, req)
	return m.ReplyFunc(ctx, req)
}

type MockVerifier struct{ err error }

func (m MockVerifier) Verify(*http.Request) (*auth.PushClaims, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &auth.PushClaims{Email: "push@project.iam.gserviceaccount.com"}, nil
}

type fixture struct {
	srv     *Server
	store   store.Store
	pusher  *MockPusher
	states  *MockStates
	replier *MockReplier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.Open(sqlite.DriverModernc, filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:   st,
		pusher:  &MockPusher{},
		states:  &MockStates{},
		replier: &MockReplier{ReplyFunc: func(context.Context, reply.Request) reply.Outcome { return reply.Outcome{Kind: reply.KindSent} }},
	}
	log := zerolog.Nop()
	f.srv = New(Deps{Store: st, Pusher: f.pusher, States: f.states, Replier: f.replier}, &log)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func envelope(data string) map[string]any {
	return map[string]any{
		"message":      map[string]string{"data": data, "messageId": "pubsub-1"},
		"subscription": "projects/p/subscriptions/gmail",
	}
}

func pushData(historyID any) string {
	raw, _ := json.Marshal(map[string]any{"emailAddress": "me@gmail.com", "historyId": historyID})
	return base64.StdEncoding.EncodeToString(raw)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestGmailPush(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/hooks/gmail", envelope(pushData(12345)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ok"])

	w = f.do(t, http.MethodPost, "/hooks/gmail", envelope(pushData("12346")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"12345", "12346"}, f.pusher.hints)
}

func TestGmailPushWithoutData(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/hooks/gmail", envelope(""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.pusher.hints)

	w = f.do(t, http.MethodPost, "/hooks/gmail", envelope("not base64!"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["ok"])
	assert.Empty(t, f.pusher.hints)
}

func TestGmailPushFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"transient", errors.New("connection reset"), http.StatusServiceUnavailable},
		{"suspended", fmt.Errorf("gmail: %w", sync.ErrSuspended), http.StatusOK},
		{"permanent", providers.Wrap(model.ProviderGmail, "history.list", providers.Permanent, errors.New("401")), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.pusher.HandlePushFunc = func(context.Context, model.Provider, string) (*sync.Result, error) {
				return nil, tt.err
			}
			w := f.do(t, http.MethodPost, "/hooks/gmail", envelope(pushData(1)))
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, false, decode(t, w)["ok"])
		})
	}
}

func TestGmailPushVerification(t *testing.T) {
	f := newFixture(t)
	f.srv.deps.Verifier = MockVerifier{err: errors.New("bad signature")}

	w := f.do(t, http.MethodPost, "/hooks/gmail", envelope(pushData(1)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = f.do(t, http.MethodPost, "/hooks/gmail/touch", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.pusher.hints)

	f.srv.deps.Verifier = MockVerifier{}
	w = f.do(t, http.MethodPost, "/hooks/gmail", envelope(pushData(1)))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGmailTouch(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/hooks/gmail/touch", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []model.Provider{model.ProviderGmail}, f.states.touched)
}

func TestPushStates(t *testing.T) {
	f := newFixture(t)
	f.states.states = []*model.PushState{
		{Provider: model.ProviderGmail, Cursor: "42", Health: model.HealthHealthy},
		{Provider: model.ProviderOutlook, Health: model.HealthHealthy},
	}
	f.pusher.polling = map[model.Provider]bool{model.ProviderOutlook: true}
	w := f.do(t, http.MethodGet, "/api/push-state", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	states := body["push_states"].([]any)
	require.Len(t, states, 2)
	assert.Equal(t, "42", states[0].(map[string]any)["cursor"])
	assert.Equal(t, map[string]any{"gmail": false, "outlook": true}, body["polling"])
}

func TestMessageLookups(t *testing.T) {
	f := newFixture(t)
	m := storetest.Seed(t, f.store, model.ProviderGmail, "g1", "<a@x>", time.Now())

	w := f.do(t, http.MethodGet, "/api/messages?internet_message_id="+url.QueryEscape("<a@x>"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, float64(m.ID), msgs[0].(map[string]any)["id"])

	w = f.do(t, http.MethodGet, "/api/messages?internet_message_id="+url.QueryEscape("<none@x>"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["messages"])
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/messages", nil).Code)

	w = f.do(t, http.MethodGet, "/api/providers/gmail/messages/g1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(m.ID), decode(t, w)["message"].(map[string]any)["id"])
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/providers/outlook/messages/g1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/providers/yahoo/messages/g1", nil).Code)
}

func TestGetMessage(t *testing.T) {
	f := newFixture(t)
	m := storetest.Seed(t, f.store, model.ProviderGmail, "g1", "<a@x>", time.Now())

	w := f.do(t, http.MethodGet, fmt.Sprintf("/api/messages/%d", m.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "g1", body["message"].(map[string]any)["provider_message_id"])
	assert.Empty(t, body["drafts"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/messages/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/messages/abc", nil).Code)
}

func TestReplyMessage(t *testing.T) {
	f := newFixture(t)
	f.replier.ReplyFunc = func(_ context.Context, req reply.Request) reply.Outcome {
		return reply.Outcome{Kind: reply.KindSent, Provider: req.Target, Threaded: true, ProviderMessageID: "O9"}
	}

	w := f.do(t, http.MethodPost, "/api/messages/7/reply", map[string]any{
		"target":       "outlook",
		"body":         "Thanks",
		"participants": map[string]any{"cc": []string{"ta@school.edu"}},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.replier.requests, 1)
	assert.Equal(t, reply.Request{
		MessageID:    7,
		Target:       model.ProviderOutlook,
		Body:         "Thanks",
		Participants: model.Participants{Cc: []string{"ta@school.edu"}},
	}, f.replier.requests[0])
	out := decode(t, w)["outcome"].(map[string]any)
	assert.Equal(t, "sent", out["kind"])
	assert.Equal(t, "O9", out["provider_message_id"])

	w = f.do(t, http.MethodPost, "/api/messages/7/reply", map[string]any{"target": "yahoo", "body": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.replier.requests, 1)

	w = f.do(t, http.MethodPost, "/api/messages/7/reply", map[string]any{"body": "x", "fresh": true})
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.replier.requests, 2)
	assert.True(t, f.replier.requests[1].Fresh)
}

func TestReplyStatus(t *testing.T) {
	tests := []struct {
		kind   reply.Kind
		status int
	}{
		{reply.KindSent, http.StatusOK},
		{reply.KindMessageNotFound, http.StatusNotFound},
		{reply.KindInProgress, http.StatusConflict},
		{reply.KindInvalidRequest, http.StatusBadRequest},
		{reply.KindNotFound, http.StatusUnprocessableEntity},
		{reply.KindNoIdentifier, http.StatusUnprocessableEntity},
		{reply.KindSendFailed, http.StatusBadGateway},
		{reply.KindSendUnconfirmed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t)
			f.replier.ReplyFunc = func(context.Context, reply.Request) reply.Outcome {
				return reply.Outcome{Kind: tt.kind, Err: errors.New("boom")}
			}
			w := f.do(t, http.MethodPost, "/api/messages/1/reply", map[string]any{"body": "x"})
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestTags(t *testing.T) {
	f := newFixture(t)
	m := storetest.Seed(t, f.store, model.ProviderGmail, "g1", "<a@x>", time.Now())

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/tags", m.ID), map[string]string{"tag": "work"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"work"}, decode(t, w)["message"].(map[string]any)["tags"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/tags", m.ID), map[string]string{"tag": "  "}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/messages/999/tags", map[string]string{"tag": "x"}).Code)
}

func TestDraftLifecycle(t *testing.T) {
	f := newFixture(t)
	m := storetest.Seed(t, f.store, model.ProviderGmail, "g1", "<a@x>", time.Now())

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/drafts", m.ID), map[string]string{"content": "first"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := int64(decode(t, w)["draft"].(map[string]any)["id"].(float64))

	w = f.do(t, http.MethodPut, fmt.Sprintf("/api/drafts/%d", id), map[string]string{"content": "second"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "second", decode(t, w)["draft"].(map[string]any)["content"])

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, fmt.Sprintf("/api/drafts/%d", id), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, fmt.Sprintf("/api/drafts/%d", id), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/messages/999/drafts", map[string]string{"content": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/drafts", m.ID), map[string]string{}).Code)
}

func TestThreadSoftDelete(t *testing.T) {
	f := newFixture(t)
	m := storetest.Seed(t, f.store, model.ProviderGmail, "g1", "<a@x>", time.Now())
	path := fmt.Sprintf("/api/threads/%d", m.ThreadID)

	w := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["messages"], 1)

	w = f.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode(t, w)["thread"].(map[string]any)["deleted_at"])

	w = f.do(t, http.MethodPost, path+"/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode(t, w)["thread"].(map[string]any), "deleted_at")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/threads/999", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/threads/999", nil).Code)
}
