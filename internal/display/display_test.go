package display

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/reply"
)

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }

	assert.Equal(t, "never", TimeAgo(nil, now))
	assert.Equal(t, "just now", TimeAgo(at(-10*time.Second), now))
	assert.Equal(t, "5m ago", TimeAgo(at(-5*time.Minute), now))
	assert.Equal(t, "3h ago", TimeAgo(at(-3*time.Hour), now))
	assert.Equal(t, "2d ago", TimeAgo(at(-49*time.Hour), now))
	assert.Equal(t, "in 6d", TimeAgo(at(6*24*time.Hour+time.Minute), now))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestPushStates(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	PushStates(&buf, []*model.PushState{
		{Provider: model.ProviderGmail, Cursor: "1234", Health: model.HealthHealthy},
		{Provider: model.ProviderOutlook, Health: model.HealthDown, LastError: "401", LastErrorKind: model.ErrorKindPermanent, ConsecutiveFailures: 1},
	}, map[model.Provider]int{model.ProviderGmail: 12}, now)

	out := buf.String()
	assert.Contains(t, out, "1234")
	assert.Contains(t, out, "12 messages")
	assert.Contains(t, out, "(none)")
	assert.Contains(t, out, "resume --provider outlook")
}

func TestOutcome(t *testing.T) {
	var buf bytes.Buffer
	Outcome(&buf, reply.Outcome{Kind: reply.KindSent, Provider: model.ProviderOutlook, Threaded: true, ProviderMessageID: "O1"})
	assert.Contains(t, buf.String(), "sent via outlook threaded (id O1)")

	buf.Reset()
	Outcome(&buf, reply.Outcome{Kind: reply.KindSendFailed, Provider: model.ProviderGmail, ProviderDraftID: "d1", Retryable: true, Err: errors.New("503")})
	out := buf.String()
	assert.Contains(t, out, "send_failed via gmail: 503")
	assert.Contains(t, out, "d1")
	assert.Contains(t, out, "safe to retry")
}
