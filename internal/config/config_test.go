package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/reply"
)

func load(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o600))
	v := viper.New()
	Prepare(v, file)
	return Load(v)
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{"INBOX"}, cfg.Gmail.Labels)
	assert.Equal(t, 24*time.Hour, cfg.Push.RenewLead)
	assert.Equal(t, 3, cfg.Push.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Store)
	assert.Equal(t, "MAIL_EVENTS", cfg.NATS.Stream)
	assert.Equal(t, []model.Provider{model.ProviderGmail}, cfg.Enabled())
}

func TestFileAndEnvironment(t *testing.T) {
	t.Setenv("MAILBRIDGE_OUTLOOK_CLIENT_ID", "client-from-env")
	t.Setenv("MAILBRIDGE_GMAIL_LABELS", "INBOX,IMPORTANT")

	cfg, err := load(t, `
gmail:
  address: me@gmail.com
outlook:
  enabled: true
  user: me@school.edu
  address: me@school.edu
  poll_interval: 30s
reply:
  default_provider: outlook
  rules:
    - tag: work
      provider: outlook
    - sender_domain: Example.COM
      provider: gmail
`)
	require.NoError(t, err)
	assert.Equal(t, "client-from-env", cfg.Outlook.ClientID)
	assert.Equal(t, 30*time.Second, cfg.Outlook.PollInterval)
	assert.Equal(t, []string{"INBOX", "IMPORTANT"}, cfg.Gmail.Labels)
	assert.Equal(t, []model.Provider{model.ProviderGmail, model.ProviderOutlook}, cfg.Enabled())
	assert.Equal(t, map[model.Provider]string{
		model.ProviderGmail:   "me@gmail.com",
		model.ProviderOutlook: "me@school.edu",
	}, cfg.Addresses())

	rules, err := cfg.ReplyRules()
	require.NoError(t, err)
	assert.Equal(t, []reply.Rule{
		{Tag: "work", Provider: model.ProviderOutlook},
		{SenderDomain: "example.com", Provider: model.ProviderGmail},
	}, rules)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "database: {driver: mysql}"},
		{"postgres without url", "database: {driver: postgres}"},
		{"nothing enabled", "gmail: {enabled: false}"},
		{"outlook without user", "outlook: {enabled: true, client_id: c}"},
		{"outlook without client", "outlook: {enabled: true, user: u}"},
		{"broker without jwt", "auth: {broker_url: 'http://broker'}"},
		{"verify without audience", "pubsub: {verify: true}"},
		{"zero retention", "retention: {keep: 0}"},
		{"bad default provider", "reply: {default_provider: yahoo}"},
		{"rule with two matchers", "reply: {rules: [{tag: a, recipient: b@x.com, provider: gmail}]}"},
		{"rule with bad provider", "reply: {rules: [{tag: a, provider: yahoo}]}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.yaml)
			assert.Error(t, err)
		})
	}
}

func TestOutlookWithBrokerNeedsNoClientID(t *testing.T) {
	_, err := load(t, `
outlook: {enabled: true, user: u}
auth: {broker_url: 'http://broker', broker_jwt: secret}
`)
	assert.NoError(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MAILBRIDGE_TEST_SECRET=s3cret\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("MAILBRIDGE_TEST_SECRET") })
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "s3cret", os.Getenv("MAILBRIDGE_TEST_SECRET"))
}
