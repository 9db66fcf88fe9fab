// Package config loads mailbridge settings from a config file, an env file
// and MAILBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/reply"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MAILBRIDGE"

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Database struct {
	// Driver is sqlite, sqlite3 or postgres.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Gmail struct {
	Enabled         bool     `mapstructure:"enabled"`
	User            string   `mapstructure:"user"`
	Address         string   `mapstructure:"address"`
	CredentialsFile string   `mapstructure:"credentials_file"`
	TokenFile       string   `mapstructure:"token_file"`
	Topic           string   `mapstructure:"topic"`
	Labels          []string `mapstructure:"labels"`
	BackfillLimit   int64    `mapstructure:"backfill_limit"`
}

type Outlook struct {
	Enabled      bool          `mapstructure:"enabled"`
	User         string        `mapstructure:"user"`
	Address      string        `mapstructure:"address"`
	Tenant       string        `mapstructure:"tenant"`
	ClientID     string        `mapstructure:"client_id"`
	TokenFile    string        `mapstructure:"token_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Auth configures the optional token broker. When BrokerURL is set it
// replaces the token files.
type Auth struct {
	BrokerURL string `mapstructure:"broker_url"`
	BrokerJWT string `mapstructure:"broker_jwt"`
}

type PubSub struct {
	Verify         bool   `mapstructure:"verify"`
	Audience       string `mapstructure:"audience"`
	ServiceAccount string `mapstructure:"service_account"`
}

type Push struct {
	RenewLead        time.Duration `mapstructure:"renew_lead"`
	RenewInterval    time.Duration `mapstructure:"renew_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxSilence       time.Duration `mapstructure:"max_silence"`
}

type Timeouts struct {
	Fetch time.Duration `mapstructure:"fetch"`
	Send  time.Duration `mapstructure:"send"`
	Store time.Duration `mapstructure:"store"`
}

type NATS struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type Retention struct {
	Keep int `mapstructure:"keep"`
}

type ReplyRule struct {
	Tag          string `mapstructure:"tag"`
	SenderDomain string `mapstructure:"sender_domain"`
	Recipient    string `mapstructure:"recipient"`
	Provider     string `mapstructure:"provider"`
}

type Reply struct {
	DefaultProvider string      `mapstructure:"default_provider"`
	Rules           []ReplyRule `mapstructure:"rules"`
}

// Config is the full mailbridge configuration
type Config struct {
	Log       Log       `mapstructure:"log"`
	Database  Database  `mapstructure:"database"`
	HTTP      HTTP      `mapstructure:"http"`
	Gmail     Gmail     `mapstructure:"gmail"`
	Outlook   Outlook   `mapstructure:"outlook"`
	Auth      Auth      `mapstructure:"auth"`
	PubSub    PubSub    `mapstructure:"pubsub"`
	Push      Push      `mapstructure:"push"`
	Timeouts  Timeouts  `mapstructure:"timeouts"`
	NATS      NATS      `mapstructure:"nats"`
	Retention Retention `mapstructure:"retention"`
	Reply     Reply     `mapstructure:"reply"`
}

// keys without a meaningful default; registering them lets Unmarshal see
// their environment overrides
var emptyKeys = []string{
	"database.url", "gmail.address", "gmail.topic",
	"outlook.user", "outlook.address", "outlook.client_id",
	"auth.broker_url", "auth.broker_jwt",
	"pubsub.audience", "pubsub.service_account", "nats.url",
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	for _, k := range emptyKeys {
		v.SetDefault(k, "")
	}
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "mailbridge.db")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("gmail.enabled", true)
	v.SetDefault("gmail.user", "me")
	v.SetDefault("gmail.credentials_file", "credentials.json")
	v.SetDefault("gmail.token_file", "token.json")
	v.SetDefault("gmail.labels", []string{"INBOX"})
	v.SetDefault("gmail.backfill_limit", 50)

	v.SetDefault("outlook.enabled", false)
	v.SetDefault("outlook.tenant", "common")
	v.SetDefault("outlook.token_file", "outlook_token.json")
	v.SetDefault("outlook.poll_interval", 2*time.Minute)

	v.SetDefault("pubsub.verify", false)

	v.SetDefault("push.renew_lead", 24*time.Hour)
	v.SetDefault("push.renew_interval", time.Hour)
	v.SetDefault("push.failure_threshold", 3)
	v.SetDefault("push.max_silence", 6*time.Hour)

	v.SetDefault("timeouts.fetch", 60*time.Second)
	v.SetDefault("timeouts.send", 60*time.Second)
	v.SetDefault("timeouts.store", 10*time.Second)

	v.SetDefault("nats.stream", "MAIL_EVENTS")
	v.SetDefault("retention.keep", 500)
	v.SetDefault("reply.default_provider", string(model.ProviderGmail))
}

// LoadEnvFile loads secrets from path into the process environment. A
// missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Prepare sets up v to read config.yaml and MAILBRIDGE_* variables. An
// explicit file overrides the search path.
func Prepare(v *viper.Viper, file string) {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mailbridge"))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the config file, if any, and decodes v into a validated
// Config
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// env lists arrive as one comma separated string
	if len(cfg.Gmail.Labels) == 1 && strings.Contains(cfg.Gmail.Labels[0], ",") {
		cfg.Gmail.Labels = strings.Split(cfg.Gmail.Labels[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first inconsistent setting
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if !c.Gmail.Enabled && !c.Outlook.Enabled {
		return errors.New("at least one of gmail.enabled or outlook.enabled must be set")
	}
	if c.Outlook.Enabled {
		if c.Outlook.User == "" {
			return errors.New("outlook.user is required")
		}
		if c.Auth.BrokerURL == "" && c.Outlook.ClientID == "" {
			return errors.New("outlook.client_id is required without a token broker")
		}
		if c.Outlook.PollInterval <= 0 {
			return errors.New("outlook.poll_interval must be positive")
		}
	}
	if c.Auth.BrokerURL != "" && c.Auth.BrokerJWT == "" {
		return errors.New("auth.broker_jwt is required with auth.broker_url")
	}
	if c.PubSub.Verify && c.PubSub.Audience == "" {
		return errors.New("pubsub.audience is required when pubsub.verify is set")
	}
	if c.Push.FailureThreshold <= 0 {
		return errors.New("push.failure_threshold must be positive")
	}
	if c.Retention.Keep <= 0 {
		return errors.New("retention.keep must be positive")
	}

	if _, err := model.ParseProvider(c.Reply.DefaultProvider); err != nil {
		return fmt.Errorf("reply.default_provider: %w", err)
	}
	if _, err := c.ReplyRules(); err != nil {
		return err
	}
	return nil
}

// Enabled lists the enabled providers
func (c *Config) Enabled() []model.Provider {
	var out []model.Provider
	if c.Gmail.Enabled {
		out = append(out, model.ProviderGmail)
	}
	if c.Outlook.Enabled {
		out = append(out, model.ProviderOutlook)
	}
	return out
}

// ReplyRules converts the configured routing rules
func (c *Config) ReplyRules() ([]reply.Rule, error) {
	rules := make([]reply.Rule, 0, len(c.Reply.Rules))
	for i, r := range c.Reply.Rules {
		p, err := model.ParseProvider(r.Provider)
		if err != nil {
			return nil, fmt.Errorf("reply.rules[%d]: %w", i, err)
		}
		set := 0
		for _, f := range []string{r.Tag, r.SenderDomain, r.Recipient} {
			if f != "" {
				set++
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("reply.rules[%d]: exactly one of tag, sender_domain or recipient must be set", i)
		}
		rules = append(rules, reply.Rule{
			Tag:          r.Tag,
			SenderDomain: strings.ToLower(r.SenderDomain),
			Recipient:    strings.ToLower(r.Recipient),
			Provider:     p,
		})
	}
	return rules, nil
}

// Addresses maps each enabled provider to its account address
func (c *Config) Addresses() map[model.Provider]string {
	out := make(map[model.Provider]string)
	if c.Gmail.Address != "" {
		out[model.ProviderGmail] = c.Gmail.Address
	}
	if c.Outlook.Address != "" {
		out[model.ProviderOutlook] = c.Outlook.Address
	}
	return out
}
