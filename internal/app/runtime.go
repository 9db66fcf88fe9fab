package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbridge/internal/auth"
	"github.com/Martian-dev/mailbridge/internal/config"
	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/providers/gmail"
	"github.com/Martian-dev/mailbridge/internal/providers/outlook"
	"github.com/Martian-dev/mailbridge/internal/pushstate"
	"github.com/Martian-dev/mailbridge/internal/reply"
	"github.com/Martian-dev/mailbridge/internal/store"
	"github.com/Martian-dev/mailbridge/internal/store/postgres"
	"github.com/Martian-dev/mailbridge/internal/store/sqlite"
	mailsync "github.com/Martian-dev/mailbridge/internal/sync"
)

// runtime is the wired set of components a command works with
type runtime struct {
	store    store.Store
	tracker  *pushstate.Tracker
	manager  *mailsync.Manager
	resolver *reply.Resolver
	gmail    *gmail.Adapter
	outlook  *outlook.Adapter
}

func (rt *runtime) Close() error {
	if rt.manager != nil {
		rt.manager.StopAll()
	}
	return rt.store.Close()
}

// openStore opens the configured database and makes sure every provider
// has a push state row
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Database.Driver {
	case "postgres":
		st, err = postgres.Open(ctx, c.Database.URL)
	default:
		st, err = sqlite.Open(c.Database.Driver, c.Database.Path)
	}
	if err != nil {
		return nil, err
	}
	if err := st.EnsurePushStates(ctx, model.Providers()); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// tokenSource returns the credentials of p, from the broker when one is
// configured and from token files otherwise
func tokenSource(ctx context.Context, c *config.Config, p model.Provider, log *zerolog.Logger) (oauth2.TokenSource, error) {
	if c.Auth.BrokerURL != "" {
		return auth.NewBrokerClient(c.Auth.BrokerURL, c.Auth.BrokerJWT).TokenSource(ctx, p), nil
	}
	onSaveError := func(err error) {
		log.Warn().Err(err).Str("provider", p.String()).Msg("could not save refreshed token")
	}
	switch p {
	case model.ProviderGmail:
		return auth.GoogleTokenSource(ctx, c.Gmail.CredentialsFile, c.Gmail.TokenFile, gmail.Scopes, onSaveError)
	case model.ProviderOutlook:
		return auth.MicrosoftTokenSource(ctx, c.Outlook.Tenant, c.Outlook.ClientID, c.Outlook.TokenFile, outlook.Scopes, onSaveError)
	}
	return nil, fmt.Errorf("no credentials for %s", p)
}

// newRuntime opens the store and builds an adapter for every enabled
// provider. A provider whose credentials cannot be loaded is recorded as
// down and left out, so the other one keeps working.
func newRuntime(ctx context.Context, c *config.Config, log *zerolog.Logger) (*runtime, error) {
	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		store: st,
		tracker: pushstate.New(st, log, pushstate.Options{
			FailureThreshold: c.Push.FailureThreshold,
			WatchTimeout:     c.Timeouts.Fetch,
			StoreTimeout:     c.Timeouts.Store,
		}),
	}

	var (
		sources []providers.DeltaSource
		senders []providers.Sender
	)
	if c.Gmail.Enabled {
		a, err := newGmail(ctx, c, log)
		if err != nil {
			rt.unavailable(ctx, model.ProviderGmail, err, log)
		} else {
			rt.gmail = a
			sources = append(sources, a)
			senders = append(senders, a)
		}
	}
	if c.Outlook.Enabled {
		a, err := newOutlook(ctx, c, log)
		if err != nil {
			rt.unavailable(ctx, model.ProviderOutlook, err, log)
		} else {
			rt.outlook = a
			sources = append(sources, a)
			senders = append(senders, a)
		}
	}

	rt.manager = mailsync.NewManager(mailsync.NewPipeline(st, log), rt.tracker, log, mailsync.ManagerOptions{
		FetchTimeout: c.Timeouts.Fetch,
		StoreTimeout: c.Timeouts.Store,
	}, sources...)

	rules, err := c.ReplyRules()
	if err != nil {
		st.Close()
		return nil, err
	}
	fallback, _ := model.ParseProvider(c.Reply.DefaultProvider)
	router := reply.NewRouter(rules, fallback, rt.manager.Providers()...)
	rt.resolver = reply.NewResolver(st, router, log, reply.Options{
		LookupTimeout: c.Timeouts.Fetch,
		SendTimeout:   c.Timeouts.Send,
		StoreTimeout:  c.Timeouts.Store,
		Addresses:     c.Addresses(),
	}, senders...)
	return rt, nil
}

func (rt *runtime) unavailable(ctx context.Context, p model.Provider, err error, log *zerolog.Logger) {
	log.Error().Err(err).Str("provider", p.String()).Msg("provider unavailable")
	if _, rerr := rt.tracker.RecordFailure(ctx, p, err); rerr != nil {
		log.Error().Err(rerr).Str("provider", p.String()).Msg("recording provider failure")
	}
}

func newGmail(ctx context.Context, c *config.Config, log *zerolog.Logger) (*gmail.Adapter, error) {
	ts, err := tokenSource(ctx, c, model.ProviderGmail, log)
	if err != nil {
		return nil, providers.Wrap(model.ProviderGmail, "credentials", providers.Permanent, err)
	}
	l := log.With().Str("provider", "gmail").Logger()
	return gmail.New(ctx, ts, gmail.Config{
		User:          c.Gmail.User,
		Address:       c.Gmail.Address,
		Topic:         c.Gmail.Topic,
		LabelIDs:      c.Gmail.Labels,
		BackfillLimit: c.Gmail.BackfillLimit,
	}, &l)
}

func newOutlook(ctx context.Context, c *config.Config, log *zerolog.Logger) (*outlook.Adapter, error) {
	ts, err := tokenSource(ctx, c, model.ProviderOutlook, log)
	if err != nil {
		return nil, providers.Wrap(model.ProviderOutlook, "credentials", providers.Permanent, err)
	}
	l := log.With().Str("provider", "outlook").Logger()
	return outlook.New(outlook.TokenSourceCredential{Source: ts}, outlook.Config{User: c.Outlook.User}, &l)
}

// watcher returns the push subscription of p, if it has one
func (rt *runtime) watcher(p model.Provider) (providers.Watcher, error) {
	if p == model.ProviderGmail && rt.gmail != nil {
		return rt.gmail, nil
	}
	if p == model.ProviderGmail {
		return nil, errors.New("gmail is not available")
	}
	return nil, fmt.Errorf("%s has no push subscription", p)
}
