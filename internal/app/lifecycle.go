package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/pushstate"
	mailsync "github.com/Martian-dev/mailbridge/internal/sync"
)

// upkeep keeps a push provider's subscription alive and catches up on
// missed pushes
type upkeep struct {
	provider   model.Provider
	tracker    *pushstate.Tracker
	manager    *mailsync.Manager
	watcher    providers.Watcher
	renewLead  time.Duration
	maxSilence time.Duration
	log        *zerolog.Logger
}

// once renews the watch when due, then syncs when pushes went silent. A
// suspended provider is left alone until it is resumed.
func (u *upkeep) once(ctx context.Context) {
	st, err := u.tracker.State(ctx, u.provider)
	if err != nil {
		u.log.Error().Err(err).Str("provider", u.provider.String()).Msg("reading push state")
		return
	}
	if st.Suspended() {
		u.log.Warn().Str("provider", u.provider.String()).Msg("provider suspended, skipping upkeep")
		return
	}

	if _, err := u.tracker.Renew(ctx, u.provider, u.watcher, u.renewLead); err != nil {
		u.log.Error().Err(err).Str("provider", u.provider.String()).Msg("watch renewal failed")
	}

	st, err = u.tracker.CheckSilence(ctx, u.provider, u.maxSilence)
	if err != nil {
		u.log.Error().Err(err).Str("provider", u.provider.String()).Msg("checking push silence")
		return
	}
	if st.Health == model.HealthHealthy || st.Suspended() {
		return
	}

	if err := u.tracker.RecordPoll(ctx, u.provider, time.Now()); err != nil {
		u.log.Error().Err(err).Str("provider", u.provider.String()).Msg("recording poll")
	}
	res, err := u.manager.Sync(ctx, u.provider)
	if err != nil {
		u.log.Error().Err(err).Str("provider", u.provider.String()).Msg("catch-up sync failed")
		return
	}
	u.log.Info().Str("provider", u.provider.String()).Int("new", len(res.Inserted)).Msg("catch-up sync done")
}

// run calls once immediately and then every interval until ctx ends
func (u *upkeep) run(ctx context.Context, interval time.Duration) {
	u.once(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.once(ctx)
		}
	}
}
