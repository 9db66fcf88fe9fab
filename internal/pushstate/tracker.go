// Package pushstate tracks, per provider, how far ingestion has progressed
// and whether the provider's push subscription is alive.
package pushstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/store"
)

// DefaultFailureThreshold is the number of consecutive failures after which
// a provider is considered down.
const DefaultFailureThreshold = 3

// Options tunes a Tracker
type Options struct {
	FailureThreshold int
	WatchTimeout     time.Duration
	StoreTimeout     time.Duration
	Now              func() time.Time
}

// Tracker owns the push state rows. State writes for one provider are
// serialized; different providers proceed independently.
type Tracker struct {
	store     store.Store
	log       *zerolog.Logger
	threshold int
	timeout   time.Duration
	storeWait time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[model.Provider]*sync.Mutex
	renew singleflight.Group
}

// New creates a tracker over st
func New(st store.Store, log *zerolog.Logger, opts Options) *Tracker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.WatchTimeout <= 0 {
		opts.WatchTimeout = 30 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		store:     st,
		log:       log,
		threshold: opts.FailureThreshold,
		timeout:   opts.WatchTimeout,
		storeWait: opts.StoreTimeout,
		now:       opts.Now,
		locks:     make(map[model.Provider]*sync.Mutex),
	}
}

func (t *Tracker) lock(p model.Provider) func() {
	t.mu.Lock()
	l, ok := t.locks[p]
	if !ok {
		l = &sync.Mutex{}
		t.locks[p] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// bounded limits a store call to the configured store timeout
func (t *Tracker) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.storeWait)
}

// update applies fn to the provider's state and saves it
func (t *Tracker) update(ctx context.Context, p model.Provider, fn func(*model.PushState)) (*model.PushState, error) {
	unlock := t.lock(p)
	defer unlock()

	ctx, cancel := t.bounded(ctx)
	defer cancel()
	st, err := t.store.GetPushState(ctx, p)
	if err != nil {
		return nil, err
	}
	fn(st)
	if err := t.store.SavePushState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// State returns the provider's current push state
func (t *Tracker) State(ctx context.Context, p model.Provider) (*model.PushState, error) {
	ctx, cancel := t.bounded(ctx)
	defer cancel()
	return t.store.GetPushState(ctx, p)
}

// States returns every provider's push state
func (t *Tracker) States(ctx context.Context) ([]*model.PushState, error) {
	ctx, cancel := t.bounded(ctx)
	defer cancel()
	return t.store.ListPushStates(ctx)
}

// GetCursor returns the stored cursor, or "" when none has been recorded
func (t *Tracker) GetCursor(ctx context.Context, p model.Provider) (string, error) {
	ctx, cancel := t.bounded(ctx)
	defer cancel()
	st, err := t.store.GetPushState(ctx, p)
	if err != nil {
		return "", err
	}
	return st.Cursor, nil
}

// AdvanceCursor stores next if it is strictly after the stored cursor.
// Older or equal cursors are ignored and reported as not advanced.
func (t *Tracker) AdvanceCursor(ctx context.Context, p model.Provider, next string) (bool, error) {
	ctx, cancel := t.bounded(ctx)
	defer cancel()
	advanced, err := t.store.AdvanceCursor(ctx, p, next, p.CursorAfter)
	if err != nil {
		return false, err
	}
	if !advanced {
		t.log.Debug().Str("provider", p.String()).Str("cursor", next).Msg("cursor not after stored value, ignored")
	}
	return advanced, nil
}

// RecordPushReceived notes that a push notification arrived at at
func (t *Tracker) RecordPushReceived(ctx context.Context, p model.Provider, at time.Time) error {
	_, err := t.update(ctx, p, func(st *model.PushState) {
		at := at.UTC()
		st.LastPushAt = &at
	})
	return err
}

// RecordPoll notes a poll attempt at at
func (t *Tracker) RecordPoll(ctx context.Context, p model.Provider, at time.Time) error {
	_, err := t.update(ctx, p, func(st *model.PushState) {
		at := at.UTC()
		st.LastPollAt = &at
	})
	return err
}

// SetWatchExpiry records the expiry of a renewed subscription. A provider
// degraded only by a lapsed watch or silence becomes healthy again.
func (t *Tracker) SetWatchExpiry(ctx context.Context, p model.Provider, expiry time.Time) error {
	_, err := t.update(ctx, p, func(st *model.PushState) {
		e := expiry.UTC()
		st.WatchExpiresAt = &e
		if st.Health == model.HealthDegraded && st.ConsecutiveFailures == 0 && !st.WatchOverdue(t.now()) {
			st.Health = model.HealthHealthy
		}
	})
	return err
}

// DueForRenewal reports whether the watch expires within lead. A provider
// that was never subscribed is always due.
func (t *Tracker) DueForRenewal(ctx context.Context, p model.Provider, lead time.Duration) (bool, error) {
	ctx, cancel := t.bounded(ctx)
	defer cancel()
	st, err := t.store.GetPushState(ctx, p)
	if err != nil {
		return false, err
	}
	if st.WatchExpiresAt == nil {
		return true, nil
	}
	return st.WatchExpiresAt.Sub(t.now()) <= lead, nil
}

// RecordSuccess clears failures after a fully successful cycle. A provider
// whose watch has lapsed stays degraded until it is renewed.
func (t *Tracker) RecordSuccess(ctx context.Context, p model.Provider) (*model.PushState, error) {
	return t.update(ctx, p, func(st *model.PushState) {
		now := t.now().UTC()
		st.LastSuccessAt = &now
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.LastErrorKind = ""
		st.Health = model.HealthHealthy
		if st.WatchOverdue(now) {
			st.Health = model.HealthDegraded
		}
	})
}

// RecordFailure counts a failed cycle. Permanent errors take the provider
// down at once; transient ones degrade it until the threshold is reached.
func (t *Tracker) RecordFailure(ctx context.Context, p model.Provider, cause error) (*model.PushState, error) {
	kind := providers.Classify(cause)
	st, err := t.update(ctx, p, func(st *model.PushState) {
		st.ConsecutiveFailures++
		st.LastError = errString(cause)
		st.LastErrorKind = kind.String()
		switch {
		case kind == providers.Permanent, st.ConsecutiveFailures >= t.threshold:
			st.Health = model.HealthDown
		default:
			st.Health = model.HealthDegraded
		}
	})
	if err != nil {
		return nil, err
	}
	t.log.Warn().
		Str("provider", p.String()).
		Str("health", string(st.Health)).
		Int("failures", st.ConsecutiveFailures).
		Str("kind", kind.String()).
		Err(cause).
		Msg("provider cycle failed")
	return st, nil
}

// CheckSilence degrades a healthy provider that has not received a push for
// longer than maxSilence.
func (t *Tracker) CheckSilence(ctx context.Context, p model.Provider, maxSilence time.Duration) (*model.PushState, error) {
	return t.update(ctx, p, func(st *model.PushState) {
		if st.Health != model.HealthHealthy || st.LastPushAt == nil {
			return
		}
		if t.now().Sub(*st.LastPushAt) > maxSilence {
			st.Health = model.HealthDegraded
		}
	})
}

// Resume clears a suspension after the provider has been re-authenticated.
func (t *Tracker) Resume(ctx context.Context, p model.Provider) error {
	_, err := t.update(ctx, p, func(st *model.PushState) {
		st.Health = model.HealthDegraded
		st.ConsecutiveFailures = 0
		st.LastErrorKind = ""
	})
	return err
}

// Renew re-subscribes p when its watch is due. Concurrent calls for the same
// provider share one subscription request. It reports whether a renewal
// took place.
func (t *Tracker) Renew(ctx context.Context, p model.Provider, w providers.Watcher, lead time.Duration) (bool, error) {
	v, err, _ := t.renew.Do(string(p), func() (any, error) {
		due, err := t.DueForRenewal(ctx, p, lead)
		if err != nil {
			return false, err
		}
		if !due {
			return false, nil
		}

		wctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		res, err := w.Watch(wctx)
		if err != nil {
			if _, rerr := t.RecordFailure(ctx, p, err); rerr != nil {
				t.log.Error().Err(rerr).Str("provider", p.String()).Msg("recording renewal failure")
			}
			return false, fmt.Errorf("renewing %s watch: %w", p, err)
		}

		if err := t.SetWatchExpiry(ctx, p, res.Expiry); err != nil {
			return false, err
		}
		// only seed; a later watch cursor could skip unprocessed history
		if res.Cursor != "" {
			cur, err := t.GetCursor(ctx, p)
			if err != nil {
				return false, err
			}
			if cur == "" {
				if _, err := t.AdvanceCursor(ctx, p, res.Cursor); err != nil {
					return false, err
				}
			}
		}
		t.log.Info().Str("provider", p.String()).Time("expires_at", res.Expiry).Msg("watch renewed")
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
