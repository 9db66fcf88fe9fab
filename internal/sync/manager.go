package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/pushstate"
)

// ErrSuspended is returned when a provider is down with a permanent error
// and must be re-authenticated before syncing again.
var ErrSuspended = errors.New("provider suspended until re-authentication")

// ManagerOptions tunes a Manager
type ManagerOptions struct {
	FetchTimeout time.Duration
	StoreTimeout time.Duration
}

// Manager runs at most one fetch-ingest-advance cycle per provider at a
// time. Different providers run in parallel.
type Manager struct {
	pipeline     *Pipeline
	tracker      *pushstate.Tracker
	sources      map[model.Provider]providers.DeltaSource
	locks        map[model.Provider]*sync.Mutex
	log          *zerolog.Logger
	fetchTimeout time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	runners      map[model.Provider]context.CancelFunc
	runnersMutex sync.RWMutex
}

// NewManager creates a manager for the given delta sources
func NewManager(pipeline *Pipeline, tracker *pushstate.Tracker, log *zerolog.Logger, opts ManagerOptions, sources ...providers.DeltaSource) *Manager {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 60 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 30 * time.Second
	}
	m := &Manager{
		pipeline:     pipeline,
		tracker:      tracker,
		sources:      make(map[model.Provider]providers.DeltaSource),
		locks:        make(map[model.Provider]*sync.Mutex),
		log:          log,
		fetchTimeout: opts.FetchTimeout,
		storeTimeout: opts.StoreTimeout,
		now:          time.Now,
		runners:      make(map[model.Provider]context.CancelFunc),
	}
	for _, src := range sources {
		m.sources[src.Name()] = src
		m.locks[src.Name()] = &sync.Mutex{}
	}
	return m
}

// Sync fetches and ingests everything after the stored cursor of p
func (m *Manager) Sync(ctx context.Context, p model.Provider) (*Result, error) {
	src, ok := m.sources[p]
	if !ok {
		return nil, fmt.Errorf("no delta source configured for %s", p)
	}
	l := m.locks[p]
	l.Lock()
	defer l.Unlock()

	return m.syncLocked(ctx, p, src)
}

// HandlePush processes a push notification whose provider watermark is
// hint. Notifications not after the stored cursor were already covered and
// are skipped.
func (m *Manager) HandlePush(ctx context.Context, p model.Provider, hint string) (*Result, error) {
	src, ok := m.sources[p]
	if !ok {
		return nil, fmt.Errorf("no delta source configured for %s", p)
	}
	if err := m.tracker.RecordPushReceived(ctx, p, m.now()); err != nil {
		return nil, err
	}

	l := m.locks[p]
	l.Lock()
	defer l.Unlock()

	cursor, err := m.tracker.GetCursor(ctx, p)
	if err != nil {
		return nil, err
	}
	if cursor != "" && hint != "" && !p.CursorAfter(cursor, hint) {
		m.log.Debug().Str("provider", p.String()).Str("cursor", cursor).Str("hint", hint).Msg("push already processed")
		return &Result{Provider: p, Cursor: cursor, Inserted: []int64{}}, nil
	}
	return m.syncLocked(ctx, p, src)
}

func (m *Manager) syncLocked(ctx context.Context, p model.Provider, src providers.DeltaSource) (*Result, error) {
	st, err := m.tracker.State(ctx, p)
	if err != nil {
		return nil, err
	}
	if st.Suspended() {
		return nil, fmt.Errorf("%s: %w", p, ErrSuspended)
	}

	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	delta, err := src.FetchDelta(fctx, st.Cursor)
	cancel()
	if err != nil {
		m.recordFailure(ctx, p, err)
		return nil, fmt.Errorf("fetching %s delta: %w", p, err)
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	res, err := m.pipeline.Ingest(sctx, p, delta)
	cancel()
	if err != nil {
		m.recordFailure(ctx, p, err)
		return res, err
	}

	if _, err := m.tracker.RecordSuccess(ctx, p); err != nil {
		m.log.Error().Err(err).Str("provider", p.String()).Msg("recording sync success")
	}
	return res, nil
}

func (m *Manager) recordFailure(ctx context.Context, p model.Provider, cause error) {
	if _, err := m.tracker.RecordFailure(ctx, p, cause); err != nil {
		m.log.Error().Err(err).Str("provider", p.String()).Msg("recording sync failure")
	}
}

// Resume lifts a suspension after re-authentication
func (m *Manager) Resume(ctx context.Context, p model.Provider) error {
	return m.tracker.Resume(ctx, p)
}

// Poll syncs p immediately and then every interval until ctx ends
func (m *Manager) Poll(ctx context.Context, p model.Provider, interval time.Duration) {
	run := func() {
		if err := m.tracker.RecordPoll(ctx, p, m.now()); err != nil {
			m.log.Error().Err(err).Str("provider", p.String()).Msg("recording poll")
		}
		res, err := m.Sync(ctx, p)
		if err != nil {
			m.log.Error().Err(err).Str("provider", p.String()).Msg("poll failed")
			return
		}
		if len(res.Inserted) > 0 {
			m.log.Info().Str("provider", p.String()).Int("new", len(res.Inserted)).Msg("poll found new messages")
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// StartPolling runs Poll for p in the background
func (m *Manager) StartPolling(ctx context.Context, p model.Provider, interval time.Duration) error {
	if _, ok := m.sources[p]; !ok {
		return fmt.Errorf("no delta source configured for %s", p)
	}

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	if _, exists := m.runners[p]; exists {
		return fmt.Errorf("polling already running for %s", p)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	m.runners[p] = cancel
	go func() {
		m.log.Info().Str("provider", p.String()).Dur("interval", interval).Msg("polling started")
		m.Poll(pollCtx, p, interval)

		m.runnersMutex.Lock()
		delete(m.runners, p)
		m.runnersMutex.Unlock()
		m.log.Info().Str("provider", p.String()).Msg("polling stopped")
	}()
	return nil
}

// IsPolling reports whether a background poll loop runs for p
func (m *Manager) IsPolling(p model.Provider) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()
	_, ok := m.runners[p]
	return ok
}

// StopAll stops every background poll loop
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	for p, cancel := range m.runners {
		m.log.Info().Str("provider", p.String()).Msg("stopping polling")
		cancel()
	}
	m.runners = make(map[model.Provider]context.CancelFunc)
}

// Providers lists the providers with a configured delta source
func (m *Manager) Providers() []model.Provider {
	var out []model.Provider
	for _, p := range model.Providers() {
		if _, ok := m.sources[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
