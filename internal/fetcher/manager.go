package fetcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chronoshare/internal/core"
	"chronoshare/internal/transport"
)

// defaultGlobalBudget bounds total outstanding interests across every
// Fetcher a Manager owns (§4.5's "global in-flight budget").
const defaultGlobalBudget = 64

// defaultBackoffCeiling caps the exponential retry backoff applied to
// Fetchers that land in the failure queue.
const defaultBackoffCeiling = 2 * time.Minute

// ManagerConfig parameterizes a Manager.
type ManagerConfig struct {
	Face         transport.Face
	Clock        core.Clock
	Logger       *slog.Logger
	GlobalBudget int
}

// Manager owns a set of Fetchers under a global in-flight budget and
// retries failed ones with exponential backoff (§4.5). The budget is
// applied once, at Submit: a Fetcher's pipeline is capped to the part of
// the budget the active Fetchers' pipelines leave free, and never below
// one interest. Fetchers are not fed round-robin; each drives its own
// pipeline independently once started.
type Manager struct {
	face   transport.Face
	clock  core.Clock
	logger *slog.Logger
	budget int

	mu       sync.Mutex
	active   []*Fetcher
	failures map[string]*failureEntry
}

// failureEntry.requeue is always the pristine, unwrapped Config the
// caller originally submitted — never a Config whose OnFailed/OnComplete
// have already been wrapped by Submit. Resubmitting anything else would
// wrap an already-wrapped handler and cause every generation of retry to
// also invoke its predecessor's retry, multiplying retries geometrically.
type failureEntry struct {
	requeue Config
	attempt int
	timer   *time.Timer
}

// NewManager builds a Manager from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	budget := cfg.GlobalBudget
	if budget <= 0 {
		budget = defaultGlobalBudget
	}
	return &Manager{
		face:     cfg.Face,
		clock:    clock,
		logger:   logger,
		budget:   budget,
		failures: make(map[string]*failureEntry),
	}
}

// Submit starts a new Fetcher for cfg, wrapping its failure handler so
// the Manager also schedules a retry with backoff; the caller's own
// OnFailed is still invoked on every failure.
func (m *Manager) Submit(ctx context.Context, cfg Config) *Fetcher {
	if cfg.Face == nil {
		cfg.Face = m.face
	}
	if cfg.Clock == nil {
		cfg.Clock = m.clock
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	// pristine is a snapshot of the caller's Config taken before its
	// handlers are wrapped below. It is what gets resubmitted on retry,
	// so a retried fetch is wrapped exactly once no matter how many
	// generations of failure it has already been through.
	pristine := cfg
	key := cfg.BaseName

	cfg.OnFailed = func(err error) {
		m.removeActive(key)
		m.scheduleRetry(ctx, key, pristine, err)
	}
	cfg.OnComplete = func() {
		m.removeActive(key)
		m.mu.Lock()
		delete(m.failures, key)
		m.mu.Unlock()
		if pristine.OnComplete != nil {
			pristine.OnComplete()
		}
	}

	m.mu.Lock()
	used := 0
	for _, other := range m.active {
		used += other.cfg.Pipeline
	}
	remaining := m.budget - used
	if remaining < 1 {
		remaining = 1
	}
	if cfg.Pipeline <= 0 || cfg.Pipeline > remaining {
		cfg.Pipeline = remaining
	}
	m.mu.Unlock()

	f := New(cfg)

	m.mu.Lock()
	m.active = append(m.active, f)
	m.mu.Unlock()

	f.Start(ctx)
	return f
}

func (m *Manager) removeActive(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.active {
		if f.cfg.BaseName == key {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return
		}
	}
}

func (m *Manager) scheduleRetry(ctx context.Context, key string, pristine Config, err error) {
	m.mu.Lock()
	entry, ok := m.failures[key]
	if !ok {
		entry = &failureEntry{requeue: pristine}
		m.failures[key] = entry
	}
	entry.attempt++
	attempt := entry.attempt
	requeue := entry.requeue
	m.mu.Unlock()

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > defaultBackoffCeiling {
		backoff = defaultBackoffCeiling
	}

	m.logger.Warn("fetcher failed, scheduling retry", "base_name", key, "attempt", attempt, "backoff", backoff, "error", err)

	if requeue.OnFailed != nil {
		requeue.OnFailed(err)
	}

	timer := time.AfterFunc(backoff, func() {
		m.Submit(ctx, requeue)
	})

	m.mu.Lock()
	entry.timer = timer
	m.mu.Unlock()
}

// ActiveCount reports how many Fetchers are currently in flight.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StopAll cancels every active Fetcher and pending retry.
func (m *Manager) StopAll() {
	m.mu.Lock()
	active := append([]*Fetcher(nil), m.active...)
	m.active = nil
	for _, e := range m.failures {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	m.failures = make(map[string]*failureEntry)
	m.mu.Unlock()

	for _, f := range active {
		f.Stop()
	}
}
