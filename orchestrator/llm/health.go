// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// HealthConfig tunes the circuit breaker and latency averaging.
type HealthConfig struct {
	// Cooldown is how long a breaker stays open before admitting traffic again.
	Cooldown time.Duration

	// MinRequests is the number of window requests required before the
	// failure rate is evaluated.
	MinRequests int64

	// FailureRateThreshold opens the breaker when the window failure rate
	// strictly exceeds it.
	FailureRateThreshold float64

	// EMAAlpha is the weight of a new latency sample.
	EMAAlpha float64
}

// DefaultHealthConfig returns a 5 minute cool-down opening at a failure rate
// above 0.5 over at least 5 requests, with EMA weight 0.1.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Cooldown:             5 * time.Minute,
		MinRequests:          5,
		FailureRateThreshold: 0.5,
		EMAAlpha:             0.1,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	d := DefaultHealthConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MinRequests <= 0 {
		c.MinRequests = d.MinRequests
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold >= 1 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		c.EMAAlpha = d.EMAAlpha
	}
	return c
}

// ProviderHealth is a point-in-time view of one provider's statistics.
//
// SuccessCount and FailureCount are lifetime totals. The window counters
// feed the breaker and restart whenever the breaker closes after being open.
type ProviderHealth struct {
	Provider        string        `json:"provider"`
	Healthy         bool          `json:"healthy"`
	SuccessCount    int64         `json:"success_count"`
	FailureCount    int64         `json:"failure_count"`
	WindowSuccesses int64         `json:"window_successes"`
	WindowFailures  int64         `json:"window_failures"`
	EMALatency      time.Duration `json:"ema_latency"`
	LatencySamples  int64         `json:"latency_samples"`
	TotalCost       float64       `json:"total_cost"`
	State           BreakerState  `json:"state"`
	CircuitOpen     bool          `json:"circuit_open"`
	ReopenAt        time.Time     `json:"reopen_at,omitempty"`
	LastErrorKind   string        `json:"last_error_kind,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at,omitempty"`
}

// SuccessRate returns lifetime successes over lifetime calls, or 1.0 when
// there is no data.
func (h ProviderHealth) SuccessRate() float64 {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(h.SuccessCount) / float64(total)
}

// HasLatency reports whether at least one latency sample was recorded.
func (h ProviderHealth) HasLatency() bool {
	return h.LatencySamples > 0
}

// HealthStore persists breaker snapshots so several gateway replicas share
// provider health.
type HealthStore interface {
	SaveHealth(ctx context.Context, h ProviderHealth) error
	LoadHealth(ctx context.Context) ([]ProviderHealth, error)
}

// healthDeleter is implemented by stores that can forget a provider.
type healthDeleter interface {
	Delete(ctx context.Context, provider string) error
}

// TransitionFunc observes breaker state changes.
type TransitionFunc func(provider string, from, to BreakerState)

// HealthTracker owns per-provider statistics and breaker state.
//
// Each provider has its own entry lock; the map lock is only held to find or
// create an entry. Concurrent outcomes for the same provider may be applied in
// any order, but the store never receives a snapshot older than one it
// already holds.
type HealthTracker struct {
	cfg          HealthConfig
	now          func() time.Time
	store        HealthStore
	storeTimeout time.Duration
	onTransition TransitionFunc
	logger       *log.Logger

	mu      sync.RWMutex
	entries map[string]*healthEntry
}

type healthEntry struct {
	mu      sync.Mutex
	h       ProviderHealth
	version uint64
	removed bool

	// storeMu serialises store writes; saved is the last version written.
	storeMu sync.Mutex
	saved   uint64
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) HealthOption {
	return func(t *HealthTracker) {
		t.now = now
	}
}

// WithHealthStore publishes breaker transitions to store.
func WithHealthStore(store HealthStore) HealthOption {
	return func(t *HealthTracker) {
		t.store = store
	}
}

// WithHealthLogger sets the logger.
func WithHealthLogger(l *log.Logger) HealthOption {
	return func(t *HealthTracker) {
		t.logger = l
	}
}

// WithTransitionHook registers fn to be called after each breaker transition.
func WithTransitionHook(fn TransitionFunc) HealthOption {
	return func(t *HealthTracker) {
		t.onTransition = fn
	}
}

// NewHealthTracker creates a tracker. Zero fields in cfg take defaults.
func NewHealthTracker(cfg HealthConfig, opts ...HealthOption) *HealthTracker {
	t := &HealthTracker{
		cfg:          cfg.withDefaults(),
		now:          time.Now,
		storeTimeout: 500 * time.Millisecond,
		logger:       log.New(os.Stdout, "[HEALTH] ", log.LstdFlags),
		entries:      make(map[string]*healthEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the effective configuration.
func (t *HealthTracker) Config() HealthConfig {
	return t.cfg
}

func (t *HealthTracker) lookup(provider string) (*healthEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[provider]
	return e, ok
}

// lockEntry returns the live entry for provider with its lock held. An entry
// removed by Reset while waiting for the lock is skipped.
func (t *HealthTracker) lockEntry(provider string) *healthEntry {
	for {
		e := t.entry(provider)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

func (t *HealthTracker) entry(provider string) *healthEntry {
	if e, ok := t.lookup(provider); ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[provider]; ok {
		return e
	}
	e := &healthEntry{h: ProviderHealth{Provider: provider, Healthy: true, State: BreakerClosed}}
	t.entries[provider] = e
	return e
}

type transition struct {
	from, to BreakerState
}

// apply records event on h and runs the breaker state machine. The caller
// holds the entry lock.
func (t *HealthTracker) apply(h *ProviderHealth, event breakerEvent, now time.Time) []transition {
	if h.State == "" {
		h.State = BreakerClosed
	}

	var changes []transition
	state := h.State

	// An expired Open state becomes HalfOpen before anything else happens.
	if state == BreakerOpen && !now.Before(h.ReopenAt) {
		changes = append(changes, transition{BreakerOpen, BreakerHalfOpen})
		state = BreakerHalfOpen
		h.ReopenAt = time.Time{}
	}

	windowTotal := h.WindowSuccesses + h.WindowFailures
	overLimit := windowTotal >= t.cfg.MinRequests &&
		float64(h.WindowFailures)/float64(windowTotal) > t.cfg.FailureRateThreshold

	next := nextBreakerState(state, breakerInput{
		event:     event,
		now:       now,
		reopenAt:  h.ReopenAt,
		overLimit: overLimit,
	})

	if next != state {
		changes = append(changes, transition{state, next})
		switch next {
		case BreakerOpen:
			h.ReopenAt = now.Add(t.cfg.Cooldown)
		case BreakerClosed:
			h.WindowSuccesses = 0
			h.WindowFailures = 0
			h.ReopenAt = time.Time{}
		}
	}

	h.State = next
	h.CircuitOpen = next == BreakerOpen
	h.Healthy = next != BreakerOpen
	return changes
}

// RecordSuccess records a successful call with its latency and cost.
// A success closes an open or half-open breaker.
func (t *HealthTracker) RecordSuccess(provider string, latency time.Duration, cost float64) {
	now := t.now()
	e := t.lockEntry(provider)
	h := &e.h
	h.SuccessCount++
	h.WindowSuccesses++
	if latency >= 0 {
		if h.LatencySamples == 0 {
			h.EMALatency = latency
		} else {
			h.EMALatency = time.Duration(float64(h.EMALatency)*(1-t.cfg.EMAAlpha) + float64(latency)*t.cfg.EMAAlpha)
		}
		h.LatencySamples++
	}
	h.TotalCost += cost
	h.UpdatedAt = now
	changes := t.apply(h, eventSuccess, now)
	snapshot, version := e.snapshot(changes)
	e.mu.Unlock()

	t.publish(e, snapshot, version, changes)
}

// RecordFailure records a failed call of the given kind (see ErrorKindOf).
// The breaker opens when the window failure rate crosses the threshold.
func (t *HealthTracker) RecordFailure(provider string, errorKind string) {
	now := t.now()
	e := t.lockEntry(provider)
	h := &e.h
	h.FailureCount++
	h.WindowFailures++
	h.LastErrorKind = errorKind
	h.UpdatedAt = now
	changes := t.apply(h, eventFailure, now)
	snapshot, version := e.snapshot(changes)
	e.mu.Unlock()

	t.publish(e, snapshot, version, changes)
}

// Get returns the current health of provider. Reading past the reopen time
// moves an open breaker to half-open first. Providers never seen are healthy.
func (t *HealthTracker) Get(provider string) ProviderHealth {
	for {
		e, ok := t.lookup(provider)
		if !ok {
			return ProviderHealth{Provider: provider, Healthy: true, State: BreakerClosed}
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		changes := t.apply(&e.h, eventRead, t.now())
		snapshot, version := e.snapshot(changes)
		e.mu.Unlock()

		t.publish(e, snapshot, version, changes)
		return snapshot
	}
}

// IsAvailable reports whether provider may receive traffic.
func (t *HealthTracker) IsAvailable(provider string) bool {
	return t.Get(provider).State != BreakerOpen
}

// IsOpen reports whether provider's breaker is currently open.
func (t *HealthTracker) IsOpen(provider string) bool {
	return !t.IsAvailable(provider)
}

// Snapshot returns the health of every known provider sorted by id.
func (t *HealthTracker) Snapshot() []ProviderHealth {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	out := make([]ProviderHealth, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Get(id))
	}
	return out
}

// Reset forgets everything known about provider, including its shared
// snapshot when the store supports deletion. Outcomes racing with Reset are
// applied to the fresh entry.
func (t *HealthTracker) Reset(provider string) {
	t.mu.Lock()
	e, ok := t.entries[provider]
	delete(t.entries, provider)
	t.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}

	if d, ok := t.store.(healthDeleter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), t.storeTimeout)
		defer cancel()
		if err := d.Delete(ctx, provider); err != nil {
			t.logger.Printf("WARNING: failed to delete stored health for %s: %v", provider, err)
		}
	}
	t.logger.Printf("Reset health for provider %s", provider)
}

// Restore loads breaker state from the health store and re-opens breakers
// that are still open elsewhere. It is a no-op without a store.
func (t *HealthTracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	saved, err := t.store.LoadHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provider health: %w", err)
	}

	now := t.now()
	restored := 0
	for _, s := range saved {
		if s.Provider == "" || s.State != BreakerOpen || !now.Before(s.ReopenAt) {
			continue
		}
		e := t.lockEntry(s.Provider)
		from := e.h.State
		e.h.State = BreakerOpen
		e.h.CircuitOpen = true
		e.h.Healthy = false
		if s.ReopenAt.After(e.h.ReopenAt) {
			e.h.ReopenAt = s.ReopenAt
		}
		if e.h.LatencySamples == 0 && s.LatencySamples > 0 {
			e.h.EMALatency = s.EMALatency
			e.h.LatencySamples = s.LatencySamples
		}
		e.mu.Unlock()

		if from != BreakerOpen && t.onTransition != nil {
			t.onTransition(s.Provider, from, BreakerOpen)
		}
		restored++
	}
	t.logger.Printf("Restored %d open breaker(s) from %d saved provider(s)", restored, len(saved))
	return nil
}

// snapshot copies the entry and, when the breaker moved, stamps a new
// version. The caller holds the entry lock.
func (e *healthEntry) snapshot(changes []transition) (ProviderHealth, uint64) {
	if len(changes) > 0 {
		e.version++
	}
	return e.h, e.version
}

func (t *HealthTracker) publish(e *healthEntry, h ProviderHealth, version uint64, changes []transition) {
	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		t.logger.Printf("Provider %s breaker %s -> %s (window %d/%d failed, last error %q)",
			h.Provider, c.from, c.to, h.WindowFailures, h.WindowSuccesses+h.WindowFailures, h.LastErrorKind)
		if t.onTransition != nil {
			t.onTransition(h.Provider, c.from, c.to)
		}
	}
	if t.store == nil {
		return
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	if version <= e.saved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.storeTimeout)
	defer cancel()
	if err := t.store.SaveHealth(ctx, h); err != nil {
		t.logger.Printf("WARNING: failed to publish health for %s: %v", h.Provider, err)
		return
	}
	e.saved = version
}
