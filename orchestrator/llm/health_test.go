// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBreakerState(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name  string
		state BreakerState
		in    breakerInput
		want  BreakerState
	}{
		{"closed failure under limit", BreakerClosed, breakerInput{event: eventFailure, now: now}, BreakerClosed},
		{"closed failure over limit", BreakerClosed, breakerInput{event: eventFailure, now: now, overLimit: true}, BreakerOpen},
		{"closed success over limit", BreakerClosed, breakerInput{event: eventSuccess, now: now, overLimit: true}, BreakerClosed},
		{"closed read", BreakerClosed, breakerInput{event: eventRead, now: now}, BreakerClosed},
		{"open read before reopen", BreakerOpen, breakerInput{event: eventRead, now: now, reopenAt: future}, BreakerOpen},
		{"open failure before reopen", BreakerOpen, breakerInput{event: eventFailure, now: now, reopenAt: future}, BreakerOpen},
		{"open success before reopen", BreakerOpen, breakerInput{event: eventSuccess, now: now, reopenAt: future}, BreakerClosed},
		{"open read after reopen", BreakerOpen, breakerInput{event: eventRead, now: now, reopenAt: past}, BreakerHalfOpen},
		{"open failure after reopen", BreakerOpen, breakerInput{event: eventFailure, now: now, reopenAt: past}, BreakerOpen},
		{"open success after reopen", BreakerOpen, breakerInput{event: eventSuccess, now: now, reopenAt: past}, BreakerClosed},
		{"half-open read", BreakerHalfOpen, breakerInput{event: eventRead, now: now}, BreakerHalfOpen},
		{"half-open success", BreakerHalfOpen, breakerInput{event: eventSuccess, now: now}, BreakerClosed},
		{"half-open failure", BreakerHalfOpen, breakerInput{event: eventFailure, now: now}, BreakerOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextBreakerState(tt.state, tt.in))
		})
	}
}

func TestHealthTracker_UnknownProviderIsHealthy(t *testing.T) {
	tracker := newTestTracker(newFakeClock())

	h := tracker.Get("never-seen")
	assert.True(t, h.Healthy)
	assert.Equal(t, BreakerClosed, h.State)
	assert.True(t, tracker.IsAvailable("never-seen"))
	assert.Equal(t, 1.0, h.SuccessRate())
}

func TestHealthTracker_ConsecutiveFailuresOpenBreaker(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	for i := 0; i < 4; i++ {
		tracker.RecordFailure("x", ErrCodeServerError)
		require.True(t, tracker.IsAvailable("x"), "breaker opened after %d failures", i+1)
	}
	tracker.RecordFailure("x", ErrCodeServerError)

	h := tracker.Get("x")
	assert.Equal(t, BreakerOpen, h.State)
	assert.True(t, h.CircuitOpen)
	assert.False(t, h.Healthy)
	assert.Equal(t, clock.Now().Add(5*time.Minute), h.ReopenAt)
	assert.Equal(t, ErrCodeServerError, h.LastErrorKind)
}

func TestHealthTracker_ThreeOfFiveOpens(t *testing.T) {
	tracker := newTestTracker(newFakeClock())

	tracker.RecordSuccess("x", 100*time.Millisecond, 0)
	tracker.RecordSuccess("x", 100*time.Millisecond, 0)
	tracker.RecordFailure("x", ErrCodeRateLimit)
	tracker.RecordFailure("x", ErrCodeRateLimit)
	require.True(t, tracker.IsAvailable("x"))
	tracker.RecordFailure("x", ErrCodeTimeout)

	assert.True(t, tracker.IsOpen("x"))
}

func TestHealthTracker_HalfRateDoesNotOpen(t *testing.T) {
	tracker := newTestTracker(newFakeClock())

	for i := 0; i < 3; i++ {
		tracker.RecordSuccess("x", time.Millisecond, 0)
		tracker.RecordFailure("x", ErrCodeServerError)
	}

	assert.True(t, tracker.IsAvailable("x"), "failure rate 0.5 must not exceed the threshold")
}

func TestHealthTracker_CooldownMovesToHalfOpenOnRead(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("x", ErrCodeServerError)
	}
	require.True(t, tracker.IsOpen("x"))

	clock.Advance(4*time.Minute + 59*time.Second)
	assert.True(t, tracker.IsOpen("x"))

	clock.Advance(time.Second)
	h := tracker.Get("x")
	assert.Equal(t, BreakerHalfOpen, h.State)
	assert.False(t, h.CircuitOpen)
	assert.True(t, h.ReopenAt.IsZero())
	assert.True(t, tracker.IsAvailable("x"))
}

func TestHealthTracker_HalfOpenTrial(t *testing.T) {
	t.Run("success closes and resets window", func(t *testing.T) {
		clock := newFakeClock()
		tracker := newTestTracker(clock)
		for i := 0; i < 5; i++ {
			tracker.RecordFailure("x", ErrCodeServerError)
		}
		clock.Advance(5 * time.Minute)
		require.Equal(t, BreakerHalfOpen, tracker.Get("x").State)

		tracker.RecordSuccess("x", 50*time.Millisecond, 0.01)

		h := tracker.Get("x")
		assert.Equal(t, BreakerClosed, h.State)
		assert.Zero(t, h.WindowFailures)
		assert.Zero(t, h.WindowSuccesses)
		assert.Equal(t, int64(5), h.FailureCount)
		assert.Equal(t, int64(1), h.SuccessCount)

		// a single failure after closing must not re-open
		tracker.RecordFailure("x", ErrCodeServerError)
		assert.True(t, tracker.IsAvailable("x"))
	})

	t.Run("failure re-opens with a fresh cool-down", func(t *testing.T) {
		clock := newFakeClock()
		tracker := newTestTracker(clock)
		for i := 0; i < 5; i++ {
			tracker.RecordFailure("x", ErrCodeServerError)
		}
		clock.Advance(6 * time.Minute)

		tracker.RecordFailure("x", ErrCodeTimeout)

		h := tracker.Get("x")
		assert.Equal(t, BreakerOpen, h.State)
		assert.Equal(t, clock.Now().Add(5*time.Minute), h.ReopenAt)
	})
}

func TestHealthTracker_SuccessClearsOpenBreaker(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("x", ErrCodeServerError)
	}
	require.True(t, tracker.IsOpen("x"))

	tracker.RecordSuccess("x", 10*time.Millisecond, 0)

	assert.True(t, tracker.IsAvailable("x"))
}

func TestHealthTracker_EMALatency(t *testing.T) {
	tracker := newTestTracker(newFakeClock())

	tracker.RecordSuccess("x", 100*time.Millisecond, 0.5)
	assert.Equal(t, 100*time.Millisecond, tracker.Get("x").EMALatency)

	tracker.RecordSuccess("x", 200*time.Millisecond, 0.25)
	h := tracker.Get("x")
	assert.Equal(t, 110*time.Millisecond, h.EMALatency)
	assert.Equal(t, int64(2), h.LatencySamples)
	assert.InDelta(t, 0.75, h.TotalCost, 1e-9)
}

func TestHealthTracker_TransitionHook(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var seen []string
	tracker := newTestTracker(clock, WithTransitionHook(func(provider string, from, to BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, provider+":"+string(from)+"->"+string(to))
	}))

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("x", ErrCodeServerError)
	}
	clock.Advance(5 * time.Minute)
	tracker.RecordSuccess("x", time.Millisecond, 0)

	assert.Equal(t, []string{
		"x:closed->open",
		"x:open->half_open",
		"x:half_open->closed",
	}, seen)
}

func TestHealthTracker_ConcurrentRecording(t *testing.T) {
	tracker := newTestTracker(newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tracker.RecordSuccess("x", time.Millisecond, 0)
		}()
		go func() {
			defer wg.Done()
			tracker.RecordFailure("y", ErrCodeRateLimit)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), tracker.Get("x").SuccessCount)
	assert.Equal(t, int64(50), tracker.Get("y").FailureCount)
	assert.True(t, tracker.IsOpen("y"))

	snap := tracker.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "x", snap[0].Provider)
	assert.Equal(t, "y", snap[1].Provider)
}

func TestHealthTracker_Reset(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("x", ErrCodeServerError)
	}
	tracker.Reset("x")
	assert.True(t, tracker.IsAvailable("x"))
	assert.Zero(t, tracker.Get("x").FailureCount)
}

// recordingStore keeps every snapshot it is asked to save.
type recordingStore struct {
	mu        sync.Mutex
	saved     []ProviderHealth
	deleted   []string
	deleteErr error
}

func (s *recordingStore) SaveHealth(_ context.Context, h ProviderHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, h)
	return nil
}

func (s *recordingStore) LoadHealth(context.Context) ([]ProviderHealth, error) {
	return nil, nil
}

func (s *recordingStore) Delete(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, provider)
	return s.deleteErr
}

func (s *recordingStore) states() []BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BreakerState, len(s.saved))
	for i, h := range s.saved {
		out[i] = h.State
	}
	return out
}

func TestHealthTracker_StoreSkipsStaleSnapshot(t *testing.T) {
	clock := newFakeClock()
	store := &recordingStore{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	tracker := NewHealthTracker(HealthConfig{MinRequests: 1},
		WithClock(clock.Now),
		WithHealthLogger(discardLogger()),
		WithHealthStore(store),
		WithTransitionHook(func(_ string, _, to BreakerState) {
			if to == BreakerOpen {
				once.Do(func() {
					close(entered)
					<-release
				})
			}
		}),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tracker.RecordFailure("x", ErrCodeServerError)
	}()

	// The open snapshot is held back while a newer closed one is published.
	<-entered
	tracker.RecordSuccess("x", time.Millisecond, 0)
	close(release)
	<-done

	assert.Equal(t, []BreakerState{BreakerClosed}, store.states())
	assert.Equal(t, BreakerClosed, tracker.Get("x").State)
}

func TestHealthTracker_StoreVersionsMonotonic(t *testing.T) {
	store := &recordingStore{}
	clock := newFakeClock()
	tracker := NewHealthTracker(HealthConfig{MinRequests: 1},
		WithClock(clock.Now),
		WithHealthLogger(discardLogger()),
		WithHealthStore(store),
	)
	tracker.RecordFailure("x", ErrCodeServerError)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tracker.RecordFailure("x", ErrCodeServerError)
		}()
		go func() {
			defer wg.Done()
			tracker.RecordSuccess("x", time.Millisecond, 0)
		}()
	}
	wg.Wait()

	// The last stored snapshot matches the tracker's final state.
	states := store.states()
	require.NotEmpty(t, states)
	assert.Equal(t, tracker.Get("x").State, states[len(states)-1])
}

func TestHealthTracker_ResetRemovesEntryAndStoredHealth(t *testing.T) {
	tests := []struct {
		name      string
		deleteErr error
	}{
		{"store deletes", nil},
		{"store delete fails", errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &recordingStore{deleteErr: tt.deleteErr}
			tracker := newTestTracker(newFakeClock(), WithHealthStore(store))
			for i := 0; i < 5; i++ {
				tracker.RecordFailure("x", ErrCodeServerError)
			}
			old := tracker.entry("x")

			tracker.Reset("x")

			old.mu.Lock()
			assert.True(t, old.removed)
			old.mu.Unlock()
			assert.Equal(t, []string{"x"}, store.deleted)

			tracker.RecordFailure("x", ErrCodeTimeout)
			h := tracker.Get("x")
			assert.Equal(t, int64(1), h.FailureCount)
			assert.NotSame(t, old, tracker.entry("x"))
		})
	}
}

func TestHealthConfig_Defaults(t *testing.T) {
	cfg := HealthConfig{FailureRateThreshold: 2}.withDefaults()
	assert.Equal(t, DefaultHealthConfig(), cfg)
}
