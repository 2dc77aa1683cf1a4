// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, tracker *HealthTracker, profs []ProviderProfile, policies ...*RoutingPolicy) *PolicyRouter {
	t.Helper()
	r, err := NewPolicyRouter(profs, policies, nil, tracker, WithRouterLogger(discardLogger()))
	require.NoError(t, err)
	return r
}

func TestPolicyRouter_EnterpriseWildcardPriority(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	r := newTestRouter(t, tracker, profiles("A", "B", "C"),
		&RoutingPolicy{
			Name:           "enterprise",
			SubjectPattern: "enterprise/*",
			Preferred:      []string{"A", "B"},
			Strategy:       StrategyPriority,
			Enabled:        true,
		},
	)

	decision := r.Decide(RoutingContext{Subject: "enterprise/acme", SLATier: SLATierPremium})

	assert.Equal(t, "enterprise", decision.Policy.Name)
	assert.Equal(t, []string{"A", "B"}, decision.Providers)
	assert.False(t, decision.Emergency)
}

func TestPolicyRouter_FirstMatchWinsAndDefault(t *testing.T) {
	r := newTestRouter(t, nil, profiles("A", "B", "C"),
		&RoutingPolicy{Name: "math", SubjectPattern: "math*", Preferred: []string{"B"}, Enabled: true},
		&RoutingPolicy{Name: "math-shadow", SubjectPattern: "math", Preferred: []string{"C"}, Enabled: true},
		&RoutingPolicy{Name: "off", SubjectPattern: "art", Preferred: []string{"C"}, Enabled: false},
	)

	assert.Equal(t, "math", r.Resolve(RoutingContext{Subject: "math"}).Name)
	assert.Equal(t, []string{"B"}, r.Route(RoutingContext{Subject: "math"}))

	def := r.Resolve(RoutingContext{Subject: "art"})
	assert.Equal(t, DefaultPolicyName, def.Name)
	assert.Equal(t, []string{"A", "B", "C"}, r.Route(RoutingContext{Subject: "art"}))

	policies := r.Policies()
	require.Len(t, policies, 4)
	assert.Equal(t, DefaultPolicyName, policies[3].Name)
}

func TestPolicyRouter_ExcludesOpenBreakerUntilCooldown(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	r := newTestRouter(t, tracker, profiles("X", "Y"),
		&RoutingPolicy{Name: "all", SubjectPattern: "*", Preferred: []string{"X", "Y"}, Enabled: true},
	)

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("X", ErrCodeServerError)
	}

	assert.Equal(t, []string{"Y"}, r.Route(RoutingContext{Subject: "math"}))

	clock.Advance(5 * time.Minute)
	assert.Equal(t, []string{"X", "Y"}, r.Route(RoutingContext{Subject: "math"}))
}

func TestPolicyRouter_EmergencyFallback(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	r := newTestRouter(t, tracker, profiles("X", "Y"),
		&RoutingPolicy{Name: "all", SubjectPattern: "*", Preferred: []string{"X"}, Fallback: []string{"Y"}, Enabled: true},
	)

	for _, id := range []string{"X", "Y"} {
		for i := 0; i < 5; i++ {
			tracker.RecordFailure(id, ErrCodeUnavailable)
		}
	}

	decision := r.Decide(RoutingContext{Subject: "math"})
	assert.True(t, decision.Emergency)
	assert.Equal(t, []string{"X", "Y"}, decision.Providers)
}

func TestPolicyRouter_UnconfiguredProvidersFallBackToDefault(t *testing.T) {
	profs := profiles("A", "B")
	profs[1].Enabled = false
	r := newTestRouter(t, nil, profs,
		&RoutingPolicy{Name: "ghost", SubjectPattern: "*", Preferred: []string{"Z", "B"}, Enabled: true},
	)

	decision := r.Decide(RoutingContext{Subject: "math"})
	assert.Equal(t, DefaultPolicyName, decision.Policy.Name)
	assert.Equal(t, []string{"A"}, decision.Providers)
}

func TestPolicyRouter_DisabledDefaultProvidersFallBackToEnabled(t *testing.T) {
	profs := []ProviderProfile{
		{ID: "A", Type: ProviderTypeMock, CostRank: 1, Enabled: false},
		{ID: "B", Type: ProviderTypeMock, CostRank: 2, Enabled: true},
		{ID: "C", Type: ProviderTypeMock, CostRank: 3, Enabled: true},
	}

	tests := []struct {
		name     string
		policies []*RoutingPolicy
		def      *RoutingPolicy
		subject  string
		want     string
	}{
		{
			name:    "default names only a disabled provider",
			def:     &RoutingPolicy{Preferred: []string{"A"}},
			subject: "math",
			want:    DefaultPolicyName,
		},
		{
			name: "matched policy and default both disabled",
			policies: []*RoutingPolicy{
				{Name: "math", SubjectPattern: "math", Preferred: []string{"A"}, Enabled: true},
			},
			def:     &RoutingPolicy{Preferred: []string{"A"}},
			subject: "math",
			want:    DefaultPolicyName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewPolicyRouter(profs, tt.policies, tt.def, nil, WithRouterLogger(discardLogger()))
			require.NoError(t, err)

			d := r.Decide(RoutingContext{Subject: tt.subject})
			assert.Equal(t, tt.want, d.Policy.Name)
			assert.Equal(t, []string{"B", "C"}, d.Providers)
			assert.False(t, d.Emergency)
		})
	}

	r, err := NewPolicyRouter([]ProviderProfile{{ID: "A", Type: ProviderTypeMock}}, nil, nil, nil, WithRouterLogger(discardLogger()))
	require.NoError(t, err)
	assert.Empty(t, r.Decide(RoutingContext{Subject: "math"}).Providers)
}

func TestPolicyRouter_RoundRobinVisitsAll(t *testing.T) {
	r := newTestRouter(t, nil, profiles("A", "B", "C"),
		&RoutingPolicy{Name: "rr", SubjectPattern: "*", Preferred: []string{"A", "B", "C"}, Strategy: StrategyRoundRobin, Enabled: true},
	)

	ctx := RoutingContext{Subject: "math", Kind: RequestKindGenerate}
	firsts := map[string]int{}
	for i := 0; i < 3; i++ {
		order := r.Route(ctx)
		require.Len(t, order, 3)
		assert.ElementsMatch(t, []string{"A", "B", "C"}, order)
		firsts[order[0]]++
	}
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, firsts)

	// a different key has its own counter
	assert.Equal(t, []string{"A", "B", "C"}, r.Route(RoutingContext{Subject: "science"}))
	assert.Equal(t, []string{"A", "B", "C"}, r.Route(ctx), "fourth call repeats the cycle")
}

func TestRoundRobinStrategy_CountersBounded(t *testing.T) {
	s := NewRoundRobinStrategy()
	candidates := []string{"A", "B", "C"}

	for i := 0; i < MaxRoundRobinCounters+500; i++ {
		s.Order(candidates, StrategyInput{Context: RoutingContext{Subject: fmt.Sprintf("subject-%d", i)}})
		require.LessOrEqual(t, s.size(), MaxRoundRobinCounters)
	}

	tests := []struct {
		name    string
		subject string
	}{
		{"fresh subject", "math"},
		{"recent subject", fmt.Sprintf("subject-%d", MaxRoundRobinCounters+499)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := StrategyInput{Context: RoutingContext{Subject: tt.subject}}
			firsts := map[string]bool{}
			for i := 0; i < len(candidates); i++ {
				order := s.Order(candidates, in)
				assert.ElementsMatch(t, candidates, order)
				firsts[order[0]] = true
			}
			assert.Len(t, firsts, len(candidates))
		})
	}
}

func TestPolicyRouter_LeastLatency(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	r := newTestRouter(t, tracker, profiles("A", "B", "C", "D"),
		&RoutingPolicy{Name: "fast", SubjectPattern: "*", Preferred: []string{"A", "B", "C", "D"}, Strategy: StrategyLeastLatency, Enabled: true},
	)

	tracker.RecordSuccess("A", 300*time.Millisecond, 0)
	tracker.RecordSuccess("C", 100*time.Millisecond, 0)
	tracker.RecordSuccess("D", 200*time.Millisecond, 0)

	ctx := RoutingContext{Subject: "math"}
	assert.Equal(t, []string{"C", "D", "A", "B"}, r.Route(ctx))
	assert.Equal(t, r.Route(ctx), r.Route(ctx), "ordering is deterministic without state changes")
}

func TestPolicyRouter_LowestCost(t *testing.T) {
	profs := []ProviderProfile{
		{ID: "premium", CostRank: 3, Enabled: true},
		{ID: "budget", CostRank: 1, Enabled: true},
		{ID: "mid", CostRank: 2, Enabled: true},
	}
	r := newTestRouter(t, nil, profs,
		&RoutingPolicy{Name: "cheap", SubjectPattern: "*", Preferred: []string{"premium", "mid", "budget"}, Strategy: StrategyLowestCost, Enabled: true},
	)

	assert.Equal(t, []string{"budget", "mid", "premium"}, r.Route(RoutingContext{Subject: "ela"}))
}

func TestPolicyRouter_LoadBalance(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	r := newTestRouter(t, tracker, profiles("A", "B", "C"),
		&RoutingPolicy{Name: "lb", SubjectPattern: "*", Preferred: []string{"A", "B", "C"}, Strategy: StrategyLoadBalance, Enabled: true},
	)

	// A: fast but flaky, B: slow and reliable, C: no data
	tracker.RecordSuccess("A", 100*time.Millisecond, 0)
	tracker.RecordFailure("A", ErrCodeServerError)
	tracker.RecordSuccess("B", 400*time.Millisecond, 0)

	// scores: A = 0.7*0.5 + 0.3*0.75 = 0.575, B = 0.7*1 + 0.3*0 = 0.7, C = 0.7 + 0.3 = 1.0
	assert.Equal(t, []string{"C", "B", "A"}, r.Route(RoutingContext{Subject: "math"}))
	assert.InDelta(t, 0.575, LoadBalanceScore(tracker.Get("A"), float64(400*time.Millisecond)), 1e-9)
}

func TestPolicyRouter_CostCeiling(t *testing.T) {
	profs := []ProviderProfile{
		{ID: "gold", CostPer1K: 0.06, Enabled: true},
		{ID: "bronze", CostPer1K: 0.002, Enabled: true},
	}
	r := newTestRouter(t, nil, profs,
		&RoutingPolicy{Name: "capped", SubjectPattern: "capped", Preferred: []string{"gold", "bronze"}, CostCeiling: 0.01, Enabled: true},
		&RoutingPolicy{Name: "too-low", SubjectPattern: "*", Preferred: []string{"gold", "bronze"}, CostCeiling: 0.0001, Enabled: true},
	)

	assert.Equal(t, []string{"bronze"}, r.Route(RoutingContext{Subject: "capped"}))
	assert.Equal(t, []string{"gold", "bronze"}, r.Route(RoutingContext{Subject: "other"}), "ceiling that excludes everyone is ignored")
}

func TestPolicyRouter_ShouldRetry(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	r := newTestRouter(t, tracker, profiles("A", "B"))

	retry := &RoutingPolicy{Failover: FailoverRetryWithBackoff, MaxRetries: 2}
	assert.True(t, r.ShouldRetry("A", 0, retry))
	assert.True(t, r.ShouldRetry("A", 1, retry))
	assert.False(t, r.ShouldRetry("A", 2, retry))

	assert.False(t, r.ShouldRetry("A", 0, &RoutingPolicy{Failover: FailoverImmediate, MaxRetries: 2}))
	assert.False(t, r.ShouldRetry("A", 0, &RoutingPolicy{Failover: FailoverCircuitBreaker, MaxRetries: 2}))
	assert.False(t, r.ShouldRetry("A", 0, nil))

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("B", ErrCodeServerError)
	}
	assert.False(t, r.ShouldRetry("B", 0, retry))
}

func TestPolicyRouter_Reload(t *testing.T) {
	r := newTestRouter(t, nil, profiles("A", "B"),
		&RoutingPolicy{Name: "math", SubjectPattern: "math", Preferred: []string{"A"}, Enabled: true},
	)
	ctx := RoutingContext{Subject: "math"}
	require.Equal(t, []string{"A"}, r.Route(ctx))

	err := r.Reload(profiles("A", "B"), []*RoutingPolicy{
		{Name: "math", SubjectPattern: "math", Preferred: []string{"B"}, Enabled: true},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, r.Route(ctx))

	err = r.Reload(profiles("A"), []*RoutingPolicy{{Name: "broken", SubjectPattern: "*"}}, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"B"}, r.Route(ctx), "failed reload keeps the previous set")
}

func TestPolicyRouter_CustomDefaultPolicyNotMutated(t *testing.T) {
	def := &RoutingPolicy{Strategy: StrategyLowestCost}
	r, err := NewPolicyRouter(profiles("A", "B"), nil, def, nil, WithRouterLogger(discardLogger()))
	require.NoError(t, err)

	got := r.Resolve(RoutingContext{Subject: "anything"})
	assert.Equal(t, DefaultPolicyName, got.Name)
	assert.Equal(t, []string{"A", "B"}, got.Preferred)
	assert.Empty(t, def.Name)
	assert.Equal(t, FailoverImmediate, got.Failover)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(0))
	assert.Equal(t, 200*time.Millisecond, Backoff(1))
	assert.Equal(t, 400*time.Millisecond, Backoff(2))
	assert.Equal(t, 3200*time.Millisecond, Backoff(5))
	assert.Equal(t, 5*time.Second, Backoff(6))
	assert.Equal(t, 5*time.Second, Backoff(40))
	assert.Equal(t, 100*time.Millisecond, Backoff(-3))
}
