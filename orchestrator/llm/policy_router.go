// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// RouteDecision is the outcome of routing one request.
type RouteDecision struct {
	// Policy is the policy that matched, or the default policy.
	Policy *RoutingPolicy

	// Providers is the ordered candidate list.
	Providers []string

	// Emergency is set when every candidate was unhealthy and the unfiltered
	// list was returned instead.
	Emergency bool
}

// policySet is an immutable snapshot swapped in whole on reload.
type policySet struct {
	policies []*RoutingPolicy
	def      *RoutingPolicy
	profiles map[string]ProviderProfile
	enabled  []string // enabled profile ids in declaration order
}

// PolicyRouter matches requests to routing policies and orders providers.
// Policy sets are replaced with copy-and-swap, so a request always sees
// one consistent set.
type PolicyRouter struct {
	set        atomic.Pointer[policySet]
	health     *HealthTracker
	strategies map[StrategyKind]Strategy
	logger     *log.Logger
}

// RouterOption configures a PolicyRouter.
type RouterOption func(*PolicyRouter)

// WithRouterLogger sets the router logger.
func WithRouterLogger(l *log.Logger) RouterOption {
	return func(r *PolicyRouter) {
		r.logger = l
	}
}

// WithStrategy replaces the handler for s.Kind().
func WithStrategy(s Strategy) RouterOption {
	return func(r *PolicyRouter) {
		r.strategies[s.Kind()] = s
	}
}

// NewPolicyRouter creates a router over profiles and an ordered policy list.
// A nil def uses DefaultPolicy over every enabled profile. health may be nil,
// in which case every provider is treated as healthy.
func NewPolicyRouter(profiles []ProviderProfile, policies []*RoutingPolicy, def *RoutingPolicy, health *HealthTracker, opts ...RouterOption) (*PolicyRouter, error) {
	r := &PolicyRouter{
		health: health,
		strategies: map[StrategyKind]Strategy{
			StrategyPriority:     PriorityStrategy{},
			StrategyRoundRobin:   NewRoundRobinStrategy(),
			StrategyLeastLatency: LeastLatencyStrategy{},
			StrategyLowestCost:   LowestCostStrategy{},
			StrategyLoadBalance:  LoadBalanceStrategy{},
		},
		logger: log.New(os.Stdout, "[ROUTING] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(profiles, policies, def); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload validates and atomically installs a new policy set. On error the
// current set stays in place.
func (r *PolicyRouter) Reload(profiles []ProviderProfile, policies []*RoutingPolicy, def *RoutingPolicy) error {
	set := &policySet{
		profiles: make(map[string]ProviderProfile, len(profiles)),
	}

	var enabled []string
	for _, p := range profiles {
		if p.ID == "" {
			return fmt.Errorf("provider profile without id")
		}
		set.profiles[p.ID] = p
		if p.Enabled {
			enabled = append(enabled, p.ID)
		}
	}

	for i, p := range policies {
		if p == nil {
			return fmt.Errorf("routing policy %d is nil", i)
		}
		if err := p.Validate(); err != nil {
			return err
		}
		set.policies = append(set.policies, normalizePolicy(p))
	}

	if def == nil {
		def = DefaultPolicy(enabled)
	} else {
		d := *def
		if d.Name == "" {
			d.Name = DefaultPolicyName
		}
		if len(d.Preferred) == 0 && len(d.Fallback) == 0 {
			d.Preferred = enabled
		}
		d.SubjectPattern = "*"
		d.Enabled = true
		def = &d
	}
	set.def = normalizePolicy(def)
	set.enabled = enabled

	r.set.Store(set)
	r.logger.Printf("Loaded %d routing policies over %d providers (default: %v)",
		len(set.policies), len(set.profiles), set.def.Candidates())
	return nil
}

// normalizePolicy returns a copy with defaults for empty strategy, failover
// mode and timeout multiplier.
func normalizePolicy(p *RoutingPolicy) *RoutingPolicy {
	cp := *p
	cp.Preferred = cloneIDs(p.Preferred)
	cp.Fallback = cloneIDs(p.Fallback)
	cp.LocalePatterns = append([]string(nil), p.LocalePatterns...)
	cp.SLATiers = append([]SLATier(nil), p.SLATiers...)
	if cp.Strategy == "" {
		cp.Strategy = StrategyPriority
	}
	if cp.Failover == "" {
		cp.Failover = FailoverImmediate
	}
	if cp.TimeoutMultiplier == 0 {
		cp.TimeoutMultiplier = 1.0
	}
	return &cp
}

// Policies returns the configured policies in declaration order, followed by
// the default policy.
func (r *PolicyRouter) Policies() []*RoutingPolicy {
	set := r.set.Load()
	out := make([]*RoutingPolicy, 0, len(set.policies)+1)
	out = append(out, set.policies...)
	return append(out, set.def)
}

// Resolve returns the first enabled policy matching ctx, or the default policy.
func (r *PolicyRouter) Resolve(ctx RoutingContext) *RoutingPolicy {
	return r.set.Load().resolve(ctx)
}

func (s *policySet) resolve(ctx RoutingContext) *RoutingPolicy {
	for _, p := range s.policies {
		if p.Matches(ctx) {
			return p
		}
	}
	return s.def
}

// Route returns the ordered provider ids for ctx.
func (r *PolicyRouter) Route(ctx RoutingContext) []string {
	return r.Decide(ctx).Providers
}

// Decide resolves the policy for ctx and orders its candidates:
// known enabled providers, restricted to healthy ones (all of them if none is
// healthy), filtered by cost ceiling (unless that empties the list), then
// ordered by the policy strategy.
func (r *PolicyRouter) Decide(ctx RoutingContext) RouteDecision {
	set := r.set.Load()
	policy := set.resolve(ctx)

	candidates := set.configured(policy.Candidates())
	if len(candidates) == 0 && policy != set.def {
		r.logger.Printf("Policy %s names no configured provider; using default policy", policy.Name)
		policy = set.def
		candidates = set.configured(policy.Candidates())
	}
	if len(candidates) == 0 && len(set.enabled) > 0 {
		r.logger.Printf("Policy %s names no enabled provider; using every enabled provider %v", policy.Name, set.enabled)
		candidates = cloneIDs(set.enabled)
	}
	if len(candidates) == 0 {
		return RouteDecision{Policy: policy}
	}

	snapshots := make(map[string]ProviderHealth, len(candidates))
	healthy := make([]string, 0, len(candidates))
	for _, id := range candidates {
		h := r.healthOf(id)
		snapshots[id] = h
		if h.State != BreakerOpen {
			healthy = append(healthy, id)
		}
	}

	emergency := false
	if len(healthy) == 0 {
		r.logger.Printf("All providers for policy %s are unhealthy; using emergency fallback %v", policy.Name, candidates)
		healthy = candidates
		emergency = true
	}

	eligible := set.withinCeiling(healthy, policy.CostCeiling)

	strategy, ok := r.strategies[policy.Strategy]
	if !ok {
		r.logger.Printf("Unknown strategy %q on policy %s; using priority", policy.Strategy, policy.Name)
		strategy = r.strategies[StrategyPriority]
	}

	ordered := strategy.Order(eligible, StrategyInput{
		Context:  ctx,
		Policy:   policy,
		Health:   snapshots,
		CostRank: set.costRanks(),
	})

	return RouteDecision{Policy: policy, Providers: ordered, Emergency: emergency}
}

func (r *PolicyRouter) healthOf(id string) ProviderHealth {
	if r.health == nil {
		return ProviderHealth{Provider: id, Healthy: true, State: BreakerClosed}
	}
	return r.health.Get(id)
}

// configured drops ids that have a profile marked disabled or, when any
// profiles are configured, no profile at all.
func (s *policySet) configured(ids []string) []string {
	if len(s.profiles) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok && p.Enabled {
			out = append(out, id)
		}
	}
	return out
}

func (s *policySet) withinCeiling(ids []string, ceiling float64) []string {
	if ceiling <= 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if s.profiles[id].CostPer1K <= ceiling {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return ids
	}
	return out
}

func (s *policySet) costRanks() map[string]int {
	ranks := make(map[string]int, len(s.profiles))
	for id, p := range s.profiles {
		ranks[id] = p.CostRank
	}
	return ranks
}

// ShouldRetry reports whether the same provider may be called again: only
// under retry_with_backoff, while attempt < MaxRetries, and while the
// provider's breaker is not open.
func (r *PolicyRouter) ShouldRetry(provider string, attempt int, policy *RoutingPolicy) bool {
	if policy == nil || policy.Failover != FailoverRetryWithBackoff {
		return false
	}
	if attempt >= policy.MaxRetries {
		return false
	}
	if r.health != nil && r.health.IsOpen(provider) {
		return false
	}
	return true
}

// Backoff returns the wait before retry number attempt (0-based):
// 100ms doubled per attempt, capped at 5s.
func Backoff(attempt int) time.Duration {
	const (
		base    = 100 * time.Millisecond
		ceiling = 5 * time.Second
	)
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		return ceiling
	}
	d := base << uint(attempt)
	if d > ceiling {
		return ceiling
	}
	return d
}
