// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"strings"
	"time"
)

// RoutingContext describes one inbound request for routing purposes.
// It is created per request and never mutated.
type RoutingContext struct {
	Subject  string      `json:"subject"`
	Locale   string      `json:"locale,omitempty"`
	SLATier  SLATier     `json:"sla_tier,omitempty"`
	Model    string      `json:"model,omitempty"`
	Kind     RequestKind `json:"kind,omitempty"`
	UserID   string      `json:"user_id,omitempty"`
	TenantID string      `json:"tenant_id,omitempty"`
	Priority int         `json:"priority,omitempty"`
}

// tier returns the SLA tier, treating an empty tier as standard.
func (c RoutingContext) tier() SLATier {
	if c.SLATier == "" {
		return SLATierStandard
	}
	return c.SLATier
}

// kind returns the request kind, treating an empty kind as generate.
func (c RoutingContext) kind() RequestKind {
	if c.Kind == "" {
		return RequestKindGenerate
	}
	return c.Kind
}

// StrategyKind names a provider ordering strategy.
type StrategyKind string

const (
	StrategyPriority     StrategyKind = "priority"
	StrategyRoundRobin   StrategyKind = "round_robin"
	StrategyLeastLatency StrategyKind = "least_latency"
	StrategyLowestCost   StrategyKind = "lowest_cost"
	StrategyLoadBalance  StrategyKind = "load_balance"
)

// ValidStrategies lists every supported strategy.
var ValidStrategies = []StrategyKind{
	StrategyPriority,
	StrategyRoundRobin,
	StrategyLeastLatency,
	StrategyLowestCost,
	StrategyLoadBalance,
}

// IsValidStrategy reports whether s names a supported strategy.
func IsValidStrategy(s string) bool {
	for _, valid := range ValidStrategies {
		if StrategyKind(s) == valid {
			return true
		}
	}
	return false
}

// FailoverMode controls how a failed call is handled.
type FailoverMode string

const (
	// FailoverImmediate moves straight to the next candidate.
	FailoverImmediate FailoverMode = "immediate"

	// FailoverRetryWithBackoff retries the same provider with exponential
	// backoff up to MaxRetries before moving on.
	FailoverRetryWithBackoff FailoverMode = "retry_with_backoff"

	// FailoverCircuitBreaker moves to the next candidate and relies on the
	// health tracker to keep failing providers out of later routes.
	FailoverCircuitBreaker FailoverMode = "circuit_breaker"
)

// IsValidFailoverMode reports whether m names a supported failover mode.
func IsValidFailoverMode(m string) bool {
	switch FailoverMode(m) {
	case FailoverImmediate, FailoverRetryWithBackoff, FailoverCircuitBreaker:
		return true
	}
	return false
}

// DefaultPolicyName is the name of the built-in catch-all policy.
const DefaultPolicyName = "default"

// RoutingPolicy selects and orders providers for requests whose context it matches.
type RoutingPolicy struct {
	Name string `json:"name" yaml:"name"`

	// SubjectPattern is matched with MatchPattern against the context subject.
	SubjectPattern string `json:"subject_pattern" yaml:"subject_pattern"`

	// LocalePatterns, if set, must contain a pattern matching the context locale.
	LocalePatterns []string `json:"locale_patterns,omitempty" yaml:"locale_patterns"`

	// SLATiers, if set, must contain the context tier.
	SLATiers []SLATier `json:"sla_tiers,omitempty" yaml:"sla_tiers"`

	Preferred []string `json:"preferred" yaml:"preferred"`
	Fallback  []string `json:"fallback,omitempty" yaml:"fallback"`

	Strategy          StrategyKind `json:"strategy" yaml:"strategy"`
	Failover          FailoverMode `json:"failover_mode" yaml:"failover_mode"`
	MaxRetries        int          `json:"max_retries" yaml:"max_retries"`
	TimeoutMultiplier float64      `json:"timeout_multiplier" yaml:"timeout_multiplier"`

	// CostCeiling is the maximum CostPer1K a provider may have. Zero disables it.
	CostCeiling float64 `json:"cost_ceiling,omitempty" yaml:"cost_ceiling"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultPolicy returns the catch-all policy over providers in priority order.
func DefaultPolicy(providers []string) *RoutingPolicy {
	preferred := make([]string, len(providers))
	copy(preferred, providers)
	return &RoutingPolicy{
		Name:              DefaultPolicyName,
		SubjectPattern:    "*",
		Preferred:         preferred,
		Strategy:          StrategyPriority,
		Failover:          FailoverImmediate,
		MaxRetries:        0,
		TimeoutMultiplier: 1.0,
		Enabled:           true,
	}
}

// Validate checks a policy for structural errors.
func (p *RoutingPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("routing policy name is required")
	}
	if p.SubjectPattern == "" {
		return fmt.Errorf("routing policy %s: subject_pattern is required", p.Name)
	}
	if len(p.Preferred) == 0 && len(p.Fallback) == 0 {
		return fmt.Errorf("routing policy %s: at least one preferred or fallback provider is required", p.Name)
	}
	if p.Strategy != "" && !IsValidStrategy(string(p.Strategy)) {
		return fmt.Errorf("routing policy %s: invalid strategy %q (valid: %v)", p.Name, p.Strategy, ValidStrategies)
	}
	if p.Failover != "" && !IsValidFailoverMode(string(p.Failover)) {
		return fmt.Errorf("routing policy %s: invalid failover_mode %q", p.Name, p.Failover)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("routing policy %s: max_retries cannot be negative", p.Name)
	}
	if p.TimeoutMultiplier < 0 {
		return fmt.Errorf("routing policy %s: timeout_multiplier cannot be negative", p.Name)
	}
	if p.CostCeiling < 0 {
		return fmt.Errorf("routing policy %s: cost_ceiling cannot be negative", p.Name)
	}
	return nil
}

// Matches reports whether the policy accepts ctx: the subject pattern matches,
// and the locale and SLA restrictions, when present, also accept it.
func (p *RoutingPolicy) Matches(ctx RoutingContext) bool {
	if !p.Enabled {
		return false
	}
	if !MatchPattern(p.SubjectPattern, ctx.Subject) {
		return false
	}
	if len(p.LocalePatterns) > 0 {
		ok := false
		for _, lp := range p.LocalePatterns {
			if MatchPattern(lp, ctx.Locale) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(p.SLATiers) > 0 {
		ok := false
		for _, t := range p.SLATiers {
			if t == ctx.tier() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Candidates returns preferred then fallback providers with duplicates removed.
func (p *RoutingPolicy) Candidates() []string {
	seen := make(map[string]bool, len(p.Preferred)+len(p.Fallback))
	out := make([]string, 0, len(p.Preferred)+len(p.Fallback))
	for _, list := range [][]string{p.Preferred, p.Fallback} {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// CallTimeout returns the per-call timeout for a context under this policy.
func (p *RoutingPolicy) CallTimeout(ctx RoutingContext) time.Duration {
	base := ctx.tier().BaseTimeout()
	if p.TimeoutMultiplier <= 0 {
		return base
	}
	return time.Duration(float64(base) * p.TimeoutMultiplier)
}

// MatchPattern reports whether value matches a wildcard pattern. Supported
// forms are "*", "prefix*", "*suffix", "*substring*" and exact match.
// Matching is case-insensitive.
func MatchPattern(pattern, value string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	value = strings.ToLower(value)

	switch {
	case pattern == "*":
		return true
	case pattern == "":
		return value == ""
	case len(pattern) >= 2 && strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(value, pattern[1:len(pattern)-1])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, pattern[1:])
	default:
		return pattern == value
	}
}
