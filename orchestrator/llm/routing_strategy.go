// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"math"
	"sort"
	"sync"
)

// StrategyInput is what a Strategy may consult while ordering candidates.
type StrategyInput struct {
	Context RoutingContext
	Policy  *RoutingPolicy

	// Health holds a snapshot per candidate taken once per route call.
	Health map[string]ProviderHealth

	// CostRank holds the static cost rank per provider; missing means unknown.
	CostRank map[string]int
}

// Strategy orders an already filtered candidate list. Implementations must
// not modify candidates and must return a permutation of it.
type Strategy interface {
	Kind() StrategyKind
	Order(candidates []string, in StrategyInput) []string
}

func cloneIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// PriorityStrategy keeps preferred providers first in listed order, then fallbacks.
// Candidates arrive in that order already.
type PriorityStrategy struct{}

func (PriorityStrategy) Kind() StrategyKind { return StrategyPriority }

func (PriorityStrategy) Order(candidates []string, _ StrategyInput) []string {
	return cloneIDs(candidates)
}

// MaxRoundRobinCounters bounds the number of (subject, kind) counters kept.
// Subjects are caller supplied, so once the bound is hit the counters start
// over.
const MaxRoundRobinCounters = 4096

// RoundRobinStrategy rotates the candidate list by a counter kept per
// (subject, request kind).
type RoundRobinStrategy struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewRoundRobinStrategy creates a round-robin strategy with fresh counters.
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{counters: make(map[string]uint64)}
}

func (s *RoundRobinStrategy) Kind() StrategyKind { return StrategyRoundRobin }

func (s *RoundRobinStrategy) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *RoundRobinStrategy) Order(candidates []string, in StrategyInput) []string {
	n := len(candidates)
	if n <= 1 {
		return cloneIDs(candidates)
	}

	key := in.Context.Subject + "|" + string(in.Context.kind())
	s.mu.Lock()
	count, ok := s.counters[key]
	if !ok && len(s.counters) >= MaxRoundRobinCounters {
		s.counters = make(map[string]uint64)
	}
	s.counters[key] = count + 1
	s.mu.Unlock()

	start := int(count % uint64(n))
	out := make([]string, 0, n)
	out = append(out, candidates[start:]...)
	out = append(out, candidates[:start]...)
	return out
}

// LeastLatencyStrategy sorts by ascending EMA latency. Providers without
// samples go last in their original order.
type LeastLatencyStrategy struct{}

func (LeastLatencyStrategy) Kind() StrategyKind { return StrategyLeastLatency }

func (LeastLatencyStrategy) Order(candidates []string, in StrategyInput) []string {
	out := cloneIDs(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		hi, hj := in.Health[out[i]], in.Health[out[j]]
		switch {
		case hi.HasLatency() && hj.HasLatency():
			return hi.EMALatency < hj.EMALatency
		case hi.HasLatency():
			return true
		default:
			return false
		}
	})
	return out
}

// LowestCostStrategy sorts by ascending static cost rank; unknown providers last.
type LowestCostStrategy struct{}

func (LowestCostStrategy) Kind() StrategyKind { return StrategyLowestCost }

func (LowestCostStrategy) Order(candidates []string, in StrategyInput) []string {
	rank := func(id string) int {
		if r, ok := in.CostRank[id]; ok {
			return r
		}
		return math.MaxInt32
	}
	out := cloneIDs(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i]) < rank(out[j])
	})
	return out
}

// Load-balance score weights.
const (
	loadBalanceSuccessWeight = 0.7
	loadBalanceLatencyWeight = 0.3
)

// LoadBalanceStrategy sorts by descending composite score:
// 0.7*successRate + 0.3*(1 - ema/maxEMA), where maxEMA is taken over the
// candidates. A provider without latency data scores 1.0 on latency.
type LoadBalanceStrategy struct{}

func (LoadBalanceStrategy) Kind() StrategyKind { return StrategyLoadBalance }

func (LoadBalanceStrategy) Order(candidates []string, in StrategyInput) []string {
	var maxEMA float64
	for _, id := range candidates {
		if h := in.Health[id]; h.HasLatency() && float64(h.EMALatency) > maxEMA {
			maxEMA = float64(h.EMALatency)
		}
	}

	scores := make(map[string]float64, len(candidates))
	for _, id := range candidates {
		scores[id] = LoadBalanceScore(in.Health[id], maxEMA)
	}

	out := cloneIDs(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i]] > scores[out[j]]
	})
	return out
}

// LoadBalanceScore returns the composite score of h given the largest EMA
// latency among the candidates.
func LoadBalanceScore(h ProviderHealth, maxEMA float64) float64 {
	latencyScore := 1.0
	if h.HasLatency() && maxEMA > 0 {
		latencyScore = 1 - float64(h.EMALatency)/maxEMA
	}
	return loadBalanceSuccessWeight*h.SuccessRate() + loadBalanceLatencyWeight*latencyScore
}
