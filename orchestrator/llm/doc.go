// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package llm decides which upstream model providers serve a request and
// tracks how those providers are doing.
//
// A PolicyRouter matches a RoutingContext (subject, locale, SLA tier) against
// an ordered list of RoutingPolicy values, first match wins, with a built-in
// default policy behind them. The matched policy's providers are filtered by
// the HealthTracker's circuit breakers and ordered by one of five strategies:
// priority, round_robin, least_latency, lowest_cost or load_balance.
//
// The HealthTracker keeps per-provider success/failure counts, an EMA of
// latency and a three-state breaker (closed, open, half_open). Breakers open
// when more than half of at least five windowed calls fail, and admit traffic
// again after a five minute cool-down. A RedisHealthStore can share breaker
// state between gateway replicas.
//
// Provider clients implement Provider (and optionally StreamingProvider) and
// report failures as *ProviderError.
package llm
