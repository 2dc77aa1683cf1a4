// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
)

// Request outcomes used as metric labels.
const (
	OutcomeSuccess     = "success"
	OutcomeRejected    = "rejected"
	OutcomeExhausted   = "exhausted"
	OutcomeCanceled    = "canceled"
	OutcomeInterrupted = "interrupted"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	providerCalls *prometheus.CounterVec
	moderation    *prometheus.CounterVec
	piiMatches    *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	emergency     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests processed by the pipeline",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_milliseconds",
				Help:    "Pipeline request duration in milliseconds",
				Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"outcome"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_calls_total",
				Help: "Total number of provider calls by result",
			},
			[]string{"provider", "status"},
		),
		moderation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_moderation_actions_total",
				Help: "Moderation results by action",
			},
			[]string{"action"},
		),
		piiMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_pii_matches_total",
				Help: "PII matches removed by category",
			},
			[]string{"category"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_circuit_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
			},
			[]string{"provider"},
		),
		emergency: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_routing_emergency_total",
				Help: "Routing decisions that fell back to unhealthy providers",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.providerCalls, m.moderation,
			m.piiMatches, m.breakerState, m.emergency)
	}
	return m
}

// ObserveRequest records a finished pipeline request.
func (m *Metrics) ObserveRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

// ObserveProviderCall records one provider call. status is "success" or an
// llm error code.
func (m *Metrics) ObserveProviderCall(provider, status string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, status).Inc()
}

// ObserveModeration records a moderation action.
func (m *Metrics) ObserveModeration(action safety.Action) {
	if m == nil {
		return
	}
	m.moderation.WithLabelValues(string(action)).Inc()
}

// ObservePII records scrubbed matches by category.
func (m *Metrics) ObservePII(matches []pii.Match) {
	if m == nil {
		return
	}
	for c, n := range pii.CountByCategory(matches) {
		m.piiMatches.WithLabelValues(string(c)).Add(float64(n))
	}
}

// ObserveEmergencyRoute counts an emergency routing decision.
func (m *Metrics) ObserveEmergencyRoute() {
	if m == nil {
		return
	}
	m.emergency.Inc()
}

// BreakerTransition is an llm.TransitionFunc that tracks breaker state.
func (m *Metrics) BreakerTransition(provider string, _, to llm.BreakerState) {
	if m == nil {
		return
	}
	v := 0.0
	switch to {
	case llm.BreakerHalfOpen:
		v = 1
	case llm.BreakerOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(provider).Set(v)
}
