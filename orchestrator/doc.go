// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package orchestrator runs inference requests through the gateway pipeline.

# Pipeline

Every request passes the same stages in order:

	scrub (pii) → moderate (safety) → route (llm.PolicyRouter) → invoke/failover → record (llm.HealthTracker)

Scrubbing and moderation are optional per request. A block or escalate
moderation action ends the request with a *RejectionError before any
provider is contacted. Routing yields an ordered candidate list; each
candidate is called with a per-call timeout derived from the SLA tier and
the policy's timeout multiplier. Failures are recorded against the
provider's health and the next candidate is tried. When every candidate
fails the caller gets a single *ExhaustedError carrying the last error.

Caller cancellation stops the pipeline without touching provider health.

# Streaming

Stream behaves like Process but forwards chunks as they arrive. Failover is
only possible before the first chunk reaches the caller; a failure after
that returns ErrStreamInterrupted.

# Wiring

NewGateway builds the registry, health tracker, router, safety engine,
audit queue and pipeline from a config.File. Run serves the HTTP API from
APIHandler together with Prometheus metrics.
*/
package orchestrator
