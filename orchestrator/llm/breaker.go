// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import "time"

// BreakerState is the circuit-breaker state of one provider.
type BreakerState string

const (
	// BreakerClosed admits traffic and counts outcomes.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen rejects traffic until the cool-down elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen admits traffic again; the next outcome decides between
	// Closed and Open.
	BreakerHalfOpen BreakerState = "half_open"
)

// breakerEvent is an input to the breaker state machine.
type breakerEvent int

const (
	eventRead breakerEvent = iota
	eventSuccess
	eventFailure
)

func (e breakerEvent) String() string {
	switch e {
	case eventSuccess:
		return "success"
	case eventFailure:
		return "failure"
	default:
		return "read"
	}
}

// breakerInput carries the facts the transition function needs.
type breakerInput struct {
	event     breakerEvent
	now       time.Time
	reopenAt  time.Time
	overLimit bool // window failure rate exceeds the threshold with enough requests
}

// nextBreakerState is the complete transition table. It is applied on every
// read as well as on every recorded outcome, so an expired Open state becomes
// HalfOpen before the event itself is applied.
//
//	Closed   + failure (over limit) -> Open
//	Closed   + anything else        -> Closed
//	Open     + any, cool-down over  -> HalfOpen, then the event is re-applied
//	Open     + success              -> Closed
//	Open     + read/failure         -> Open
//	HalfOpen + success              -> Closed
//	HalfOpen + failure              -> Open
//	HalfOpen + read                 -> HalfOpen
func nextBreakerState(state BreakerState, in breakerInput) BreakerState {
	switch state {
	case BreakerOpen:
		if !in.now.Before(in.reopenAt) {
			return nextBreakerState(BreakerHalfOpen, in)
		}
		if in.event == eventSuccess {
			return BreakerClosed
		}
		return BreakerOpen

	case BreakerHalfOpen:
		switch in.event {
		case eventSuccess:
			return BreakerClosed
		case eventFailure:
			return BreakerOpen
		default:
			return BreakerHalfOpen
		}

	default:
		if in.event == eventFailure && in.overLimit {
			return BreakerOpen
		}
		return BreakerClosed
	}
}
