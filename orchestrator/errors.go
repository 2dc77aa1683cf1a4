// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
)

var (
	// ErrModerationRejected marks a request stopped by the safety engine.
	ErrModerationRejected = errors.New("request rejected by content moderation")

	// ErrAllProvidersFailed marks a request for which no provider succeeded.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrNoProviders is the Last error of an ExhaustedError when routing
	// produced no candidates at all.
	ErrNoProviders = errors.New("no providers available for request")

	// ErrStreamInterrupted is returned when a provider fails after part of
	// a stream was delivered. Failover is not attempted in that case.
	ErrStreamInterrupted = errors.New("stream interrupted after partial delivery")
)

// Attempt records one provider call.
type Attempt struct {
	Provider  string        `json:"provider"`
	Try       int           `json:"try"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// RejectionError is returned when moderation blocks or escalates a request.
// It matches ErrModerationRejected with errors.Is.
type RejectionError struct {
	ModerationID string
	Action       safety.Action
	Severity     safety.Severity
	Categories   []string
	Reason       string
}

func (e *RejectionError) Error() string {
	if len(e.Categories) == 0 {
		return fmt.Sprintf("request rejected by content moderation (action=%s)", e.Action)
	}
	return fmt.Sprintf("request rejected by content moderation (action=%s, categories=%s)",
		e.Action, strings.Join(e.Categories, ","))
}

func (e *RejectionError) Unwrap() error {
	return ErrModerationRejected
}

func newRejection(res *safety.Result) *RejectionError {
	return &RejectionError{
		ModerationID: res.ID,
		Action:       res.Action,
		Severity:     res.Severity,
		Categories:   append([]string(nil), res.FlaggedCategories...),
		Reason:       res.Reason,
	}
}

// ExhaustedError is returned when every candidate provider failed. The
// message does not name providers; Attempts carries them for diagnostics.
// It matches both ErrAllProvidersFailed and Last with errors.Is/As.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	kind := "unknown"
	if n := len(e.Attempts); n > 0 && e.Attempts[n-1].ErrorKind != "" {
		kind = e.Attempts[n-1].ErrorKind
	}
	if errors.Is(e.Last, ErrNoProviders) {
		return "service unavailable: no providers available"
	}
	return fmt.Sprintf("service unavailable: all providers failed after %d attempts (last error: %s)", len(e.Attempts), kind)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAllProvidersFailed}
	}
	return []error{ErrAllProvidersFailed, e.Last}
}
