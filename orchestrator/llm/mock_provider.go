// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MockProvider is an in-process Provider for local runs and tests. It returns
// queued errors first, then a canned response.
type MockProvider struct {
	name    string
	content string
	model   string
	latency time.Duration
	cost    float64

	mu      sync.Mutex
	queued  []error
	failing error
	calls   int
}

// MockOption configures a MockProvider.
type MockOption func(*MockProvider)

// WithMockResponse sets the content returned on success.
func WithMockResponse(content string) MockOption {
	return func(m *MockProvider) {
		m.content = content
	}
}

// WithMockLatency makes each call take d, or until the context is done.
func WithMockLatency(d time.Duration) MockOption {
	return func(m *MockProvider) {
		m.latency = d
	}
}

// WithMockCost sets the cost reported on success.
func WithMockCost(cost float64) MockOption {
	return func(m *MockProvider) {
		m.cost = cost
	}
}

// WithMockErrors queues errors returned by the next len(errs) calls.
func WithMockErrors(errs ...error) MockOption {
	return func(m *MockProvider) {
		m.queued = append(m.queued, errs...)
	}
}

// WithMockFailure makes every call fail with err.
func WithMockFailure(err error) MockOption {
	return func(m *MockProvider) {
		m.failing = err
	}
}

// NewMockProvider creates a mock provider named name.
func NewMockProvider(name string, opts ...MockOption) *MockProvider {
	m := &MockProvider{
		name:    name,
		content: "mock response from " + name,
		model:   name + "-mock",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.name }

// Type implements Provider.
func (m *MockProvider) Type() ProviderType { return ProviderTypeMock }

// Calls returns how many times Complete or CompleteStream was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	return m.response(req, time.Since(start)), nil
}

// CompleteStream implements StreamingProvider, emitting one chunk per word.
func (m *MockProvider) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()
	if err := m.begin(ctx); err != nil {
		return nil, err
	}

	words := strings.Fields(m.content)
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		if err := handler(StreamChunk{Content: chunk}); err != nil {
			return nil, err
		}
	}
	if err := handler(StreamChunk{Done: true}); err != nil {
		return nil, err
	}
	return m.response(req, time.Since(start)), nil
}

func (m *MockProvider) begin(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	var err error
	switch {
	case len(m.queued) > 0:
		err = m.queued[0]
		m.queued = m.queued[1:]
	case m.failing != nil:
		err = m.failing
	}
	m.mu.Unlock()

	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &ProviderError{
					Provider:  m.name,
					Code:      ErrCodeTimeout,
					Message:   "request timed out",
					Retryable: true,
					Cause:     ctx.Err(),
				}
			}
			return ctx.Err()
		}
	}
	return err
}

func (m *MockProvider) response(req CompletionRequest, latency time.Duration) *CompletionResponse {
	model := req.Model
	if model == "" {
		model = m.model
	}
	promptTokens := len(strings.Fields(req.Prompt))
	completionTokens := len(strings.Fields(m.content))
	return &CompletionResponse{
		Content: m.content,
		Model:   model,
		Usage: UsageStats{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Latency:      latency,
		Cost:         m.cost,
		FinishReason: "stop",
	}
}
