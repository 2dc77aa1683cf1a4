// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/shared/logger"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// recordingProvider is a non-streaming provider that keeps the last request.
type recordingProvider struct {
	name    string
	content string

	mu   sync.Mutex
	last llm.CompletionRequest
	n    int
}

func (p *recordingProvider) Name() string          { return p.name }
func (p *recordingProvider) Type() llm.ProviderType { return llm.ProviderTypeCustom }

func (p *recordingProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = req
	p.n++
	return &llm.CompletionResponse{Content: p.content, Model: p.name + "-model", Latency: 5 * time.Millisecond}, nil
}

func (p *recordingProvider) Last() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// brokenStreamer emits one chunk and then fails.
type brokenStreamer struct {
	name string
}

func (p *brokenStreamer) Name() string          { return p.name }
func (p *brokenStreamer) Type() llm.ProviderType { return llm.ProviderTypeCustom }

func (p *brokenStreamer) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, "not used")
}

func (p *brokenStreamer) CompleteStream(_ context.Context, _ llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	if err := handler(llm.StreamChunk{Content: "partial "}); err != nil {
		return nil, err
	}
	return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, "connection reset")
}

// testEnv is a pipeline over in-process providers.
type testEnv struct {
	pipeline *Pipeline
	health   *llm.HealthTracker
	router   *llm.PolicyRouter
	sleeps   []time.Duration
	mu       sync.Mutex
}

func (e *testEnv) Sleeps() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.sleeps...)
}

// newTestEnv registers providers in order (cost rank = position) and builds
// a pipeline whose default policy lists them by priority.
func newTestEnv(t *testing.T, providers []llm.Provider, policies []*llm.RoutingPolicy, opts ...PipelineOption) *testEnv {
	t.Helper()

	reg := llm.NewRegistry()
	profiles := make([]llm.ProviderProfile, 0, len(providers))
	for i, p := range providers {
		prof := llm.ProviderProfile{ID: p.Name(), Type: p.Type(), CostRank: i + 1, Enabled: true}
		require.NoError(t, reg.Register(p, prof))
		profiles = append(profiles, prof)
	}

	health := llm.NewHealthTracker(llm.DefaultHealthConfig(), llm.WithHealthLogger(discardLogger()))
	router, err := llm.NewPolicyRouter(profiles, policies, nil, health, llm.WithRouterLogger(discardLogger()))
	require.NoError(t, err)

	quiet := logger.NewWithWriter("pipeline", io.Discard)
	base := []PipelineOption{
		WithPipelineLogger(quiet),
		WithScrubber(pii.NewScrubber(pii.NewDetector(pii.DefaultDetectorConfig(), pii.WithLogger(quiet)), pii.ModeMask)),
		WithSafetyEngine(safety.NewEngine(safety.WithEngineLogger(discardLogger()))),
	}
	env := &testEnv{health: health, router: router}
	env.pipeline = NewPipeline(reg, router, health, append(base, opts...)...)
	env.pipeline.sleep = func(ctx context.Context, d time.Duration) error {
		env.mu.Lock()
		env.sleeps = append(env.sleeps, d)
		env.mu.Unlock()
		return ctx.Err()
	}
	return env
}

func providers(ps ...llm.Provider) []llm.Provider { return ps }
