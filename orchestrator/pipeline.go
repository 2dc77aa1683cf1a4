// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/shared/logger"
)

// Message is one turn of a chat-style request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one inbound generation request.
type Request struct {
	RequestID    string             `json:"request_id,omitempty"`
	Routing      llm.RoutingContext `json:"routing"`
	Prompt       string             `json:"prompt,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Messages     []Message          `json:"messages,omitempty"`

	// Payload carries additional caller fields. String leaves are scrubbed
	// and moderated along with the prompt and forwarded to the provider as
	// metadata.
	Payload map[string]any `json:"payload,omitempty"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	ScrubPII bool `json:"scrub_pii"`
	Moderate bool `json:"moderate"`

	// GradeBand selects the safety policy row; empty means adult.
	GradeBand safety.GradeBand `json:"grade_band,omitempty"`

	// SafetySubject selects the safety policy column. Empty uses
	// Routing.Subject, then general.
	SafetySubject safety.Subject `json:"safety_subject,omitempty"`
}

// PIIReport summarizes what scrubbing removed.
type PIIReport struct {
	Found      bool                 `json:"found"`
	Count      int                  `json:"count"`
	Categories map[pii.Category]int `json:"categories"`
	Summary    string               `json:"summary"`
	Matches    []pii.Match          `json:"matches,omitempty"`
}

// Response is a successful pipeline result.
type Response struct {
	RequestID        string         `json:"request_id"`
	Provider         string         `json:"provider"`
	Policy           string         `json:"policy"`
	Content          string         `json:"content"`
	Model            string         `json:"model"`
	Usage            llm.UsageStats `json:"usage"`
	Latency          time.Duration  `json:"latency"`
	Cost             float64        `json:"cost"`
	Attempts         []Attempt      `json:"attempts"`
	PII              *PIIReport     `json:"pii,omitempty"`
	Moderation       *safety.Result `json:"moderation,omitempty"`
	EmergencyRouting bool           `json:"emergency_routing,omitempty"`
}

// Pipeline runs requests through scrub, moderate, route and invoke, in that
// order. It is safe for concurrent use.
type Pipeline struct {
	providers *llm.Registry
	router    *llm.PolicyRouter
	health    *llm.HealthTracker
	scrubber  *pii.Scrubber
	safety    *safety.Engine
	metrics   *Metrics
	log       *logger.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithScrubber sets the PII scrubber.
func WithScrubber(s *pii.Scrubber) PipelineOption {
	return func(p *Pipeline) {
		p.scrubber = s
	}
}

// WithSafetyEngine sets the moderation engine.
func WithSafetyEngine(e *safety.Engine) PipelineOption {
	return func(p *Pipeline) {
		p.safety = e
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(l *logger.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.log = l
	}
}

// NewPipeline creates a pipeline. Scrubber and safety engine default to the
// built-in configuration when not supplied.
func NewPipeline(providers *llm.Registry, router *llm.PolicyRouter, health *llm.HealthTracker, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		providers: providers,
		router:    router,
		health:    health,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.New("pipeline")
	}
	if p.scrubber == nil {
		p.scrubber = pii.NewScrubber(pii.NewDetector(pii.DefaultDetectorConfig(), pii.WithLogger(p.log)), pii.ModeMask)
	}
	if p.safety == nil {
		p.safety = safety.NewEngine()
	}
	return p
}

// Scrubber returns the configured scrubber.
func (p *Pipeline) Scrubber() *pii.Scrubber { return p.scrubber }

// Safety returns the configured moderation engine.
func (p *Pipeline) Safety() *safety.Engine { return p.safety }

// Router returns the routing engine.
func (p *Pipeline) Router() *llm.PolicyRouter { return p.router }

// Health returns the provider health tracker.
func (p *Pipeline) Health() *llm.HealthTracker { return p.health }

// prepared is the request after scrubbing and moderation.
type prepared struct {
	req        Request
	completion llm.CompletionRequest
	pii        *PIIReport
	moderation *safety.Result
	decision   llm.RouteDecision
}

// prepare runs the synchronous stages. A non-nil error is a rejection or
// an exhaustion with no candidates.
func (p *Pipeline) prepare(ctx context.Context, req Request) (*prepared, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	out := &prepared{req: req}

	if req.ScrubPII {
		out.pii = p.scrub(&out.req)
		p.metrics.ObservePII(out.pii.Matches)
		if out.pii.Found {
			p.log.Info(req.Routing.TenantID, req.RequestID, "PII scrubbed from request", map[string]interface{}{
				"count":   out.pii.Count,
				"summary": out.pii.Summary,
			})
		}
	}

	if req.Moderate {
		res := p.safety.Moderate(ctx, safety.Request{
			Content:   combinedText(out.req),
			Subject:   safetySubject(out.req),
			GradeBand: gradeBand(out.req),
			UserID:    req.Routing.UserID,
			TenantID:  req.Routing.TenantID,
			RequestID: req.RequestID,
		})
		out.moderation = res
		p.metrics.ObserveModeration(res.Action)
		if res.Action.IsRejection() {
			p.log.Warn(req.Routing.TenantID, req.RequestID, "Request rejected by moderation", map[string]interface{}{
				"moderation_id": res.ID,
				"action":        string(res.Action),
				"severity":      string(res.Severity),
				"categories":    res.FlaggedCategories,
			})
			return out, newRejection(res)
		}
	}

	out.decision = p.router.Decide(out.req.Routing)
	if out.decision.Emergency {
		p.metrics.ObserveEmergencyRoute()
		p.log.Warn(req.Routing.TenantID, req.RequestID, "All candidate providers unhealthy; emergency routing", map[string]interface{}{
			"policy": out.decision.Policy.Name,
		})
	}
	if len(out.decision.Providers) == 0 {
		return out, &ExhaustedError{Last: ErrNoProviders}
	}

	out.completion = p.completionRequest(out.req, out.decision.Policy)
	return out, nil
}

// Process runs req through the pipeline and returns the first successful
// provider response. Errors are *RejectionError, *ExhaustedError, or the
// caller's context error.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	prep, err := p.prepare(ctx, req)
	if err != nil {
		p.observe(err, start)
		return nil, err
	}
	req = prep.req

	var attempts []Attempt
	var lastErr error
	for _, id := range prep.decision.Providers {
		provider, ok := p.providers.Get(id)
		if !ok {
			lastErr = llm.NewProviderError(id, llm.ErrCodeUnavailable, "provider not registered")
			attempts = append(attempts, Attempt{Provider: id, ErrorKind: llm.ErrCodeUnavailable, Error: lastErr.Error()})
			continue
		}

		for try := 0; ; try++ {
			callStart := time.Now()
			resp, err := p.call(ctx, provider, prep)
			elapsed := time.Since(callStart)

			if err == nil {
				latency := resp.Latency
				if latency <= 0 {
					latency = elapsed
				}
				p.health.RecordSuccess(id, latency, resp.Cost)
				p.metrics.ObserveProviderCall(id, OutcomeSuccess)
				attempts = append(attempts, Attempt{Provider: id, Try: try, Latency: latency})

				p.log.InfoWithDuration(req.Routing.TenantID, req.RequestID, "Request completed",
					float64(time.Since(start).Milliseconds()), map[string]interface{}{
						"provider": id,
						"policy":   prep.decision.Policy.Name,
						"attempts": len(attempts),
					})
				p.observe(nil, start)
				return &Response{
					RequestID:        req.RequestID,
					Provider:         id,
					Policy:           prep.decision.Policy.Name,
					Content:          resp.Content,
					Model:            resp.Model,
					Usage:            resp.Usage,
					Latency:          latency,
					Cost:             resp.Cost,
					Attempts:         attempts,
					PII:              prep.pii,
					Moderation:       prep.moderation,
					EmergencyRouting: prep.decision.Emergency,
				}, nil
			}

			if ctx.Err() != nil {
				p.observe(ctx.Err(), start)
				return nil, ctx.Err()
			}

			kind := llm.ErrorKindOf(err)
			p.health.RecordFailure(id, kind)
			p.metrics.ObserveProviderCall(id, kind)
			attempts = append(attempts, Attempt{Provider: id, Try: try, ErrorKind: kind, Error: err.Error(), Latency: elapsed})
			lastErr = err

			p.log.Warn(req.Routing.TenantID, req.RequestID, "Provider call failed", map[string]interface{}{
				"provider":   id,
				"try":        try,
				"error_kind": kind,
			})

			if !isRetryable(err) || !p.router.ShouldRetry(id, try, prep.decision.Policy) {
				break
			}
			if err := p.sleep(ctx, llm.Backoff(try)); err != nil {
				p.observe(err, start)
				return nil, err
			}
		}
	}

	exhausted := &ExhaustedError{Attempts: attempts, Last: lastErr}
	p.log.ErrorWithCode(req.Routing.TenantID, req.RequestID, "All providers failed", "ALL_PROVIDERS_FAILED", lastErr, map[string]interface{}{
		"attempts": len(attempts),
		"policy":   prep.decision.Policy.Name,
	})
	p.observe(exhausted, start)
	return nil, exhausted
}

// call invokes one provider with the policy's per-call timeout.
func (p *Pipeline) call(ctx context.Context, provider llm.Provider, prep *prepared) (*llm.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, prep.decision.Policy.CallTimeout(prep.req.Routing))
	defer cancel()
	resp, err := provider.Complete(callCtx, prep.completion)
	if err == nil && resp == nil {
		err = llm.NewProviderError(provider.Name(), llm.ErrCodeServerError, "empty response")
	}
	return resp, err
}

// handlerError marks an error returned by the caller's stream handler.
type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// Stream runs req through the pipeline and streams the response to handler.
// Failover happens only before the first chunk reaches handler. A handler
// error or caller cancellation stops the stream without a health update.
func (p *Pipeline) Stream(ctx context.Context, req Request, handler llm.StreamHandler) (*Response, error) {
	start := time.Now()
	prep, err := p.prepare(ctx, req)
	if err != nil {
		p.observe(err, start)
		return nil, err
	}
	req = prep.req

	var attempts []Attempt
	var lastErr error
	for _, id := range prep.decision.Providers {
		provider, ok := p.providers.Get(id)
		if !ok {
			lastErr = llm.NewProviderError(id, llm.ErrCodeUnavailable, "provider not registered")
			attempts = append(attempts, Attempt{Provider: id, ErrorKind: llm.ErrCodeUnavailable, Error: lastErr.Error()})
			continue
		}

		delivered := false
		forward := func(c llm.StreamChunk) error {
			if err := handler(c); err != nil {
				return &handlerError{err: err}
			}
			delivered = true
			return nil
		}

		callStart := time.Now()
		resp, err := p.stream(ctx, provider, prep, forward)
		elapsed := time.Since(callStart)

		if err == nil {
			latency := resp.Latency
			if latency <= 0 {
				latency = elapsed
			}
			p.health.RecordSuccess(id, latency, resp.Cost)
			p.metrics.ObserveProviderCall(id, OutcomeSuccess)
			attempts = append(attempts, Attempt{Provider: id, Latency: latency})
			p.observe(nil, start)
			return &Response{
				RequestID:        req.RequestID,
				Provider:         id,
				Policy:           prep.decision.Policy.Name,
				Content:          resp.Content,
				Model:            resp.Model,
				Usage:            resp.Usage,
				Latency:          latency,
				Cost:             resp.Cost,
				Attempts:         attempts,
				PII:              prep.pii,
				Moderation:       prep.moderation,
				EmergencyRouting: prep.decision.Emergency,
			}, nil
		}

		var herr *handlerError
		if errors.As(err, &herr) {
			p.log.Info(req.Routing.TenantID, req.RequestID, "Stream aborted by handler", map[string]interface{}{"provider": id})
			p.observe(context.Canceled, start)
			return nil, herr.err
		}
		if ctx.Err() != nil {
			p.log.Info(req.Routing.TenantID, req.RequestID, "Stream canceled by caller", map[string]interface{}{"provider": id})
			p.observe(ctx.Err(), start)
			return nil, ctx.Err()
		}

		kind := llm.ErrorKindOf(err)
		p.health.RecordFailure(id, kind)
		p.metrics.ObserveProviderCall(id, kind)
		attempts = append(attempts, Attempt{Provider: id, ErrorKind: kind, Error: err.Error(), Latency: elapsed})
		lastErr = err

		if delivered {
			p.log.ErrorWithCode(req.Routing.TenantID, req.RequestID, "Stream interrupted after partial delivery", "STREAM_INTERRUPTED", err, map[string]interface{}{
				"provider": id,
			})
			interrupted := fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
			p.observe(interrupted, start)
			return nil, interrupted
		}
		p.log.Warn(req.Routing.TenantID, req.RequestID, "Stream provider failed before first chunk", map[string]interface{}{
			"provider":   id,
			"error_kind": kind,
		})
	}

	exhausted := &ExhaustedError{Attempts: attempts, Last: lastErr}
	p.observe(exhausted, start)
	return nil, exhausted
}

// stream calls CompleteStream when the provider supports it, otherwise
// Complete followed by one content chunk and a done chunk.
func (p *Pipeline) stream(ctx context.Context, provider llm.Provider, prep *prepared, forward llm.StreamHandler) (*llm.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, prep.decision.Policy.CallTimeout(prep.req.Routing))
	defer cancel()

	if sp, ok := provider.(llm.StreamingProvider); ok {
		resp, err := sp.CompleteStream(callCtx, prep.completion, forward)
		if err == nil && resp == nil {
			err = llm.NewProviderError(provider.Name(), llm.ErrCodeServerError, "empty response")
		}
		return resp, err
	}

	resp, err := provider.Complete(callCtx, prep.completion)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, llm.NewProviderError(provider.Name(), llm.ErrCodeServerError, "empty response")
	}
	if resp.Content != "" {
		if err := forward(llm.StreamChunk{Content: resp.Content}); err != nil {
			return nil, err
		}
	}
	if err := forward(llm.StreamChunk{Done: true}); err != nil {
		return nil, err
	}
	return resp, nil
}

// scrub replaces PII in every text field of req in place.
func (p *Pipeline) scrub(req *Request) *PIIReport {
	var all []pii.Match
	scrubText := func(s string) string {
		clean, matches := p.scrubber.Scrub(s)
		all = append(all, matches...)
		return clean
	}

	req.Prompt = scrubText(req.Prompt)
	req.SystemPrompt = scrubText(req.SystemPrompt)
	if len(req.Messages) > 0 {
		msgs := make([]Message, len(req.Messages))
		for i, m := range req.Messages {
			msgs[i] = Message{Role: m.Role, Content: scrubText(m.Content)}
		}
		req.Messages = msgs
	}
	if req.Payload != nil {
		clean, matches := p.scrubber.ScrubRequest(req.Payload)
		req.Payload = clean
		all = append(all, matches...)
	}

	return &PIIReport{
		Found:      len(all) > 0,
		Count:      len(all),
		Categories: pii.CountByCategory(all),
		Summary:    pii.Summary(all),
		Matches:    all,
	}
}

func (p *Pipeline) completionRequest(req Request, policy *llm.RoutingPolicy) llm.CompletionRequest {
	meta := map[string]any{
		"request_id": req.RequestID,
		"policy":     policy.Name,
	}
	if req.Routing.TenantID != "" {
		meta["tenant_id"] = req.Routing.TenantID
	}
	for k, v := range req.Payload {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	return llm.CompletionRequest{
		Prompt:       promptText(req),
		SystemPrompt: req.SystemPrompt,
		Model:        req.Routing.Model,
		Kind:         req.Routing.Kind,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Metadata:     meta,
	}
}

func (p *Pipeline) observe(err error, start time.Time) {
	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrModerationRejected):
		outcome = OutcomeRejected
	case errors.Is(err, ErrAllProvidersFailed):
		outcome = OutcomeExhausted
	case errors.Is(err, ErrStreamInterrupted):
		outcome = OutcomeInterrupted
	default:
		outcome = OutcomeCanceled
	}
	p.metrics.ObserveRequest(outcome, time.Since(start))
}

// promptText renders chat messages followed by the bare prompt.
func promptText(req Request) string {
	if len(req.Messages) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	for _, m := range req.Messages {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if m.Role != "" {
			b.WriteString(m.Role)
			b.WriteString(": ")
		}
		b.WriteString(m.Content)
	}
	if req.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(req.Prompt)
	}
	return b.String()
}

// combinedText is the text moderated for a request.
func combinedText(req Request) string {
	parts := make([]string, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		parts = append(parts, req.SystemPrompt)
	}
	for _, m := range req.Messages {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	if req.Prompt != "" {
		parts = append(parts, req.Prompt)
	}
	parts = appendPayloadText(parts, req.Payload)
	return strings.Join(parts, "\n")
}

// appendPayloadText appends the non-empty string leaves of v in key order.
func appendPayloadText(parts []string, v any) []string {
	switch val := v.(type) {
	case string:
		if val != "" {
			parts = append(parts, val)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = appendPayloadText(parts, val[k])
		}
	case []any:
		for _, item := range val {
			parts = appendPayloadText(parts, item)
		}
	case []string:
		for _, item := range val {
			parts = appendPayloadText(parts, item)
		}
	}
	return parts
}

func safetySubject(req Request) safety.Subject {
	switch {
	case req.SafetySubject != "":
		return req.SafetySubject
	case req.Routing.Subject != "":
		return safety.Subject(req.Routing.Subject)
	default:
		return safety.SubjectGeneral
	}
}

func gradeBand(req Request) safety.GradeBand {
	if req.GradeBand == "" {
		return safety.GradeBandAdult
	}
	return req.GradeBand
}

func isRetryable(err error) bool {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	switch llm.ErrorKindOf(err) {
	case llm.ErrCodeTimeout, llm.ErrCodeRateLimit, llm.ErrCodeServerError, llm.ErrCodeUnavailable:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
