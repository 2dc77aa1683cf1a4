// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/config"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/shared/logger"
)

// Gateway holds every component built from one configuration file.
type Gateway struct {
	Registry *llm.Registry
	Health   *llm.HealthTracker
	Router   *llm.PolicyRouter
	Safety   *safety.Engine
	Audit    *safety.AuditQueue
	Metrics  *Metrics
	Pipeline *Pipeline

	store   *llm.RedisHealthStore
	closers []io.Closer
	logger  *log.Logger
}

// GatewayOption configures NewGateway.
type GatewayOption func(*gatewayOptions)

type gatewayOptions struct {
	registerer prometheus.Registerer
	output     io.Writer
	clock      func() time.Time
}

// WithRegisterer registers gateway metrics with reg.
func WithRegisterer(reg prometheus.Registerer) GatewayOption {
	return func(o *gatewayOptions) {
		o.registerer = reg
	}
}

// WithLogOutput redirects component logs to w.
func WithLogOutput(w io.Writer) GatewayOption {
	return func(o *gatewayOptions) {
		o.output = w
	}
}

// WithGatewayClock sets the clock used by the health tracker.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(o *gatewayOptions) {
		o.clock = now
	}
}

// NewGateway builds the full component graph from cfg. Optional backends
// (Redis health store, Postgres audit sink) that cannot be reached are
// logged and replaced by local fallbacks.
func NewGateway(ctx context.Context, cfg *config.File, opts ...GatewayOption) (*Gateway, error) {
	o := gatewayOptions{output: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		logger: log.New(o.output, "[GATEWAY] ", log.LstdFlags),
	}
	g.Metrics = NewMetrics(o.registerer)

	g.Registry = llm.NewRegistry()
	profiles := cfg.ProviderProfiles()
	for i, p := range cfg.Providers {
		if err := g.Registry.Register(newConfiguredProvider(p, g.logger), profiles[i]); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", p.ID, err)
		}
	}

	healthOpts := []llm.HealthOption{
		llm.WithTransitionHook(g.Metrics.BreakerTransition),
		llm.WithHealthLogger(log.New(o.output, "[HEALTH] ", log.LstdFlags)),
	}
	if o.clock != nil {
		healthOpts = append(healthOpts, llm.WithClock(o.clock))
	}
	if url := cfg.Health.Redis.URL; url != "" {
		store, err := llm.NewRedisHealthStoreFromURL(ctx, url, cfg.Health.Redis.KeyPrefix, cfg.Health.Redis.TTL)
		if err != nil {
			g.logger.Printf("Redis health store unavailable, using local state only: %v", err)
		} else {
			g.store = store
			healthOpts = append(healthOpts, llm.WithHealthStore(store))
		}
	}
	g.Health = llm.NewHealthTracker(cfg.HealthTrackerConfig(), healthOpts...)
	if g.store != nil {
		if err := g.Health.Restore(ctx); err != nil {
			g.logger.Printf("Failed to restore provider health: %v", err)
		}
	}

	policies, def := cfg.RoutingPolicies()
	router, err := llm.NewPolicyRouter(profiles, policies, def, g.Health,
		llm.WithRouterLogger(log.New(o.output, "[ROUTING] ", log.LstdFlags)))
	if err != nil {
		_ = g.closeStore()
		return nil, fmt.Errorf("routing: %w", err)
	}
	g.Router = router

	matrix, err := cfg.SafetyMatrix()
	if err != nil {
		g.logger.Printf("Safety policy overrides partially applied: %v", err)
	}
	notifier, err := safety.NewWebhookNotifier(cfg.Safety.Webhooks)
	if err != nil {
		_ = g.closeStore()
		return nil, fmt.Errorf("webhooks: %w", err)
	}
	g.Audit = g.openAudit(ctx, cfg, o.output)
	g.Safety = safety.NewEngine(
		safety.WithMatrix(matrix),
		safety.WithAuditRecorder(g.Audit),
		safety.WithNotifier(notifier),
		safety.WithEngineLogger(log.New(o.output, "[SAFETY] ", log.LstdFlags)),
	)

	plog := logger.NewWithWriter("pipeline", o.output)
	detector := pii.NewDetector(cfg.DetectorConfig(), pii.WithLogger(plog))
	g.Pipeline = NewPipeline(g.Registry, g.Router, g.Health,
		WithScrubber(pii.NewScrubber(detector, cfg.ScrubMode())),
		WithSafetyEngine(g.Safety),
		WithMetrics(g.Metrics),
		WithPipelineLogger(plog),
	)

	g.logger.Printf("Gateway ready: %d providers, %d routing policies, %d safety policies",
		g.Registry.Count(), len(policies), matrix.Len())
	return g, nil
}

// openAudit builds the audit queue. Postgres is used when a database URL is
// configured and reachable; otherwise records go to the structured log.
func (g *Gateway) openAudit(ctx context.Context, cfg *config.File, out io.Writer) *safety.AuditQueue {
	auditLog := safety.NewLoggerAuditSink(logger.NewWithWriter("moderation-audit", out))

	var sink safety.AuditSink = auditLog
	var fallback safety.AuditSink
	if dsn := cfg.Safety.Audit.DatabaseURL; dsn != "" {
		pg, err := safety.OpenPostgresAuditSink(ctx, dsn)
		if err == nil {
			err = pg.EnsureSchema(ctx)
			if err != nil {
				_ = pg.Close()
			}
		}
		if err != nil {
			g.logger.Printf("Postgres audit sink unavailable, logging audit records instead: %v", err)
		} else {
			sink = pg
			fallback = auditLog
			g.closers = append(g.closers, pg)
		}
	}
	if path := cfg.Safety.Audit.FallbackPath; path != "" {
		file, err := safety.NewFileAuditSink(path)
		if err != nil {
			g.logger.Printf("Audit fallback file unavailable: %v", err)
		} else {
			fallback = file
			g.closers = append(g.closers, file)
		}
	}

	return safety.NewAuditQueue(cfg.AuditQueueConfig(), sink, fallback,
		log.New(out, "[AUDIT] ", log.LstdFlags))
}

// ApplyConfig swaps routing policies, provider profiles and the safety
// matrix. Providers added after startup are not instantiated; routing skips
// them until the process restarts.
func (g *Gateway) ApplyConfig(cfg *config.File) error {
	policies, def := cfg.RoutingPolicies()
	profiles := cfg.ProviderProfiles()
	for _, p := range profiles {
		if _, ok := g.Registry.Get(p.ID); !ok {
			g.logger.Printf("Provider %s added by reload; restart required to instantiate it", p.ID)
		}
	}
	if err := g.Router.Reload(profiles, policies, def); err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	matrix, err := cfg.SafetyMatrix()
	g.Safety.Reload(matrix)
	if err != nil {
		g.logger.Printf("Safety policy overrides partially applied: %v", err)
	}
	return nil
}

// Shutdown drains the audit queue, waits for notifications and closes
// backend connections. Audit sinks are closed only once the audit workers
// have exited, which after a timeout happens in the background.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if err := g.Safety.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	}
	if err := g.Audit.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("audit queue: %w", err))
	}
	if err := g.closeStore(); err != nil {
		errs = append(errs, err)
	}

	sinks := g.closers
	g.closers = nil
	select {
	case <-g.Audit.Stopped():
		if err := closeAll(sinks); err != nil {
			errs = append(errs, err)
		}
	default:
		g.logger.Printf("Audit workers still writing; closing %d audit sink(s) once they finish", len(sinks))
		go func() {
			<-g.Audit.Stopped()
			if err := closeAll(sinks); err != nil {
				g.logger.Printf("Failed to close audit sinks: %v", err)
			}
		}()
	}
	return errors.Join(errs...)
}

func (g *Gateway) closeStore() error {
	if g.store == nil {
		return nil
	}
	err := g.store.Close()
	g.store = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newConfiguredProvider builds the in-process provider for p. Vendor clients
// are not part of this module, so every type is served by a MockProvider.
func newConfiguredProvider(p config.ProviderConfig, l *log.Logger) llm.Provider {
	if llm.ProviderType(p.Type) != llm.ProviderTypeMock {
		l.Printf("Provider %s has type %s; serving it with the built-in mock client", p.ID, p.Type)
	}
	opts := []llm.MockOption{llm.WithMockCost(p.Mock.Cost)}
	if p.Mock.Response != "" {
		opts = append(opts, llm.WithMockResponse(p.Mock.Response))
	}
	if p.Mock.Latency > 0 {
		opts = append(opts, llm.WithMockLatency(p.Mock.Latency))
	}
	if p.Mock.FailWith != "" {
		opts = append(opts, llm.WithMockFailure(llm.NewProviderError(p.ID, p.Mock.FailWith, "configured failure")))
	}
	return llm.NewMockProvider(p.ID, opts...)
}
