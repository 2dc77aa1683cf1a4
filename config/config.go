// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"time"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
)

// File is the root of a gateway configuration file.
type File struct {
	Version   string           `yaml:"version"`
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Health    HealthConfig     `yaml:"health"`
	PII       PIIConfig        `yaml:"pii"`
	Safety    SafetyConfig     `yaml:"safety"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// ProviderConfig declares one upstream provider.
type ProviderConfig struct {
	ID        string  `yaml:"id"`
	Type      string  `yaml:"type"`
	CostRank  int     `yaml:"cost_rank"`
	CostPer1K float64 `yaml:"cost_per_1k"`
	Enabled   *bool   `yaml:"enabled"`

	// Mock tunes the local stand-in client used for this provider.
	Mock MockConfig `yaml:"mock"`
}

// MockConfig configures llm.MockProvider.
type MockConfig struct {
	Response string        `yaml:"response"`
	Latency  time.Duration `yaml:"latency"`
	Cost     float64       `yaml:"cost"`
	FailWith string        `yaml:"fail_with"`
}

// IsEnabled defaults to true when unset.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// RoutingConfig holds the ordered policy list and the catch-all.
type RoutingConfig struct {
	Policies      []RoutingPolicyConfig `yaml:"policies"`
	DefaultPolicy *RoutingPolicyConfig  `yaml:"default_policy"`
}

// RoutingPolicyConfig is the file form of llm.RoutingPolicy.
type RoutingPolicyConfig struct {
	Name              string   `yaml:"name"`
	SubjectPattern    string   `yaml:"subject_pattern"`
	LocalePatterns    []string `yaml:"locale_patterns"`
	SLATiers          []string `yaml:"sla_tiers"`
	Preferred         []string `yaml:"preferred"`
	Fallback          []string `yaml:"fallback"`
	Strategy          string   `yaml:"strategy"`
	FailoverMode      string   `yaml:"failover_mode"`
	MaxRetries        int      `yaml:"max_retries"`
	TimeoutMultiplier float64  `yaml:"timeout_multiplier"`
	CostCeiling       float64  `yaml:"cost_ceiling"`
	Enabled           *bool    `yaml:"enabled"`
}

// Policy converts c to a routing policy.
func (c RoutingPolicyConfig) Policy() *llm.RoutingPolicy {
	tiers := make([]llm.SLATier, 0, len(c.SLATiers))
	for _, t := range c.SLATiers {
		tiers = append(tiers, llm.SLATier(t))
	}
	return &llm.RoutingPolicy{
		Name:              c.Name,
		SubjectPattern:    c.SubjectPattern,
		LocalePatterns:    append([]string(nil), c.LocalePatterns...),
		SLATiers:          tiers,
		Preferred:         append([]string(nil), c.Preferred...),
		Fallback:          append([]string(nil), c.Fallback...),
		Strategy:          llm.StrategyKind(c.Strategy),
		Failover:          llm.FailoverMode(c.FailoverMode),
		MaxRetries:        c.MaxRetries,
		TimeoutMultiplier: c.TimeoutMultiplier,
		CostCeiling:       c.CostCeiling,
		Enabled:           c.Enabled == nil || *c.Enabled,
	}
}

// HealthConfig configures the provider health tracker.
type HealthConfig struct {
	Cooldown             time.Duration `yaml:"cooldown"`
	MinRequests          int64         `yaml:"min_requests"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	EMAAlpha             float64       `yaml:"ema_alpha"`
	Redis                RedisConfig   `yaml:"redis"`
}

// RedisConfig enables shared breaker state.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// PIIConfig configures detection and scrubbing.
type PIIConfig struct {
	Mode              string          `yaml:"mode"`
	Threshold         float64         `yaml:"threshold"`
	EnabledCategories []string        `yaml:"enabled_categories"`
	ContextWindow     int             `yaml:"context_window"`
	Confidences       pii.Confidences `yaml:"confidences"`
}

// SafetyConfig configures the moderation engine and its side effects.
type SafetyConfig struct {
	Rules    []safety.Rule                     `yaml:"rules"`
	Policies []safety.PolicyOverride           `yaml:"policies"`
	Webhooks map[string]safety.WebhookEndpoint `yaml:"webhooks"`
	Audit    AuditConfig                       `yaml:"audit"`
}

// AuditConfig configures the moderation audit trail.
type AuditConfig struct {
	DatabaseURL  string        `yaml:"database_url"`
	FallbackPath string        `yaml:"fallback_path"`
	QueueSize    int           `yaml:"queue_size"`
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// Default returns a configuration with two local mock providers and no
// external dependencies.
func Default() *File {
	f := &File{
		Version: "1.0",
		Providers: []ProviderConfig{
			{ID: "primary", Type: string(llm.ProviderTypeMock), CostRank: 1},
			{ID: "secondary", Type: string(llm.ProviderTypeMock), CostRank: 2},
		},
	}
	f.applyDefaults()
	return f
}

func (f *File) applyDefaults() {
	if f.Server.Port == "" {
		f.Server.Port = "8080"
	}
	if f.Server.ShutdownTimeout <= 0 {
		f.Server.ShutdownTimeout = 15 * time.Second
	}
	if f.Server.MaxBodyBytes <= 0 {
		f.Server.MaxBodyBytes = 1 << 20
	}
	if len(f.Server.AllowedOrigins) == 0 {
		f.Server.AllowedOrigins = []string{"*"}
	}

	def := llm.DefaultHealthConfig()
	if f.Health.Cooldown <= 0 {
		f.Health.Cooldown = def.Cooldown
	}
	if f.Health.MinRequests <= 0 {
		f.Health.MinRequests = def.MinRequests
	}
	if f.Health.FailureRateThreshold <= 0 {
		f.Health.FailureRateThreshold = def.FailureRateThreshold
	}
	if f.Health.EMAAlpha <= 0 {
		f.Health.EMAAlpha = def.EMAAlpha
	}
	if f.Health.Redis.KeyPrefix == "" {
		f.Health.Redis.KeyPrefix = llm.DefaultHealthKeyPrefix
	}

	if f.PII.Mode == "" {
		f.PII.Mode = string(pii.ModeMask)
	}
	if f.PII.Threshold <= 0 {
		f.PII.Threshold = pii.DefaultAcceptanceThreshold
	}

	qd := safety.DefaultAuditQueueConfig()
	if f.Safety.Audit.QueueSize <= 0 {
		f.Safety.Audit.QueueSize = qd.QueueSize
	}
	if f.Safety.Audit.Workers <= 0 {
		f.Safety.Audit.Workers = qd.Workers
	}
	if f.Safety.Audit.MaxRetries <= 0 {
		f.Safety.Audit.MaxRetries = qd.MaxRetries
	}
	if f.Safety.Audit.RetryDelay <= 0 {
		f.Safety.Audit.RetryDelay = qd.RetryDelay
	}
}

// ProviderProfiles returns routing profiles in declaration order.
func (f *File) ProviderProfiles() []llm.ProviderProfile {
	out := make([]llm.ProviderProfile, 0, len(f.Providers))
	for _, p := range f.Providers {
		out = append(out, llm.ProviderProfile{
			ID:        p.ID,
			Type:      llm.ProviderType(p.Type),
			CostRank:  p.CostRank,
			CostPer1K: p.CostPer1K,
			Enabled:   p.IsEnabled(),
		})
	}
	return out
}

// RoutingPolicies returns the ordered policies and the default policy, which
// is nil when the file does not declare one.
func (f *File) RoutingPolicies() ([]*llm.RoutingPolicy, *llm.RoutingPolicy) {
	policies := make([]*llm.RoutingPolicy, 0, len(f.Routing.Policies))
	for _, c := range f.Routing.Policies {
		policies = append(policies, c.Policy())
	}
	var def *llm.RoutingPolicy
	if f.Routing.DefaultPolicy != nil {
		def = f.Routing.DefaultPolicy.Policy()
		if def.Name == "" {
			def.Name = llm.DefaultPolicyName
		}
		if def.SubjectPattern == "" {
			def.SubjectPattern = "*"
		}
	}
	return policies, def
}

// HealthTrackerConfig converts the health section.
func (f *File) HealthTrackerConfig() llm.HealthConfig {
	return llm.HealthConfig{
		Cooldown:             f.Health.Cooldown,
		MinRequests:          f.Health.MinRequests,
		FailureRateThreshold: f.Health.FailureRateThreshold,
		EMAAlpha:             f.Health.EMAAlpha,
	}
}

// DetectorConfig converts the pii section.
func (f *File) DetectorConfig() pii.DetectorConfig {
	cfg := pii.DefaultDetectorConfig()
	cfg.Threshold = f.PII.Threshold
	if f.PII.ContextWindow > 0 {
		cfg.ContextWindow = f.PII.ContextWindow
	}
	for _, c := range f.PII.EnabledCategories {
		cfg.EnabledCategories = append(cfg.EnabledCategories, pii.Category(c))
	}
	cfg.Confidences = f.PII.Confidences
	return cfg
}

// ScrubMode returns the configured scrub mode.
func (f *File) ScrubMode() pii.Mode {
	return pii.Mode(f.PII.Mode)
}

// SafetyMatrix builds the moderation policy matrix from the default rules,
// any extra rules and the policy overrides. The matrix is usable even when
// the error is non-nil.
func (f *File) SafetyMatrix() (*safety.Matrix, error) {
	rules := append(safety.DefaultRules(), f.Safety.Rules...)
	return safety.NewMatrix(rules, f.Safety.Policies)
}

// AuditQueueConfig converts the audit section.
func (f *File) AuditQueueConfig() safety.AuditQueueConfig {
	return safety.AuditQueueConfig{
		QueueSize:  f.Safety.Audit.QueueSize,
		Workers:    f.Safety.Audit.Workers,
		MaxRetries: f.Safety.Audit.MaxRetries,
		RetryDelay: f.Safety.Audit.RetryDelay,
	}
}
