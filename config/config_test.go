// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
)

const minimalConfig = `
version: "1.0"
providers:
  - id: a
    type: mock
  - id: b
    type: openai
    cost_rank: 2
    cost_per_1k: 0.02
    enabled: false
`

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("GATEWAY_TEST_HOST", "db.internal")
	t.Setenv("GATEWAY_TEST_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced", "host=${GATEWAY_TEST_HOST}", "host=db.internal"},
		{"bare reference kept", "host=$GATEWAY_TEST_HOST:5432", "host=$GATEWAY_TEST_HOST:5432"},
		{"regex anchors kept", `patterns: ["end$", "foo$bar"]`, `patterns: ["end$", "foo$bar"]`},
		{"default used", "port=${GATEWAY_TEST_MISSING:-5432}", "port=5432"},
		{"default ignored", "host=${GATEWAY_TEST_HOST:-localhost}", "host=db.internal"},
		{"empty falls to default", "v=${GATEWAY_TEST_EMPTY:-fallback}", "v=fallback"},
		{"undefined is empty", "v=[${GATEWAY_TEST_MISSING}]", "v=[]"},
		{"no references", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvVars(tt.input))
		})
	}
}

func TestParse_Minimal(t *testing.T) {
	f, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "8080", f.Server.Port)
	assert.Equal(t, 15*time.Second, f.Server.ShutdownTimeout)
	assert.Equal(t, 5*time.Minute, f.Health.Cooldown)
	assert.Equal(t, int64(5), f.Health.MinRequests)
	assert.Equal(t, "mask", f.PII.Mode)
	assert.Equal(t, llm.DefaultHealthKeyPrefix, f.Health.Redis.KeyPrefix)

	profiles := f.ProviderProfiles()
	require.Len(t, profiles, 2)
	assert.True(t, profiles[0].Enabled)
	assert.False(t, profiles[1].Enabled)
	assert.Equal(t, llm.ProviderTypeOpenAI, profiles[1].Type)
	assert.InDelta(t, 0.02, profiles[1].CostPer1K, 1e-9)

	policies, def := f.RoutingPolicies()
	assert.Empty(t, policies)
	assert.Nil(t, def)
}

func TestParse_ExampleConfig(t *testing.T) {
	t.Setenv("PORT", "9090")

	f, err := Parse([]byte(GenerateExampleConfigFile()))
	require.NoError(t, err)

	assert.Equal(t, "9090", f.Server.Port)
	assert.Equal(t, 20*time.Millisecond, f.Providers[2].Mock.Latency)

	policies, def := f.RoutingPolicies()
	require.Len(t, policies, 2)
	assert.Equal(t, "enterprise", policies[0].Name)
	assert.Equal(t, []llm.SLATier{llm.SLATierPremium, llm.SLATierEnterprise}, policies[0].SLATiers)
	assert.Equal(t, llm.FailoverRetryWithBackoff, policies[0].Failover)
	assert.True(t, policies[0].Enabled)
	assert.Equal(t, llm.StrategyLoadBalance, policies[1].Strategy)
	require.NotNil(t, def)
	assert.Equal(t, llm.DefaultPolicyName, def.Name)
	assert.Equal(t, "*", def.SubjectPattern)

	m, err := f.SafetyMatrix()
	require.NoError(t, err)
	p, _ := m.Lookup(safety.SubjectMath, safety.GradeBandElementary)
	assert.Equal(t, []string{"counselor"}, p.NotificationWebhooks)
	health, _ := m.Lookup(safety.SubjectHealth, safety.GradeBandHigh)
	assert.Contains(t, health.AllowedTopics, "contraception")
}

func TestParse_SafetyRulesEnabledByDefault(t *testing.T) {
	f, err := Parse([]byte(minimalConfig + `
safety:
  rules:
    - name: no_fortnite
      keywords: [fortnite]
      action: block
    - name: trailing_code
      patterns: ["code$"]
      action: warn
    - name: switched_off
      keywords: [minecraft]
      action: block
      enabled: false
`))
	require.NoError(t, err)
	require.Len(t, f.Safety.Rules, 3)
	assert.Equal(t, "code$", f.Safety.Rules[1].Patterns[0])

	m, err := f.SafetyMatrix()
	require.NoError(t, err)
	engine := safety.NewEngine(safety.WithMatrix(m), safety.WithEngineLogger(log.New(io.Discard, "", 0)))

	tests := []struct {
		content    string
		wantRule   string
		wantAction safety.Action
	}{
		{"let's play fortnite", "no_fortnite", safety.ActionBlock},
		{"please enter the code", "trailing_code", safety.ActionWarn},
		{"let's play minecraft", "", safety.ActionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			res := engine.Moderate(context.Background(), safety.Request{
				Content:   tt.content,
				Subject:   safety.SubjectGeneral,
				GradeBand: safety.GradeBandAdult,
			})
			assert.Equal(t, tt.wantAction, res.Action)
			if tt.wantRule == "" {
				assert.Empty(t, res.TriggeredRules)
				return
			}
			assert.Contains(t, res.TriggeredRules, tt.wantRule)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "invalid yaml",
			yaml:    "version: [unclosed",
			wantErr: []string{"failed to parse config file"},
		},
		{
			name:    "unknown key",
			yaml:    "version: \"1\"\nprovidres: []\n",
			wantErr: []string{"failed to parse config file"},
		},
		{
			name:    "empty document",
			yaml:    "",
			wantErr: []string{"must specify a version", "at least one provider"},
		},
		{
			name: "provider problems",
			yaml: `
version: "1"
providers:
  - id: a
    type: watson
  - id: a
    type: mock
    mock:
      fail_with: meltdown
  - type: mock
`,
			wantErr: []string{"invalid type 'watson'", "declared twice", "must specify an id", "not a provider error code"},
		},
		{
			name: "routing problems",
			yaml: `
version: "1"
providers:
  - id: a
    type: mock
routing:
  policies:
    - name: p1
      subject_pattern: "*"
      preferred: [a, ghost]
      sla_tiers: [platinum]
    - name: p2
      subject_pattern: "*"
      preferred: [a]
      strategy: random
`,
			wantErr: []string{"unknown provider 'ghost'", "invalid sla tier 'platinum'", "invalid strategy"},
		},
		{
			name: "pii and safety problems",
			yaml: `
version: "1"
providers:
  - id: a
    type: mock
pii:
  mode: redact
  enabled_categories: [email, dna]
safety:
  rules:
    - name: bad
      action: nuke
      keywords: [x]
  policies:
    - subject: math
      grade_band: toddler
      notification_webhooks: [principal]
  webhooks:
    broken:
      url: ftp://example.com
`,
			wantErr: []string{
				"pii.mode 'redact'", "unknown category 'dna'", "invalid action",
				"invalid grade_band 'toddler'", "unknown webhook 'principal'", "webhooks.broken",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	f := Default()
	require.NoError(t, ValidateConfigFile(f))
	assert.Len(t, f.Providers, 2)
	assert.Equal(t, "primary", f.Providers[0].ID)
}

func TestFile_Conversions(t *testing.T) {
	f, err := Parse([]byte(`
version: "1"
providers:
  - id: a
    type: mock
health:
  cooldown: 90s
  min_requests: 10
  failure_rate_threshold: 0.25
  ema_alpha: 0.3
pii:
  mode: hash
  threshold: 0.8
  context_window: 60
  enabled_categories: [card, email]
  confidences:
    name: 0.9
safety:
  audit:
    queue_size: 50
    workers: 3
`))
	require.NoError(t, err)

	hc := f.HealthTrackerConfig()
	assert.Equal(t, 90*time.Second, hc.Cooldown)
	assert.Equal(t, int64(10), hc.MinRequests)
	assert.InDelta(t, 0.25, hc.FailureRateThreshold, 1e-9)
	assert.InDelta(t, 0.3, hc.EMAAlpha, 1e-9)

	dc := f.DetectorConfig()
	assert.InDelta(t, 0.8, dc.Threshold, 1e-9)
	assert.Equal(t, 60, dc.ContextWindow)
	assert.Equal(t, []pii.Category{pii.CategoryCard, pii.CategoryEmail}, dc.EnabledCategories)
	assert.InDelta(t, 0.9, dc.Confidences.Name, 1e-9)
	assert.Equal(t, pii.ModeHash, f.ScrubMode())

	ac := f.AuditQueueConfig()
	assert.Equal(t, 50, ac.QueueSize)
	assert.Equal(t, 3, ac.Workers)
	assert.Equal(t, safety.DefaultAuditQueueConfig().MaxRetries, ac.MaxRetries)
}

func TestLoader_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0600))

	l, err := NewLoader(path)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())
	assert.Len(t, l.Current().Providers, 2)

	var notified *File
	l.OnReload(func(f *File) { notified = f })

	updated := minimalConfig + "  - id: c\n    type: anthropic\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))
	require.NoError(t, l.Reload())
	assert.Len(t, l.Current().Providers, 3)
	require.NotNil(t, notified)
	assert.Same(t, l.Current(), notified)

	require.NoError(t, os.WriteFile(path, []byte("version: ["), 0600))
	require.Error(t, l.Reload())
	assert.Len(t, l.Current().Providers, 3, "failed reload keeps previous config")
}

func TestNewLoader(t *testing.T) {
	l, err := NewLoader("")
	require.NoError(t, err)
	assert.Len(t, l.Current().Providers, 2)
	assert.NoError(t, l.Reload())

	_, err = NewLoader("/nonexistent/gateway.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
