// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"enterprise/*", "enterprise/acme", true},
		{"enterprise/*", "school/acme", false},
		{"*/math", "grade5/math", true},
		{"*/math", "grade5/mathematics", false},
		{"*science*", "ap-science-lab", true},
		{"*science*", "history", false},
		{"math", "math", true},
		{"math", "Math", true},
		{"math", "mathematics", false},
		{"", "", true},
		{"", "math", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.value))
		})
	}
}

func TestRoutingPolicy_Matches(t *testing.T) {
	policy := &RoutingPolicy{
		Name:           "eu-premium-science",
		SubjectPattern: "science*",
		LocalePatterns: []string{"de-*", "fr-*"},
		SLATiers:       []SLATier{SLATierPremium, SLATierEnterprise},
		Preferred:      []string{"a"},
		Enabled:        true,
	}

	tests := []struct {
		name string
		ctx  RoutingContext
		want bool
	}{
		{"all match", RoutingContext{Subject: "science/bio", Locale: "de-DE", SLATier: SLATierPremium}, true},
		{"wrong subject", RoutingContext{Subject: "math", Locale: "de-DE", SLATier: SLATierPremium}, false},
		{"wrong locale", RoutingContext{Subject: "science", Locale: "en-US", SLATier: SLATierPremium}, false},
		{"missing locale", RoutingContext{Subject: "science", SLATier: SLATierPremium}, false},
		{"wrong tier", RoutingContext{Subject: "science", Locale: "fr-FR", SLATier: SLATierStandard}, false},
		{"empty tier is standard", RoutingContext{Subject: "science", Locale: "fr-FR"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Matches(tt.ctx))
		})
	}

	policy.Enabled = false
	assert.False(t, policy.Matches(RoutingContext{Subject: "science", Locale: "de-DE", SLATier: SLATierPremium}))
}

func TestRoutingPolicy_Candidates(t *testing.T) {
	p := &RoutingPolicy{Preferred: []string{"a", "b", "a"}, Fallback: []string{"b", "c", ""}}
	assert.Equal(t, []string{"a", "b", "c"}, p.Candidates())
}

func TestRoutingPolicy_Validate(t *testing.T) {
	valid := RoutingPolicy{Name: "p", SubjectPattern: "*", Preferred: []string{"a"}}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *RoutingPolicy)
	}{
		{"missing name", func(p *RoutingPolicy) { p.Name = "" }},
		{"missing pattern", func(p *RoutingPolicy) { p.SubjectPattern = "" }},
		{"no providers", func(p *RoutingPolicy) { p.Preferred = nil }},
		{"bad strategy", func(p *RoutingPolicy) { p.Strategy = "fastest" }},
		{"bad failover", func(p *RoutingPolicy) { p.Failover = "panic" }},
		{"negative retries", func(p *RoutingPolicy) { p.MaxRetries = -1 }},
		{"negative ceiling", func(p *RoutingPolicy) { p.CostCeiling = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestRoutingPolicy_CallTimeout(t *testing.T) {
	p := &RoutingPolicy{TimeoutMultiplier: 1.5}
	assert.Equal(t, 45*time.Second, p.CallTimeout(RoutingContext{}))
	assert.Equal(t, 90*time.Second, p.CallTimeout(RoutingContext{SLATier: SLATierPremium}))
	assert.Equal(t, 180*time.Second, p.CallTimeout(RoutingContext{SLATier: SLATierEnterprise}))

	p.TimeoutMultiplier = 0
	assert.Equal(t, 30*time.Second, p.CallTimeout(RoutingContext{SLATier: SLATierStandard}))
}
