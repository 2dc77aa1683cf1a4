// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
)

// ValidateConfigFile checks a decoded file for structural errors. It reports
// every problem found, not just the first.
func ValidateConfigFile(f *File) error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if f.Version == "" {
		add("config file must specify a version")
	}

	known := make(map[string]bool, len(f.Providers))
	for i, p := range f.Providers {
		if p.ID == "" {
			add("provider %d must specify an id", i)
			continue
		}
		if known[p.ID] {
			add("provider '%s' is declared twice", p.ID)
		}
		known[p.ID] = true
		if !llm.IsValidProviderType(llm.ProviderType(p.Type)) {
			add("provider '%s' has invalid type '%s'", p.ID, p.Type)
		}
		if p.CostPer1K < 0 {
			add("provider '%s' cost_per_1k cannot be negative", p.ID)
		}
		if p.Mock.FailWith != "" && !isProviderErrorCode(p.Mock.FailWith) {
			add("provider '%s' mock.fail_with '%s' is not a provider error code", p.ID, p.Mock.FailWith)
		}
	}
	if len(f.Providers) == 0 {
		add("at least one provider is required")
	}

	policies, def := f.RoutingPolicies()
	if def != nil {
		policies = append(policies, def)
	}
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[p.Name] {
			add("routing policy '%s' is declared twice", p.Name)
		}
		seen[p.Name] = true
		for _, id := range p.Candidates() {
			if !known[id] {
				add("routing policy '%s' references unknown provider '%s'", p.Name, id)
			}
		}
		for _, t := range p.SLATiers {
			if !llm.IsValidSLATier(t) {
				add("routing policy '%s' has invalid sla tier '%s'", p.Name, t)
			}
		}
	}

	if f.Health.FailureRateThreshold > 1 {
		add("health.failure_rate_threshold must be between 0 and 1")
	}
	if f.Health.EMAAlpha > 1 {
		add("health.ema_alpha must be between 0 and 1")
	}

	if !pii.IsValidMode(pii.Mode(f.PII.Mode)) {
		add("pii.mode '%s' is invalid (mask, hash, remove)", f.PII.Mode)
	}
	if f.PII.Threshold > 1 {
		add("pii.threshold must be between 0 and 1")
	}
	for _, c := range f.PII.EnabledCategories {
		if !pii.IsValidCategory(pii.Category(c)) {
			add("pii.enabled_categories contains unknown category '%s'", c)
		}
	}

	for i := range f.Safety.Rules {
		if err := f.Safety.Rules[i].Validate(); err != nil {
			add("safety.rules: %v", err)
		}
	}
	for i, o := range f.Safety.Policies {
		if o.Subject == "" {
			add("safety.policies[%d] must specify a subject", i)
		}
		if o.GradeBand != safety.Wildcard && !safety.IsValidGradeBand(safety.GradeBand(o.GradeBand)) {
			add("safety.policies[%d] has invalid grade_band '%s'", i, o.GradeBand)
		}
		for _, hook := range o.NotificationWebhooks {
			if _, ok := f.Safety.Webhooks[hook]; !ok && !isURL(hook) {
				add("safety.policies[%d] references unknown webhook '%s'", i, hook)
			}
		}
		for j := range o.Rules {
			if err := o.Rules[j].Validate(); err != nil {
				add("safety.policies[%d].rules: %v", i, err)
			}
		}
	}
	for name, ep := range f.Safety.Webhooks {
		if !isURL(ep.URL) {
			add("safety.webhooks.%s must have an http(s) url", name)
		}
	}

	return errors.Join(errs...)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isProviderErrorCode(code string) bool {
	switch code {
	case llm.ErrCodeRateLimit, llm.ErrCodeTimeout, llm.ErrCodeServerError,
		llm.ErrCodeUnavailable, llm.ErrCodeInvalidRequest:
		return true
	default:
		return false
	}
}
