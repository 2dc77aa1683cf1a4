// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package safety

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Wildcard matches every subject or grade band in a PolicyOverride.
const Wildcard = "*"

// Policy is the moderation policy for one (subject, grade band) pair.
// Policies are read-only once their Matrix is built.
type Policy struct {
	Subject              Subject
	GradeBand            GradeBand
	Rules                []*Rule
	CategoryThresholds   map[string]float64
	AllowedTopics        []string
	BlockedTopics        []string
	SELEscalation        bool
	NotificationWebhooks []string
	Enabled              bool

	allowedRe *regexp.Regexp
	blockedRe *regexp.Regexp
}

// Key returns "subject/grade_band".
func (p *Policy) Key() string {
	return policyKey(p.Subject, p.GradeBand)
}

// threshold resolves the firing threshold for r: policy category override,
// then the rule's own threshold, then DefaultRuleThreshold.
func (p *Policy) threshold(r *Rule) float64 {
	if t, ok := p.CategoryThresholds[r.Category]; ok && t > 0 {
		return t
	}
	if r.Threshold > 0 {
		return r.Threshold
	}
	return DefaultRuleThreshold
}

// maskAllowed blanks allowed-topic phrases so rule keywords inside them do
// not fire. Offsets are preserved.
func (p *Policy) maskAllowed(text string) string {
	if p.allowedRe == nil {
		return text
	}
	return p.allowedRe.ReplaceAllStringFunc(text, func(s string) string {
		return strings.Repeat(" ", len(s))
	})
}

func (p *Policy) blockedHits(text string) int {
	if p.blockedRe == nil {
		return 0
	}
	return len(p.blockedRe.FindAllStringIndex(text, -1))
}

// PolicyOverride adjusts the default policies. Subject and GradeBand accept
// Wildcard. An override naming a subject that has no default policy creates
// one from the default rules.
type PolicyOverride struct {
	Subject              string             `yaml:"subject" json:"subject"`
	GradeBand            string             `yaml:"grade_band" json:"grade_band"`
	Enabled              *bool              `yaml:"enabled" json:"enabled,omitempty"`
	SELEscalation        *bool              `yaml:"sel_escalation" json:"sel_escalation,omitempty"`
	CategoryThresholds   map[string]float64 `yaml:"category_thresholds" json:"category_thresholds,omitempty"`
	AllowedTopics        []string           `yaml:"allowed_topics" json:"allowed_topics,omitempty"`
	BlockedTopics        []string           `yaml:"blocked_topics" json:"blocked_topics,omitempty"`
	DisabledRules        []string           `yaml:"disabled_rules" json:"disabled_rules,omitempty"`
	Rules                []Rule             `yaml:"rules" json:"rules,omitempty"`
	NotificationWebhooks []string           `yaml:"notification_webhooks" json:"notification_webhooks,omitempty"`
}

var defaultAllowedTopics = map[Subject][]string{
	SubjectHealth:        {"sex education", "sexual health", "drug prevention", "alcohol awareness", "puberty"},
	SubjectScience:       {"sexual reproduction", "asexual reproduction"},
	SubjectSocialStudies: {"atomic bomb", "nuclear bomb", "world war", "civil war"},
}

var defaultBlockedTopics = map[GradeBand][]string{
	GradeBandElementary: {"gambling", "dating app", "horror movie"},
	GradeBandMiddle:     {"gambling", "dating app"},
	GradeBandHigh:       {"gambling"},
}

// Matrix holds one Policy per (subject, grade band) and always contains the
// general/adult fallback.
type Matrix struct {
	policies map[string]*Policy
	fallback *Policy
}

// DefaultMatrix builds the matrix from DefaultRules with no overrides.
func DefaultMatrix() *Matrix {
	m, _ := NewMatrix(DefaultRules(), nil)
	return m
}

// NewMatrix builds a matrix from rules and overrides. The returned matrix is
// always usable; the error reports skipped patterns and overrides.
func NewMatrix(rules []Rule, overrides []PolicyOverride) (*Matrix, error) {
	var errs []error

	compiled := make([]*Rule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if err := r.compile(); err != nil {
			errs = append(errs, err)
		}
		compiled = append(compiled, &r)
	}

	m := &Matrix{policies: make(map[string]*Policy)}
	for _, band := range AllGradeBands() {
		for _, subject := range DefaultSubjects() {
			p := newDefaultPolicy(subject, band, compiled)
			m.policies[p.Key()] = p
		}
	}

	for i, o := range overrides {
		if err := m.applyOverride(o, compiled); err != nil {
			errs = append(errs, fmt.Errorf("override %d: %w", i, err))
		}
	}

	fb := m.policies[policyKey(SubjectGeneral, GradeBandAdult)]
	if !fb.Enabled {
		fb.Enabled = true
		errs = append(errs, errors.New("general/adult policy cannot be disabled; re-enabled"))
	}
	m.fallback = fb

	for _, p := range m.policies {
		p.allowedRe = keywordRegexp(p.AllowedTopics)
		p.blockedRe = keywordRegexp(p.BlockedTopics)
	}
	return m, errors.Join(errs...)
}

func newDefaultPolicy(subject Subject, band GradeBand, rules []*Rule) *Policy {
	p := &Policy{
		Subject:            subject,
		GradeBand:          band,
		CategoryThresholds: make(map[string]float64),
		AllowedTopics:      append([]string(nil), defaultAllowedTopics[subject]...),
		BlockedTopics:      append([]string(nil), defaultBlockedTopics[band]...),
		SELEscalation:      band.IsMinor() || subject == SubjectSEL,
		Enabled:            true,
	}
	for _, r := range rules {
		if r.appliesTo(subject, band) {
			p.Rules = append(p.Rules, r)
		}
	}
	return p
}

func (m *Matrix) applyOverride(o PolicyOverride, base []*Rule) error {
	if o.GradeBand == "" || o.Subject == "" {
		return errors.New("subject and grade_band are required")
	}
	bands := AllGradeBands()
	if o.GradeBand != Wildcard {
		b := GradeBand(o.GradeBand)
		if !IsValidGradeBand(b) {
			return fmt.Errorf("unknown grade band %q", o.GradeBand)
		}
		bands = []GradeBand{b}
	}

	var extra []*Rule
	var errs []error
	for i := range o.Rules {
		r := o.Rules[i]
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.compile(); err != nil {
			errs = append(errs, err)
		}
		extra = append(extra, &r)
	}

	for _, band := range bands {
		var targets []*Policy
		if o.Subject == Wildcard {
			for _, p := range m.policies {
				if p.GradeBand == band {
					targets = append(targets, p)
				}
			}
		} else {
			key := policyKey(Subject(o.Subject), band)
			p, ok := m.policies[key]
			if !ok {
				p = newDefaultPolicy(Subject(o.Subject), band, base)
				m.policies[key] = p
			}
			targets = append(targets, p)
		}
		for _, p := range targets {
			o.applyTo(p, extra)
		}
	}
	return errors.Join(errs...)
}

func (o PolicyOverride) applyTo(p *Policy, extra []*Rule) {
	if o.Enabled != nil {
		p.Enabled = *o.Enabled
	}
	if o.SELEscalation != nil {
		p.SELEscalation = *o.SELEscalation
	}
	for k, v := range o.CategoryThresholds {
		p.CategoryThresholds[k] = v
	}
	p.AllowedTopics = append(p.AllowedTopics, o.AllowedTopics...)
	p.BlockedTopics = append(p.BlockedTopics, o.BlockedTopics...)
	if len(o.NotificationWebhooks) > 0 {
		p.NotificationWebhooks = append([]string(nil), o.NotificationWebhooks...)
	}

	if len(o.DisabledRules) > 0 {
		kept := p.Rules[:0:0]
		for _, r := range p.Rules {
			if !containsString(o.DisabledRules, r.Name) {
				kept = append(kept, r)
			}
		}
		p.Rules = kept
	}
	for _, r := range extra {
		if r.appliesTo(p.Subject, p.GradeBand) {
			p.Rules = append(p.Rules, r)
		}
	}
}

// Lookup returns the policy for subject/band, or the general/adult policy
// when the pair is missing or disabled. The bool reports a fallback.
func (m *Matrix) Lookup(subject Subject, band GradeBand) (*Policy, bool) {
	if p, ok := m.policies[policyKey(subject, band)]; ok && p.Enabled {
		return p, false
	}
	return m.fallback, true
}

// Policies returns all policies sorted by key.
func (m *Matrix) Policies() []*Policy {
	out := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of policies.
func (m *Matrix) Len() int {
	return len(m.policies)
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
