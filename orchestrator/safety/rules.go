// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultRuleThreshold is the category score a rule must reach to fire when
// neither the rule nor the policy sets one.
const DefaultRuleThreshold = 0.5

// Rule is a keyword/pattern moderation rule. Keywords match as whole words,
// case-insensitively; Patterns are Go regular expressions.
type Rule struct {
	Name           string      `yaml:"name" json:"name"`
	Category       string      `yaml:"category" json:"category"`
	GradeBands     []GradeBand `yaml:"grade_bands" json:"grade_bands,omitempty"`
	Subjects       []Subject   `yaml:"subjects" json:"subjects,omitempty"`
	Keywords       []string    `yaml:"keywords" json:"keywords,omitempty"`
	Patterns       []string    `yaml:"patterns" json:"patterns,omitempty"`
	Threshold      float64     `yaml:"threshold" json:"threshold,omitempty"`
	Action         Action      `yaml:"action" json:"action"`
	GuardianReview bool        `yaml:"guardian_review" json:"guardian_review"`
	SELSensitive   bool        `yaml:"sel_sensitive" json:"sel_sensitive"`
	AuditLog       bool        `yaml:"audit_log" json:"audit_log"`
	Enabled        *bool       `yaml:"enabled" json:"enabled,omitempty"`

	keywordRe  *regexp.Regexp
	patternRes []*regexp.Regexp
}

// compile builds the rule's matchers. Invalid patterns are skipped and
// reported; the rule stays usable with whatever compiled.
func (r *Rule) compile() error {
	var errs []error

	r.keywordRe = nil
	r.patternRes = nil

	if re := keywordRegexp(r.Keywords); re != nil {
		r.keywordRe = re
	}
	for _, p := range r.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: pattern %q: %w", r.Name, p, err))
			continue
		}
		r.patternRes = append(r.patternRes, re)
	}
	if r.Category == "" {
		r.Category = r.Name
	}
	return errors.Join(errs...)
}

// IsEnabled defaults to true when unset.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// hits counts keyword and pattern matches in text.
func (r *Rule) hits(text string) int {
	n := 0
	if r.keywordRe != nil {
		n += len(r.keywordRe.FindAllStringIndex(text, -1))
	}
	for _, re := range r.patternRes {
		n += len(re.FindAllStringIndex(text, -1))
	}
	return n
}

// appliesTo reports whether the rule belongs in the policy for subject/band.
// Empty lists apply everywhere.
func (r *Rule) appliesTo(subject Subject, band GradeBand) bool {
	if len(r.GradeBands) > 0 && !containsBand(r.GradeBands, band) {
		return false
	}
	if len(r.Subjects) > 0 && !containsSubject(r.Subjects, subject) {
		return false
	}
	return true
}

// Validate checks the rule's static fields.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if !IsValidAction(r.Action) {
		return fmt.Errorf("rule %s: invalid action %q", r.Name, r.Action)
	}
	if len(r.Keywords) == 0 && len(r.Patterns) == 0 {
		return fmt.Errorf("rule %s: needs at least one keyword or pattern", r.Name)
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("rule %s: threshold %.2f outside [0,1]", r.Name, r.Threshold)
	}
	for _, b := range r.GradeBands {
		if !IsValidGradeBand(b) {
			return fmt.Errorf("rule %s: invalid grade band %q", r.Name, b)
		}
	}
	return nil
}

// categoryScore turns a hit count into a 0-1 score. One hit scores 0.6.
func categoryScore(hits int) float64 {
	if hits <= 0 {
		return 0
	}
	s := 0.4 + 0.2*float64(hits)
	if s > 1 {
		return 1
	}
	return s
}

// keywordRegexp compiles a whole-word, case-insensitive alternation.
func keywordRegexp(words []string) *regexp.Regexp {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(w))
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func containsBand(list []GradeBand, b GradeBand) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

func containsSubject(list []Subject, s Subject) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

var minorBands = []GradeBand{GradeBandElementary, GradeBandMiddle, GradeBandHigh}

// DefaultRules returns the built-in rule set. Callers get fresh copies.
func DefaultRules() []Rule {
	profanity := []string{"shit", "fuck", "fucking", "bitch", "bastard", "asshole"}
	return []Rule{
		{
			Name:       "violence_threats",
			Category:   "violence",
			GradeBands: minorBands,
			Keywords:   []string{"kill", "murder", "shoot", "stab", "bomb", "beat you up", "hurt you"},
			Patterns:   []string{`(?i)\bi(?:'m| am)? (?:going to|gonna|will) (?:hurt|kill|shoot|stab)\b`},
			Action:     ActionBlock,
			AuditLog:   true,
		},
		{
			Name:       "violence_threats_adult",
			Category:   "violence",
			GradeBands: []GradeBand{GradeBandAdult},
			Patterns:   []string{`(?i)\bi(?:'m| am)? (?:going to|gonna|will) (?:hurt|kill|shoot|stab) (?:you|him|her|them|everyone)\b`},
			Action:     ActionBlock,
			AuditLog:   true,
		},
		{
			Name:     "self_harm",
			Category: "self_harm",
			Keywords: []string{
				"kill myself", "suicide", "suicidal", "self harm", "self-harm",
				"cut myself", "end my life", "want to die",
			},
			Action:         ActionEscalate,
			GuardianReview: true,
			SELSensitive:   true,
			AuditLog:       true,
		},
		{
			Name:       "profanity",
			Category:   "profanity",
			GradeBands: minorBands,
			Keywords:   append([]string{"damn", "crap"}, profanity...),
			Action:     ActionFilter,
		},
		{
			Name:       "profanity_adult",
			Category:   "profanity",
			GradeBands: []GradeBand{GradeBandAdult},
			Keywords:   profanity,
			Threshold:  0.8,
			Action:     ActionWarn,
		},
		{
			Name:       "adult_content",
			Category:   "adult_content",
			GradeBands: []GradeBand{GradeBandElementary, GradeBandMiddle},
			Keywords:   []string{"porn", "pornography", "nude", "nudes", "sex", "sexual", "xxx", "explicit"},
			Action:     ActionBlock,
			AuditLog:   true,
		},
		{
			Name:       "adult_content_high",
			Category:   "adult_content",
			GradeBands: []GradeBand{GradeBandHigh},
			Keywords:   []string{"porn", "pornography", "nudes", "xxx"},
			Action:     ActionFilter,
			AuditLog:   true,
		},
		{
			Name:       "drugs_alcohol",
			Category:   "drugs_alcohol",
			GradeBands: []GradeBand{GradeBandElementary, GradeBandMiddle},
			Keywords: []string{
				"weed", "marijuana", "cocaine", "heroin", "meth", "vape", "vaping",
				"beer", "vodka", "get drunk", "get high",
			},
			Action:  ActionFilter,
		},
		{
			Name:       "drugs_alcohol_high",
			Category:   "drugs_alcohol",
			GradeBands: []GradeBand{GradeBandHigh},
			Keywords:   []string{"cocaine", "heroin", "meth", "get drunk", "get high"},
			Action:     ActionWarn,
		},
		{
			Name:       "personal_info_sharing",
			Category:   "personal_info",
			GradeBands: minorBands,
			Keywords:   []string{"send me a picture", "send me a photo", "meet me in person"},
			Patterns: []string{
				`(?i)\bmy (?:home )?address is\b`,
				`(?i)\bmy (?:phone|cell) number is\b`,
				`(?i)\bwhere do you live\b`,
			},
			Action:         ActionFilter,
			GuardianReview: true,
			AuditLog:       true,
		},
		{
			Name:       "harassment",
			Category:   "harassment",
			GradeBands: minorBands,
			Keywords:   []string{"idiot", "loser", "stupid", "ugly", "shut up", "nobody likes you"},
			Action:     ActionFilter,
		},
		{
			Name:       "academic_integrity",
			Category:   "academic_integrity",
			GradeBands: minorBands,
			Keywords:   []string{"do my homework", "write my essay", "answers to the test", "cheat on"},
			Action:     ActionWarn,
		},
	}
}
