// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package safety

import (
	"fmt"
	"time"
)

// GradeBand groups learners by age for policy purposes.
type GradeBand string

const (
	GradeBandElementary GradeBand = "elementary"
	GradeBandMiddle     GradeBand = "middle"
	GradeBandHigh       GradeBand = "high"
	GradeBandAdult      GradeBand = "adult"
)

// AllGradeBands returns every grade band, youngest first.
func AllGradeBands() []GradeBand {
	return []GradeBand{GradeBandElementary, GradeBandMiddle, GradeBandHigh, GradeBandAdult}
}

// IsValidGradeBand reports whether b is a known grade band.
func IsValidGradeBand(b GradeBand) bool {
	for _, known := range AllGradeBands() {
		if known == b {
			return true
		}
	}
	return false
}

// IsMinor reports whether the band covers learners under 18.
func (b GradeBand) IsMinor() bool {
	return b == GradeBandElementary || b == GradeBandMiddle || b == GradeBandHigh
}

// Subject is the curricular context of a request.
type Subject string

const (
	SubjectGeneral       Subject = "general"
	SubjectMath          Subject = "math"
	SubjectScience       Subject = "science"
	SubjectELA           Subject = "ela"
	SubjectSocialStudies Subject = "social_studies"
	SubjectSEL           Subject = "sel"
	SubjectHealth        Subject = "health"
	SubjectArts          Subject = "arts"
)

// DefaultSubjects returns the subjects that get a policy out of the box.
func DefaultSubjects() []Subject {
	return []Subject{
		SubjectGeneral, SubjectMath, SubjectScience, SubjectELA,
		SubjectSocialStudies, SubjectSEL, SubjectHealth, SubjectArts,
	}
}

// Severity is how serious a moderation finding is.
type Severity string

const (
	SeveritySafe     Severity = "safe"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities; higher is worse.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the worse of a and b.
func MaxSeverity(a, b Severity) Severity {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

// Action is what the gateway does with moderated content.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionWarn     Action = "warn"
	ActionAudit    Action = "audit"
	ActionFilter   Action = "filter"
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
)

// IsValidAction reports whether a names a known action.
func IsValidAction(a Action) bool {
	return a == ActionAllow || ActionRestrictiveness(a) > 0
}

// ActionRestrictiveness orders actions: allow < warn < audit < filter < block < escalate.
// Unknown actions rank 0.
func ActionRestrictiveness(a Action) int {
	switch a {
	case ActionWarn:
		return 1
	case ActionAudit:
		return 2
	case ActionFilter:
		return 3
	case ActionBlock:
		return 4
	case ActionEscalate:
		return 5
	default:
		return 0
	}
}

// MaxAction returns the more restrictive of a and b.
func MaxAction(a, b Action) Action {
	if ActionRestrictiveness(b) > ActionRestrictiveness(a) {
		return b
	}
	if a == "" {
		return ActionAllow
	}
	return a
}

// IsRejection reports whether a stops the request before any provider call.
func (a Action) IsRejection() bool {
	return a == ActionBlock || a == ActionEscalate
}

// ActionForSeverity maps a severity to its default action.
func ActionForSeverity(s Severity) Action {
	switch s {
	case SeverityCritical:
		return ActionEscalate
	case SeveritySevere:
		return ActionBlock
	case SeverityModerate:
		return ActionFilter
	case SeverityMinor:
		return ActionWarn
	default:
		return ActionAllow
	}
}

// SeverityForAction maps a rule's declared action to the severity it implies.
func SeverityForAction(a Action) Severity {
	switch a {
	case ActionBlock, ActionEscalate:
		return SeveritySevere
	case ActionFilter:
		return SeverityModerate
	case ActionWarn, ActionAudit:
		return SeverityMinor
	default:
		return SeveritySafe
	}
}

// SELCategory is a social-emotional topic that warrants adult attention.
type SELCategory string

const (
	SELMentalHealth   SELCategory = "mental_health"
	SELFamilyDynamics SELCategory = "family_dynamics"
	SELPeerPressure   SELCategory = "peer_pressure"
	SELIdentityIssues SELCategory = "identity_issues"
	SELTrauma         SELCategory = "trauma"
)

// IsCritical reports whether the category forces a critical escalation.
func (c SELCategory) IsCritical() bool {
	return c == SELMentalHealth || c == SELTrauma
}

// Request is the input to Engine.Moderate.
type Request struct {
	Content   string    `json:"content"`
	Subject   Subject   `json:"subject"`
	GradeBand GradeBand `json:"grade_band"`
	UserID    string    `json:"user_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Result is the outcome of one moderation call. It is never modified after
// Moderate returns.
type Result struct {
	ID            string `json:"id"`
	ContentHash   string `json:"content_hash"`
	ContentLength int    `json:"content_length"`

	Subject   Subject   `json:"subject"`
	GradeBand GradeBand `json:"grade_band"`
	PolicyKey string    `json:"policy"`

	Flagged           bool               `json:"flagged"`
	Severity          Severity           `json:"severity"`
	Action            Action             `json:"action"`
	TriggeredRules    []string           `json:"triggered_rules"`
	FlaggedCategories []string           `json:"flagged_categories"`
	CategoryScores    map[string]float64 `json:"category_scores"`
	SELCategories     []SELCategory      `json:"sel_categories,omitempty"`

	RequiresEscalation   bool `json:"requires_escalation"`
	GuardianNotification bool `json:"guardian_notification"`
	TeacherNotification  bool `json:"teacher_notification"`
	AuditRequired        bool `json:"audit_required"`

	Confidence     float64       `json:"confidence"`
	ProcessingTime time.Duration `json:"processing_time"`
	Reason         string        `json:"reason,omitempty"`
}

// policyKey is the matrix key for a (subject, grade band) pair.
func policyKey(subject Subject, band GradeBand) string {
	return fmt.Sprintf("%s/%s", subject, band)
}
