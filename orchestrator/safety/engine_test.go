// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package safety

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (c *captureRecorder) Record(rec AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *captureRecorder) all() []AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AuditRecord(nil), c.records...)
}

type captureNotifier struct {
	mu   sync.Mutex
	sent map[string][]Notification
}

func (c *captureNotifier) Notify(_ context.Context, webhook string, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = make(map[string][]Notification)
	}
	c.sent[webhook] = append(c.sent[webhook], n)
	return nil
}

func quietEngine(opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithEngineLogger(log.New(io.Discard, "", 0))}, opts...)
	return NewEngine(opts...)
}

func moderate(e *Engine, content string, subject Subject, band GradeBand) *Result {
	return e.Moderate(context.Background(), Request{Content: content, Subject: subject, GradeBand: band})
}

func TestModerate_ThreatBlockedForElementary(t *testing.T) {
	rec := &captureRecorder{}
	e := quietEngine(WithAuditRecorder(rec))

	res := moderate(e, "I will kill you", SubjectGeneral, GradeBandElementary)

	assert.True(t, res.Flagged)
	assert.Equal(t, ActionBlock, res.Action)
	assert.Equal(t, SeveritySevere, res.Severity)
	assert.True(t, res.AuditRequired)
	assert.Contains(t, res.TriggeredRules, "violence_threats")
	assert.Equal(t, "general/elementary", res.PolicyKey)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, res.ID, records[0].ModerationID)
	assert.Equal(t, res.ContentHash, records[0].ContentHash)
	assert.Equal(t, len("I will kill you"), records[0].ContentLength)
}

func TestModerate_BullyingNotifiesTeacher(t *testing.T) {
	e := quietEngine()

	res := moderate(e, "the other kids are bullying me", SubjectSEL, GradeBandElementary)

	assert.True(t, res.Flagged)
	assert.True(t, res.TeacherNotification)
	assert.False(t, res.GuardianNotification)
	assert.True(t, res.RequiresEscalation)
	assert.Equal(t, []SELCategory{SELPeerPressure}, res.SELCategories)
	assert.GreaterOrEqual(t, ActionRestrictiveness(res.Action), ActionRestrictiveness(ActionAudit))
	assert.Equal(t, SeverityMinor, res.Severity)
	assert.True(t, res.AuditRequired)
}

func TestModerate_MentalHealthOverridesFilter(t *testing.T) {
	e := quietEngine()

	res := moderate(e, "this damn homework makes me feel hopeless", SubjectGeneral, GradeBandMiddle)

	assert.Contains(t, res.TriggeredRules, "profanity")
	assert.Contains(t, res.SELCategories, SELMentalHealth)
	assert.Equal(t, ActionEscalate, res.Action)
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.True(t, res.GuardianNotification)
	assert.True(t, res.TeacherNotification)
	assert.True(t, res.AuditRequired)
}

func TestModerate_EscalateNeverDowngraded(t *testing.T) {
	e := quietEngine()

	// self_harm escalates even though its severity maps to block.
	res := moderate(e, "sometimes I think about suicide", SubjectMath, GradeBandHigh)

	assert.Equal(t, ActionEscalate, res.Action)
	assert.True(t, res.RequiresEscalation)
	assert.True(t, res.GuardianNotification)
}

func TestModerate_CleanContent(t *testing.T) {
	e := quietEngine()

	res := moderate(e, "Can you explain how fractions work?", SubjectMath, GradeBandElementary)

	assert.False(t, res.Flagged)
	assert.Equal(t, ActionAllow, res.Action)
	assert.Equal(t, SeveritySafe, res.Severity)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Empty(t, res.TriggeredRules)
	assert.Empty(t, res.FlaggedCategories)
	assert.False(t, res.AuditRequired)
	assert.NotEmpty(t, res.ID)
	assert.Len(t, res.ContentHash, 64)
}

func TestModerate_FallsBackToGeneralAdult(t *testing.T) {
	e := quietEngine()

	res := moderate(e, "I will kill you", Subject("robotics"), GradeBandElementary)
	assert.Equal(t, "general/adult", res.PolicyKey)
	assert.Equal(t, ActionBlock, res.Action)

	res = moderate(e, "hello", SubjectMath, GradeBand("kindergarten"))
	assert.Equal(t, "general/adult", res.PolicyKey)
	assert.Equal(t, ActionAllow, res.Action)
}

func TestModerate_DisabledPolicyFallsBack(t *testing.T) {
	off := false
	m, err := NewMatrix(DefaultRules(), []PolicyOverride{
		{Subject: "arts", GradeBand: "high", Enabled: &off},
	})
	require.NoError(t, err)
	e := quietEngine(WithMatrix(m))

	res := moderate(e, "my drawing", SubjectArts, GradeBandHigh)
	assert.Equal(t, "general/adult", res.PolicyKey)
}

func TestModerate_AllowedTopicsMasked(t *testing.T) {
	e := quietEngine()
	content := "we talked about sex education in class"

	health := moderate(e, content, SubjectHealth, GradeBandMiddle)
	assert.False(t, health.Flagged, "allowed topic in health must not fire adult_content")

	general := moderate(e, content, SubjectGeneral, GradeBandMiddle)
	assert.True(t, general.Flagged)
	assert.Equal(t, ActionBlock, general.Action)

	history := moderate(e, "why was the atomic bomb dropped in world war two", SubjectSocialStudies, GradeBandHigh)
	assert.False(t, history.Flagged)
}

func TestModerate_BlockedTopic(t *testing.T) {
	e := quietEngine()

	res := moderate(e, "what is the best gambling strategy", SubjectMath, GradeBandElementary)

	assert.True(t, res.Flagged)
	assert.Equal(t, ActionFilter, res.Action)
	assert.Equal(t, SeverityModerate, res.Severity)
	assert.Contains(t, res.FlaggedCategories, "blocked_topic")

	adult := moderate(e, "what is the best gambling strategy", SubjectMath, GradeBandAdult)
	assert.False(t, adult.Flagged)
}

func TestModerate_Thresholds(t *testing.T) {
	e := quietEngine()

	tests := []struct {
		name    string
		content string
		band    GradeBand
		flagged bool
		action  Action
	}{
		{"single profanity below adult threshold", "this is shit", GradeBandAdult, false, ActionAllow},
		{"repeated profanity reaches adult threshold", "shit, this is shit", GradeBandAdult, true, ActionWarn},
		{"single profanity filtered for minors", "this is shit", GradeBandHigh, true, ActionFilter},
		{"word boundary respected", "skills are important", GradeBandElementary, false, ActionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := moderate(e, tt.content, SubjectGeneral, tt.band)
			assert.Equal(t, tt.flagged, res.Flagged)
			assert.Equal(t, tt.action, res.Action)
		})
	}

	res := moderate(e, "this is shit", SubjectGeneral, GradeBandAdult)
	assert.InDelta(t, 0.6, res.CategoryScores["profanity"], 1e-9)
}

func TestModerate_CategoryThresholdOverride(t *testing.T) {
	m, err := NewMatrix(DefaultRules(), []PolicyOverride{
		{Subject: "*", GradeBand: "elementary", CategoryThresholds: map[string]float64{"violence": 0.9}},
	})
	require.NoError(t, err)
	e := quietEngine(WithMatrix(m))

	res := moderate(e, "how do I kill the boss in this game", SubjectGeneral, GradeBandElementary)
	assert.False(t, res.Flagged)
	assert.InDelta(t, 0.6, res.CategoryScores["violence"], 1e-9)

	res = moderate(e, "how do I kill the boss in this game", SubjectGeneral, GradeBandMiddle)
	assert.True(t, res.Flagged)
}

func TestModerate_SELEscalationScope(t *testing.T) {
	e := quietEngine()

	adultGeneral := moderate(e, "I have been feeling depressed", SubjectGeneral, GradeBandAdult)
	assert.False(t, adultGeneral.Flagged)
	assert.Empty(t, adultGeneral.SELCategories)

	adultSEL := moderate(e, "I have been feeling depressed", SubjectSEL, GradeBandAdult)
	assert.Equal(t, ActionEscalate, adultSEL.Action)
	assert.Equal(t, SeverityCritical, adultSEL.Severity)

	off := false
	m, err := NewMatrix(DefaultRules(), []PolicyOverride{
		{Subject: "*", GradeBand: "high", SELEscalation: &off},
	})
	require.NoError(t, err)
	e.Reload(m)
	high := moderate(e, "I have been feeling depressed", SubjectScience, GradeBandHigh)
	assert.False(t, high.Flagged)
}

func TestModerate_NotificationsDispatched(t *testing.T) {
	m, err := NewMatrix(DefaultRules(), []PolicyOverride{
		{Subject: "*", GradeBand: "elementary", NotificationWebhooks: []string{"counselor", "district"}},
	})
	require.NoError(t, err)
	n := &captureNotifier{}
	e := quietEngine(WithMatrix(m), WithNotifier(n))

	res := e.Moderate(context.Background(), Request{
		Content:   "my parents are fighting every night",
		Subject:   SubjectSEL,
		GradeBand: GradeBandElementary,
		UserID:    "student-7",
		TenantID:  "district-9",
	})
	require.True(t, res.TeacherNotification)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.sent["counselor"], 1)
	require.Len(t, n.sent["district"], 1)
	got := n.sent["counselor"][0]
	assert.Equal(t, res.ID, got.ModerationID)
	assert.Equal(t, []string{AudienceTeacher}, got.Audience)
	assert.Equal(t, []SELCategory{SELFamilyDynamics}, got.SELCategories)
	assert.Equal(t, "student-7", got.UserID)
}

func TestModerate_NoNotificationWithoutWebhooks(t *testing.T) {
	n := &captureNotifier{}
	e := quietEngine(WithNotifier(n))

	res := moderate(e, "the other kids are bullying me", SubjectSEL, GradeBandElementary)
	require.True(t, res.TeacherNotification)
	require.NoError(t, e.Close(context.Background()))

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.sent)
}

func TestModerate_AuditRecordOmitsContent(t *testing.T) {
	rec := &captureRecorder{}
	e := quietEngine(WithAuditRecorder(rec))
	secret := "my address is 42 Elm Street and I will kill you"

	moderate(e, secret, SubjectGeneral, GradeBandMiddle)

	records := rec.all()
	require.Len(t, records, 1)
	r := records[0]
	assert.Len(t, r.ContentHash, 64)
	assert.ElementsMatch(t, []string{"violence_threats", "personal_info_sharing"}, r.TriggeredRules)
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Elm")
}

func TestModerate_Deterministic(t *testing.T) {
	e := quietEngine()

	a := moderate(e, "I will kill you", SubjectGeneral, GradeBandElementary)
	b := moderate(e, "I will kill you", SubjectGeneral, GradeBandElementary)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, a.Action, b.Action)
	assert.Equal(t, a.TriggeredRules, b.TriggeredRules)
	assert.Equal(t, a.CategoryScores, b.CategoryScores)
}

func TestEngine_ConcurrentModerateAndReload(t *testing.T) {
	e := quietEngine()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				res := moderate(e, "I will kill you", SubjectGeneral, GradeBandElementary)
				assert.Equal(t, ActionBlock, res.Action)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		e.Reload(DefaultMatrix())
	}
	wg.Wait()
}
