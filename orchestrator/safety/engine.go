// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// notifyTimeout bounds one asynchronous webhook delivery.
const notifyTimeout = 10 * time.Second

// Engine evaluates content against the policy matrix. It is safe for
// concurrent use; Reload swaps the matrix atomically.
type Engine struct {
	matrix   atomic.Pointer[Matrix]
	audit    AuditRecorder
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time

	notifyWG sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMatrix sets the initial policy matrix. The default is DefaultMatrix().
func WithMatrix(m *Matrix) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.matrix.Store(m)
		}
	}
}

// WithAuditRecorder routes audit records to r.
func WithAuditRecorder(r AuditRecorder) EngineOption {
	return func(e *Engine) { e.audit = r }
}

// WithNotifier delivers guardian and teacher notifications through n.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineClock overrides time.Now.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a safety engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger: log.New(os.Stdout, "[SAFETY] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.matrix.Load() == nil {
		e.matrix.Store(DefaultMatrix())
	}
	return e
}

// Matrix returns the active policy matrix.
func (e *Engine) Matrix() *Matrix {
	return e.matrix.Load()
}

// Reload installs m for subsequent Moderate calls. In-flight calls finish
// against the matrix they started with.
func (e *Engine) Reload(m *Matrix) {
	if m == nil {
		return
	}
	e.matrix.Store(m)
	e.logger.Printf("policy matrix reloaded: %d policies", m.Len())
}

// Moderate evaluates req and always returns a result.
func (e *Engine) Moderate(ctx context.Context, req Request) *Result {
	start := e.now()
	policy, fellBack := e.matrix.Load().Lookup(req.Subject, req.GradeBand)

	sum := sha256.Sum256([]byte(req.Content))
	res := &Result{
		ID:             uuid.New().String(),
		ContentHash:    hex.EncodeToString(sum[:]),
		ContentLength:  len(req.Content),
		Subject:        req.Subject,
		GradeBand:      req.GradeBand,
		PolicyKey:      policy.Key(),
		Severity:       SeveritySafe,
		Action:         ActionAllow,
		TriggeredRules: []string{},
		CategoryScores: make(map[string]float64),
	}
	if fellBack {
		e.logger.Printf("no enabled policy for %s, using %s", policyKey(req.Subject, req.GradeBand), res.PolicyKey)
	}

	categories := []string{}
	addCategory := func(c string) {
		for _, x := range categories {
			if x == c {
				return
			}
		}
		categories = append(categories, c)
	}
	maxScore := 0.0

	scanned := policy.maskAllowed(req.Content)
	for _, rule := range policy.Rules {
		if !rule.IsEnabled() {
			continue
		}
		hits := rule.hits(scanned)
		if hits == 0 {
			continue
		}
		score := categoryScore(hits)
		if score > res.CategoryScores[rule.Category] {
			res.CategoryScores[rule.Category] = score
		}
		if score+1e-9 < policy.threshold(rule) {
			continue
		}

		res.Flagged = true
		res.TriggeredRules = append(res.TriggeredRules, rule.Name)
		addCategory(rule.Category)
		res.Severity = MaxSeverity(res.Severity, SeverityForAction(rule.Action))
		res.Action = MaxAction(res.Action, rule.Action)
		if score > maxScore {
			maxScore = score
		}
		if rule.GuardianReview {
			res.GuardianNotification = true
		}
		if rule.AuditLog {
			res.AuditRequired = true
		}
		if rule.SELSensitive && policy.SELEscalation {
			res.RequiresEscalation = true
			res.TeacherNotification = true
		}
	}

	if hits := policy.blockedHits(scanned); hits > 0 {
		score := categoryScore(hits)
		res.CategoryScores["blocked_topic"] = score
		res.Flagged = true
		res.TriggeredRules = append(res.TriggeredRules, "blocked_topic")
		addCategory("blocked_topic")
		res.Severity = MaxSeverity(res.Severity, SeverityModerate)
		res.Action = MaxAction(res.Action, ActionFilter)
		if score > maxScore {
			maxScore = score
		}
	}

	if policy.SELEscalation {
		found, hits := detectSEL(req.Content)
		for _, c := range found {
			score := categoryScore(hits[c])
			res.CategoryScores[string(c)] = score
			res.SELCategories = append(res.SELCategories, c)
			addCategory(string(c))
			res.Flagged = true
			res.RequiresEscalation = true
			if score > maxScore {
				maxScore = score
			}

			if c.IsCritical() {
				res.Severity = SeverityCritical
				res.GuardianNotification = true
				res.TeacherNotification = true
				res.Action = ActionEscalate
				continue
			}
			res.TeacherNotification = true
			res.Action = MaxAction(res.Action, ActionAudit)
			res.Severity = MaxSeverity(res.Severity, SeverityMinor)
		}
	}

	// Escalate ranks above every severity-derived action, so MaxAction
	// never downgrades it.
	res.Action = MaxAction(res.Action, ActionForSeverity(res.Severity))
	if res.Action == ActionEscalate {
		res.RequiresEscalation = true
		res.AuditRequired = true
	}
	if res.Action == ActionAudit {
		res.AuditRequired = true
	}

	res.FlaggedCategories = categories
	if res.Flagged {
		res.Confidence = maxScore
		res.Reason = "triggered: " + strings.Join(categories, ", ")
	} else {
		res.Confidence = 1.0
	}
	res.ProcessingTime = e.now().Sub(start)

	if res.AuditRequired {
		e.recordAudit(req, res)
	}
	if (res.GuardianNotification || res.TeacherNotification) && len(policy.NotificationWebhooks) > 0 {
		e.dispatch(ctx, req, res, policy.NotificationWebhooks)
	}
	return res
}

func (e *Engine) recordAudit(req Request, res *Result) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(NewAuditRecord(req, res, e.now())); err != nil {
		e.logger.Printf("audit record for %s not stored: %v", res.ID, err)
	}
}

// dispatch sends notifications in the background. Delivery outlives the
// request context but not Close.
func (e *Engine) dispatch(ctx context.Context, req Request, res *Result, webhooks []string) {
	if e.notifier == nil {
		return
	}
	n, ok := NewNotification(req, res, e.now())
	if !ok {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, hook := range webhooks {
		e.notifyWG.Add(1)
		go func(hook string) {
			defer e.notifyWG.Done()
			nctx, cancel := context.WithTimeout(base, notifyTimeout)
			defer cancel()
			if err := e.notifier.Notify(nctx, hook, n); err != nil {
				e.logger.Printf("notification %s to %s failed: %v", n.ID, hook, err)
			}
		}(hook)
	}
}

// Close waits for pending notifications or ctx expiry.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
