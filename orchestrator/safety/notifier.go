// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrUnknownWebhook is returned when a policy references a webhook name that
// has no configured endpoint.
var ErrUnknownWebhook = errors.New("unknown notification webhook")

// Audience values for Notification.
const (
	AudienceGuardian = "guardian"
	AudienceTeacher  = "teacher"
)

// Notification tells guardians or teachers that a moderation result needs
// their attention. It never includes the moderated content.
type Notification struct {
	ID                 string        `json:"id"`
	Timestamp          time.Time     `json:"timestamp"`
	Audience           []string      `json:"audience"`
	ModerationID       string        `json:"moderation_id"`
	TenantID           string        `json:"tenant_id,omitempty"`
	UserID             string        `json:"user_id,omitempty"`
	Subject            Subject       `json:"subject"`
	GradeBand          GradeBand     `json:"grade_band"`
	Severity           Severity      `json:"severity"`
	Action             Action        `json:"action"`
	Categories         []string      `json:"categories"`
	SELCategories      []SELCategory `json:"sel_categories,omitempty"`
	RequiresEscalation bool          `json:"requires_escalation"`
}

// NewNotification builds the notification for res, or returns false when
// res asks for no notification.
func NewNotification(req Request, res *Result, now time.Time) (Notification, bool) {
	var audience []string
	if res.GuardianNotification {
		audience = append(audience, AudienceGuardian)
	}
	if res.TeacherNotification {
		audience = append(audience, AudienceTeacher)
	}
	if len(audience) == 0 {
		return Notification{}, false
	}
	return Notification{
		ID:                 uuid.New().String(),
		Timestamp:          now.UTC(),
		Audience:           audience,
		ModerationID:       res.ID,
		TenantID:           req.TenantID,
		UserID:             req.UserID,
		Subject:            res.Subject,
		GradeBand:          res.GradeBand,
		Severity:           res.Severity,
		Action:             res.Action,
		Categories:         append([]string(nil), res.FlaggedCategories...),
		SELCategories:      append([]SELCategory(nil), res.SELCategories...),
		RequiresEscalation: res.RequiresEscalation,
	}, true
}

// Notifier delivers a notification to a named webhook.
type Notifier interface {
	Notify(ctx context.Context, webhook string, n Notification) error
}

// WebhookEndpoint is one configured notification destination.
type WebhookEndpoint struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the default client (2s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.client = c }
}

// WithBackoffs sets the waits between delivery attempts. len(b)+1 attempts
// are made.
func WithBackoffs(b ...time.Duration) WebhookOption {
	return func(w *WebhookNotifier) { w.backoffs = append([]time.Duration(nil), b...) }
}

// WithRateLimit caps deliveries per endpoint.
func WithRateLimit(limit rate.Limit, burst int) WebhookOption {
	return func(w *WebhookNotifier) {
		w.limit = limit
		w.burst = burst
	}
}

// WebhookNotifier POSTs notifications as JSON. Webhook references are either
// configured endpoint names or literal http(s) URLs. Each endpoint name and
// each literal URL has its own rate limiter.
type WebhookNotifier struct {
	endpoints map[string]WebhookEndpoint

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	client    *http.Client
	backoffs  []time.Duration
	limit     rate.Limit
	burst     int
}

// NewWebhookNotifier validates endpoints and builds a notifier.
func NewWebhookNotifier(endpoints map[string]WebhookEndpoint, opts ...WebhookOption) (*WebhookNotifier, error) {
	w := &WebhookNotifier{
		endpoints: make(map[string]WebhookEndpoint, len(endpoints)),
		limiters:  make(map[string]*rate.Limiter, len(endpoints)),
		client:    &http.Client{Timeout: 2 * time.Second},
		backoffs:  []time.Duration{100 * time.Millisecond, 300 * time.Millisecond},
		limit:     rate.Limit(5),
		burst:     10,
	}
	for _, opt := range opts {
		opt(w)
	}

	for name, ep := range endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("webhook %s: url is empty", name)
		}
		hdr := make(map[string]string, len(ep.Headers))
		for k, v := range ep.Headers {
			hdr[k] = v
		}
		w.endpoints[name] = WebhookEndpoint{URL: ep.URL, Headers: hdr}
		w.limiters[name] = rate.NewLimiter(w.limit, w.burst)
	}
	return w, nil
}

func (w *WebhookNotifier) resolve(ref string) (WebhookEndpoint, *rate.Limiter, error) {
	if ep, ok := w.endpoints[ref]; ok {
		return ep, w.limiter(ref), nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return WebhookEndpoint{URL: ref}, w.limiter(ref), nil
	}
	return WebhookEndpoint{}, nil, fmt.Errorf("%w: %s", ErrUnknownWebhook, ref)
}

// limiter returns the limiter for ref, creating it on first use.
func (w *WebhookNotifier) limiter(ref string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[ref]
	if !ok {
		l = rate.NewLimiter(w.limit, w.burst)
		w.limiters[ref] = l
	}
	return l
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, webhook string, n Notification) error {
	ep, limiter, err := w.resolve(webhook)
	if err != nil {
		return err
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < len(w.backoffs)+1; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Notification-Id", n.ID)
		for k, v := range ep.Headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("post: %w", err)
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("status %d body=%q", resp.StatusCode, truncateBody(body))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return lastErr
			}
		}

		if attempt < len(w.backoffs) {
			timer := time.NewTimer(w.backoffs[attempt])
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func truncateBody(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
