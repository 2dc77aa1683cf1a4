// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
)

// maxRequestBodySize is the default request body limit (1MB).
const maxRequestBodySize = 1 << 20

// APIError is the error envelope returned by every endpoint.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail contains error details.
type APIErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// RejectionDetails explains a moderation rejection to the caller.
type RejectionDetails struct {
	ModerationID string          `json:"moderation_id"`
	Action       safety.Action   `json:"action"`
	Severity     safety.Severity `json:"severity"`
	Categories   []string        `json:"categories"`
	Reason       string          `json:"reason,omitempty"`
}

// ModerateRequest is the body of POST /api/v1/moderate.
type ModerateRequest struct {
	Content   string           `json:"content"`
	Subject   safety.Subject   `json:"subject"`
	GradeBand safety.GradeBand `json:"grade_band"`
	UserID    string           `json:"user_id,omitempty"`
}

// ScrubRequest is the body of POST /api/v1/scrub.
type ScrubRequest struct {
	Text    string         `json:"text,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScrubResponse is returned by POST /api/v1/scrub.
type ScrubResponse struct {
	CleanText string         `json:"clean_text,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Matches   []pii.Match    `json:"matches"`
	Summary   string         `json:"summary"`
}

// RouteResponse is returned by POST /api/v1/route.
type RouteResponse struct {
	Policy    string   `json:"policy"`
	Strategy  string   `json:"strategy"`
	Providers []string `json:"providers"`
	Emergency bool     `json:"emergency,omitempty"`
}

// ProvidersHealthResponse is returned by GET /api/v1/providers/health.
type ProvidersHealthResponse struct {
	Providers []llm.ProviderHealth `json:"providers"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Providers int    `json:"providers"`
	Policies  int    `json:"routing_policies"`
}
