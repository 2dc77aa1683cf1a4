// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProviderType identifies the backend implementation behind a provider id.
type ProviderType string

const (
	ProviderTypeOpenAI      ProviderType = "openai"
	ProviderTypeAnthropic   ProviderType = "anthropic"
	ProviderTypeBedrock     ProviderType = "bedrock"
	ProviderTypeGemini      ProviderType = "gemini"
	ProviderTypeAzureOpenAI ProviderType = "azure-openai"
	ProviderTypeOllama      ProviderType = "ollama"
	ProviderTypeMock        ProviderType = "mock"
	ProviderTypeCustom      ProviderType = "custom"
)

// IsValidProviderType reports whether t is a known provider type.
func IsValidProviderType(t ProviderType) bool {
	switch t {
	case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeBedrock, ProviderTypeGemini,
		ProviderTypeAzureOpenAI, ProviderTypeOllama, ProviderTypeMock, ProviderTypeCustom:
		return true
	default:
		return false
	}
}

// RequestKind is the type of work a request asks a provider to do.
type RequestKind string

const (
	RequestKindGenerate RequestKind = "generate"
	RequestKindEmbed    RequestKind = "embed"
	RequestKindModerate RequestKind = "moderate"
)

// SLATier is the service level a tenant has purchased.
type SLATier string

const (
	SLATierStandard   SLATier = "standard"
	SLATierPremium    SLATier = "premium"
	SLATierEnterprise SLATier = "enterprise"
)

// IsValidSLATier reports whether t is a known tier.
func IsValidSLATier(t SLATier) bool {
	return t == SLATierStandard || t == SLATierPremium || t == SLATierEnterprise
}

// BaseTimeout returns the per-call timeout for the tier before any policy
// multiplier is applied. Unknown tiers get the standard timeout.
func (t SLATier) BaseTimeout() time.Duration {
	switch t {
	case SLATierEnterprise:
		return 120 * time.Second
	case SLATierPremium:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}

// CompletionRequest is the provider-neutral request handed to a Provider.
type CompletionRequest struct {
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model,omitempty"`
	Kind         RequestKind    `json:"kind,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Temperature  float64        `json:"temperature,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CompletionResponse is a successful provider result.
type CompletionResponse struct {
	Content      string         `json:"content"`
	Model        string         `json:"model"`
	Usage        UsageStats     `json:"usage"`
	Latency      time.Duration  `json:"latency"`
	Cost         float64        `json:"cost"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one piece of a streaming response.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
}

// StreamHandler receives streaming chunks. Returning an error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// ProviderError represents an error from an upstream provider.
type ProviderError struct {
	// Provider is the id of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code, one of the ErrCode constants.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the upstream HTTP status, if any.
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates whether the same request may succeed on a later attempt.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeTimeout        = "timeout"
	ErrCodeServerError    = "server_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeCanceled       = "canceled"
)

// NewProviderError creates a ProviderError with Retryable derived from code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// ErrorKindOf classifies err into one of the ErrCode constants. A nil error
// yields the empty string. Context deadlines are timeouts; cancellations are
// reported as canceled so callers can skip health accounting.
func ErrorKindOf(err error) string {
	if err == nil {
		return ""
	}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Code != "" {
		return perr.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return ErrCodeCanceled
	default:
		return ErrCodeServerError
	}
}
