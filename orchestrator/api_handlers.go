// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/llm"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/pii"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator/safety"
	"github.com/aivo-ai/aivo-virtual-brain-sub000/shared/logger"
)

// APIHandler serves the gateway's HTTP surface on top of a Pipeline.
type APIHandler struct {
	pipeline *Pipeline
	maxBody  int64
	log      *logger.Logger
}

// NewAPIHandler creates a handler. maxBody <= 0 uses the 1MB default.
func NewAPIHandler(p *Pipeline, maxBody int64) *APIHandler {
	if maxBody <= 0 {
		maxBody = maxRequestBodySize
	}
	return &APIHandler{
		pipeline: p,
		maxBody:  maxBody,
		log:      logger.New("api"),
	}
}

// RegisterRoutes registers the gateway routes on r.
func (h *APIHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")

	r.HandleFunc("/api/v1/process", h.handleProcess).Methods("POST")
	r.HandleFunc("/api/v1/moderate", h.handleModerate).Methods("POST")
	r.HandleFunc("/api/v1/scrub", h.handleScrub).Methods("POST")
	r.HandleFunc("/api/v1/route", h.handleRoute).Methods("POST")
	r.HandleFunc("/api/v1/providers/health", h.handleProvidersHealth).Methods("GET")
}

// handleProcess handles POST /api/v1/process. With ?stream=true the
// response is newline-delimited JSON chunks.
func (h *APIHandler) handleProcess(w http.ResponseWriter, r *http.Request) {
	tenantID := h.getTenantID(r)
	if tenantID == "" {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant ID")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	if req.Prompt == "" && len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "prompt or messages is required")
		return
	}
	if req.GradeBand != "" && !safety.IsValidGradeBand(req.GradeBand) {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid grade_band")
		return
	}
	req.Routing.TenantID = tenantID
	if req.Routing.UserID == "" {
		req.Routing.UserID = r.Header.Get("X-User-ID")
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-ID")
	}

	if stream, _ := strconv.ParseBool(r.URL.Query().Get("stream")); stream {
		h.streamProcess(w, r, req)
		return
	}

	resp, err := h.pipeline.Process(r.Context(), req)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) streamProcess(w http.ResponseWriter, r *http.Request, req Request) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false

	resp, err := h.pipeline.Stream(r.Context(), req, func(c llm.StreamChunk) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(c); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	if !started {
		if err != nil {
			h.writePipelineError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		// Headers are gone; report the failure in-band.
		_ = enc.Encode(APIError{Error: APIErrorDetail{Code: "STREAM_INTERRUPTED", Message: "stream interrupted"}})
		return
	}
	_ = enc.Encode(map[string]interface{}{
		"provider": resp.Provider,
		"policy":   resp.Policy,
		"usage":    resp.Usage,
	})
}

// handleModerate handles POST /api/v1/moderate.
func (h *APIHandler) handleModerate(w http.ResponseWriter, r *http.Request) {
	tenantID := h.getTenantID(r)
	if tenantID == "" {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant ID")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req ModerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	if req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "content is required")
		return
	}
	if req.GradeBand == "" {
		req.GradeBand = safety.GradeBandAdult
	}
	if !safety.IsValidGradeBand(req.GradeBand) {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid grade_band")
		return
	}
	if req.Subject == "" {
		req.Subject = safety.SubjectGeneral
	}

	res := h.pipeline.Safety().Moderate(r.Context(), safety.Request{
		Content:   req.Content,
		Subject:   req.Subject,
		GradeBand: req.GradeBand,
		UserID:    req.UserID,
		TenantID:  tenantID,
		RequestID: r.Header.Get("X-Request-ID"),
	})
	h.pipeline.metrics.ObserveModeration(res.Action)
	h.writeJSON(w, http.StatusOK, res)
}

// handleScrub handles POST /api/v1/scrub.
func (h *APIHandler) handleScrub(w http.ResponseWriter, r *http.Request) {
	tenantID := h.getTenantID(r)
	if tenantID == "" {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant ID")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req ScrubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	if req.Text == "" && req.Payload == nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "text or payload is required")
		return
	}

	s := h.pipeline.Scrubber()
	resp := ScrubResponse{}
	if req.Text != "" {
		clean, matches := s.Scrub(req.Text)
		resp.CleanText = clean
		resp.Matches = append(resp.Matches, matches...)
	}
	if req.Payload != nil {
		clean, matches := s.ScrubRequest(req.Payload)
		resp.Payload = clean
		resp.Matches = append(resp.Matches, matches...)
	}
	if resp.Matches == nil {
		resp.Matches = []pii.Match{}
	}
	resp.Summary = pii.Summary(resp.Matches)
	h.pipeline.metrics.ObservePII(resp.Matches)
	h.writeJSON(w, http.StatusOK, resp)
}

// handleRoute handles POST /api/v1/route.
func (h *APIHandler) handleRoute(w http.ResponseWriter, r *http.Request) {
	tenantID := h.getTenantID(r)
	if tenantID == "" {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant ID")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var rc llm.RoutingContext
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	if rc.SLATier != "" && !llm.IsValidSLATier(rc.SLATier) {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid sla_tier")
		return
	}
	rc.TenantID = tenantID

	d := h.pipeline.Router().Decide(rc)
	providers := d.Providers
	if providers == nil {
		providers = []string{}
	}
	h.writeJSON(w, http.StatusOK, RouteResponse{
		Policy:    d.Policy.Name,
		Strategy:  string(d.Policy.Strategy),
		Providers: providers,
		Emergency: d.Emergency,
	})
}

// handleProvidersHealth handles GET /api/v1/providers/health.
func (h *APIHandler) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.pipeline.Health().Snapshot()
	if snapshot == nil {
		snapshot = []llm.ProviderHealth{}
	}
	h.writeJSON(w, http.StatusOK, ProvidersHealthResponse{Providers: snapshot})
}

// handleHealth handles GET /health.
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Providers: h.pipeline.providers.Count(),
		Policies:  len(h.pipeline.Router().Policies()),
	})
}

func (h *APIHandler) writePipelineError(w http.ResponseWriter, err error) {
	var rejection *RejectionError
	var exhausted *ExhaustedError
	switch {
	case errors.As(err, &rejection):
		status := http.StatusUnprocessableEntity
		if rejection.Action == safety.ActionEscalate {
			status = http.StatusForbidden
		}
		h.writeJSON(w, status, APIError{Error: APIErrorDetail{
			Code:    "MODERATION_REJECTED",
			Message: rejection.Error(),
			Details: RejectionDetails{
				ModerationID: rejection.ModerationID,
				Action:       rejection.Action,
				Severity:     rejection.Severity,
				Categories:   rejection.Categories,
				Reason:       rejection.Reason,
			},
		}})
	case errors.As(err, &exhausted):
		h.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", exhausted.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
		h.log.Info("", "", "Request canceled by client", nil)
	default:
		h.log.ErrorWithCode("", "", "Pipeline error", "INTERNAL_ERROR", err, nil)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func (h *APIHandler) getTenantID(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, APIError{
		Error: APIErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
