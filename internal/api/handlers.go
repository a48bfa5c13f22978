package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-search-gateway/internal/metrics"
	"github.com/JakeFAU/product-search-gateway/internal/search"
	"github.com/JakeFAU/product-search-gateway/internal/telemetry"
)

const (
	msgQueryRequired = "Query parameter is required and must be a non-empty string"
	msgSearchFailed  = "Internal server error occurred during search"
	msgBusy          = "Search capacity exhausted, try again later"
)

type searchRequest struct {
	Query any `json:"query"`
}

type searchResponse struct {
	Success   bool            `json:"success"`
	Query     string          `json:"query"`
	Data      json.RawMessage `json:"data"`
	Count     int             `json:"count"`
	RequestID string          `json:"requestId"`
	Timestamp string          `json:"timestamp"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if limit := s.cfg.Limits.MaxBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var body searchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.ObserveRejected("body_too_large")
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		metrics.ObserveRejected("invalid_body")
		s.writeError(w, r, http.StatusBadRequest, msgQueryRequired, "")
		return
	}
	query, ok := body.Query.(string)
	if !ok || strings.TrimSpace(query) == "" {
		metrics.ObserveRejected("empty_query")
		s.writeError(w, r, http.StatusBadRequest, msgQueryRequired, "")
		return
	}
	if limit := s.cfg.Limits.MaxQueryLength; limit > 0 && len(query) > limit {
		metrics.ObserveRejected("query_too_long")
		s.writeError(w, r, http.StatusBadRequest, "Query parameter exceeds maximum length", "")
		return
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), "search.invoke",
		trace.WithAttributes(attribute.String("search.request_id", reqID)))
	defer span.End()

	req := search.Request{ID: reqID, Query: query, ReceivedAt: s.clock.Now()}
	s.logger.Info("search request received",
		zap.String("request_id", reqID),
		zap.String("trace_id", telemetry.TraceID(ctx)),
		zap.String("query", query),
	)

	// The worker outlives a disconnected client; only its deadline stops it.
	outcome := s.invoker.Invoke(context.WithoutCancel(ctx), req)
	span.SetAttributes(attribute.String("search.result", outcome.Result()))
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, string(outcome.Failure.Kind))
		s.writeFailure(w, r, outcome.Failure)
		return
	}

	writeJSON(w, s.logger, http.StatusOK, searchResponse{
		Success:   true,
		Query:     query,
		Data:      outcome.Payload,
		Count:     search.PayloadCount(outcome.Payload),
		RequestID: reqID,
		Timestamp: s.timestamp(),
	})
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, f *search.Failure) {
	if f.Kind == search.FailureBusy {
		w.Header().Set("Retry-After", "5")
		s.writeError(w, r, http.StatusServiceUnavailable, msgBusy, f.Error())
		return
	}
	s.writeError(w, r, http.StatusInternalServerError, msgSearchFailed, f.Error())
}

func (s *Server) getInvocation(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, r, http.StatusNotFound, "invocation history is disabled", "")
		return
	}
	id := chi.URLParam(r, "requestId")
	rec, err := s.history.GetInvocation(r.Context(), id)
	if errors.Is(err, search.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "invocation not found", "")
		return
	}
	if err != nil {
		s.logger.Error("get invocation failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("invocation_id", id),
			zap.Error(err),
		)
		s.writeError(w, r, http.StatusInternalServerError, "failed to load invocation", err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusOK, rec)
}

type healthVersion struct {
	Go  string `json:"go"`
	App string `json:"app"`
}

type healthMemory struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"totalAlloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heapInuse"`
	NumGC      uint32 `json:"numGC"`
	Goroutines int    `json:"goroutines"`
}

type healthResponse struct {
	Status      string        `json:"status"`
	Timestamp   string        `json:"timestamp"`
	Uptime      float64       `json:"uptime"`
	Memory      healthMemory  `json:"memory"`
	PID         int           `json:"pid"`
	Version     healthVersion `json:"version"`
	Environment string        `json:"environment"`
	RequestID   string        `json:"requestId"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeJSON(w, s.logger, http.StatusOK, healthResponse{
		Status:    "OK",
		Timestamp: s.timestamp(),
		Uptime:    s.clock.Now().Sub(s.startedAt).Seconds(),
		Memory: healthMemory{
			Alloc:      ms.Alloc,
			TotalAlloc: ms.TotalAlloc,
			Sys:        ms.Sys,
			HeapInuse:  ms.HeapInuse,
			NumGC:      ms.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
		PID:         os.Getpid(),
		Version:     healthVersion{Go: runtime.Version(), App: s.version},
		Environment: s.cfg.Environment,
		RequestID:   RequestIDFromContext(r.Context()),
	})
}

type routeNotFoundResponse struct {
	Error     string `json:"error"`
	Method    string `json:"method"`
	URL       string `json:"url"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusNotFound, routeNotFoundResponse{
		Error:     "Route not found",
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: s.timestamp(),
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusMethodNotAllowed, routeNotFoundResponse{
		Error:     "Method not allowed",
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: s.timestamp(),
	})
}

// timestampLayout is ISO 8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) timestamp() string {
	return s.clock.Now().UTC().Format(timestampLayout)
}

// writeError renders the error envelope. details is only exposed in
// development.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg, details string) {
	resp := errorResponse{
		Error:     msg,
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: s.timestamp(),
	}
	if s.cfg.IsDevelopment() {
		resp.Details = details
	}
	writeJSON(w, s.logger, status, resp)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Warn("write response failed", zap.Error(err))
	}
}
