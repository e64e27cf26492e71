// Package api serves the HTTP ingestion and lookup endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"risk-pipeline/internal/monitor"
	"risk-pipeline/internal/pipeline"
	"risk-pipeline/internal/queue"
	"risk-pipeline/internal/schema"
	"risk-pipeline/internal/storage"
)

// Processor runs a single event through the pipeline synchronously.
type Processor interface {
	Process(ctx context.Context, chainID string, raw schema.RawEvent) (*pipeline.Result, error)
}

// EventStore looks up persisted events.
type EventStore interface {
	FindByHash(ctx context.Context, hash string) (*schema.NormalizedEvent, error)
}

// AnalysisStore looks up persisted analyses.
type AnalysisStore interface {
	FindByTraceID(ctx context.Context, traceID string) (*schema.EnhancedRiskAnalysis, error)
}

// Handler handles HTTP event ingestion.
type Handler struct {
	queue      *queue.RingBuffer
	processor  Processor
	events     EventStore
	analyses   AnalysisStore
	registry   *monitor.Registry
	logger     *slog.Logger
	maxPayload int64
	maxBatch   int
	startTime  time.Time
	accepted   atomic.Uint64
}

// NewHandler creates a new Handler that queues events on q.
func NewHandler(q *queue.RingBuffer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:      q,
		logger:     logger,
		maxPayload: 1 << 20,
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum number of events per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithProcessor enables ?sync=true processing.
func (h *Handler) WithProcessor(p Processor) *Handler {
	h.processor = p
	return h
}

// WithStores enables the lookup endpoints. Either store may be nil.
func (h *Handler) WithStores(events EventStore, analyses AnalysisStore) *Handler {
	h.events = events
	h.analyses = analyses
	return h
}

// WithRegistry makes GET /metrics render reg next to the queue gauges.
func (h *Handler) WithRegistry(reg *monitor.Registry) *Handler {
	h.registry = reg
	return h
}

// RegisterRoutes registers the handler's routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	if h.events != nil {
		mux.HandleFunc("GET /v1/events/{hash}", h.HandleGetEvent)
	}
	if h.analyses != nil {
		mux.HandleFunc("GET /v1/analyses/{traceId}", h.HandleGetAnalysis)
	}
}

// EventInput is one raw event addressed to a chain.
type EventInput struct {
	ChainID string          `json:"chainId"`
	Chain   string          `json:"chain_id"`
	Event   schema.RawEvent `json:"event"`
}

func (in EventInput) chain() string {
	if in.ChainID != "" {
		return in.ChainID
	}
	return in.Chain
}

// IngestRequest accepts either a single event or a batch under "events".
type IngestRequest struct {
	EventInput
	Events []EventInput `json:"events"`
}

func (r *IngestRequest) inputs() []EventInput {
	if len(r.Events) > 0 {
		return r.Events
	}
	if r.Event != nil {
		return []EventInput{r.EventInput}
	}
	return nil
}

// IngestResponse is the response for queued ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	TraceIDs  []string `json:"trace_ids,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// AnalysisResponse is the response for synchronous processing.
type AnalysisResponse struct {
	TraceID    string                       `json:"trace_id"`
	Dropped    bool                         `json:"dropped,omitempty"`
	Analysis   *schema.EnhancedRiskAnalysis `json:"analysis,omitempty"`
	Channels   []string                     `json:"channels,omitempty"`
	DurationMs int64                        `json:"duration_ms"`
	RequestID  string                       `json:"request_id"`
}

// HandleEvents handles POST /v1/events. Events are queued and answered
// with 202 unless ?sync=true asks for the analysis inline.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	inputs := req.inputs()
	if len(inputs) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}
	if len(inputs) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		h.processSync(w, r, inputs, requestID)
		return
	}

	var accepted, rejected, full int
	var errs, traceIDs []string
	for i, input := range inputs {
		if input.chain() == "" {
			rejected++
			errs = append(errs, fmt.Sprintf("event[%d]: missing chainId", i))
			continue
		}
		if input.Event == nil {
			rejected++
			errs = append(errs, fmt.Sprintf("event[%d]: missing event", i))
			continue
		}
		raw, traceID := stampTraceID(input.Event)
		env := &schema.Envelope{
			ChainID:    input.chain(),
			Raw:        raw,
			Source:     "http",
			ReceivedAt: time.Now().UTC(),
		}
		if err := h.queue.Push(env); err != nil {
			rejected++
			if errors.Is(err, queue.ErrQueueFull) {
				full++
				errs = append(errs, fmt.Sprintf("event[%d]: queue full", i))
			} else {
				errs = append(errs, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			}
			continue
		}
		accepted++
		traceIDs = append(traceIDs, traceID)
		h.accepted.Add(1)
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		TraceIDs:  traceIDs,
		Errors:    errs,
		RequestID: requestID,
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
		if full == rejected {
			status = http.StatusServiceUnavailable
		}
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

func (h *Handler) processSync(w http.ResponseWriter, r *http.Request, inputs []EventInput, requestID string) {
	if h.processor == nil {
		respondError(w, http.StatusNotImplemented, "synchronous processing is disabled", requestID)
		return
	}
	if len(inputs) != 1 {
		respondError(w, http.StatusBadRequest, "synchronous processing accepts a single event", requestID)
		return
	}
	input := inputs[0]
	if input.chain() == "" {
		respondError(w, http.StatusBadRequest, "missing chainId", requestID)
		return
	}

	result, err := h.processor.Process(r.Context(), input.chain(), input.Event)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			h.logger.Warn("synchronous processing failed",
				"trace_id", stageErr.TraceID,
				"stage", stageErr.Stage,
				"error", stageErr.Err,
			)
			respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"success":    false,
				"error":      stageErr.Err.Error(),
				"stage":      stageErr.Stage,
				"trace_id":   stageErr.TraceID,
				"request_id": requestID,
			})
			return
		}
		h.logger.Error("synchronous processing failed", "error", err, "request_id", requestID)
		respondError(w, http.StatusInternalServerError, sanitizeError(err), requestID)
		return
	}
	h.accepted.Add(1)

	resp := AnalysisResponse{
		TraceID:    result.TraceID,
		Dropped:    result.Event == nil,
		Channels:   result.Channels,
		DurationMs: result.Duration.Milliseconds(),
		RequestID:  requestID,
	}
	if result.Event != nil {
		analysis := result.Analysis
		resp.Analysis = &analysis
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleGetEvent handles GET /v1/events/{hash}.
func (h *Handler) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	evt, err := h.events.FindByHash(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.lookupError(w, "event", err)
		return
	}
	respondJSON(w, http.StatusOK, evt)
}

// HandleGetAnalysis handles GET /v1/analyses/{traceId}.
func (h *Handler) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := h.analyses.FindByTraceID(r.Context(), r.PathValue("traceId"))
	if err != nil {
		h.lookupError(w, "analysis", err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) lookupError(w http.ResponseWriter, kind string, err error) {
	requestID := uuid.New().String()
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, kind+" not found", requestID)
		return
	}
	h.logger.Error("lookup failed", "kind", kind, "error", err, "request_id", requestID)
	respondError(w, http.StatusInternalServerError, "lookup failed", requestID)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	prefix := "risk_pipeline"
	if h.registry != nil {
		prefix = h.registry.Prefix()
		if err := h.registry.WritePrometheus(w); err != nil {
			h.logger.Error("failed to write metrics", "error", err)
		}
	}

	metrics := h.queue.Metrics()
	writeMetric(w, prefix+"_http_events_accepted_total", "Events accepted over HTTP", "counter", h.accepted.Load())
	writeMetric(w, prefix+"_queue_pushed_total", "Envelopes pushed to the queue", "counter", metrics.Pushed)
	writeMetric(w, prefix+"_queue_popped_total", "Envelopes popped from the queue", "counter", metrics.Popped)
	writeMetric(w, prefix+"_queue_dropped_total", "Envelopes rejected by a full queue", "counter", metrics.Dropped)
	writeMetric(w, prefix+"_queue_depth", "Current queue depth", "gauge", uint64(metrics.Depth))
	writeMetric(w, prefix+"_queue_capacity", "Queue capacity", "gauge", uint64(metrics.Capacity))
}

func writeMetric(w io.Writer, name, help, kind string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, kind, name, v)
}

// stampTraceID gives raw a trace ID up front so the caller can look the
// analysis up later. The pipeline keeps an ID that is already present.
func stampTraceID(raw schema.RawEvent) (schema.RawEvent, string) {
	if id, ok := raw.String("traceId", "trace_id"); ok && id != "" {
		return raw, id
	}
	id := uuid.New().String()
	cp := make(schema.RawEvent, len(raw)+1)
	for k, v := range raw {
		cp[k] = v
	}
	cp["traceId"] = id
	return cp, id
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
