// Package ingest handles alarm and analysis intake over HTTP and DTLS.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"otwatch/internal/assets"
	"otwatch/internal/broadcast"
	"otwatch/internal/correlation"
	"otwatch/internal/queue"
	"otwatch/internal/schema"
	"otwatch/internal/stats"
	"otwatch/internal/threatstore"
)

// Handler handles HTTP intake and query endpoints.
type Handler struct {
	validator *schema.Validator
	queue     *queue.RingBuffer
	store     threatstore.ThreatStore
	engine    *correlation.Engine
	stats     *stats.Service
	registry  *assets.Registry

	maxPayload  int
	maxBatch    int
	startTime   time.Time
	alarmsTotal uint64
}

// NewHandler creates an intake handler. The stats service and registry
// are optional; their endpoints 404 when nil.
func NewHandler(validator *schema.Validator, q *queue.RingBuffer, store threatstore.ThreatStore, engine *correlation.Engine) *Handler {
	return &Handler{
		validator:  validator,
		queue:      q,
		store:      store,
		engine:     engine,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithStats attaches the stats service.
func (h *Handler) WithStats(svc *stats.Service) *Handler {
	h.stats = svc
	return h
}

// WithAssets attaches the asset registry.
func (h *Handler) WithAssets(registry *assets.Registry) *Handler {
	h.registry = registry
	return h
}

// AlarmResponse is the response for alarm ingestion.
type AlarmResponse struct {
	Success     bool   `json:"success"`
	ThreatID    string `json:"threat_id,omitempty"`
	ThreatIndex int    `json:"threat_index,omitempty"`
	Error       string `json:"error,omitempty"`
	RequestID   string `json:"request_id"`
}

// HandleAlarm handles POST /v1/alarms/{engine}.
func (h *Handler) HandleAlarm(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	engine := schema.NormalizeEngine(r.PathValue("engine"))

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var alarm schema.RiskAlarm
	if err := json.Unmarshal(body, &alarm); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if err := h.validator.ValidateAlarm(&alarm); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	index, err := h.store.NextIndex(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to allocate threat index", requestID)
		return
	}

	threat, err := schema.ThreatFromAlarm(engine, &alarm, index)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	if err := h.queue.Push(threat); err != nil {
		if err == queue.ErrQueueFull {
			respondError(w, http.StatusServiceUnavailable, "intake queue full", requestID)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error(), requestID)
		return
	}

	atomic.AddUint64(&h.alarmsTotal, 1)
	respondJSON(w, http.StatusAccepted, AlarmResponse{
		Success:     true,
		ThreatID:    threat.ID,
		ThreatIndex: threat.Index,
		RequestID:   requestID,
	})
}

// AnalysesRequest is the request body for analysis ingestion.
type AnalysesRequest struct {
	Analyses []*schema.AnalysisResult `json:"analyses"`
}

// AnalysesResponse is the response for analysis ingestion.
type AnalysesResponse struct {
	Success   bool   `json:"success"`
	Resolved  int    `json:"resolved"`
	Unmatched int    `json:"unmatched"`
	Malformed int    `json:"malformed"`
	RequestID string `json:"request_id"`
}

// HandleAnalyses handles POST /v1/analyses. The whole batch is processed
// even when individual items fail; the response reports per-outcome
// counts.
func (h *Handler) HandleAnalyses(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req AnalysesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if len(req.Analyses) == 0 {
		respondError(w, http.StatusBadRequest, "no analyses provided", requestID)
		return
	}
	if len(req.Analyses) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	outcome := h.engine.ProcessBatch(r.Context(), req.Analyses)

	respondJSON(w, http.StatusOK, AnalysesResponse{
		Success:   outcome.Malformed == 0 && outcome.Failed == 0,
		Resolved:  outcome.Resolved,
		Unmatched: outcome.Unresolved,
		Malformed: outcome.Malformed,
		RequestID: requestID,
	})
}

// HandleThreats handles GET /v1/threats?limit=N.
func (h *Handler) HandleThreats(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", uuid.New().String())
			return
		}
		limit = parsed
	}

	threats, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", uuid.New().String())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"threats": threats,
		"count":   len(threats),
	})
}

// HandleSummary handles GET /v1/stats/summary.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		http.NotFound(w, r)
		return
	}

	summary, err := h.stats.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "summary failed", uuid.New().String())
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// HandleAssets handles GET /v1/assets.
func (h *Handler) HandleAssets(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		http.NotFound(w, r)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"assets":       h.registry.Snapshot(),
		"refreshed_at": h.registry.RefreshedAt(),
	})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	resp := map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}

	respondJSON(w, http.StatusOK, resp)
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP otwatch_alarms_total Total number of alarms ingested\n")
	fmt.Fprintf(w, "# TYPE otwatch_alarms_total counter\n")
	fmt.Fprintf(w, "otwatch_alarms_total %d\n\n", atomic.LoadUint64(&h.alarmsTotal))

	fmt.Fprintf(w, "# HELP otwatch_queue_pushed_total Total threats pushed to the intake queue\n")
	fmt.Fprintf(w, "# TYPE otwatch_queue_pushed_total counter\n")
	fmt.Fprintf(w, "otwatch_queue_pushed_total %d\n\n", metrics.Pushed)

	fmt.Fprintf(w, "# HELP otwatch_queue_popped_total Total threats popped from the intake queue\n")
	fmt.Fprintf(w, "# TYPE otwatch_queue_popped_total counter\n")
	fmt.Fprintf(w, "otwatch_queue_popped_total %d\n\n", metrics.Popped)

	fmt.Fprintf(w, "# HELP otwatch_queue_dropped_total Total threats dropped due to full queue\n")
	fmt.Fprintf(w, "# TYPE otwatch_queue_dropped_total counter\n")
	fmt.Fprintf(w, "otwatch_queue_dropped_total %d\n\n", metrics.Dropped)

	fmt.Fprintf(w, "# HELP otwatch_queue_depth Current intake queue depth\n")
	fmt.Fprintf(w, "# TYPE otwatch_queue_depth gauge\n")
	fmt.Fprintf(w, "otwatch_queue_depth %d\n\n", metrics.Depth)

	allowed, limited := GetRateLimitStats()
	fmt.Fprintf(w, "# HELP otwatch_ratelimit_allowed_total Requests passed by the rate limiter\n")
	fmt.Fprintf(w, "# TYPE otwatch_ratelimit_allowed_total counter\n")
	fmt.Fprintf(w, "otwatch_ratelimit_allowed_total %d\n\n", allowed)

	fmt.Fprintf(w, "# HELP otwatch_ratelimit_limited_total Requests rejected by the rate limiter\n")
	fmt.Fprintf(w, "# TYPE otwatch_ratelimit_limited_total counter\n")
	fmt.Fprintf(w, "otwatch_ratelimit_limited_total %d\n\n", limited)

	fmt.Fprintf(w, "# HELP otwatch_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE otwatch_uptime_seconds gauge\n")
	fmt.Fprintf(w, "otwatch_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

// Router builds the HTTP mux for the service. The SSE handler is
// optional.
func (h *Handler) Router(sse *broadcast.SSEHandler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/alarms/{engine}", h.HandleAlarm)
	mux.HandleFunc("POST /v1/analyses", h.HandleAnalyses)
	mux.HandleFunc("GET /v1/threats", h.HandleThreats)
	mux.HandleFunc("GET /v1/stats/summary", h.HandleSummary)
	mux.HandleFunc("GET /v1/assets", h.HandleAssets)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)

	if sse != nil {
		mux.HandleFunc("GET /v1/stream", sse.HandleGeneral)
		mux.HandleFunc("GET /v1/stream/threats", sse.HandleThreats)
		mux.HandleFunc("GET /v1/stream/stats", sse.HandleStats)
	}

	return mux
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}
