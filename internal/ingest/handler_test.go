package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"otwatch/internal/broadcast"
	"otwatch/internal/correlation"
	"otwatch/internal/queue"
	"otwatch/internal/schema"
	"otwatch/internal/threatstore"
)

func newTestHandler(t *testing.T, queueSize int) (*Handler, *threatstore.MemoryStore, *queue.RingBuffer) {
	t.Helper()

	store := threatstore.NewMemoryStore()
	analyses := threatstore.NewMemoryAnalysisStore()
	hub := broadcast.NewHub(broadcast.HubConfig{BufferSize: 16})
	engine := correlation.NewEngine(correlation.DefaultConfig(), store, analyses, hub)
	q := queue.NewRingBuffer(queueSize)

	return NewHandler(schema.NewValidator(), q, store, engine), store, q
}

func alarmBody(t *testing.T, score float64, detectedAt time.Time) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"risk": map[string]any{
			"score":         score,
			"detected_time": detectedAt.Format(time.RFC3339Nano),
			"src_ip":        "192.168.10.20",
			"dst_ip":        "192.168.10.5",
			"dst_asset":     "PLC-05",
		},
	})
	if err != nil {
		t.Fatalf("marshal alarm: %v", err)
	}
	return body
}

func postAlarm(h *Handler, engine string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/alarms/"+engine, bytes.NewReader(body))
	req.SetPathValue("engine", engine)
	rec := httptest.NewRecorder()
	h.HandleAlarm(rec, req)
	return rec
}

func TestHandleAlarm_Accepted(t *testing.T) {
	h, _, q := newTestHandler(t, 16)

	rec := postAlarm(h, "ml", alarmBody(t, 87.5, time.Now().UTC()))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp AlarmResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}
	if !strings.HasPrefix(resp.ThreatID, "ML-") {
		t.Errorf("threat ID = %q, want ML- prefix", resp.ThreatID)
	}
	if resp.ThreatIndex != threatstore.IndexStart {
		t.Errorf("threat index = %d, want %d", resp.ThreatIndex, threatstore.IndexStart)
	}
	if resp.RequestID == "" {
		t.Error("expected non-empty request ID")
	}

	threat, err := q.Pop()
	if err != nil {
		t.Fatalf("expected queued threat: %v", err)
	}
	if threat.Engine != schema.EngineML {
		t.Errorf("engine = %q, want %q", threat.Engine, schema.EngineML)
	}
	if threat.Level != schema.LevelWarning {
		t.Errorf("level = %q for score 87.5, want %q", threat.Level, schema.LevelWarning)
	}
}

func TestHandleAlarm_InvalidJSON(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)

	rec := postAlarm(h, "ml", []byte("{not json"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleAlarm_MissingRisk(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)

	rec := postAlarm(h, "dl", []byte(`{"other":true}`))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleAlarm_StaleTimestamp(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)

	rec := postAlarm(h, "ml", alarmBody(t, 50, time.Now().UTC().Add(-30*24*time.Hour)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleAlarm_QueueFull(t *testing.T) {
	h, _, _ := newTestHandler(t, 1)

	if rec := postAlarm(h, "ml", alarmBody(t, 10, time.Now().UTC())); rec.Code != http.StatusAccepted {
		t.Fatalf("first alarm status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	rec := postAlarm(h, "ml", alarmBody(t, 10, time.Now().UTC()))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleAlarm_PayloadTooLarge(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)
	h.WithMaxPayload(64)

	rec := postAlarm(h, "ml", alarmBody(t, 10, time.Now().UTC()))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHandleAnalyses_Outcomes(t *testing.T) {
	h, store, _ := newTestHandler(t, 16)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	threat := &schema.ThreatRecord{
		ID:             "ML-" + strings.Repeat("a", 8),
		Index:          1000,
		EventTimestamp: base,
		Engine:         schema.EngineML,
		Level:          schema.LevelWarning,
		Status:         schema.StatusNew,
		CreatedAt:      base,
	}
	if err := store.Insert(ctx, threat); err != nil {
		t.Fatalf("insert: %v", err)
	}

	idx := 1000
	req := AnalysesRequest{Analyses: []*schema.AnalysisResult{
		{ThreatIndex: &idx, Classification: "modbus write to safety PLC"},
		{Timestamp: "garbage"},
		{Timestamp: base.Add(time.Hour).Format(time.RFC3339Nano)},
	}}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := httptest.NewRecorder()
	h.HandleAnalyses(rec, httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp AnalysesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Resolved != 1 || resp.Unmatched != 1 || resp.Malformed != 1 {
		t.Errorf("resolved/unmatched/malformed = %d/%d/%d, want 1/1/1",
			resp.Resolved, resp.Unmatched, resp.Malformed)
	}
	if resp.Success {
		t.Error("expected success=false when the batch had malformed items")
	}

	updated, err := store.FindByIndex(ctx, 1000)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if updated.Classification != "modbus write to safety PLC" {
		t.Errorf("classification = %q, want sync from analysis", updated.Classification)
	}
}

func TestHandleAnalyses_EmptyBatch(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)

	rec := httptest.NewRecorder()
	h.HandleAnalyses(rec, httptest.NewRequest(http.MethodPost, "/v1/analyses",
		strings.NewReader(`{"analyses":[]}`)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleAnalyses_BatchTooLarge(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)
	h.WithMaxBatch(2)

	idx := 1000
	req := AnalysesRequest{Analyses: []*schema.AnalysisResult{
		{ThreatIndex: &idx}, {ThreatIndex: &idx}, {ThreatIndex: &idx},
	}}
	body, _ := json.Marshal(req)

	rec := httptest.NewRecorder()
	h.HandleAnalyses(rec, httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleThreats(t *testing.T) {
	h, store, _ := newTestHandler(t, 16)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		threat := &schema.ThreatRecord{
			ID:             fmt.Sprintf("RULE-%d", i),
			Index:          1000 + i,
			EventTimestamp: time.Now().UTC(),
			Engine:         schema.EngineRule,
			Level:          schema.LevelAttention,
			Status:         schema.StatusNew,
			CreatedAt:      time.Now().UTC(),
		}
		if err := store.Insert(ctx, threat); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	h.HandleThreats(rec, httptest.NewRequest(http.MethodGet, "/v1/threats?limit=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Threats []*schema.ThreatRecord `json:"threats"`
		Count   int                    `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestHandleThreats_InvalidLimit(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)

	rec := httptest.NewRecorder()
	h.HandleThreats(rec, httptest.NewRequest(http.MethodGet, "/v1/threats?limit=-5", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHealthCheck(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
}

func TestHealthCheck_DegradedWhenQueueNearlyFull(t *testing.T) {
	h, _, q := newTestHandler(t, 4)

	for i := 0; i < 4; i++ {
		threat := &schema.ThreatRecord{ID: fmt.Sprintf("ML-%d", i), Index: 1000 + i}
		if err := q.Push(threat); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)

	if rec := postAlarm(h, "ml", alarmBody(t, 10, time.Now().UTC())); rec.Code != http.StatusAccepted {
		t.Fatalf("alarm status = %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "otwatch_alarms_total 1") {
		t.Errorf("metrics missing alarm counter:\n%s", body)
	}
	if !strings.Contains(body, "otwatch_queue_depth") {
		t.Errorf("metrics missing queue depth gauge:\n%s", body)
	}
}

func TestRouter_MethodAndPathMatching(t *testing.T) {
	h, _, _ := newTestHandler(t, 16)
	hub := broadcast.NewHub(broadcast.HubConfig{BufferSize: 4})
	mux := h.Router(broadcast.NewSSEHandler(hub, time.Minute))

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/v1/threats", http.StatusOK},
		{http.MethodGet, "/v1/alarms/ml", http.StatusMethodNotAllowed},
		{http.MethodPost, "/v1/threats", http.StatusMethodNotAllowed},
		{http.MethodGet, "/v1/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
