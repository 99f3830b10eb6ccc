package kafka

import (
	"context"
	"testing"
	"time"

	"otwatch/internal/correlation"
	"otwatch/internal/schema"
	"otwatch/internal/threatstore"
)

func TestDecodeAnalysisBatch(t *testing.T) {
	t.Run("single object", func(t *testing.T) {
		batch, err := decodeAnalysisBatch([]byte(`{"threat_index":1000,"threat_type":"dos"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("len = %d, want 1", len(batch))
		}
		if batch[0].ThreatIndex == nil || *batch[0].ThreatIndex != 1000 {
			t.Errorf("threat index = %v, want 1000", batch[0].ThreatIndex)
		}
	})

	t.Run("array", func(t *testing.T) {
		batch, err := decodeAnalysisBatch([]byte(` [{"threat_type":"dos"},{"threat_type":"scan"}]`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(batch) != 2 {
			t.Fatalf("len = %d, want 2", len(batch))
		}
		if batch[1].Classification != "scan" {
			t.Errorf("classification = %q, want %q", batch[1].Classification, "scan")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := decodeAnalysisBatch([]byte("not json")); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestAnalysisStreamHandleMessage(t *testing.T) {
	store := threatstore.NewMemoryStore()
	analyses := threatstore.NewMemoryAnalysisStore()
	engine := correlation.NewEngine(correlation.DefaultConfig(), store, analyses, nil)

	threat := &schema.ThreatRecord{
		ID:             schema.NewThreatID(schema.EngineML),
		Index:          1000,
		EventTimestamp: time.Now().UTC(),
		Engine:         schema.EngineML,
		Level:          schema.LevelWarning,
		Status:         schema.StatusNew,
	}
	if err := store.Insert(context.Background(), threat); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := &AnalysisStream{engine: engine, logger: getTestLogger()}

	err := s.handleMessage(context.Background(), Message{
		Value:  []byte(`[{"threat_index":1000,"threat_type":"dos"}]`),
		Offset: 42,
	})
	if err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	ok, err := analyses.HasAnalysis(context.Background(), threat.ID)
	if err != nil {
		t.Fatalf("HasAnalysis: %v", err)
	}
	if !ok {
		t.Error("expected analysis persisted for bound threat")
	}

	// Undecodable payloads are surfaced so the offset is not committed.
	if err := s.handleMessage(context.Background(), Message{Value: []byte("junk")}); err == nil {
		t.Error("expected error for undecodable payload")
	}
}
