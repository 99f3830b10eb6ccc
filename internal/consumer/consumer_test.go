package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"otwatch/internal/assets"
	"otwatch/internal/broadcast"
	"otwatch/internal/enrich"
	"otwatch/internal/queue"
	"otwatch/internal/schema"
	"otwatch/internal/threatstore"
)

func newTestThreat(index int) *schema.ThreatRecord {
	return &schema.ThreatRecord{
		ID:             schema.NewThreatID(schema.EngineML),
		Index:          index,
		EventTimestamp: time.Now().UTC(),
		Engine:         schema.EngineML,
		Score:          72,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Workers <= 0 {
		t.Error("Workers should be positive")
	}
	if cfg.PollInterval <= 0 {
		t.Error("PollInterval should be positive")
	}
	if cfg.ShutdownWait <= 0 {
		t.Error("ShutdownWait should be positive")
	}
}

func TestConsumer_DrainsQueueIntoStore(t *testing.T) {
	q := queue.NewRingBuffer(100)
	store := threatstore.NewMemoryStore()
	hub := broadcast.NewHub(broadcast.DefaultHubConfig())

	registry := assets.NewRegistry()
	registry.Replace([]assets.Asset{{IP: "10.0.0.5", Name: "PLC-05"}})

	c := New(q, store, enrich.New(registry), hub, Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		ShutdownWait: time.Second,
	})

	sub := hub.Subscribe(broadcast.TopicThreat)
	defer hub.Unsubscribe(sub)
	<-sub.Events() // connect ack

	for i := 0; i < 5; i++ {
		threat := newTestThreat(1000 + i)
		threat.SourceIP = "10.0.0.5"
		if err := q.Push(threat); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		count, err := store.Count(context.Background())
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if count == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stored %d threats, want 5", count)
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Stop()

	if m := c.Metrics(); m.Consumed != 5 || m.Errors != 0 {
		t.Errorf("metrics = %+v, want 5 consumed, 0 errors", m)
	}

	// Enrichment ran before persistence.
	stored, err := store.FindByIndex(context.Background(), 1000)
	if err != nil {
		t.Fatalf("FindByIndex: %v", err)
	}
	if stored.SourceAsset != "PLC-05" {
		t.Errorf("source asset = %q, want %q", stored.SourceAsset, "PLC-05")
	}
	if stored.Level != schema.LevelWarning {
		t.Errorf("level = %q, want %q", stored.Level, schema.LevelWarning)
	}

	// One threat event per stored record.
	received := 0
	timeout := time.After(time.Second)
	for received < 5 {
		select {
		case event := <-sub.Events():
			if event.Name != broadcast.EventThreat {
				t.Fatalf("event = %q, want %q", event.Name, broadcast.EventThreat)
			}
			received++
		case <-timeout:
			t.Fatalf("received %d threat events, want 5", received)
		}
	}
}

type captureSink struct {
	mu      sync.Mutex
	threats []*schema.ThreatRecord
	err     error
}

func (s *captureSink) PublishThreat(_ context.Context, threat *schema.ThreatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threats = append(s.threats, threat)
	return s.err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threats)
}

func TestConsumer_ForwardsToSink(t *testing.T) {
	q := queue.NewRingBuffer(10)
	store := threatstore.NewMemoryStore()
	sink := &captureSink{}

	c := New(q, store, nil, nil, Config{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		ShutdownWait: time.Second,
	}).WithSink(sink)

	q.Push(newTestThreat(1000))
	q.Push(newTestThreat(1001))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.After(2 * time.Second)
	for sink.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("sink received %d threats, want 2", sink.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Stop()

	if m := c.Metrics(); m.Consumed != 2 || m.Errors != 0 {
		t.Errorf("metrics = %+v, want 2 consumed, 0 errors", m)
	}
}

func TestConsumer_SinkFailureDoesNotBlockIntake(t *testing.T) {
	q := queue.NewRingBuffer(10)
	store := threatstore.NewMemoryStore()
	sink := &captureSink{err: errors.New("broker unavailable")}

	c := New(q, store, nil, nil, Config{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		ShutdownWait: time.Second,
	}).WithSink(sink)

	q.Push(newTestThreat(1000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		m := c.Metrics()
		if m.Consumed == 1 && m.Errors == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("metrics = %+v, want 1 consumed, 1 error", c.Metrics())
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Stop()

	// The record was persisted despite the sink failure.
	if _, err := store.FindByIndex(context.Background(), 1000); err != nil {
		t.Errorf("FindByIndex after sink failure: %v", err)
	}
}

func TestConsumer_CountsStoreErrors(t *testing.T) {
	q := queue.NewRingBuffer(10)
	store := threatstore.NewMemoryStore()

	c := New(q, store, nil, nil, Config{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		ShutdownWait: time.Second,
	})

	// Duplicate index: the second insert must fail and be counted.
	q.Push(newTestThreat(1000))
	q.Push(newTestThreat(1000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		m := c.Metrics()
		if m.Consumed == 1 && m.Errors == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("metrics = %+v, want 1 consumed, 1 error", c.Metrics())
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Stop()
}
