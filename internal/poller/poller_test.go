package poller

import (
	"context"
	"testing"
	"time"

	"otwatch/internal/assets"
	"otwatch/internal/broadcast"
	"otwatch/internal/schema"
	"otwatch/internal/stats"
	"otwatch/internal/threatstore"
)

func seedThreat(t *testing.T, store *threatstore.MemoryStore, index int) *schema.ThreatRecord {
	t.Helper()
	threat := &schema.ThreatRecord{
		ID:             schema.NewThreatID(schema.EngineML),
		Index:          index,
		EventTimestamp: time.Now().UTC(),
		Engine:         schema.EngineML,
		Level:          schema.LevelWarning,
		Status:         schema.StatusNew,
	}
	if err := store.Insert(context.Background(), threat); err != nil {
		t.Fatalf("seeding threat %d: %v", index, err)
	}
	return threat
}

func TestPollThreatsAdvancesWatermark(t *testing.T) {
	store := threatstore.NewMemoryStore()
	hub := broadcast.NewHub(broadcast.DefaultHubConfig())
	p := New(DefaultConfig(), store, nil, hub, nil, nil)

	sub := hub.Subscribe(broadcast.TopicThreat)
	defer hub.Unsubscribe(sub)
	<-sub.Events() // connect ack

	seedThreat(t, store, 1000)
	seedThreat(t, store, 1001)

	watermark, err := p.PollThreats(context.Background(), 999)
	if err != nil {
		t.Fatalf("PollThreats: %v", err)
	}
	if watermark != 1001 {
		t.Errorf("watermark = %d, want 1001", watermark)
	}

	for i := 0; i < 2; i++ {
		select {
		case event := <-sub.Events():
			if event.Name != broadcast.EventThreat {
				t.Fatalf("event = %q, want %q", event.Name, broadcast.EventThreat)
			}
		case <-time.After(time.Second):
			t.Fatalf("received %d threat events, want 2", i)
		}
	}

	// Polling again with the advanced watermark yields nothing.
	again, err := p.PollThreats(context.Background(), watermark)
	if err != nil {
		t.Fatalf("PollThreats: %v", err)
	}
	if again != watermark {
		t.Errorf("watermark moved to %d with no new threats", again)
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event %q after empty poll", event.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollThreatsRespectsBatchLimit(t *testing.T) {
	store := threatstore.NewMemoryStore()
	hub := broadcast.NewHub(broadcast.DefaultHubConfig())

	cfg := DefaultConfig()
	cfg.BatchLimit = 2
	p := New(cfg, store, nil, hub, nil, nil)

	for i := 0; i < 5; i++ {
		seedThreat(t, store, 1000+i)
	}

	watermark, err := p.PollThreats(context.Background(), 0)
	if err != nil {
		t.Fatalf("PollThreats: %v", err)
	}
	if watermark != 1001 {
		t.Errorf("watermark = %d, want 1001 after limited batch", watermark)
	}

	// The next poll picks up where the last one stopped.
	watermark, err = p.PollThreats(context.Background(), watermark)
	if err != nil {
		t.Fatalf("PollThreats: %v", err)
	}
	if watermark != 1003 {
		t.Errorf("watermark = %d, want 1003", watermark)
	}
}

func TestStartSeedsWatermarkFromStore(t *testing.T) {
	store := threatstore.NewMemoryStore()
	hub := broadcast.NewHub(broadcast.DefaultHubConfig())

	// Pre-existing history must not be replayed to the stream.
	seedThreat(t, store, 1000)
	seedThreat(t, store, 1001)

	cfg := DefaultConfig()
	cfg.ThreatInterval = 10 * time.Millisecond
	p := New(cfg, store, nil, hub, nil, nil)

	sub := hub.Subscribe(broadcast.TopicThreat)
	defer hub.Unsubscribe(sub)
	<-sub.Events() // connect ack

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected replayed event %q", event.Name)
	case <-time.After(50 * time.Millisecond):
	}

	// A threat stored after startup is streamed.
	seedThreat(t, store, 1002)

	select {
	case event := <-sub.Events():
		if event.Name != broadcast.EventThreat {
			t.Errorf("event = %q, want %q", event.Name, broadcast.EventThreat)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for new threat event")
	}

	cancel()
	p.Wait()
}

func TestStatsLoopPublishesSnapshots(t *testing.T) {
	store := threatstore.NewMemoryStore()
	hub := broadcast.NewHub(broadcast.DefaultHubConfig())
	statsSvc := stats.NewService(stats.DefaultConfig(), store, nil, nil)

	cfg := DefaultConfig()
	cfg.StatsInterval = 10 * time.Millisecond
	p := New(cfg, store, statsSvc, hub, nil, nil)

	sub := hub.Subscribe(broadcast.TopicStats)
	defer hub.Unsubscribe(sub)
	<-sub.Events() // connect ack

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.Name != broadcast.EventStats {
			t.Errorf("event = %q, want %q", event.Name, broadcast.EventStats)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stats event")
	}

	cancel()
	p.Wait()
}

func TestHeartbeatLoop(t *testing.T) {
	store := threatstore.NewMemoryStore()
	hub := broadcast.NewHub(broadcast.DefaultHubConfig())

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	p := New(cfg, store, nil, hub, nil, nil)

	sub := hub.Subscribe(broadcast.TopicGeneral)
	defer hub.Unsubscribe(sub)
	<-sub.Events() // connect ack

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case event := <-sub.Events():
			if event.Name == broadcast.EventHeartbeat {
				cancel()
				p.Wait()
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for heartbeat")
		}
	}
}

type staticAssetSource struct {
	inventory []assets.Asset
}

func (s *staticAssetSource) FetchAssets(context.Context) ([]assets.Asset, error) {
	return s.inventory, nil
}

func TestAssetLoopRefreshesRegistry(t *testing.T) {
	store := threatstore.NewMemoryStore()
	hub := broadcast.NewHub(broadcast.DefaultHubConfig())
	registry := assets.NewRegistry()
	source := &staticAssetSource{inventory: []assets.Asset{
		{IP: "10.0.0.5", Name: "PLC-05"},
	}}

	p := New(DefaultConfig(), store, nil, hub, registry, source)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(time.Second)
	for registry.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("registry never refreshed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if name := registry.NameFor("10.0.0.5"); name != "PLC-05" {
		t.Errorf("NameFor = %q, want %q", name, "PLC-05")
	}

	cancel()
	p.Wait()
}
