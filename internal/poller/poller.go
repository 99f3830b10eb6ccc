// Package poller drives the periodic loops that feed stream subscribers:
// watermark-based threat polling, stats snapshots, heartbeats, and asset
// inventory refresh.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"otwatch/internal/assets"
	"otwatch/internal/broadcast"
	"otwatch/internal/stats"
	"otwatch/internal/threatstore"
)

// AssetSource supplies the authoritative asset inventory.
type AssetSource interface {
	FetchAssets(ctx context.Context) ([]assets.Asset, error)
}

// Config holds the poller intervals.
type Config struct {
	ThreatInterval    time.Duration `yaml:"threat_interval"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AssetInterval     time.Duration `yaml:"asset_interval"`
	BatchLimit        int           `yaml:"batch_limit"`
}

// DefaultConfig returns the default poller intervals.
func DefaultConfig() Config {
	return Config{
		ThreatInterval:    2 * time.Second,
		StatsInterval:     5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		AssetInterval:     5 * time.Minute,
		BatchLimit:        500,
	}
}

// Poller publishes newly stored threats, periodic stats snapshots, and
// heartbeats to the hub. The threat loop tracks a high-watermark index so
// records written by any producer are picked up exactly once.
type Poller struct {
	config   Config
	store    threatstore.ThreatStore
	stats    *stats.Service
	hub      *broadcast.Hub
	registry *assets.Registry
	source   AssetSource

	wg sync.WaitGroup
}

// New creates a poller. The stats service, registry, and asset source
// are optional; their loops are skipped when nil.
func New(config Config, store threatstore.ThreatStore, statsSvc *stats.Service, hub *broadcast.Hub, registry *assets.Registry, source AssetSource) *Poller {
	def := DefaultConfig()
	if config.ThreatInterval <= 0 {
		config.ThreatInterval = def.ThreatInterval
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = def.StatsInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.AssetInterval <= 0 {
		config.AssetInterval = def.AssetInterval
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = def.BatchLimit
	}
	return &Poller{
		config:   config,
		store:    store,
		stats:    statsSvc,
		hub:      hub,
		registry: registry,
		source:   source,
	}
}

// Start launches the loops. They stop when ctx is cancelled; Wait blocks
// until they exit.
func (p *Poller) Start(ctx context.Context) error {
	// Seed the watermark so only threats stored after startup are
	// streamed; subscribers fetch history over the query API.
	watermark, err := p.store.MaxIndex(ctx)
	if err != nil {
		return err
	}

	p.wg.Add(1)
	go p.threatLoop(ctx, watermark)

	if p.stats != nil {
		p.wg.Add(1)
		go p.statsLoop(ctx)
	}

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	if p.registry != nil && p.source != nil {
		p.wg.Add(1)
		go p.assetLoop(ctx)
	}

	slog.Info("poller started",
		"watermark", watermark,
		"threat_interval", p.config.ThreatInterval,
		"heartbeat_interval", p.config.HeartbeatInterval,
	)
	return nil
}

// Wait blocks until all loops have exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) threatLoop(ctx context.Context, watermark int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ThreatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := p.PollThreats(ctx, watermark)
			if err != nil {
				slog.Error("threat poll failed", "watermark", watermark, "error", err)
				continue
			}
			watermark = next
		}
	}
}

// PollThreats publishes every threat stored after the given watermark and
// returns the advanced watermark. A failed poll leaves the watermark
// unchanged so no record is skipped.
func (p *Poller) PollThreats(ctx context.Context, watermark int) (int, error) {
	threats, err := p.store.ListAfterIndex(ctx, watermark, p.config.BatchLimit)
	if err != nil {
		return watermark, err
	}

	for _, threat := range threats {
		p.hub.Publish(broadcast.TopicThreat, broadcast.EventThreat, threat)
		if threat.Index > watermark {
			watermark = threat.Index
		}
	}

	if len(threats) > 0 {
		slog.Debug("published polled threats", "count", len(threats), "watermark", watermark)
	}
	return watermark, nil
}

func (p *Poller) statsLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := p.stats.Snapshot(ctx)
			if err != nil {
				slog.Error("stats snapshot failed", "error", err)
				continue
			}
			p.hub.Publish(broadcast.TopicStats, broadcast.EventStats, summary)
		}
	}
}

func (p *Poller) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.hub.Heartbeat()
		}
	}
}

func (p *Poller) assetLoop(ctx context.Context) {
	defer p.wg.Done()

	// Load the inventory once at startup, then on the refresh interval.
	p.refreshAssets(ctx)

	ticker := time.NewTicker(p.config.AssetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshAssets(ctx)
		}
	}
}

func (p *Poller) refreshAssets(ctx context.Context) {
	inventory, err := p.source.FetchAssets(ctx)
	if err != nil {
		slog.Error("asset refresh failed", "error", err)
		return
	}
	p.registry.Replace(inventory)
	slog.Info("asset inventory refreshed", "assets", len(inventory))
}
