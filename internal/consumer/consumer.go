// Package consumer drains the alarm intake queue into the threat store
// and fans persisted threats out to stream subscribers.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"otwatch/internal/broadcast"
	"otwatch/internal/enrich"
	"otwatch/internal/queue"
	"otwatch/internal/schema"
	"otwatch/internal/threatstore"
)

// ThreatSink receives each persisted threat, typically a downstream
// Kafka topic. Sink failures are logged and counted but never block
// the intake pipeline.
type ThreatSink interface {
	PublishThreat(ctx context.Context, threat *schema.ThreatRecord) error
}

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer reads threats from the intake queue, enriches them, persists
// them, and publishes one threat event per stored record.
type Consumer struct {
	queue    *queue.RingBuffer
	store    threatstore.ThreatStore
	enricher *enrich.Enricher
	hub      *broadcast.Hub
	sink     ThreatSink
	config   Config

	wg   sync.WaitGroup
	done chan struct{}

	// Metrics
	consumed uint64
	errors   uint64
}

// New creates a new Consumer. The hub may be nil when streaming is
// disabled.
func New(q *queue.RingBuffer, store threatstore.ThreatStore, enricher *enrich.Enricher, hub *broadcast.Hub, cfg Config) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Consumer{
		queue:    q,
		store:    store,
		enricher: enricher,
		hub:      hub,
		config:   cfg,
		done:     make(chan struct{}),
	}
}

// WithSink attaches a downstream threat sink.
func (c *Consumer) WithSink(sink ThreatSink) *Consumer {
	c.sink = sink
	return c
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("intake consumer started", "workers", c.config.Workers)
}

// worker is a single consumer worker goroutine.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	slog.Debug("consumer worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("consumer worker stopping (context)", "worker_id", id)
			return
		case <-c.done:
			slog.Debug("consumer worker stopping (done)", "worker_id", id)
			return
		default:
			threat, err := c.queue.PopWithTimeout(c.config.PollInterval)
			if err != nil {
				if err == queue.ErrQueueEmpty {
					continue
				}
				if err == queue.ErrQueueClosed {
					return
				}
				slog.Warn("unexpected queue error", "worker_id", id, "error", err)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			if c.enricher != nil {
				c.enricher.Enrich(threat)
			}

			if err := c.store.Insert(ctx, threat); err != nil {
				slog.Error("failed to store threat",
					"worker_id", id,
					"threat_id", threat.ID,
					"threat_index", threat.Index,
					"error", err,
				)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			if c.hub != nil {
				c.hub.Publish(broadcast.TopicThreat, broadcast.EventThreat, threat)
			}

			if c.sink != nil {
				if err := c.sink.PublishThreat(ctx, threat); err != nil {
					slog.Warn("downstream threat publish failed",
						"worker_id", id,
						"threat_id", threat.ID,
						"error", err,
					)
					atomic.AddUint64(&c.errors, 1)
				}
			}

			atomic.AddUint64(&c.consumed, 1)
		}
	}
}

// Stop stops the consumer gracefully.
func (c *Consumer) Stop() {
	close(c.done)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("intake consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("intake consumer shutdown timed out")
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Errors:   atomic.LoadUint64(&c.errors),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}
