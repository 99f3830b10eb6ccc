package kafka

import (
	"context"
	"log/slog"

	"otwatch/internal/schema"
)

// ThreatPublisher writes enriched threat records to a downstream topic
// for external consumers (SOC pipelines, archival jobs). Messages are
// keyed by source IP so per-asset ordering survives partitioning.
type ThreatPublisher struct {
	producer *Producer
}

// NewThreatPublisher creates a publisher for the given threat topic. The
// base config supplies brokers and security settings; only the topic
// differs from the analysis stream.
func NewThreatPublisher(base *Config, topic string, logger *slog.Logger) (*ThreatPublisher, error) {
	cfg := *base
	cfg.Topic = topic

	producer, err := NewProducer(&cfg, logger)
	if err != nil {
		return nil, err
	}
	return &ThreatPublisher{producer: producer}, nil
}

// PublishThreat writes one enriched threat record.
func (p *ThreatPublisher) PublishThreat(ctx context.Context, threat *schema.ThreatRecord) error {
	key := threat.SourceIP
	if key == "" {
		key = threat.ID
	}
	return p.producer.ProduceJSON(ctx, key, threat)
}

// Metrics returns the underlying producer metrics.
func (p *ThreatPublisher) Metrics() Metrics {
	return p.producer.GetMetrics()
}

// Close flushes and closes the underlying producer.
func (p *ThreatPublisher) Close() error {
	return p.producer.Close()
}
