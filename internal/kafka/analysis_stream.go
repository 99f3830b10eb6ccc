package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"otwatch/internal/correlation"
	"otwatch/internal/schema"
)

// AnalysisStream consumes XAI analysis results from Kafka and runs them
// through the correlation engine. Each message carries either a single
// result object or a JSON array of results; either way the payload is
// processed as one ordered batch.
type AnalysisStream struct {
	config   *Config
	consumer *Consumer
	engine   *correlation.Engine
	logger   *slog.Logger
}

// NewAnalysisStream creates the stream consumer.
func NewAnalysisStream(config *Config, engine *correlation.Engine, logger *slog.Logger) (*AnalysisStream, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &AnalysisStream{config: config, engine: engine, logger: logger}

	consumer, err := NewConsumer(config, s.handleMessage, logger)
	if err != nil {
		return nil, err
	}
	s.consumer = consumer
	return s, nil
}

// Start begins consuming in the background.
func (s *AnalysisStream) Start() error {
	return s.consumer.StartAsync()
}

// EnsureTopic creates the analysis topic when it does not exist yet.
// Intended for single-broker and development setups where topic
// auto-creation is disabled.
func (s *AnalysisStream) EnsureTopic(ctx context.Context) error {
	admin, err := NewAdmin(s.config, s.logger)
	if err != nil {
		return err
	}

	return admin.EnsureTopic(ctx, TopicConfig{
		Name:              s.config.Topic,
		Partitions:        s.config.Partitions,
		ReplicationFactor: s.config.ReplicationFactor,
		RetentionMs:       s.config.RetentionMs,
		MaxMessageBytes:   s.config.MaxMessageBytes,
	})
}

// Stop stops consumption gracefully.
func (s *AnalysisStream) Stop() error {
	return s.consumer.Stop()
}

// Metrics returns the underlying consumer metrics.
func (s *AnalysisStream) Metrics() Metrics {
	return s.consumer.GetMetrics()
}

// handleMessage decodes one Kafka message into an analysis batch.
// Decode failures are returned so the offset is not committed; per-item
// problems inside a decoded batch are handled by the engine and never
// block the stream.
func (s *AnalysisStream) handleMessage(ctx context.Context, msg Message) error {
	batch, err := decodeAnalysisBatch(msg.Value)
	if err != nil {
		return fmt.Errorf("kafka: undecodable analysis message at offset %d: %w", msg.Offset, err)
	}
	if len(batch) == 0 {
		return nil
	}

	outcome := s.engine.ProcessBatch(ctx, batch)
	s.logger.Debug("analysis batch processed",
		"offset", msg.Offset,
		"resolved", outcome.Resolved,
		"unresolved", outcome.Unresolved,
		"malformed", outcome.Malformed,
	)
	return nil
}

func decodeAnalysisBatch(data []byte) ([]*schema.AnalysisResult, error) {
	trimmed := firstNonSpace(data)
	if trimmed == '[' {
		var batch []*schema.AnalysisResult
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}

	var single schema.AnalysisResult
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []*schema.AnalysisResult{&single}, nil
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

// AnalysisPublisher writes analysis results to the stream topic. It is
// used by replay tooling and integration tests.
type AnalysisPublisher struct {
	producer *Producer
}

// NewAnalysisPublisher creates a publisher for the analysis topic.
func NewAnalysisPublisher(config *Config, logger *slog.Logger) (*AnalysisPublisher, error) {
	producer, err := NewProducer(config, logger)
	if err != nil {
		return nil, err
	}
	return &AnalysisPublisher{producer: producer}, nil
}

// Publish writes one batch keyed by the first bound threat index, when
// present.
func (p *AnalysisPublisher) Publish(ctx context.Context, batch []*schema.AnalysisResult) error {
	if len(batch) == 0 {
		return nil
	}

	var key string
	if batch[0].ThreatIndex != nil {
		key = fmt.Sprintf("%d", *batch[0].ThreatIndex)
	}

	return p.producer.ProduceJSON(ctx, key, batch)
}

// Close closes the underlying producer.
func (p *AnalysisPublisher) Close() error {
	return p.producer.Close()
}
