// Package stats computes dashboard summary metrics over the threat and
// analysis stores.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"otwatch/internal/assets"
	"otwatch/internal/schema"
	"otwatch/internal/threatstore"
)

const snapshotKey = "otwatch:stats:summary"

// Summary is one point-in-time view of the monitored environment.
type Summary struct {
	GeneratedAt time.Time `json:"generated_at"`

	TotalThreats    int64 `json:"total_threats"`
	ThreatsLast24h  int64 `json:"threats_last_24h"`
	ThreatsLast7d   int64 `json:"threats_last_7d"`
	AnalysesLast24h int64 `json:"analyses_last_24h"`

	NewThreats           int64 `json:"new_threats"`
	InvestigatingThreats int64 `json:"investigating_threats"`
	CompletedThreats     int64 `json:"completed_threats"`

	// OpenCritical counts critical threats not yet completed.
	OpenCritical int64 `json:"open_critical"`

	// AttackSourcesLast24h counts distinct source IPs that are not part
	// of the asset inventory. Without a registry every distinct source
	// counts.
	AttackSourcesLast24h int `json:"attack_sources_last_24h"`

	// RiskScore weighs unhandled threats: 80 per new critical, 30 per
	// new warning, clamped to [0, 100].
	RiskScore int `json:"risk_score"`
}

// Risk score weights and bounds.
const (
	riskWeightCritical = 80
	riskWeightWarning  = 30
	riskScoreMax       = 100
)

// Config configures the stats service.
type Config struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns default stats settings.
func DefaultConfig() Config {
	return Config{CacheTTL: 10 * time.Second}
}

// Service computes summaries with a cache-aside layer in front of the
// stores. The cache is optional.
type Service struct {
	config   Config
	store    threatstore.ThreatStore
	analyses threatstore.AnalysisStore
	cache    Cache
	registry *assets.Registry
}

// NewService creates a stats service. A nil cache disables caching.
func NewService(config Config, store threatstore.ThreatStore, analyses threatstore.AnalysisStore, cache Cache) *Service {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Service{
		config:   config,
		store:    store,
		analyses: analyses,
		cache:    cache,
	}
}

// WithRegistry attaches an asset inventory. Source IPs found in the
// inventory are excluded from AttackSourcesLast24h.
func (s *Service) WithRegistry(registry *assets.Registry) *Service {
	s.registry = registry
	return s
}

// Snapshot returns the current summary, served from cache when fresh.
// Cache failures degrade to a direct computation, never to an error.
func (s *Service) Snapshot(ctx context.Context) (*Summary, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, snapshotKey); err == nil {
			var cached Summary
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
			slog.Warn("discarding undecodable cached summary", "error", err)
		} else if err != ErrCacheMiss {
			slog.Warn("stats cache read failed", "error", err)
		}
	}

	summary, err := s.Compute(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(summary); err == nil {
			if err := s.cache.Set(ctx, snapshotKey, data, s.config.CacheTTL); err != nil {
				slog.Warn("stats cache write failed", "error", err)
			}
		}
	}

	return summary, nil
}

// Compute builds a summary directly from the stores.
func (s *Service) Compute(ctx context.Context) (*Summary, error) {
	now := time.Now().UTC()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	summary := &Summary{GeneratedAt: now}

	var err error
	if summary.TotalThreats, err = s.store.Count(ctx); err != nil {
		return nil, err
	}
	if summary.ThreatsLast24h, err = s.store.CountSince(ctx, dayAgo); err != nil {
		return nil, err
	}
	if summary.ThreatsLast7d, err = s.store.CountSince(ctx, weekAgo); err != nil {
		return nil, err
	}
	if summary.NewThreats, err = s.store.CountByStatus(ctx, schema.StatusNew); err != nil {
		return nil, err
	}
	if summary.InvestigatingThreats, err = s.store.CountByStatus(ctx, schema.StatusInvestigating); err != nil {
		return nil, err
	}
	if summary.CompletedThreats, err = s.store.CountByStatus(ctx, schema.StatusCompleted); err != nil {
		return nil, err
	}

	criticalNew, err := s.store.CountByLevelAndStatus(ctx, schema.LevelCritical, schema.StatusNew)
	if err != nil {
		return nil, err
	}
	criticalInvestigating, err := s.store.CountByLevelAndStatus(ctx, schema.LevelCritical, schema.StatusInvestigating)
	if err != nil {
		return nil, err
	}
	summary.OpenCritical = criticalNew + criticalInvestigating

	warningNew, err := s.store.CountByLevelAndStatus(ctx, schema.LevelWarning, schema.StatusNew)
	if err != nil {
		return nil, err
	}
	summary.RiskScore = riskScore(criticalNew, warningNew)

	sources, err := s.store.DistinctSourceIPsSince(ctx, dayAgo)
	if err != nil {
		return nil, err
	}
	summary.AttackSourcesLast24h = s.countUnknownSources(sources)

	if s.analyses != nil {
		if summary.AnalysesLast24h, err = s.analyses.CountSince(ctx, dayAgo); err != nil {
			return nil, err
		}
	}

	return summary, nil
}

// riskScore weighs unhandled threats and clamps the result to [0, 100].
func riskScore(criticalNew, warningNew int64) int {
	score := criticalNew*riskWeightCritical + warningNew*riskWeightWarning
	if score < 0 {
		return 0
	}
	if score > riskScoreMax {
		return riskScoreMax
	}
	return int(score)
}

// countUnknownSources counts source IPs absent from the asset inventory.
// Traffic from inventoried assets is expected and not an attack source.
func (s *Service) countUnknownSources(sources []string) int {
	if s.registry == nil {
		return len(sources)
	}
	unknown := 0
	for _, ip := range sources {
		if ip == "" {
			continue
		}
		if _, known := s.registry.Lookup(ip); !known {
			unknown++
		}
	}
	return unknown
}

// Invalidate drops the cached snapshot so the next read recomputes.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, snapshotKey); err != nil {
		slog.Warn("stats cache invalidation failed", "error", err)
	}
}
