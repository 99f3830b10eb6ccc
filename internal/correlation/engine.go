// Package correlation binds asynchronously-arriving analysis results to
// the threat records they explain.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"otwatch/internal/broadcast"
	"otwatch/internal/schema"
	"otwatch/internal/threatstore"
)

// ErrMalformedTimestamp is returned when an analysis carries a timestamp
// that cannot be parsed. It is the only hard input error: the offending
// item is dropped and the rest of the batch continues.
var ErrMalformedTimestamp = errors.New("correlation: malformed timestamp")

// MatchRule identifies which rule of the matching policy succeeded.
type MatchRule string

const (
	MatchByIndex     MatchRule = "index"
	MatchByTimestamp MatchRule = "timestamp"
	MatchByWindow    MatchRule = "window"
)

// Match is a successful resolution of an analysis result to a threat.
type Match struct {
	ThreatID    string
	ThreatIndex int
	Rule        MatchRule
}

// Config configures the correlation engine.
type Config struct {
	// Window is the symmetric tolerance applied around the analysis
	// timestamp when exact-key matching fails. Both bounds are inclusive.
	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{Window: 5 * time.Second}
}

// Engine resolves analysis results against the threat store and publishes
// analysis-ready notifications for successful bindings.
//
// Classification updates are applied outside any cross-record transaction:
// two concurrent resolutions binding the same threat race last-write-wins
// on the classification field. Classification converges once analyses
// stabilize, so the race is accepted rather than serialized.
type Engine struct {
	config   Config
	store    threatstore.ThreatStore
	analyses threatstore.AnalysisStore
	hub      *broadcast.Hub
}

// NewEngine creates a correlation engine.
func NewEngine(config Config, store threatstore.ThreatStore, analyses threatstore.AnalysisStore, hub *broadcast.Hub) *Engine {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Engine{
		config:   config,
		store:    store,
		analyses: analyses,
		hub:      hub,
	}
}

// Resolve binds an analysis result to the threat record it explains.
//
// The matching policy is applied in strict priority order, first success
// wins:
//
//  1. exact threat index
//  2. exact event timestamp, compared as normalized instants
//  3. tolerant window around the analysis timestamp, preferring a
//     candidate whose classification equals the incoming label, then the
//     smallest absolute timestamp distance, ties broken by lowest index
//
// A missing match is not an error: the second return value reports
// whether a binding was found. An error is returned only for a malformed
// timestamp or a store failure.
func (e *Engine) Resolve(ctx context.Context, result *schema.AnalysisResult) (*Match, bool, error) {
	ts, hasTS, err := parseTimestamp(result.Timestamp)
	if err != nil {
		return nil, false, err
	}

	threat, rule, err := e.resolveThreat(ctx, result, ts, hasTS)
	if err != nil {
		return nil, false, err
	}
	if threat == nil {
		slog.Debug("analysis unresolved",
			"threat_index", indexValue(result.ThreatIndex),
			"timestamp", result.Timestamp,
			"threat_type", result.Classification,
		)
		return nil, false, nil
	}

	slog.Info("analysis resolved",
		"rule", rule,
		"threat_id", threat.ID,
		"threat_index", threat.Index,
	)

	e.syncClassification(ctx, threat, result.Classification)

	return &Match{ThreatID: threat.ID, ThreatIndex: threat.Index, Rule: rule}, true, nil
}

func (e *Engine) resolveThreat(ctx context.Context, result *schema.AnalysisResult, ts time.Time, hasTS bool) (*schema.ThreatRecord, MatchRule, error) {
	// Rule 1: exact index is the fast, authoritative path. It wins even
	// when the timestamps disagree.
	if result.ThreatIndex != nil {
		threat, err := e.store.FindByIndex(ctx, *result.ThreatIndex)
		switch {
		case err == nil:
			return threat, MatchByIndex, nil
		case !threatstore.IsNotFound(err):
			return nil, "", err
		}
	}

	if !hasTS {
		return nil, "", nil
	}

	// Rule 2: exact timestamp as a normalized instant.
	threat, err := e.store.FindByTimestamp(ctx, ts)
	switch {
	case err == nil:
		return threat, MatchByTimestamp, nil
	case !threatstore.IsNotFound(err):
		return nil, "", err
	}

	// Rule 3: tolerant window, both bounds inclusive.
	candidates, err := e.store.FindByTimestampRange(ctx, ts.Add(-e.config.Window), ts.Add(e.config.Window))
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 0 {
		return nil, "", nil
	}

	// 3a: prefer a candidate already carrying the incoming label.
	if label := strings.TrimSpace(result.Classification); label != "" {
		for _, candidate := range candidates {
			if candidate.Classification == label {
				return candidate, MatchByWindow, nil
			}
		}
	}

	// 3b: closest in time; equidistant candidates resolve to the lowest
	// index, which the range query's ascending order gives for free.
	best := candidates[0]
	bestDist := absDuration(best.EventTimestamp.Sub(ts))
	for _, candidate := range candidates[1:] {
		if dist := absDuration(candidate.EventTimestamp.Sub(ts)); dist < bestDist {
			best = candidate
			bestDist = dist
		}
	}
	return best, MatchByWindow, nil
}

// syncClassification propagates a non-empty incoming label onto the
// matched threat. Reapplying the current label is a no-op.
func (e *Engine) syncClassification(ctx context.Context, threat *schema.ThreatRecord, label string) {
	label = strings.TrimSpace(label)
	if label == "" || label == threat.Classification {
		return
	}

	if err := e.store.UpdateClassification(ctx, threat.ID, label); err != nil {
		slog.Error("classification update failed",
			"threat_id", threat.ID,
			"threat_type", label,
			"error", err,
		)
		return
	}
	slog.Info("threat classification updated", "threat_id", threat.ID, "threat_type", label)
}

// BatchResult summarizes one batch of analysis results.
type BatchResult struct {
	Resolved   int `json:"resolved"`
	Unresolved int `json:"unresolved"`
	Malformed  int `json:"malformed"`
	Failed     int `json:"failed"`
}

// ProcessBatch runs an ordered batch of analysis results through Resolve,
// persists the resolved analyses, and publishes one analysis_ready event
// per distinct bound threat. A malformed or failing item never aborts the
// rest of the batch.
func (e *Engine) ProcessBatch(ctx context.Context, results []*schema.AnalysisResult) BatchResult {
	var outcome BatchResult
	var resolved []*schema.Analysis

	for i, result := range results {
		match, ok, err := e.Resolve(ctx, result)
		if err != nil {
			if errors.Is(err, ErrMalformedTimestamp) {
				outcome.Malformed++
				slog.Warn("dropping malformed analysis",
					"item", i,
					"timestamp", result.Timestamp,
					"error", err,
				)
			} else {
				outcome.Failed++
				slog.Error("analysis resolution failed", "item", i, "error", err)
			}
			continue
		}
		if !ok {
			outcome.Unresolved++
			continue
		}

		outcome.Resolved++
		resolved = append(resolved, analysisFor(match, result))
	}

	if len(resolved) == 0 {
		return outcome
	}

	saved, err := e.analyses.SaveAll(ctx, resolved)
	if err != nil {
		slog.Error("failed to persist analyses", "count", len(resolved), "error", err)
		return outcome
	}
	slog.Info("analyses stored", "count", len(saved))

	e.notifyAnalysisReady(saved)
	return outcome
}

// notifyAnalysisReady publishes one analysis_ready event per distinct
// bound threat, in first-encountered order.
func (e *Engine) notifyAnalysisReady(analyses []*schema.Analysis) {
	if e.hub == nil {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	seen := make(map[string]bool, len(analyses))
	for _, a := range analyses {
		if a.ThreatID == "" || seen[a.ThreatID] {
			continue
		}
		seen[a.ThreatID] = true

		e.hub.Publish(broadcast.TopicGeneral, broadcast.EventAnalysisReady, broadcast.AnalysisReadyPayload{
			Type:      "analysis_ready",
			ThreatID:  a.ThreatID,
			Timestamp: now,
		})
	}
}

func analysisFor(match *Match, result *schema.AnalysisResult) *schema.Analysis {
	ts, hasTS, _ := parseTimestamp(result.Timestamp)
	if !hasTS {
		ts = time.Now().UTC()
	}

	return &schema.Analysis{
		ThreatID:         match.ThreatID,
		ThreatIndex:      match.ThreatIndex,
		Timestamp:        ts,
		Classification:   result.Classification,
		SourceIP:         result.SourceIP,
		DestinationIP:    result.DestinationIP,
		DetectionDetails: result.DetectionDetails,
		Violation:        result.Violation,
		Conclusion:       result.Conclusion,
	}
}

func parseTimestamp(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrMalformedTimestamp, raw)
	}
	return ts, true, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func indexValue(index *int) any {
	if index == nil {
		return nil
	}
	return *index
}
