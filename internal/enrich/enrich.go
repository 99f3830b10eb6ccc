// Package enrich normalizes and decorates threat records before they are
// persisted.
package enrich

import (
	"strings"
	"time"

	"otwatch/internal/assets"
	"otwatch/internal/schema"
)

// Enricher fills in derived and inventory-backed fields on a threat
// record in place.
type Enricher struct {
	registry *assets.Registry
}

// New creates an enricher backed by the given asset registry. A nil
// registry disables asset-name attachment.
func New(registry *assets.Registry) *Enricher {
	return &Enricher{registry: registry}
}

// Enrich normalizes a threat record and attaches asset names. Fields
// already populated by the sensor are kept.
func (e *Enricher) Enrich(threat *schema.ThreatRecord) {
	threat.Engine = schema.NormalizeEngine(string(threat.Engine))

	if threat.Level == "" {
		threat.Level = schema.LevelForScore(threat.Score)
	}
	if threat.Status == "" {
		threat.Status = schema.StatusNew
	}
	if threat.EventTimestamp.IsZero() {
		threat.EventTimestamp = time.Now().UTC()
	}
	if threat.CreatedAt.IsZero() {
		threat.CreatedAt = time.Now().UTC()
	}

	threat.Classification = strings.TrimSpace(threat.Classification)

	if e.registry == nil {
		return
	}
	if threat.SourceAsset == "" && threat.SourceIP != "" {
		threat.SourceAsset = e.registry.NameFor(threat.SourceIP)
	}
	if threat.DestAsset == "" && threat.DestinationIP != "" {
		threat.DestAsset = e.registry.NameFor(threat.DestinationIP)
	}
}
