// Package schema defines the canonical data model for otwatch.
// All ingested alarms and analysis results are normalized to these
// structures before storage or broadcast.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ThreatRecord is the canonical stored representation of one detected
// security event. Records are created on alarm ingestion and mutated only
// through the threat store's update API; the Index, once assigned, never
// changes and is never reused.
type ThreatRecord struct {
	ID             string    `json:"threat_id" validate:"required"`
	Index          int       `json:"threat_index" validate:"required,min=1"`
	EventTimestamp time.Time `json:"event_timestamp" validate:"required"`
	Engine         Engine    `json:"detection_engine" validate:"required,oneof=ML DL RULE"`
	SourceIP       string    `json:"source_ip,omitempty" validate:"omitempty,ip"`
	SourceAsset    string    `json:"source_asset,omitempty" validate:"max=100"`
	DestinationIP  string    `json:"destination_ip,omitempty" validate:"omitempty,ip"`
	DestAsset      string    `json:"destination_asset,omitempty" validate:"max=100"`

	// Classification is empty until a correlated analysis supplies one.
	Classification string `json:"threat_type"`

	Level     Level     `json:"threat_level" validate:"required,oneof=critical warning attention"`
	Status    Status    `json:"status" validate:"required,oneof=new investigating completed"`
	Score     float64   `json:"score" validate:"min=0"`
	CreatedAt time.Time `json:"created_at"`
}

// Engine identifies which detection engine raised a threat.
type Engine string

const (
	EngineML   Engine = "ML"
	EngineDL   Engine = "DL"
	EngineRule Engine = "RULE"
)

// IsValid checks if the engine tag is a known value.
func (e Engine) IsValid() bool {
	switch e {
	case EngineML, EngineDL, EngineRule:
		return true
	}
	return false
}

// NormalizeEngine maps a free-form engine tag to a supported Engine,
// defaulting to RULE for unknown values.
func NormalizeEngine(s string) Engine {
	e := Engine(strings.ToUpper(strings.TrimSpace(s)))
	if e.IsValid() {
		return e
	}
	return EngineRule
}

// Level represents severity of a threat.
type Level string

const (
	LevelCritical  Level = "critical"
	LevelWarning   Level = "warning"
	LevelAttention Level = "attention"
)

// IsValid checks if the level is a known value.
func (l Level) IsValid() bool {
	switch l {
	case LevelCritical, LevelWarning, LevelAttention:
		return true
	}
	return false
}

// LevelForScore maps a normalized risk score to a threat level.
func LevelForScore(score float64) Level {
	if score >= 50.0 {
		return LevelWarning
	}
	return LevelAttention
}

// Status represents the triage state of a threat.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusCompleted     Status = "completed"
)

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusInvestigating, StatusCompleted:
		return true
	}
	return false
}

// NewThreatID builds a threat identifier of the form "<ENGINE>-<uuid>".
func NewThreatID(engine Engine) string {
	return fmt.Sprintf("%s-%s", engine, uuid.New())
}

// NormalizeInstant renders a timestamp in the canonical instant form used
// for exact-timestamp correlation. Comparing normalized strings tolerates
// differing textual representations of the same instant.
func NormalizeInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
