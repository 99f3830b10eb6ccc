package schema

import (
	"fmt"
	"math"
	"time"
)

// RiskAlarm is the wire format for ML/DL risk alarms pushed by detection
// nodes. The detection engine arrives out of band (URL path or message
// header), not in the payload.
type RiskAlarm struct {
	Risk *RiskPayload `json:"risk" validate:"required"`
}

// RiskPayload carries the alarm fields.
type RiskPayload struct {
	Score        *float64 `json:"score"`
	DetectedTime string   `json:"detected_time" validate:"required"`
	SourceIP     string   `json:"src_ip" validate:"omitempty,ip"`
	SourceAsset  string   `json:"src_asset"`
	DestIP       string   `json:"dst_ip" validate:"omitempty,ip"`
	DestAsset    string   `json:"dst_asset"`
}

// NormalizeScore clamps missing, negative, and non-finite scores to zero.
func NormalizeScore(score *float64) float64 {
	if score == nil {
		return 0
	}
	s := *score
	if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
		return 0
	}
	return s
}

// ThreatFromAlarm builds a new ThreatRecord from a validated risk alarm.
// The caller supplies the record's index; identifiers and levels are
// derived here.
func ThreatFromAlarm(engine Engine, alarm *RiskAlarm, index int) (*ThreatRecord, error) {
	detectedAt, err := time.Parse(time.RFC3339Nano, alarm.Risk.DetectedTime)
	if err != nil {
		return nil, fmt.Errorf("detected_time must be ISO-8601: %w", err)
	}

	score := NormalizeScore(alarm.Risk.Score)

	return &ThreatRecord{
		ID:             NewThreatID(engine),
		Index:          index,
		EventTimestamp: detectedAt,
		Engine:         engine,
		SourceIP:       alarm.Risk.SourceIP,
		SourceAsset:    alarm.Risk.SourceAsset,
		DestinationIP:  alarm.Risk.DestIP,
		DestAsset:      alarm.Risk.DestAsset,
		Classification: "",
		Level:          LevelForScore(score),
		Status:         StatusNew,
		Score:          score,
		CreatedAt:      time.Now().UTC(),
	}, nil
}
