package schema

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestNormalizeEngine(t *testing.T) {
	tests := []struct {
		input    string
		expected Engine
	}{
		{"ml", EngineML},
		{"ML", EngineML},
		{" dl ", EngineDL},
		{"rule", EngineRule},
		{"", EngineRule},
		{"unknown", EngineRule},
	}

	for _, tt := range tests {
		if got := NormalizeEngine(tt.input); got != tt.expected {
			t.Errorf("NormalizeEngine(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score    float64
		expected Level
	}{
		{0, LevelAttention},
		{49.9, LevelAttention},
		{50, LevelWarning},
		{99, LevelWarning},
	}

	for _, tt := range tests {
		if got := LevelForScore(tt.score); got != tt.expected {
			t.Errorf("LevelForScore(%v) = %v, want %v", tt.score, got, tt.expected)
		}
	}
}

func TestNormalizeScore(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	neg := -3.5
	ok := 72.5

	tests := []struct {
		name     string
		score    *float64
		expected float64
	}{
		{"nil", nil, 0},
		{"nan", &nan, 0},
		{"inf", &inf, 0},
		{"negative", &neg, 0},
		{"valid", &ok, 72.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeScore(tt.score); got != tt.expected {
				t.Errorf("NormalizeScore() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNormalizeInstant(t *testing.T) {
	// Two representations of the same instant normalize identically.
	utc := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	kst := utc.In(time.FixedZone("KST", 9*3600))

	if NormalizeInstant(utc) != NormalizeInstant(kst) {
		t.Errorf("normalized instants differ: %q vs %q", NormalizeInstant(utc), NormalizeInstant(kst))
	}
}

func TestThreatFromAlarm(t *testing.T) {
	score := 63.0
	alarm := &RiskAlarm{
		Risk: &RiskPayload{
			Score:        &score,
			DetectedTime: "2026-03-01T12:00:05Z",
			SourceIP:     "192.168.10.45",
			DestIP:       "192.168.10.80",
			DestAsset:    "PLC-3",
		},
	}

	threat, err := ThreatFromAlarm(EngineML, alarm, 1000)
	if err != nil {
		t.Fatalf("ThreatFromAlarm() error: %v", err)
	}

	if threat.Index != 1000 {
		t.Errorf("Index = %d, want 1000", threat.Index)
	}
	if !strings.HasPrefix(threat.ID, "ML-") {
		t.Errorf("ID = %q, want ML- prefix", threat.ID)
	}
	if threat.Level != LevelWarning {
		t.Errorf("Level = %v, want warning", threat.Level)
	}
	if threat.Status != StatusNew {
		t.Errorf("Status = %v, want new", threat.Status)
	}
	if threat.Classification != "" {
		t.Errorf("Classification = %q, want empty", threat.Classification)
	}
}

func TestThreatFromAlarm_BadTimestamp(t *testing.T) {
	alarm := &RiskAlarm{
		Risk: &RiskPayload{DetectedTime: "yesterday at noon"},
	}
	if _, err := ThreatFromAlarm(EngineDL, alarm, 1); err == nil {
		t.Error("expected error for unparsable detected_time")
	}
}

func TestValidator_ValidateAlarm(t *testing.T) {
	v := NewValidator()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tests := []struct {
		name    string
		alarm   *RiskAlarm
		wantErr bool
	}{
		{
			name:    "valid",
			alarm:   &RiskAlarm{Risk: &RiskPayload{DetectedTime: now, SourceIP: "10.0.0.1"}},
			wantErr: false,
		},
		{
			name:    "missing risk payload",
			alarm:   &RiskAlarm{},
			wantErr: true,
		},
		{
			name:    "bad timestamp",
			alarm:   &RiskAlarm{Risk: &RiskPayload{DetectedTime: "not-a-time"}},
			wantErr: true,
		},
		{
			name:    "bad source ip",
			alarm:   &RiskAlarm{Risk: &RiskPayload{DetectedTime: now, SourceIP: "999.1.1.1"}},
			wantErr: true,
		},
		{
			name:    "too old",
			alarm:   &RiskAlarm{Risk: &RiskPayload{DetectedTime: "2001-01-01T00:00:00Z"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAlarm(tt.alarm)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAlarm() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
