package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator validates inbound alarms and threat records against the
// canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	return &Validator{
		validate:  validator.New(),
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateAlarm validates an inbound risk alarm. It checks structure first,
// then that detected_time parses and falls inside the accepted window.
func (v *Validator) ValidateAlarm(alarm *RiskAlarm) error {
	if err := v.validate.Struct(alarm); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	detectedAt, err := time.Parse(time.RFC3339Nano, alarm.Risk.DetectedTime)
	if err != nil {
		return fmt.Errorf("detected_time must be ISO-8601: %w", err)
	}

	return v.checkBounds(detectedAt)
}

// ValidateThreat validates a threat record before storage.
func (v *Validator) ValidateThreat(threat *ThreatRecord) error {
	if err := v.validate.Struct(threat); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if threat.EventTimestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	return nil
}

// ValidateAnalysis checks the structural fields of an analysis result.
// Timestamp parsing is left to the correlation engine, which owns the
// malformed-item semantics.
func (v *Validator) ValidateAnalysis(result *AnalysisResult) error {
	if err := v.validate.Struct(result); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func (v *Validator) checkBounds(ts time.Time) error {
	now := time.Now().UTC()
	if ts.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", ts, v.maxAge)
	}
	if ts.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", ts, v.maxFuture)
	}
	return nil
}
