package schema

import "time"

// AnalysisResult is an inbound explainability report produced by the
// external detection pipeline. It is ephemeral: input to the correlation
// engine, persisted as an Analysis only after resolution. Index and
// Timestamp identify the originating threat with uncertain reliability,
// which is why correlation applies a tolerant matching policy.
type AnalysisResult struct {
	ThreatIndex *int `json:"threat_index,omitempty"`

	// Timestamp is the raw ISO-8601 string as received. It is parsed during
	// correlation; present-but-unparsable is the only hard input error.
	Timestamp string `json:"timestamp,omitempty"`

	// Classification is the incoming threat-type label, if any.
	Classification string `json:"threat_type,omitempty"`

	SourceIP      string `json:"source_ip,omitempty" validate:"omitempty,ip"`
	DestinationIP string `json:"destination_asset_ip,omitempty" validate:"omitempty,ip"`

	DetectionDetails string `json:"detection_details,omitempty"`
	Violation        string `json:"violation,omitempty"`
	Conclusion       string `json:"conclusion,omitempty"`
}

// Analysis is the persisted form of a resolved analysis result, bound to
// the threat record it explains.
type Analysis struct {
	ID          int64     `json:"id"`
	ThreatID    string    `json:"threat_id"`
	ThreatIndex int       `json:"threat_index"`
	Timestamp   time.Time `json:"timestamp"`

	Classification   string `json:"threat_type,omitempty"`
	SourceIP         string `json:"source_ip,omitempty"`
	DestinationIP    string `json:"destination_asset_ip,omitempty"`
	DetectionDetails string `json:"detection_details,omitempty"`
	Violation        string `json:"violation,omitempty"`
	Conclusion       string `json:"conclusion,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
