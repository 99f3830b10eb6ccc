// Package broadcast provides the topic-partitioned event hub that fans
// live events out to connected subscribers.
package broadcast

import "time"

// Topic is a named broadcast channel a subscriber joins. Subscribers on
// the general topic observe everything; threat and stats subscribers see
// only their own topic.
type Topic string

const (
	TopicGeneral Topic = "general"
	TopicThreat  Topic = "threat"
	TopicStats   Topic = "stats"
)

// IsValid checks if the topic is a known value.
func (t Topic) IsValid() bool {
	switch t {
	case TopicGeneral, TopicThreat, TopicStats:
		return true
	}
	return false
}

// Well-known event names on the subscription stream.
const (
	EventConnect       = "connect"
	EventThreat        = "threat"
	EventStats         = "stats"
	EventHeartbeat     = "heartbeat"
	EventAnalysisReady = "analysis_ready"
)

// Event is a named payload delivered to subscribers. It is immutable once
// constructed; the hub treats the payload as opaque.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"data"`
}

// HeartbeatPayload is the body of periodic liveness events.
type HeartbeatPayload struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// NewHeartbeat builds a heartbeat event for the given instant.
func NewHeartbeat(now time.Time) Event {
	return Event{
		Name: EventHeartbeat,
		Payload: HeartbeatPayload{
			Type:      "heartbeat",
			Timestamp: now.UTC().Format(time.RFC3339),
		},
	}
}

// AnalysisReadyPayload notifies subscribers that an analysis has been
// bound to a threat.
type AnalysisReadyPayload struct {
	Type      string `json:"type"`
	ThreatID  string `json:"threat_id"`
	Timestamp string `json:"timestamp"`
}
