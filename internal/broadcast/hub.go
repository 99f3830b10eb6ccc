package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Subscriber is one live delivery target. It is created by Subscribe and
// owned by the Hub; all termination paths (normal completion, timeout,
// transport error, failed delivery) converge on Hub.Unsubscribe, which is
// idempotent.
type Subscriber struct {
	id    uuid.UUID
	topic Topic
	ch    chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the subscriber's unique handle identifier.
func (s *Subscriber) ID() uuid.UUID {
	return s.id
}

// Topic returns the topic the subscriber joined.
func (s *Subscriber) Topic() Topic {
	return s.topic
}

// Events returns the subscriber's delivery channel. The channel is never
// closed; detachment is signalled through Done.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscriber has been detached and will receive
// no further deliveries.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) detach() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// HubConfig configures the broadcast hub.
type HubConfig struct {
	// BufferSize is the per-subscriber delivery buffer. A subscriber whose
	// buffer is full when a delivery is attempted is dropped rather than
	// waited on.
	BufferSize int
}

// DefaultHubConfig returns default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{BufferSize: 64}
}

// Hub maintains one registry of active subscribers per topic and delivers
// published events to them with per-subscriber isolation: a failed
// delivery removes that subscriber and never affects the others.
//
// Delivery is at-most-once and best-effort. There is no queueing, retry,
// or backpressure; a reconnecting client starts fresh with a new connect
// acknowledgment.
type Hub struct {
	mu     sync.RWMutex
	topics map[Topic]map[uuid.UUID]*Subscriber
	config HubConfig

	delivered uint64
	dropped   uint64
}

// NewHub creates a Hub with the given configuration.
func NewHub(config HubConfig) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	return &Hub{
		topics: map[Topic]map[uuid.UUID]*Subscriber{
			TopicGeneral: make(map[uuid.UUID]*Subscriber),
			TopicThreat:  make(map[uuid.UUID]*Subscriber),
			TopicStats:   make(map[uuid.UUID]*Subscriber),
		},
		config: config,
	}
}

// Subscribe registers a new subscriber on the topic and enqueues the
// connect acknowledgment as its first delivery before returning.
func (h *Hub) Subscribe(topic Topic) *Subscriber {
	if !topic.IsValid() {
		topic = TopicGeneral
	}

	sub := &Subscriber{
		id:    uuid.New(),
		topic: topic,
		ch:    make(chan Event, h.config.BufferSize),
		done:  make(chan struct{}),
	}

	// The buffer of a fresh subscriber always has room for the ack.
	sub.ch <- Event{Name: EventConnect, Payload: map[string]string{
		"topic":         string(topic),
		"subscriber_id": sub.id.String(),
	}}

	h.mu.Lock()
	h.topics[topic][sub.id] = sub
	h.mu.Unlock()

	slog.Info("subscriber attached", "topic", topic, "subscriber_id", sub.id)
	return sub
}

// Unsubscribe removes the subscriber from its registry. It is safe to
// call more than once for the same handle and from concurrent paths.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	registry := h.topics[sub.topic]
	_, present := registry[sub.id]
	delete(registry, sub.id)
	h.mu.Unlock()

	sub.detach()

	if present {
		slog.Info("subscriber detached", "topic", sub.topic, "subscriber_id", sub.id)
	}
}

// Publish delivers a named event to every active subscriber on the topic.
// Threat and stats events additionally reach general subscribers. Failed
// deliveries are counted and the affected subscribers removed; the caller
// never sees an error.
func (h *Hub) Publish(topic Topic, name string, payload any) {
	event := Event{Name: name, Payload: payload}

	targets := h.snapshot(topic)
	if topic == TopicThreat || topic == TopicStats {
		targets = append(targets, h.snapshot(TopicGeneral)...)
	}

	h.deliver(targets, event)
}

// Heartbeat publishes a liveness event to every active subscriber on all
// topics. Clients use it to distinguish a quiet stream from a dead
// connection.
func (h *Hub) Heartbeat() {
	event := NewHeartbeat(time.Now())

	var targets []*Subscriber
	for _, topic := range []Topic{TopicGeneral, TopicThreat, TopicStats} {
		targets = append(targets, h.snapshot(topic)...)
	}

	h.deliver(targets, event)
}

func (h *Hub) snapshot(topic Topic) []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	registry := h.topics[topic]
	subs := make([]*Subscriber, 0, len(registry))
	for _, sub := range registry {
		subs = append(subs, sub)
	}
	return subs
}

// deliver attempts one non-blocking send per subscriber. A full buffer or
// detached subscriber counts as a failed delivery and drops the
// subscriber; the remaining targets are unaffected.
func (h *Hub) deliver(targets []*Subscriber, event Event) {
	for _, sub := range targets {
		select {
		case <-sub.done:
			continue
		case sub.ch <- event:
			atomic.AddUint64(&h.delivered, 1)
		default:
			atomic.AddUint64(&h.dropped, 1)
			slog.Warn("subscriber not keeping up, dropping",
				"topic", sub.topic,
				"subscriber_id", sub.id,
				"event", event.Name,
			)
			h.Unsubscribe(sub)
		}
	}
}

// ActiveSubscribers returns the number of active subscribers on the topic.
func (h *Hub) ActiveSubscribers(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Metrics returns hub delivery statistics.
func (h *Hub) Metrics() HubMetrics {
	h.mu.RLock()
	general := len(h.topics[TopicGeneral])
	threat := len(h.topics[TopicThreat])
	stats := len(h.topics[TopicStats])
	h.mu.RUnlock()

	return HubMetrics{
		Delivered:          atomic.LoadUint64(&h.delivered),
		Dropped:            atomic.LoadUint64(&h.dropped),
		GeneralSubscribers: general,
		ThreatSubscribers:  threat,
		StatsSubscribers:   stats,
	}
}

// HubMetrics holds hub delivery statistics.
type HubMetrics struct {
	Delivered          uint64 `json:"delivered"`
	Dropped            uint64 `json:"dropped"`
	GeneralSubscribers int    `json:"general_subscribers"`
	ThreatSubscribers  int    `json:"threat_subscribers"`
	StatsSubscribers   int    `json:"stats_subscribers"`
}
