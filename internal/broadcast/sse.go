package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSEHandler serves long-lived text/event-stream subscriptions backed by
// the hub. Each connection is one subscriber; the handler goroutine pumps
// the subscriber's channel to the client until the client disconnects,
// the per-connection timeout fires, a write fails, or the hub drops the
// subscriber. All four paths end in Unsubscribe.
type SSEHandler struct {
	hub     *Hub
	timeout time.Duration
}

// NewSSEHandler creates an SSE handler over the hub. A zero timeout
// disables the per-connection limit.
func NewSSEHandler(hub *Hub, timeout time.Duration) *SSEHandler {
	return &SSEHandler{hub: hub, timeout: timeout}
}

// HandleGeneral handles GET /v1/stream.
func (h *SSEHandler) HandleGeneral(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, TopicGeneral)
}

// HandleThreats handles GET /v1/stream/threats.
func (h *SSEHandler) HandleThreats(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, TopicThreat)
}

// HandleStats handles GET /v1/stream/stats.
func (h *SSEHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, TopicStats)
}

func (h *SSEHandler) serve(w http.ResponseWriter, r *http.Request, topic Topic) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Subscribe(topic)
	defer h.hub.Unsubscribe(sub)

	var timeout <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case <-timeout:
			slog.Info("subscription timed out", "topic", topic, "subscriber_id", sub.ID())
			return
		case event := <-sub.Events():
			// The select above picks among ready cases at random, so a
			// buffered event can win over a closed Done. Re-check before
			// writing: a detached subscriber must not see another frame.
			select {
			case <-sub.Done():
				return
			default:
			}
			if err := writeEvent(w, event); err != nil {
				slog.Warn("stream write failed",
					"topic", topic,
					"subscriber_id", sub.ID(),
					"error", err,
				)
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent renders one event as an SSE frame.
func writeEvent(w http.ResponseWriter, event Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		// A payload the surrounding system cannot serialize is a producer
		// bug, not a transport failure; skip the frame.
		slog.Error("event payload not serializable", "event", event.Name, "error", err)
		return nil
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data)
	return err
}
