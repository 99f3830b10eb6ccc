// Package api provides the HTTP client for connecting to the otwatch backend
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client handles API communication with the monitoring backend
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Stats represents the combined backend state shown on the dashboard
type Stats struct {
	TotalThreats    int64 `json:"total_threats"`
	ThreatsLast24h  int64 `json:"threats_last_24h"`
	AnalysesLast24h int64 `json:"analyses_last_24h"`
	OpenCritical    int64 `json:"open_critical"`
	AttackSources   int   `json:"attack_sources_last_24h"`
	RiskScore       int   `json:"risk_score"`

	NewThreats           int64 `json:"new_threats"`
	InvestigatingThreats int64 `json:"investigating_threats"`
	CompletedThreats     int64 `json:"completed_threats"`

	QueueDepth    int     `json:"queue_depth"`
	QueueCapacity int     `json:"queue_capacity"`
	QueueUsage    float64 `json:"queue_usage_percent"`
	QueuePushed   int64   `json:"queue_pushed"`
	QueuePopped   int64   `json:"queue_popped"`
	QueueDropped  int64   `json:"queue_dropped"`

	AlarmsTotal   int64   `json:"alarms_total"`
	AlarmsPerSec  float64 `json:"alarms_per_second"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds int     `json:"uptime_seconds"`

	Healthy      bool   `json:"healthy"`
	HealthStatus string `json:"health_status"`
	StatusReason string `json:"status_reason"`
}

// Threat is the threat record shape returned by the backend
type Threat struct {
	ID             string    `json:"threat_id"`
	Index          int       `json:"threat_index"`
	EventTimestamp time.Time `json:"event_timestamp"`
	Engine         string    `json:"detection_engine"`
	SourceIP       string    `json:"source_ip"`
	SourceAsset    string    `json:"source_asset"`
	DestinationIP  string    `json:"destination_ip"`
	DestAsset      string    `json:"destination_asset"`
	Classification string    `json:"threat_type"`
	Level          string    `json:"threat_level"`
	Status         string    `json:"status"`
	Score          float64   `json:"score"`
}

// ThreatsResponse is the response from GET /v1/threats
type ThreatsResponse struct {
	Threats []Threat `json:"threats"`
	Count   int      `json:"count"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// StreamEvent is one server-sent event from the live stream
type StreamEvent struct {
	Name string
	Data []byte
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetHealth fetches health status
func (c *Client) GetHealth() (*HealthResponse, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &health, nil
}

// GetThreats fetches the most recent threat records
func (c *Client) GetThreats(limit int) (*ThreatsResponse, error) {
	resp, err := c.httpClient.Get(fmt.Sprintf("%s/v1/threats?limit=%d", c.baseURL, limit))
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned %s", resp.Status)
	}

	var threats ThreatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&threats); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &threats, nil
}

// parsePrometheusMetrics parses Prometheus-format metrics
func (c *Client) parsePrometheusMetrics(body string) map[string]float64 {
	metrics := make(map[string]float64)
	scanner := bufio.NewScanner(strings.NewReader(body))

	for scanner.Scan() {
		line := scanner.Text()
		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		// Parse metric line: metric_name value
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			if val, err := strconv.ParseFloat(parts[1], 64); err == nil {
				metrics[parts[0]] = val
			}
		}
	}
	return metrics
}

// GetStats fetches combined stats for the dashboard
func (c *Client) GetStats() (*Stats, error) {
	// Get health status first
	health, healthErr := c.GetHealth()

	stats := &Stats{
		Healthy:      false,
		HealthStatus: "unknown",
		StatusReason: "Unable to connect to backend",
	}

	if healthErr != nil {
		stats.StatusReason = healthErr.Error()
		return stats, nil
	}

	// Health endpoint returns status as "healthy" or "degraded"
	stats.HealthStatus = health.Status
	stats.Healthy = health.Status == "healthy"
	stats.QueueDepth = health.QueueDepth
	stats.QueueCapacity = health.QueueCapacity
	stats.UptimeSeconds = health.UptimeSeconds
	stats.Uptime = formatUptime(float64(health.UptimeSeconds))

	// Calculate queue usage percent
	if health.QueueCapacity > 0 {
		stats.QueueUsage = float64(health.QueueDepth) / float64(health.QueueCapacity) * 100
	}

	if health.Status == "degraded" {
		stats.StatusReason = fmt.Sprintf("Queue at %.0f%% capacity", stats.QueueUsage)
	} else if stats.Healthy {
		stats.StatusReason = "All systems operational"
	}

	// Try to get the stats summary (requires the stats service)
	if resp, err := c.httpClient.Get(c.baseURL + "/v1/stats/summary"); err == nil {
		if resp.StatusCode == http.StatusOK {
			json.NewDecoder(resp.Body).Decode(stats)
		}
		resp.Body.Close()
	}

	// Try to get additional metrics from the Prometheus endpoint
	resp, err := c.httpClient.Get(c.baseURL + "/metrics")
	if err == nil {
		defer resp.Body.Close()
		buf := new(strings.Builder)
		buf.Grow(4096)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			buf.WriteString(scanner.Text())
			buf.WriteString("\n")
		}
		metrics := c.parsePrometheusMetrics(buf.String())

		// Queue processing metrics
		if pushed, ok := metrics["otwatch_queue_pushed_total"]; ok {
			stats.QueuePushed = int64(pushed)
		}
		if popped, ok := metrics["otwatch_queue_popped_total"]; ok {
			stats.QueuePopped = int64(popped)
		}
		if dropped, ok := metrics["otwatch_queue_dropped_total"]; ok {
			stats.QueueDropped = int64(dropped)
		}
		if alarms, ok := metrics["otwatch_alarms_total"]; ok {
			stats.AlarmsTotal = int64(alarms)
		}
		if uptime, ok := metrics["otwatch_uptime_seconds"]; ok && uptime > 0 {
			stats.AlarmsPerSec = float64(stats.AlarmsTotal) / uptime
		}
	}

	return stats, nil
}

// StreamThreats opens the live threat stream and forwards each event on
// the returned channel. The channel closes when the stream ends or the
// context is cancelled.
func (c *Client) StreamThreats(ctx context.Context) (<-chan StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/stream/threats", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// A streaming request must not inherit the short request timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("backend returned %s", resp.Status)
	}

	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)
		defer resp.Body.Close()

		var name string
		var data []byte

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = []byte(strings.TrimPrefix(line, "data: "))
			case line == "":
				if name != "" || data != nil {
					select {
					case events <- StreamEvent{Name: name, Data: data}:
					case <-ctx.Done():
						return
					}
				}
				name, data = "", nil
			}
		}
	}()

	return events, nil
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
