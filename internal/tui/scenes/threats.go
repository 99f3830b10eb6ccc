package scenes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"otwatch/internal/tui/api"
	"otwatch/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxTailLen bounds the in-memory live tail
const maxTailLen = 500

// ThreatsScene displays a live tail of detected threats. The initial
// page comes from the REST API; after that, new threats arrive over the
// server-sent event stream.
type ThreatsScene struct {
	client     *api.Client
	threats    []api.Threat
	stream     <-chan api.StreamEvent
	streamOff  context.CancelFunc
	live       bool
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// threatsMsg carries the initial threat page
type threatsMsg struct {
	threats []api.Threat
	err     string
}

// StreamMsg marks messages produced by the live stream plumbing. The
// parent model forwards these to the threats scene even when another
// scene is active so the tail keeps filling in the background.
type StreamMsg interface {
	streamMsg()
}

// streamOpenMsg carries the opened live stream
type streamOpenMsg struct {
	stream <-chan api.StreamEvent
	cancel context.CancelFunc
	err    string
}

func (streamOpenMsg) streamMsg() {}

// streamEventMsg carries one live event
type streamEventMsg struct {
	event api.StreamEvent
	ok    bool
}

func (streamEventMsg) streamMsg() {}

// NewThreatsScene creates a new threats scene
func NewThreatsScene(client *api.Client) *ThreatsScene {
	return &ThreatsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the threats scene
func (s *ThreatsScene) Init() tea.Cmd {
	cmds := []tea.Cmd{s.fetchThreats()}
	if s.stream == nil {
		cmds = append(cmds, s.openStream())
	}
	return tea.Batch(cmds...)
}

// fetchThreats fetches the initial page from the API
func (s *ThreatsScene) fetchThreats() tea.Cmd {
	return func() tea.Msg {
		resp, err := s.client.GetThreats(100)
		if err != nil {
			return threatsMsg{err: err.Error()}
		}
		return threatsMsg{threats: resp.Threats}
	}
}

// openStream connects to the live threat stream
func (s *ThreatsScene) openStream() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithCancel(context.Background())
		stream, err := s.client.StreamThreats(ctx)
		if err != nil {
			cancel()
			return streamOpenMsg{err: err.Error()}
		}
		return streamOpenMsg{stream: stream, cancel: cancel}
	}
}

// waitForEvent blocks on the stream channel for the next event
func (s *ThreatsScene) waitForEvent() tea.Cmd {
	stream := s.stream
	return func() tea.Msg {
		event, ok := <-stream
		return streamEventMsg{event: event, ok: ok}
	}
}

// TickCmd returns a command that ticks every interval. The tail itself
// is pushed; the tick only refreshes when the stream is down.
func (s *ThreatsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "threats", Time: t}
	})
}

// Update handles messages for the threats scene
func (s *ThreatsScene) Update(msg tea.Msg) (*ThreatsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-12)
		return s, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
				if s.cursor < s.offset {
					s.offset = s.cursor
				}
			}
		case "down", "j":
			if s.cursor < len(s.threats)-1 {
				s.cursor++
				if s.cursor >= s.offset+s.maxRows {
					s.offset = s.cursor - s.maxRows + 1
				}
			}
		case "pgup":
			s.cursor = max(0, s.cursor-s.maxRows)
			s.offset = max(0, s.offset-s.maxRows)
		case "pgdown":
			s.cursor = min(len(s.threats)-1, s.cursor+s.maxRows)
			s.offset = min(max(0, len(s.threats)-s.maxRows), s.offset+s.maxRows)
		case "r":
			// Manual refresh
			s.loading = true
			return s, s.fetchThreats()
		}
		return s, nil

	case threatsMsg:
		s.loading = false
		s.threats = msg.threats
		s.err = msg.err
		s.lastUpdate = time.Now()
		// Reset cursor if out of bounds
		if s.cursor >= len(s.threats) {
			s.cursor = max(0, len(s.threats)-1)
		}
		return s, nil

	case streamOpenMsg:
		if msg.err != "" {
			s.live = false
			return s, nil
		}
		s.stream = msg.stream
		s.streamOff = msg.cancel
		s.live = true
		return s, s.waitForEvent()

	case streamEventMsg:
		if !msg.ok {
			// Stream closed; the tick loop will reconnect.
			s.stream = nil
			s.live = false
			return s, nil
		}
		if threat, ok := decodeThreatEvent(msg.event); ok {
			s.threats = append([]api.Threat{threat}, s.threats...)
			if len(s.threats) > maxTailLen {
				s.threats = s.threats[:maxTailLen]
			}
			if s.cursor > 0 {
				s.cursor++
			}
			s.lastUpdate = time.Now()
		}
		return s, s.waitForEvent()

	case TickMsg:
		if msg.Scene == "threats" {
			if s.stream == nil {
				return s, tea.Batch(s.fetchThreats(), s.openStream())
			}
			return s, nil
		}
		return s, nil
	}

	return s, nil
}

// decodeThreatEvent decodes a live threat frame, skipping heartbeats and
// connection acks.
func decodeThreatEvent(event api.StreamEvent) (api.Threat, bool) {
	if event.Name != "threat" || len(event.Data) == 0 {
		return api.Threat{}, false
	}

	var threat api.Threat
	if err := json.Unmarshal(event.Data, &threat); err != nil {
		return api.Threat{}, false
	}
	return threat, threat.ID != ""
}

// Close stops the live stream
func (s *ThreatsScene) Close() {
	if s.streamOff != nil {
		s.streamOff()
	}
}

// View renders the threat tail
func (s *ThreatsScene) View() string {
	var b strings.Builder

	// Title
	title := styles.Title.Render("  Threats")
	b.WriteString(title)
	b.WriteString("\n\n")

	if s.loading && len(s.threats) == 0 {
		b.WriteString(styles.Muted.Render("  Loading threats..."))
		return b.String()
	}

	// Error display
	if s.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", s.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Check that the backend is running and reachable."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	// No threats
	if len(s.threats) == 0 {
		b.WriteString(styles.Muted.Render("  No threats recorded."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Threats appear here as detection nodes push risk alarms."))
		return b.String()
	}

	// Count and live indicator
	countText := fmt.Sprintf("  Showing %d threats", len(s.threats))
	b.WriteString(styles.Subtitle.Render(countText))
	if s.live {
		b.WriteString(styles.StatusOK.Render("  ● LIVE"))
	} else {
		b.WriteString(styles.Muted.Render("  ○ polling"))
	}
	if s.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	// Table header
	header := fmt.Sprintf("  %-10s %-6s %-10s %-16s %-16s %s",
		"Time", "Engine", "Level", "Source", "Destination", "Classification")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	// Table rows
	endIdx := min(s.offset+s.maxRows, len(s.threats))
	visible := s.threats[s.offset:endIdx]
	for i, threat := range visible {
		idx := s.offset + i
		b.WriteString(s.renderThreatRow(threat, idx == s.cursor))
		b.WriteString("\n")
	}

	// Scroll indicator
	if len(s.threats) > s.maxRows {
		scrollInfo := fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			s.offset+1, endIdx, len(s.threats))
		b.WriteString(styles.Muted.Render(scrollInfo))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	// Last update time
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (s *ThreatsScene) renderThreatRow(threat api.Threat, selected bool) string {
	timestamp := threat.EventTimestamp.Local().Format("15:04:05")
	level := s.formatLevel(threat.Level)
	source := truncate(endpointLabel(threat.SourceIP, threat.SourceAsset), 16)
	dest := truncate(endpointLabel(threat.DestinationIP, threat.DestAsset), 16)
	classification := threat.Classification
	if classification == "" {
		classification = "(pending analysis)"
	}

	row := fmt.Sprintf("  %-10s %-6s %s %-16s %-16s %s",
		timestamp, threat.Engine, level, source, dest, truncate(classification, 40))

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}

	return row
}

func (s *ThreatsScene) formatLevel(level string) string {
	width := 10
	var style lipgloss.Style

	switch level {
	case "critical":
		style = styles.LevelCritical
	case "warning":
		style = styles.LevelWarning
	case "attention":
		style = styles.LevelAttention
	default:
		style = styles.Muted
	}

	padded := fmt.Sprintf("%-*s", width, strings.ToUpper(level))
	return style.Render(padded)
}

// endpointLabel prefers the asset name over the bare IP
func endpointLabel(ip, asset string) string {
	if asset != "" {
		return asset
	}
	if ip != "" {
		return ip
	}
	return "-"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
