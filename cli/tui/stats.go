package tui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/treesync/metrics"
)

// RefreshFunc fetches a fresh stats payload.
type RefreshFunc func() (any, error)

type refreshMsg struct {
	data any
	err  error
}

// StatsModel is a Bubble Tea model for stats views. With a refresh function
// it polls and redraws on every interval.
type StatsModel struct {
	viewType string
	data     any
	err      error
	refresh  RefreshFunc
	every    time.Duration
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{viewType: viewType, data: data}
}

// WithRefresh returns a copy of m that polls fn every interval.
func (m StatsModel) WithRefresh(fn RefreshFunc, every time.Duration) StatsModel {
	m.refresh, m.every = fn, every
	return m
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return m.tick()
}

func (m StatsModel) tick() tea.Cmd {
	if m.refresh == nil || m.every <= 0 {
		return nil
	}
	fn := m.refresh
	return tea.Tick(m.every, func(time.Time) tea.Msg {
		data, err := fn()
		return refreshMsg{data: data, err: err}
	})
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.data = msg.data
		}
		return m, m.tick()

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case ViewStatsRelay:
		content = m.renderRelay()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}
	if m.err != nil {
		content += "\n" + ErrorStyle.Render("refresh failed: "+m.err.Error())
	}
	return content + "\n" + HelpStyle.Render("Press q or Ctrl+C to quit")
}

func (m StatsModel) renderRelay() string {
	s, ok := m.data.(*metrics.Snapshot)
	if !ok {
		return "Invalid data type for " + ViewStatsRelay
	}

	var b strings.Builder
	title := "Relay Statistics"
	if s.Node != "" {
		title += " · " + s.Node
	}
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n")

	section(&b, "Webhooks",
		statBox("Received", s.WebhooksReceived, highlightColor),
		statBox("Applied", s.WebhooksApplied, successColor),
		statBox("Rejected", s.WebhooksRejected, errorColor),
		statBox("Fallbacks", s.CorrelationFallbacks, warningColor),
	)
	if len(s.RejectedByKind) > 0 {
		kinds := make([]string, 0, len(s.RejectedByKind))
		for k, n := range s.RejectedByKind {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
		b.WriteString(MutedStyle.Render("rejected by kind: " + strings.Join(slices.Sorted(slices.Values(kinds)), " ")))
		b.WriteString("\n")
	}
	section(&b, "Connections",
		statBox("Open", s.ConnectionsOpened-s.ConnectionsClosed, highlightColor),
		statBox("Relayed", s.EnvelopesRelayed, successColor),
		statBox("Dropped", s.EnvelopesDropped, warningColor),
		statBox("Decode errors", s.FrameDecodeErrors, errorColor),
	)
	section(&b, "Dispatch",
		statBox("Client msgs", s.ClientMessages, highlightColor),
		statBox("Dispatched", s.DispatchSuccess, successColor),
		statBox("Failed", s.DispatchFailure, errorColor),
		statBox("Notify fails", s.NotifyFailures, errorColor),
	)
	if s.JournalBackend != "" {
		section(&b, "Journal ("+s.JournalBackend+")",
			statBox("Written", s.JournalWriteSuccess, successColor),
			statBox("Failed", s.JournalWriteFailure, errorColor),
		)
	}
	return b.String()
}

func section(b *strings.Builder, title string, boxes ...string) {
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(highlightColor).Render(title))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n")
}

func statBox(label string, value int64, color lipgloss.Color) string {
	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)
	return StatBoxStyle.BorderForeground(color).Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	return runModel(NewStatsModel(viewType, data))
}

// RunLiveStatsTUI runs the stats TUI, polling fn every interval.
func RunLiveStatsTUI(viewType string, data any, fn RefreshFunc, every time.Duration) error {
	return runModel(NewStatsModel(viewType, data).WithRefresh(fn, every))
}

func runModel(m tea.Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// RenderStatsStatic renders stats data without the full TUI.
func RenderStatsStatic(viewType string, data any) string {
	return lipgloss.NewStyle().Padding(1, 2).Render(NewStatsModel(viewType, data).View())
}
