package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/treesync/cli/reader"
)

// Messages fed into a WatchModel by the program's owner.
type (
	// ConnMsg reports a connection state change.
	ConnMsg struct{ State string }
	// ThinkingMsg reports whether the assistant is working.
	ThinkingMsg struct{ Thinking bool }
	// TranscriptMsg adds or replaces one transcript entry.
	TranscriptMsg struct {
		ID      string
		Role    string
		Content string
		Done    bool
	}
	// ObjectiveMsg replaces the displayed skill tree.
	ObjectiveMsg struct {
		State string
		View  *reader.ObjectiveView
	}
	// ErrorMsg shows an error line until the next one.
	ErrorMsg struct{ Text string }
)

// WatchOptions configure a WatchModel.
type WatchOptions struct {
	Conversation string
	// Complete is called when the user completes the selected node.
	Complete func(nodeID string) error
}

type entry struct {
	role    string
	content string
	done    bool
}

// WatchModel is the live view of one conversation.
type WatchModel struct {
	opts WatchOptions

	conn     string
	thinking bool
	order    []string
	entries  map[string]*entry

	state     string
	objective *reader.ObjectiveView
	cursor    int
	err       string

	spinner    spinner.Model
	progress   progress.Model
	transcript viewport.Model
	width      int
	height     int
	quitting   bool
}

// NewWatchModel creates a watch model.
func NewWatchModel(opts WatchOptions) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = WarningStyle
	return WatchModel{
		opts:       opts,
		conn:       "disconnected",
		entries:    make(map[string]*entry),
		state:      "none",
		spinner:    sp,
		progress:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		transcript: viewport.New(80, 10),
		width:      80,
		height:     24,
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.progress.Width = max(msg.Width/2, 10)
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			m.cursor = max(m.cursor-1, 0)
			return m, nil
		case key.Matches(msg, keys.Down):
			if m.objective != nil && len(m.objective.Nodes) > 0 {
				m.cursor = min(m.cursor+1, len(m.objective.Nodes)-1)
			}
			return m, nil
		case key.Matches(msg, keys.Complete):
			return m, m.complete()
		}
		var cmd tea.Cmd
		m.transcript, cmd = m.transcript.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ConnMsg:
		m.conn = msg.State
	case ThinkingMsg:
		m.thinking = msg.Thinking
	case TranscriptMsg:
		e, ok := m.entries[msg.ID]
		if !ok {
			e = &entry{}
			m.entries[msg.ID] = e
			m.order = append(m.order, msg.ID)
		}
		e.role, e.content, e.done = msg.Role, msg.Content, msg.Done
		if msg.Role == "assistant" {
			m.thinking = !msg.Done
		}
		m.refreshTranscript()
	case ObjectiveMsg:
		m.state = msg.State
		m.objective = msg.View
		if m.objective != nil {
			m.cursor = min(m.cursor, max(len(m.objective.Nodes)-1, 0))
		}
		m.layout()
	case ErrorMsg:
		m.err = msg.Text
	}
	return m, nil
}

func (m WatchModel) complete() tea.Cmd {
	if m.opts.Complete == nil || m.objective == nil || len(m.objective.Nodes) == 0 {
		return nil
	}
	n := m.objective.Nodes[m.cursor]
	if !n.Unlocked || n.Completed {
		return func() tea.Msg { return ErrorMsg{Text: fmt.Sprintf("%s is not available", n.Title)} }
	}
	fn := m.opts.Complete
	return func() tea.Msg {
		if err := fn(n.ID); err != nil {
			return ErrorMsg{Text: err.Error()}
		}
		return ErrorMsg{}
	}
}

// layout splits the height between transcript and tree.
func (m *WatchModel) layout() {
	tree := 0
	if m.objective != nil {
		tree = len(m.objective.Nodes) + 4
	}
	h := max(m.height-tree-5, 3)
	m.transcript.Width, m.transcript.Height = m.width, h
	m.refreshTranscript()
}

func (m *WatchModel) refreshTranscript() {
	var lines []string
	for _, id := range m.order {
		e := m.entries[id]
		prefix := UserStyle.Render("you")
		if e.role == "assistant" {
			prefix = AssistantStyle.Render("ai ")
		}
		text := e.content
		if !e.done && e.role == "assistant" {
			text += MutedStyle.Render("▍")
		}
		lines = append(lines, prefix+" "+lipgloss.NewStyle().Width(max(m.width-4, 10)).Render(text))
	}
	m.transcript.SetContent(strings.Join(lines, "\n"))
	m.transcript.GotoBottom()
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	header := TitleStyle.UnsetMarginBottom().Render("treesync")
	if m.opts.Conversation != "" {
		header += " " + MutedStyle.Render(m.opts.Conversation)
	}
	header += "  " + StateStyle(m.conn).Render(m.conn)
	if m.thinking || m.state == "generating" || m.state == "updating" {
		header += " " + m.spinner.View()
	}
	b.WriteString(header + "\n\n")
	b.WriteString(m.transcript.View())
	b.WriteString("\n")

	if o := m.objective; o != nil {
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Bold(true).Render(o.Title))
		b.WriteString(" " + StateStyle(m.state).Render(m.state) + "\n")
		pct := float64(o.Progress) / 100
		if m.state != "generating" && o.Total > 0 {
			pct = float64(o.Completed) / float64(o.Total)
		}
		b.WriteString(m.progress.ViewAs(pct) + "\n")
		for i, n := range o.Nodes {
			cursor := "  "
			if i == m.cursor {
				cursor = HeaderStyle.Render("> ")
			}
			b.WriteString(cursor + nodeLine(n) + "\n")
		}
	}
	if m.err != "" {
		b.WriteString(ErrorStyle.Render(m.err) + "\n")
	}
	b.WriteString(HelpStyle.Render("↑/↓ select • enter complete • q quit"))
	return b.String()
}
