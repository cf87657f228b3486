package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/treesync/cli/reader"
)

const timeLayout = "2006-01-02 15:04:05"

// InspectModel is a Bubble Tea model for inspect views.
type InspectModel struct {
	viewType string
	data     any
	viewport viewport.Model
	ready    bool
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{viewType: viewType, data: data}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		// Leave room for the help line.
		h := max(msg.Height-2, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, h
		}
		m.viewport.SetContent(m.content())
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}
	body := m.content()
	if m.ready {
		body = m.viewport.View()
	}
	return body + "\n" + HelpStyle.Render("↑/↓ scroll • q quit")
}

func (m InspectModel) content() string {
	switch m.viewType {
	case ViewInspectConversation:
		d, ok := m.data.(*reader.ConversationDetail)
		if !ok {
			return "Invalid data type for " + m.viewType
		}
		return renderConversation(d)
	default:
		return fmt.Sprintf("Unknown view type: %s", m.viewType)
	}
}

func renderConversation(d *reader.ConversationDetail) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Conversation"))
	b.WriteString("\n")

	title := d.Title
	if title == "" {
		title = "(untitled)"
	}
	field(&b, "ID", ValueStyle.Render(d.ID))
	field(&b, "Title", ValueStyle.Render(title))
	field(&b, "Status", StateStyle(d.Status).Render(d.Status))
	if d.Thinking {
		field(&b, "Thinking", WarningStyle.Render("yes"))
	}
	field(&b, "Messages", ValueStyle.Render(fmt.Sprintf("%d", d.Messages)))
	field(&b, "Last Seq", ValueStyle.Render(fmt.Sprintf("%d", d.LastSeq)))
	field(&b, "Updated", ValueStyle.Render(d.UpdatedAt.Local().Format(timeLayout)))

	if d.Objective != nil {
		b.WriteString("\n")
		b.WriteString(renderObjective(d.Objective))
	}
	return BoxStyle.Render(b.String())
}

func renderObjective(o *reader.ObjectiveView) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(o.Title))
	b.WriteString("\n")
	field(&b, "Status", StateStyle(o.Status).Render(o.Status))
	field(&b, "Progress", ValueStyle.Render(fmt.Sprintf("%d/%d nodes (%d%%)", o.Completed, o.Total, o.Progress)))
	b.WriteString("\n")
	for _, n := range o.Nodes {
		b.WriteString(nodeLine(n))
		b.WriteString("\n")
	}
	return b.String()
}

func nodeLine(n reader.NodeRow) string {
	line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", n.Level), NodeMark(n.Unlocked, n.Completed), n.Title)
	if n.XP > 0 {
		line += MutedStyle.Render(fmt.Sprintf(" +%dxp", n.XP))
	}
	if len(n.Dependencies) > 0 {
		line += MutedStyle.Render(" ← " + strings.Join(n.Dependencies, ", "))
	}
	return line
}

func field(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", LabelStyle.Render(label+":"), value)
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	return runModel(NewInspectModel(viewType, data))
}

// RenderInspectStatic renders inspect data without the full TUI.
func RenderInspectStatic(viewType string, data any) string {
	return lipgloss.NewStyle().Padding(1, 2).Render(NewInspectModel(viewType, data).content())
}
