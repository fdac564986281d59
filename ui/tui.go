// Package ui implements the manager's optional live dashboard
// (the -tui flag), showing registry, queue, worker, and recent
// transfer-history state as it changes.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// HistoryEntry is one line of recent transfer activity, sourced from
// history.Record.
type HistoryEntry struct {
	PairKey  string
	Filename string
	Outcome  string
	Bytes    int64
	When     time.Time
}

// UIState is the aggregated manager state the dashboard renders,
// polled from registry.Registry.Snapshot, engine.WorkerPool.Stats,
// and history.Store.Recent.
type UIState struct {
	PairCount       int
	ActivePairCount int

	QueueLen int
	QueueCap int

	ActiveWorkers int
	MaxWorkers    int

	Completed uint64
	Failed    uint64
	Abandoned uint64

	Recent []HistoryEntry

	IsRunning bool
	Done      bool
}

// TUIModel implements the tea.Model interface.
type TUIModel struct {
	state    *UIState
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	historyStyle lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically with a fresh UIState snapshot.
type TUIUpdateMsg struct {
	State *UIState
}

func NewTUIModel(initialState *UIState) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		state:        initialState,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		historyStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.state.IsRunning = false
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.state = msg.State
		if m.state.Done {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	header := fmt.Sprintf("%s %s", m.spinner.View(), m.titleStyle.Render("filesync manager"))
	sb.WriteString(header + "\n")

	var queueFraction float64
	if m.state.QueueCap > 0 {
		queueFraction = float64(m.state.QueueLen) / float64(m.state.QueueCap)
	}

	info := fmt.Sprintf("pairs: %d/%d active | workers: %d/%d | completed: %d failed: %d abandoned: %d",
		m.state.ActivePairCount, m.state.PairCount,
		m.state.ActiveWorkers, m.state.MaxWorkers,
		m.state.Completed, m.state.Failed, m.state.Abandoned)

	sb.WriteString(m.infoStyle.Render(info) + "\n")
	sb.WriteString(fmt.Sprintf("queue: %d/%d %s\n\n", m.state.QueueLen, m.state.QueueCap, m.progress.ViewAs(queueFraction)))

	sb.WriteString("Recent activity:\n")
	var historyContent strings.Builder
	if len(m.state.Recent) == 0 {
		historyContent.WriteString(m.infoStyle.Render("No transfers yet..."))
	} else {
		for _, entry := range m.state.Recent {
			line := formatHistoryLine(entry)
			if entry.Outcome == "ERROR" {
				historyContent.WriteString(m.errorStyle.Render(line) + "\n")
			} else {
				historyContent.WriteString(m.historyStyle.Render(line) + "\n")
			}
		}
	}

	m.viewport.SetContent(historyContent.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: quit")
	if m.state.Done {
		help = m.successStyle.Render("Shutdown complete.") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func formatHistoryLine(e HistoryEntry) string {
	path := e.Filename
	if len(path) > 40 {
		path = "..." + path[len(path)-37:]
	}
	return fmt.Sprintf("%s %-7s %-10s %s", e.When.Format("15:04:05"), e.Outcome, formatBytes(e.Bytes), path)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GB", float64(n)/(1024*1024*1024))
	case n >= 1024*1024:
		return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.2f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
