package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/foremanhq/foreman/internal/reports"
)

// Panel width (all panels same width)
const (
	panelTotalWidth = 69 // Total visual width including borders
	panelInnerWidth = 65 // panelTotalWidth - 4 (2 borders + 2 padding spaces)
)

// Styles (muted terminal aesthetic)
var (
	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7ec699")) // sage green

	busyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))
)

// SnapshotFetcher provides snapshots for the dashboard to render.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context) (*reports.Snapshot, error)
}

// Model is the TUI model.
type Model struct {
	fetcher  SnapshotFetcher
	interval time.Duration
	version  string

	snap     *reports.Snapshot
	fetchErr error
	width    int
	height   int
	quitting bool
}

// NewModel creates a dashboard model polling the fetcher at the given
// interval.
func NewModel(fetcher SnapshotFetcher, interval time.Duration, version string) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		fetcher:  fetcher,
		interval: interval,
		version:  version,
	}
}

// tickMsg triggers a refresh.
type tickMsg time.Time

// snapshotMsg delivers a fetched snapshot.
type snapshotMsg struct {
	snap *reports.Snapshot
	err  error
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchCmd(),
		m.tickCmd(),
		tea.EnterAltScreen,
	)
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchCmd() tea.Cmd {
	fetcher := m.fetcher
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := fetcher.Snapshot(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())

	case snapshotMsg:
		m.fetchErr = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(labelStyle.Render(fmt.Sprintf("FOREMAN %s", m.version)))
	if m.fetchErr != nil {
		b.WriteString("  ")
		b.WriteString(failedStyle.Render(fmt.Sprintf("(disconnected: %v)", m.fetchErr)))
	}
	b.WriteString("\n\n")

	if m.snap == nil {
		b.WriteString(dimStyle.Render("  Waiting for first snapshot..."))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("  q quit  r refresh"))
		return b.String()
	}

	b.WriteString(m.queuePanel())
	b.WriteString("\n")
	b.WriteString(m.agentsPanel())
	b.WriteString("\n")
	b.WriteString(m.processPanel())
	b.WriteString("\n")
	b.WriteString(m.spendPanel())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("  q quit  r refresh"))

	return b.String()
}

func (m Model) queuePanel() string {
	var content strings.Builder
	w := panelInnerWidth
	q := m.snap.Queue

	content.WriteString(dotLeader("Depth", fmt.Sprintf("%d", q.Depth), w))
	content.WriteString("\n")
	content.WriteString(dotLeader("Pending", fmt.Sprintf("%d", q.Pending), w))
	content.WriteString("\n")
	content.WriteString(dotLeader("Active", fmt.Sprintf("%d assigned  %d running", q.Assigned, q.Running), w))
	content.WriteString("\n")
	content.WriteString(dotLeader("Completed", fmt.Sprintf("%d", q.Completed), w))
	content.WriteString("\n")

	if q.Retrying > 0 {
		content.WriteString(dotLeaderStyled("Retrying", fmt.Sprintf("%d", q.Retrying), warningStyle, w))
	} else {
		content.WriteString(dotLeader("Retrying", "0", w))
	}
	content.WriteString("\n")

	if q.Dead > 0 {
		content.WriteString(dotLeaderStyled("Dead-letter", fmt.Sprintf("%d", q.Dead), failedStyle, w))
	} else {
		content.WriteString(dotLeader("Dead-letter", "0", w))
	}

	if q.Paused {
		content.WriteString("\n")
		note := "yes"
		if q.PauseNote != "" {
			note = truncateString(q.PauseNote, 40)
		}
		content.WriteString(dotLeaderStyled("Paused", note, warningStyle, w))
	}

	return renderPanel("QUEUE", content.String())
}

func (m Model) agentsPanel() string {
	var content strings.Builder
	w := panelInnerWidth

	if len(m.snap.Agents) == 0 {
		content.WriteString("  No agents registered")
		return renderPanel("AGENTS", content.String())
	}

	for _, agent := range m.snap.Agents {
		load := fmt.Sprintf("%.1f/%.1f", agent.AssignedEffort, agent.Capacity)
		style := dimStyle
		switch agent.State {
		case "idle":
			style = okStyle
		case "busy":
			style = busyStyle
		case "offline":
			style = failedStyle
		}
		label := truncateString(agent.Name, 24)
		content.WriteString(dotLeaderStyled(label, agent.State+"  "+load, style, w))
		content.WriteString("\n")
	}

	return renderPanel("AGENTS", strings.TrimRight(content.String(), "\n"))
}

func (m Model) processPanel() string {
	var content strings.Builder
	w := panelInnerWidth

	if len(m.snap.Processes) == 0 {
		content.WriteString("  No supervised processes")
		return renderPanel("PROCESSES", content.String())
	}

	for _, proc := range m.snap.Processes {
		style := dimStyle
		switch string(proc.State) {
		case "running":
			style = okStyle
		case "starting":
			style = busyStyle
		case "failed":
			style = failedStyle
		}
		value := string(proc.State)
		if proc.Restarts > 0 {
			value = fmt.Sprintf("%s  %d restarts", proc.State, proc.Restarts)
		}
		content.WriteString(dotLeaderStyled(truncateString(proc.ID, 24), value, style, w))
		content.WriteString("\n")
	}

	return renderPanel("PROCESSES", strings.TrimRight(content.String(), "\n"))
}

func (m Model) spendPanel() string {
	var content strings.Builder
	w := panelInnerWidth

	if m.snap.Budget == nil && m.snap.Cost == nil {
		content.WriteString("  Budget tracking disabled")
		return renderPanel("SPEND", content.String())
	}

	if b := m.snap.Budget; b != nil {
		daily := fmt.Sprintf("$%.2f / $%.2f", b.DailySpent, b.DailyLimit)
		content.WriteString(dotLeaderStyled("Daily", daily, spendStyle(b.DailyPercent), w))
		content.WriteString("\n")

		monthly := fmt.Sprintf("$%.2f / $%.2f", b.MonthlySpent, b.MonthlyLimit)
		content.WriteString(dotLeaderStyled("Monthly", monthly, spendStyle(b.MonthlyPercent), w))
		content.WriteString("\n")

		if b.IsPaused {
			content.WriteString(dotLeaderStyled("Enforcer", truncateString(b.PauseReason, 36), failedStyle, w))
			content.WriteString("\n")
		}
	}

	if c := m.snap.Cost; c != nil && c.Enabled {
		content.WriteString(dotLeader("Cloud MTD", fmt.Sprintf("$%.2f", c.LastSpend), w))
		content.WriteString("\n")
		delta := fmt.Sprintf("$%.2f / $%.2f", c.WindowDelta, c.Threshold)
		if c.Tripped {
			content.WriteString(dotLeaderStyled("Watchdog", "TRIPPED  "+delta, failedStyle, w))
		} else {
			content.WriteString(dotLeader("Watchdog", delta, w))
		}
		content.WriteString("\n")
	}

	return renderPanel("SPEND", strings.TrimRight(content.String(), "\n"))
}

// spendStyle picks a style based on percent of budget consumed.
func spendStyle(percent float64) lipgloss.Style {
	switch {
	case percent >= 100:
		return failedStyle
	case percent >= 80:
		return warningStyle
	default:
		return okStyle
	}
}

// --- Panel rendering helpers ---

// renderPanel wraps content in a rounded border with a title.
func renderPanel(title string, content string) string {
	var lines []string

	lines = append(lines, buildTopBorder(title))
	lines = append(lines, buildEmptyLine())
	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}
	lines = append(lines, buildEmptyLine())
	lines = append(lines, buildBottomBorder())

	return strings.Join(lines, "\n")
}

// buildTopBorder creates: ╭─ TITLE ─────...─────╮ with exact panelTotalWidth
func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")

	dashCount := panelTotalWidth - prefixWidth - 1 // -1 for ╮
	if dashCount < 0 {
		dashCount = 0
	}

	return borderStyle.Render(prefix) + labelStyle.Render(titleUpper) + borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

func buildEmptyLine() string {
	return borderStyle.Render("│") + strings.Repeat(" ", panelTotalWidth-2) + borderStyle.Render("│")
}

func buildContentLine(line string) string {
	lineWidth := lipgloss.Width(line)
	padding := panelTotalWidth - 2 - 1 - lineWidth // borders + leading space
	if padding < 0 {
		padding = 0
	}
	return borderStyle.Render("│") + " " + line + strings.Repeat(" ", padding) + borderStyle.Render("│")
}

func buildBottomBorder() string {
	return borderStyle.Render("╰" + strings.Repeat("─", panelTotalWidth-2) + "╯")
}

// dotLeader creates "  label ......... value" at totalWidth.
func dotLeader(label string, value string, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	prefixWidth := lipgloss.Width(prefix)
	suffixWidth := lipgloss.Width(suffix)
	dotsNeeded := totalWidth - prefixWidth - suffixWidth
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + suffix
}

// dotLeaderStyled creates a dot-leader with styled value.
// Calculates width using raw value, then applies style.
func dotLeaderStyled(label string, value string, style lipgloss.Style, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	prefixWidth := lipgloss.Width(prefix)
	suffixWidth := lipgloss.Width(suffix)
	dotsNeeded := totalWidth - prefixWidth - suffixWidth
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + " " + style.Render(value)
}

// truncateString truncates a string to maxLen, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// Run starts the dashboard program and blocks until the user quits.
func Run(fetcher SnapshotFetcher, interval time.Duration, version string) error {
	p := tea.NewProgram(NewModel(fetcher, interval, version))
	_, err := p.Run()
	return err
}
