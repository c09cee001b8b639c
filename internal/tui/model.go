package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/apih9000/llhls-latency-monitoring/internal/monitor"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
	"github.com/apih9000/llhls-latency-monitoring/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// QuitMsg asks the dashboard to exit without calling OnQuit. The
// orchestrator sends it once every monitor has stopped.
type QuitMsg struct{}

// tickInterval is the refresh period.
const tickInterval = 500 * time.Millisecond

// =============================================================================
// Model
// =============================================================================

// Source provides the live values shown on the dashboard.
type Source interface {
	Snapshot() []stats.Snapshot
	Rates() timeseries.Rates
	States() map[int]monitor.State
}

// Config holds dashboard configuration.
type Config struct {
	StreamURL   string
	MetricsAddr string
	LogFile     string

	Source Source
	Feed   *Feed

	// OnQuit is called when the user leaves the dashboard.
	OnQuit func()
}

type keyMap struct {
	Quit    key.Binding
	Log     key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q/esc", "stop monitoring"),
	),
	Log: key.NewBinding(
		key.WithKeys("l"),
		key.WithHelp("l", "toggle request log"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

// Model represents the dashboard state.
type Model struct {
	streamURL   string
	metricsAddr string
	logFile     string
	source      Source
	feed        *Feed
	onQuit      func()

	table     table.Model
	snapshots []stats.Snapshot
	rates     timeseries.Rates
	states    map[int]monitor.State

	startTime  time.Time
	lastUpdate time.Time
	showLog    bool

	width  int
	height int

	quitting bool
}

var columns = []table.Column{
	{Title: "#", Width: 3},
	{Title: "Rendition", Width: 18},
	{Title: "Resolution", Width: 11},
	{Title: "State", Width: 11},
	{Title: "PartTgt", Width: 7},
	{Title: "Parts ok/dly/stl/err", Width: 21},
	{Title: "p50", Width: 7},
	{Title: "p95", Width: 7},
	{Title: "Playlists ok/err", Width: 16},
	{Title: "Skip", Width: 5},
	{Title: "Last", Width: 14},
}

// New creates a dashboard model.
func New(cfg Config) Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
		table.WithStyles(tableStyles()),
	)
	now := time.Now()
	return Model{
		streamURL:   cfg.StreamURL,
		metricsAddr: cfg.MetricsAddr,
		logFile:     cfg.LogFile,
		source:      cfg.Source,
		feed:        cfg.Feed,
		onQuit:      cfg.OnQuit,
		table:       t,
		states:      map[int]monitor.State{},
		startTime:   now,
		lastUpdate:  now,
		showLog:     cfg.Feed != nil,
		width:       120,
		height:      32,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		case key.Matches(msg, keys.Log):
			m.showLog = !m.showLog && m.feed != nil
			m.resize()
			return m, nil
		case key.Matches(msg, keys.Refresh):
			m.refresh()
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.render()
}

// refresh pulls fresh values from the source.
func (m *Model) refresh() {
	if m.source == nil {
		return
	}
	m.snapshots = m.source.Snapshot()
	m.rates = m.source.Rates()
	m.states = m.source.States()
	m.table.SetRows(m.rows())
	m.lastUpdate = time.Now()
}

// resize splits the height between the table and the request log.
func (m *Model) resize() {
	m.table.SetWidth(m.width - 4)
	// header, rates, box borders, footer
	avail := m.height - 12
	if m.showLog {
		avail -= m.logLines() + 2
	}
	if avail < 3 {
		avail = 3
	}
	m.table.SetHeight(avail)
}

func (m Model) logLines() int {
	n := m.height / 3
	if n < 3 {
		n = 3
	}
	return n
}

func (m Model) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		state, ok := m.states[s.Info.Index]
		if !ok {
			state = monitor.StateCreated
		}
		if s.Finished {
			state = monitor.StateStopped
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", s.Info.Index),
			s.Info.Name(),
			s.Info.Resolution,
			state.String(),
			partTarget(s.PartTarget),
			fmt.Sprintf("%d/%d/%d/%d",
				s.Count(stats.KindPart, stats.ClassOK),
				s.Count(stats.KindPart, stats.ClassDelay),
				s.Count(stats.KindPart, stats.ClassStale),
				s.Count(stats.KindPart, stats.ClassError),
			),
			quantile(s.PartP50, s.Total(stats.KindPart)),
			quantile(s.PartP95, s.Total(stats.KindPart)),
			fmt.Sprintf("%d/%d",
				s.Total(stats.KindPlaylist)-s.Count(stats.KindPlaylist, stats.ClassError),
				s.Count(stats.KindPlaylist, stats.ClassError),
			),
			fmt.Sprintf("%d", s.Skipped),
			s.LastStatus,
		})
	}
	return rows
}

// =============================================================================
// Commands
// =============================================================================

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Renditions returns the number of renditions on display.
func (m Model) Renditions() int {
	return len(m.snapshots)
}

// Active returns how many monitors are in an active state.
func (m Model) Active() int {
	n := 0
	for _, s := range m.states {
		if s.IsActive() {
			n++
		}
	}
	return n
}

// =============================================================================
// Formatting
// =============================================================================

func partTarget(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.3fs", seconds)
}

func quantile(d time.Duration, samples int64) string {
	if samples == 0 {
		return "-"
	}
	return stats.FormatMs(d)
}

// stateCounts renders "2 downloading, 1 backoff" in state order.
func stateCounts(states map[int]monitor.State) string {
	counts := make(map[monitor.State]int, len(monitor.AllStates))
	for _, s := range states {
		counts[s]++
	}
	parts := make([]string, 0, len(counts))
	for _, s := range monitor.AllStates {
		if counts[s] > 0 {
			parts = append(parts, stateStyle(s).Render(fmt.Sprintf("%d %s", counts[s], s)))
		}
	}
	if len(parts) == 0 {
		return dimStyle.Render("waiting")
	}
	return strings.Join(parts, "  ")
}
