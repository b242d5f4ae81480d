package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/dpws/internal/device"
	"github.com/muurk/dpws/internal/protocol"
)

// Source is the registry a watch view shows.
type Source interface {
	References() []*device.Reference
	AddListener(l device.Listener)
	RemoveListener(l device.Listener)
}

// WatchActions are the network operations the watch view can trigger.
// Both run on Bubble Tea's command goroutines and may block.
type WatchActions struct {
	// Search probes for devices
	Search func() ([]*device.Reference, error)
	// Get fetches the metadata of one device
	Get func(epr string) (*device.Device, error)
}

// Messages
type (
	// DeviceEventMsg reports a listener notification
	DeviceEventMsg struct {
		Kind string
		EPR  string
	}

	searchDoneMsg struct {
		found int
		err   error
	}

	getDoneMsg struct {
		epr string
		dev *device.Device
		err error
	}

	searchTickMsg time.Time

	startSearchMsg struct{}
)

const searchTickInterval = 100 * time.Millisecond

// watchKeyMap defines key bindings for the watch screen
type watchKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Get    key.Binding
	Rescan key.Binding
	Quit   key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k watchKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Get, k.Rescan, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k watchKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Get},
		{k.Rescan, k.Quit},
	}
}

func defaultWatchKeys() watchKeyMap {
	return watchKeyMap{
		Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Get:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "metadata")),
		Rescan: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "probe again")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// WatchModel is a live table of device references.
type WatchModel struct {
	source  Source
	actions WatchActions
	timeout time.Duration
	now     func() time.Time

	table    table.Model
	spinner  spinner.Model
	progress progress.Model
	help     help.Model
	keys     watchKeyMap

	searching     bool
	searchStarted time.Time
	fetching      string
	detail        *device.Device
	lastEvent     string
	err           error
	width         int
}

// NewWatchModel creates a watch view of source. timeout is the probe
// window shown by the progress bar.
func NewWatchModel(source Source, actions WatchActions, timeout time.Duration) WatchModel {
	width, height := GetTerminalSize()

	t := table.New(
		table.WithColumns(watchColumns(width)),
		table.WithFocused(true),
		table.WithHeight(max(height-12, 5)),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(PrimaryColor).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(TextColor).
		Background(PrimaryColor)
	t.SetStyles(styles)

	m := WatchModel{
		source:   source,
		actions:  actions,
		timeout:  timeout,
		now:      time.Now,
		table:    t,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(lipgloss.NewStyle().Foreground(PrimaryColor))),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(max(width-20, 10))),
		help:     help.New(),
		keys:     defaultWatchKeys(),
		width:    width,
	}
	m.refresh()
	return m
}

func watchColumns(width int) []table.Column {
	fixed := 10 + 8 + 5 // state, location, mdv
	flex := width - fixed - 12
	if flex < 30 {
		flex = 30
	}
	return []table.Column{
		{Title: "Endpoint", Width: flex * 4 / 10},
		{Title: "State", Width: 10},
		{Title: "Location", Width: 8},
		{Title: "MDV", Width: 5},
		{Title: "Address", Width: flex * 4 / 10},
		{Title: "Types", Width: flex * 2 / 10},
	}
}

// Init implements tea.Model
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, func() tea.Msg { return startSearchMsg{} })
}

func (m *WatchModel) startSearch() tea.Cmd {
	if m.actions.Search == nil || m.searching {
		return nil
	}
	m.searching = true
	m.searchStarted = m.now()
	m.err = nil

	search := m.actions.Search
	return tea.Batch(
		func() tea.Msg {
			refs, err := search()
			return searchDoneMsg{found: len(refs), err: err}
		},
		searchTick(),
	)
}

func searchTick() tea.Cmd {
	return tea.Tick(searchTickInterval, func(t time.Time) tea.Msg {
		return searchTickMsg(t)
	})
}

func (m *WatchModel) startGet() tea.Cmd {
	row := m.table.SelectedRow()
	if m.actions.Get == nil || len(row) == 0 || m.fetching != "" {
		return nil
	}
	epr := row[0]
	m.fetching = epr
	m.err = nil

	get := m.actions.Get
	return func() tea.Msg {
		dev, err := get(epr)
		return getDoneMsg{epr: epr, dev: dev, err: err}
	}
}

// refresh rebuilds the table rows from the source
func (m *WatchModel) refresh() {
	refs := m.source.References()
	rows := make([]table.Row, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, table.Row(ReferenceRow(ref)))
	}
	m.table.SetRows(rows)
}

// Update implements tea.Model
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Rescan):
			return m, m.startSearch()
		case key.Matches(msg, m.keys.Get):
			return m, m.startGet()
		}

	case tea.WindowSizeMsg:
		m.width = min(max(msg.Width, MinTerminalWidth), MaxContentWidth)
		m.table.SetColumns(watchColumns(m.width))
		m.table.SetHeight(max(msg.Height-12, 5))
		m.progress.Width = max(m.width-20, 10)
		m.help.Width = m.width
		return m, nil

	case DeviceEventMsg:
		m.lastEvent = fmt.Sprintf("%s  %s", msg.Kind, msg.EPR)
		m.refresh()
		return m, nil

	case startSearchMsg:
		return m, m.startSearch()

	case searchDoneMsg:
		m.searching = false
		m.err = msg.err
		m.lastEvent = fmt.Sprintf("probe finished, %d device(s) answered", msg.found)
		m.refresh()
		return m, nil

	case getDoneMsg:
		m.fetching = ""
		if msg.err != nil {
			m.err = fmt.Errorf("get %s: %w", msg.epr, msg.err)
			return m, nil
		}
		m.detail = msg.dev
		m.refresh()
		return m, nil

	case searchTickMsg:
		if m.searching {
			return m, searchTick()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model
func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(RenderHeader("Device watch", "dpws-discover watch", nil, m.width))
	b.WriteString("\n\n")

	switch {
	case m.searching:
		elapsed := m.now().Sub(m.searchStarted)
		pct := 1.0
		if m.timeout > 0 {
			pct = min(float64(elapsed)/float64(m.timeout), 1.0)
		}
		b.WriteString("  " + m.spinner.View() + " Probing...  " + m.progress.ViewAs(pct))
	case m.fetching != "":
		b.WriteString("  " + m.spinner.View() + " Fetching metadata of " + m.fetching)
	default:
		b.WriteString(StatusLineStyle.Render(fmt.Sprintf("%s %d device(s)", DeviceMarker, len(m.table.Rows()))))
	}
	b.WriteString("\n\n")

	b.WriteString(m.table.View())
	b.WriteString("\n")

	if m.detail != nil {
		var lines []string
		for _, f := range DeviceFields(m.detail) {
			lines = append(lines, ResultKeyStyle.Render(f.Key+":")+" "+ResultValueStyle.Render(f.Value))
		}
		b.WriteString("\n" + strings.Join(lines, "\n") + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + ErrorMessageStyle.Render("  "+FailureMarker+" "+m.err.Error()) + "\n")
	}
	if m.lastEvent != "" {
		b.WriteString("\n" + StatusLineStyle.Render(m.lastEvent) + "\n")
	}

	b.WriteString("\n  " + m.help.View(m.keys) + "\n")
	return b.String()
}

// WatchListener forwards device notifications into a running program.
type WatchListener struct {
	send func(tea.Msg)
}

// NewWatchListener creates a listener delivering to send, usually
// (*tea.Program).Send.
func NewWatchListener(send func(tea.Msg)) *WatchListener {
	return &WatchListener{send: send}
}

func (l *WatchListener) HelloReceived(data *protocol.DiscoveryData) {
	l.send(DeviceEventMsg{Kind: "hello", EPR: data.EndpointReference})
}

func (l *WatchListener) DeviceRunning(ref *device.Reference) {
	l.send(DeviceEventMsg{Kind: "running", EPR: ref.EndpointReference()})
}

func (l *WatchListener) DeviceBye(ref *device.Reference) {
	l.send(DeviceEventMsg{Kind: "bye", EPR: ref.EndpointReference()})
}

func (l *WatchListener) DeviceChanged(ref *device.Reference) {
	l.send(DeviceEventMsg{Kind: "changed", EPR: ref.EndpointReference()})
}

func (l *WatchListener) DeviceBuiltUp(ref *device.Reference, _ *device.Device) {
	l.send(DeviceEventMsg{Kind: "built up", EPR: ref.EndpointReference()})
}

func (l *WatchListener) DeviceCommunicationErrorOrReset(ref *device.Reference) {
	l.send(DeviceEventMsg{Kind: "communication error", EPR: ref.EndpointReference()})
}

func (l *WatchListener) DeviceCompletelyDiscovered(ref *device.Reference) {
	l.send(DeviceEventMsg{Kind: "discovered", EPR: ref.EndpointReference()})
}

// RunWatch runs the watch view until the user quits or ctx is done.
func RunWatch(ctx context.Context, source Source, actions WatchActions, timeout time.Duration) error {
	model := NewWatchModel(source, actions, timeout)
	p := tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen())

	listener := NewWatchListener(p.Send)
	source.AddListener(listener)
	defer source.RemoveListener(listener)

	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
