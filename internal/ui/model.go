// ABOUTME: Bubbletea model for the btsink daemon TUI
// ABOUTME: Shows sink, capture and scan state and drives device operations
package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bluetoothification/btsink/internal/app"
	"github.com/bluetoothification/btsink/internal/events"
	"github.com/bluetoothification/btsink/internal/orchestrator"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// opTimeout bounds a single operation started from the keyboard. Batch
// connects bond first, so this covers a bond plus a profile connect.
const opTimeout = time.Minute

// Controller is what the TUI drives
type Controller interface {
	StartSink() error
	StopSink() error
	StartCapture() error
	StopCapture() error
	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error
	ConnectMultiple(ctx context.Context, ids []string) (*orchestrator.BatchResult, error)
	DisconnectDevice(ctx context.Context, id string) error
	CreateBond(ctx context.Context, id string) error
	Status() app.Status
}

// foundDevice is a discovery result shown in the device list
type foundDevice struct {
	id     string
	name   string
	signal int16
}

// Model represents the TUI state
type Model struct {
	name string
	port int
	ctrl Controller

	status  app.Status
	devices []foundDevice
	cursor  int
	marked  map[string]bool

	message string
	busy    int

	quitting  bool
	quitChan  chan struct{}
	startTime time.Time

	width  int
	height int
}

type tickMsg time.Time

// statusMsg carries a fresh status snapshot
type statusMsg app.Status

// eventMsg carries one daemon event
type eventMsg events.Event

// opDoneMsg reports the end of a keyboard-triggered operation
type opDoneMsg struct {
	op    string
	err   error
	batch *orchestrator.BatchResult
}

// Init starts the refresh tick
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickEvery(), m.refresh())
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	ctrl := m.ctrl
	return func() tea.Msg {
		return statusMsg(ctrl.Status())
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(tickEvery(), m.refresh())

	case statusMsg:
		m.status = app.Status(msg)

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, m.refresh()

	case opDoneMsg:
		m.busy--
		m.message = describeOp(msg)
		return m, m.refresh()
	}

	return m, nil
}

// applyEvent folds a daemon event into the device list
func (m *Model) applyEvent(ev events.Event) {
	switch ev.Type {
	case events.DeviceFound:
		for i, d := range m.devices {
			if d.id == ev.DeviceID {
				m.devices[i].name = ev.Name
				m.devices[i].signal = ev.SignalStrength
				return
			}
		}
		m.devices = append(m.devices, foundDevice{id: ev.DeviceID, name: ev.Name, signal: ev.SignalStrength})
	case events.ScanFinished:
		m.message = fmt.Sprintf("Scan finished, %d devices", len(m.devices))
	case events.DeviceConnected:
		m.message = "Connected " + ev.DeviceID
	case events.DeviceDisconnected:
		m.message = "Disconnected " + ev.DeviceID
	}
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		select {
		case m.quitChan <- struct{}{}:
		default:
		}
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
	case " ":
		if id := m.current(); id != "" {
			m.marked[id] = !m.marked[id]
		}

	case "v":
		if m.status.SinkActive {
			return m.run("stop sink", func(ctx context.Context) error { return m.ctrl.StopSink() })
		}
		return m.run("start sink", func(ctx context.Context) error { return m.ctrl.StartSink() })
	case "c":
		if m.status.Capturing {
			return m.run("stop capture", func(ctx context.Context) error { return m.ctrl.StopCapture() })
		}
		return m.run("start capture", func(ctx context.Context) error { return m.ctrl.StartCapture() })
	case "s":
		if m.status.Scanning {
			return m.run("stop scan", func(ctx context.Context) error { return m.ctrl.StopScan(ctx) })
		}
		m.devices = nil
		m.cursor = 0
		m.marked = make(map[string]bool)
		return m.run("start scan", func(ctx context.Context) error { return m.ctrl.StartScan(ctx) })

	case "enter":
		ids := m.selection()
		if len(ids) == 0 {
			return m, nil
		}
		return m.connect(ids)
	case "x":
		if id := m.current(); id != "" {
			return m.run("disconnect "+id, func(ctx context.Context) error { return m.ctrl.DisconnectDevice(ctx, id) })
		}
	case "b":
		if id := m.current(); id != "" {
			return m.run("bond "+id, func(ctx context.Context) error { return m.ctrl.CreateBond(ctx, id) })
		}
	}

	return m, nil
}

// current returns the device under the cursor
func (m Model) current() string {
	if m.cursor < 0 || m.cursor >= len(m.devices) {
		return ""
	}
	return m.devices[m.cursor].id
}

// selection returns the marked devices in list order, or the device under
// the cursor when nothing is marked
func (m Model) selection() []string {
	var ids []string
	for _, d := range m.devices {
		if m.marked[d.id] {
			ids = append(ids, d.id)
		}
	}
	if len(ids) == 0 {
		if id := m.current(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m Model) run(op string, fn func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	if m.ctrl == nil {
		return m, nil
	}
	m.busy++
	m.message = op + "..."
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m Model) connect(ids []string) (tea.Model, tea.Cmd) {
	if m.ctrl == nil {
		return m, nil
	}
	ctrl := m.ctrl
	m.busy++
	m.message = fmt.Sprintf("connecting %d devices...", len(ids))
	m.marked = make(map[string]bool)
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		batch, err := ctrl.ConnectMultiple(ctx, ids)
		return opDoneMsg{op: "connect", err: err, batch: batch}
	}
}

func describeOp(msg opDoneMsg) string {
	if msg.batch != nil {
		parts := make([]string, 0, len(msg.batch.Results))
		for _, r := range msg.batch.Results {
			parts = append(parts, fmt.Sprintf("%s %s", r.DeviceID, r.Status))
		}
		return fmt.Sprintf("%s %s: %s", msg.op, msg.batch.Outcome, strings.Join(parts, ", "))
	}
	if msg.err != nil {
		return fmt.Sprintf("%s failed: %v", msg.op, msg.err)
	}
	return msg.op + " ok"
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	cursorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
	onStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Shutting down btsink...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("btsink"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Name: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%s (port %d)", m.name, m.port)))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Uptime: "))
	b.WriteString(valueStyle.Render(time.Since(m.startTime).Round(time.Second).String()))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Format: "))
	b.WriteString(valueStyle.Render(m.status.Format))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Sink: "))
	b.WriteString(onOff(m.status.SinkActive))
	b.WriteString(headerStyle.Render("  Capture: "))
	b.WriteString(onOff(m.status.Capturing))
	b.WriteString(headerStyle.Render("  Scan: "))
	b.WriteString(onOff(m.status.Scanning))
	b.WriteString(valueStyle.Render(fmt.Sprintf("  Frames: %d", m.status.FramesCaptured)))
	b.WriteString("\n\n")

	connected := make(map[string]bool, len(m.status.Connected))
	for _, id := range m.status.Connected {
		connected[id] = true
	}

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Found Devices (%d)", len(m.devices))))
	b.WriteString("\n")
	if len(m.devices) == 0 {
		b.WriteString(valueStyle.Render("  Press s to scan"))
		b.WriteString("\n")
	}
	for i, d := range m.devices {
		cursor := "  "
		if i == m.cursor {
			cursor = cursorStyle.Render("> ")
		}
		mark := "[ ]"
		if m.marked[d.id] {
			mark = "[x]"
		}
		line := fmt.Sprintf("%s %-20s %s %4d dBm", mark, truncate(d.name, 20), d.id, d.signal)
		if connected[d.id] {
			line += onStyle.Render("  connected")
		}
		b.WriteString(cursor + line + "\n")
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Connected (%d)", len(m.status.Connected))))
	b.WriteString("\n")
	ids := append([]string(nil), m.status.Connected...)
	sort.Strings(ids)
	for _, id := range ids {
		b.WriteString("  • " + id + "\n")
	}
	b.WriteString("\n")

	if m.message != "" {
		b.WriteString(valueStyle.Render(m.message))
		b.WriteString("\n\n")
	}

	b.WriteString(helpStyle.Render("v:Sink  c:Capture  s:Scan  ↑/↓:Move  space:Mark  enter:Connect  x:Disconnect  b:Bond  q:Quit"))
	return b.String()
}

func onOff(b bool) string {
	if b {
		return onStyle.Render("on")
	}
	return offStyle.Render("off")
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
