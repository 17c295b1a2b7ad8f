// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and feeds it daemon events
package ui

import (
	"time"

	"github.com/bluetoothification/btsink/internal/events"
	tea "github.com/charmbracelet/bubbletea"
)

// TUI manages the daemon's terminal UI
type TUI struct {
	program  *tea.Program
	quitChan chan struct{}
}

// NewModel creates a new TUI model
func NewModel(name string, port int, ctrl Controller) Model {
	return Model{
		name:      name,
		port:      port,
		ctrl:      ctrl,
		marked:    make(map[string]bool),
		quitChan:  make(chan struct{}, 1),
		startTime: time.Now(),
	}
}

// New creates a TUI over ctrl
func New(name string, port int, ctrl Controller) *TUI {
	m := NewModel(name, port, ctrl)
	return &TUI{
		program:  tea.NewProgram(m, tea.WithAltScreen()),
		quitChan: m.quitChan,
	}
}

// Run blocks until the program exits. Events received on evs are shown as
// they arrive.
func (t *TUI) Run(evs <-chan events.Event) error {
	go func() {
		for ev := range evs {
			t.program.Send(eventMsg(ev))
		}
	}()

	_, err := t.program.Run()
	return err
}

// Stop stops the TUI
func (t *TUI) Stop() {
	t.program.Quit()
}

// QuitChan signals when the user asks to quit
func (t *TUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
