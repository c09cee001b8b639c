package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Dashboard runs a Model as a Bubble Tea program in the background.
type Dashboard struct {
	program *tea.Program
	done    chan struct{}
	err     error
}

// Start launches the dashboard. Without options it takes over the terminal
// with the alternate screen.
func Start(cfg Config, opts ...tea.ProgramOption) *Dashboard {
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	d := &Dashboard{
		program: tea.NewProgram(New(cfg), opts...),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		_, d.err = d.program.Run()
	}()
	return d
}

// Stop asks the program to exit and waits until the terminal is restored.
// It is safe to call after the user already quit.
func (d *Dashboard) Stop() error {
	d.program.Send(QuitMsg{})
	<-d.done
	return d.err
}

// Done is closed when the program has exited.
func (d *Dashboard) Done() <-chan struct{} {
	return d.done
}
