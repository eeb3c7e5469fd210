package splash

import (
	"context"
	"fmt"

	"deskmail/pkg/models"

	tea "github.com/charmbracelet/bubbletea"
)

// Program runs the splash model in the background and feeds it discovery
// snapshots.
type Program struct {
	program *tea.Program
	done    chan struct{}
	final   Model
	err     error
}

// Start launches the splash. cancel is invoked when the user quits early.
func Start(ctx context.Context, title string, cancel context.CancelFunc, opts ...tea.ProgramOption) *Program {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	p := &Program{
		program: tea.NewProgram(New(title), opts...),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		final, err := p.program.Run()
		if m, ok := final.(Model); ok {
			p.final = m
			if m.Cancelled() && cancel != nil {
				cancel()
			}
		}
		if err != nil {
			p.err = fmt.Errorf("splash screen: %w", err)
		}
	}()

	return p
}

// Update is a discovery progress callback.
func (p *Program) Update(status models.DiscoveryStatus) {
	p.program.Send(StatusMsg(status))
}

// Stop quits the splash if it is still running and waits for it.
func (p *Program) Stop() (Model, error) {
	p.program.Quit()
	<-p.done
	return p.final, p.err
}
