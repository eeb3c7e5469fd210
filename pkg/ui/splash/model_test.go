package splash

import (
	"testing"
	"time"

	"deskmail/pkg/models"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model, cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestDiscoveringShowsStageAndEndpoint(t *testing.T) {
	m, cmd := update(t, New("deskmail"), StatusMsg{
		State:    models.DiscoveryDiscovering,
		Endpoint: models.LoopbackEndpoint(8000),
		Progress: 0.25,
		Message:  "Starting backend services...",
		Elapsed:  2500 * time.Millisecond,
		Attempts: 5,
	})

	assert.Nil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "deskmail")
	assert.Contains(t, view, "Starting backend services...")
	assert.Contains(t, view, "http://127.0.0.1:8000")
	assert.Contains(t, view, "5 probes")
	assert.Contains(t, view, "2.5s")
}

func TestReadyQuits(t *testing.T) {
	m, cmd := update(t, New("deskmail"), StatusMsg{
		State:    models.DiscoveryReady,
		Endpoint: models.LoopbackEndpoint(49152),
		Progress: 1,
		Elapsed:  time.Second,
	})

	assert.True(t, isQuit(cmd))
	assert.False(t, m.Cancelled())
	assert.Contains(t, m.View(), "Connected")
	assert.Contains(t, m.View(), "http://127.0.0.1:49152")
}

func TestFailureShowsError(t *testing.T) {
	m, cmd := update(t, New("deskmail"), StatusMsg{
		State: models.DiscoveryFailed,
		Error: "backend did not become ready in time",
	})

	assert.True(t, isQuit(cmd))
	assert.Contains(t, m.View(), "Could not reach the backend")
	assert.Contains(t, m.View(), "backend did not become ready in time")
	assert.Equal(t, models.DiscoveryFailed, m.Status().State)
}

func TestQuitKeyCancels(t *testing.T) {
	m, cmd := update(t, New("deskmail"), tea.KeyMsg{Type: tea.KeyCtrlC})

	assert.True(t, isQuit(cmd))
	assert.True(t, m.Cancelled())
}

func TestOtherKeysAreIgnored(t *testing.T) {
	m, cmd := update(t, New("deskmail"), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}})

	assert.Nil(t, cmd)
	assert.False(t, m.Cancelled())
}

func TestResizeBoundsBar(t *testing.T) {
	m, _ := update(t, New("deskmail"), tea.WindowSizeMsg{Width: 200, Height: 40})
	assert.Equal(t, maxBarWidth, m.progress.Width)

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 12, Height: 40})
	assert.Equal(t, 10, m.progress.Width)
}

func TestSingleProbeIsSingular(t *testing.T) {
	m, _ := update(t, New("deskmail"), StatusMsg{State: models.DiscoveryDiscovering, Attempts: 1})
	assert.Contains(t, m.View(), "1 probe ")
}
