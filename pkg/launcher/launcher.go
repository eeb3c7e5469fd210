// Package launcher supervises the companion backend process: it assigns a
// loopback port, hands the process a session token, records the port for
// discovery and reports startup failures asynchronously.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"deskmail/pkg/credential"
	"deskmail/pkg/discovery"
	"deskmail/pkg/log"
	"deskmail/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// PortEnv and TokenEnv are the variables the backend reads at startup.
	PortEnv  = "PORT"
	TokenEnv = "SESSION_TOKEN"

	stopGracePeriod = 5 * time.Second
	stderrTailBytes = 4096
)

var (
	// ErrNoCommand is returned by Start when no backend command is configured.
	ErrNoCommand = errors.New("no backend command configured")

	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("backend already running")
)

// TokenStore persists the session token so other local clients can attach.
type TokenStore interface {
	Set(key, value string) error
	Delete(key string) error
}

// Config describes the process to launch.
type Config struct {
	Command  string
	Args     []string
	PortFile string
	// Env is appended to the current environment.
	Env []string
}

// Launcher starts and watches one backend process.
type Launcher struct {
	cfg      Config
	tokens   TokenStore
	logger   zerolog.Logger
	failures chan models.LaunchFailure

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	stopping bool
}

// New creates a Launcher. tokens may be nil, in which case the token is only
// passed to the child process.
func New(cfg Config, tokens TokenStore) *Launcher {
	return &Launcher{
		cfg:      cfg,
		tokens:   tokens,
		logger:   log.Component("launcher"),
		failures: make(chan models.LaunchFailure, 1),
	}
}

// Failures delivers at most one failure per launch.
func (l *Launcher) Failures() <-chan models.LaunchFailure {
	return l.failures
}

// Start prepares the port, token and port file and starts the backend. Setup
// problems are returned; a process that cannot be executed or exits early is
// reported on Failures so discovery can surface it.
func (l *Launcher) Start(ctx context.Context) (models.Endpoint, error) {
	if l.cfg.Command == "" {
		return models.Endpoint{}, ErrNoCommand
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cmd != nil {
		return models.Endpoint{}, ErrAlreadyRunning
	}

	port, err := freeLoopbackPort()
	if err != nil {
		return models.Endpoint{}, fmt.Errorf("allocating backend port: %w", err)
	}

	token := uuid.NewString()
	if l.tokens != nil {
		if err := l.tokens.Set(credential.SessionTokenKey, token); err != nil {
			return models.Endpoint{}, fmt.Errorf("storing session token: %w", err)
		}
	}

	if l.cfg.PortFile != "" {
		if err := discovery.WritePortFile(l.cfg.PortFile, port); err != nil {
			return models.Endpoint{}, err
		}
	}

	stderr := newTailBuffer(stderrTailBytes)
	cmd := exec.CommandContext(ctx, l.cfg.Command, l.cfg.Args...) //nolint:gosec // command comes from local config
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%d", PortEnv, port),
		fmt.Sprintf("%s=%s", TokenEnv, token),
	)
	cmd.Stderr = stderr

	l.cmd = cmd
	l.exited = make(chan struct{})

	endpoint := models.LoopbackEndpoint(port)

	if err := cmd.Start(); err != nil {
		l.logger.Error().Err(err).Str("command", l.cfg.Command).Msg("Backend process failed to start")
		close(l.exited)
		l.report(err.Error())
		return endpoint, nil
	}

	l.logger.Info().
		Str("command", l.cfg.Command).
		Int("pid", cmd.Process.Pid).
		Int("port", port).
		Msg("Backend process started")

	go l.watch(cmd, stderr, l.exited)

	return endpoint, nil
}

func (l *Launcher) watch(cmd *exec.Cmd, stderr *tailBuffer, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()

	if stopping {
		l.logger.Info().Msg("Backend process stopped")
		return
	}

	diagnostic := "backend exited unexpectedly"
	if err != nil {
		diagnostic = fmt.Sprintf("backend exited unexpectedly: %v", err)
	}
	if tail := stderr.String(); tail != "" {
		diagnostic += ": " + tail
	}

	l.logger.Error().Str("diagnostic", diagnostic).Msg("Backend process exited")
	l.report(diagnostic)
}

// report never blocks; only the first failure of a launch matters to discovery.
func (l *Launcher) report(diagnostic string) {
	select {
	case l.failures <- models.LaunchFailure{Diagnostic: diagnostic, At: time.Now()}:
	default:
	}
}

// Stop terminates the backend, removes the port file and forgets the token.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	cmd := l.cmd
	exited := l.exited
	l.stopping = true
	l.mu.Unlock()

	var errs []error

	if cmd != nil && cmd.Process != nil {
		select {
		case <-exited:
		default:
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				_ = cmd.Process.Kill()
			}
			select {
			case <-exited:
			case <-time.After(stopGracePeriod):
				l.logger.Warn().Msg("Backend did not exit in time, killing")
				if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					errs = append(errs, fmt.Errorf("killing backend: %w", err))
				}
				<-exited
			}
		}
	}

	if l.cfg.PortFile != "" {
		if err := os.Remove(l.cfg.PortFile); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing port file: %w", err))
		}
	}

	if l.tokens != nil {
		if err := l.tokens.Delete(credential.SessionTokenKey); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func freeLoopbackPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %T", listener.Addr())
	}
	return addr.Port, nil
}
