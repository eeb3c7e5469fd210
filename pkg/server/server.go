// Package server exposes the shell's local status and control API: discovery
// progress, per-account session state and account operations routed through
// session recovery.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"deskmail/pkg/apiclient"
	"deskmail/pkg/log"
	"deskmail/pkg/models"
	"deskmail/pkg/session"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// ErrNotAttached is returned by Reload before discovery handed over a backend.
var ErrNotAttached = errors.New("backend not attached")

// DiscoveryStatus reports the discovery run; *discovery.Discovery satisfies it.
type DiscoveryStatus interface {
	Status() models.DiscoveryStatus
}

// Recovery is the session surface the server drives; *session.Recovery satisfies it.
type Recovery interface {
	Sessions() []models.AccountSession
	Session(accountID string) (models.AccountSession, bool)
	Do(ctx context.Context, accountID string, op func(ctx context.Context) error) error
	BeginReauthorization(ctx context.Context, accountID string) (bool, error)
	Cancel(accountID string) bool
	Forget(ctx context.Context, accountID string)
	LoadAccounts(ctx context.Context) ([]models.Account, error)
}

// FlowHistory reads persisted session rows and flows; *store.Store satisfies it.
type FlowHistory interface {
	GetSession(ctx context.Context, accountID string) (*models.AccountSession, error)
	ListFlows(ctx context.Context, accountID string, limit int) ([]models.ReauthFlow, error)
}

// StatusServer is the loopback control API.
type StatusServer struct {
	echo      *echo.Echo
	version   string
	discovery DiscoveryStatus
	startedAt time.Time
	logger    zerolog.Logger

	mu       sync.RWMutex
	api      apiclient.Client
	recovery Recovery
	history  FlowHistory
	opener   session.Opener
	reloads  map[string]reload
}

// reload is the outcome of the last label fetch for an account.
type reload struct {
	labels int
	at     time.Time
}

// NewStatusServer creates the server. Account routes answer 503 until Attach.
func NewStatusServer(version string, discovery DiscoveryStatus) *StatusServer {
	s := &StatusServer{
		echo:      echo.New(),
		version:   version,
		discovery: discovery,
		startedAt: time.Now(),
		logger:    log.Component("server"),
		opener:    session.BrowserOpener{},
		reloads:   make(map[string]reload),
	}
	s.setupRoutes()
	return s
}

// Attach wires the backend client and recovery once discovery is ready.
func (s *StatusServer) Attach(api apiclient.Client, recovery Recovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.api = api
	s.recovery = recovery
}

// SetFlowHistory enables the flow history route. Without it the route answers 404.
func (s *StatusServer) SetFlowHistory(history FlowHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = history
}

// Reload refreshes the account list and the account's labels after it was
// reconnected. The label count shows up on GET /accounts.
func (s *StatusServer) Reload(ctx context.Context, accountID string) error {
	api, recovery, ok := s.attached()
	if !ok {
		return ErrNotAttached
	}

	if _, err := recovery.LoadAccounts(ctx); err != nil {
		return fmt.Errorf("reloading accounts: %w", err)
	}

	var labels []models.Label
	err := recovery.Do(ctx, accountID, func(c context.Context) error {
		var err error
		labels, err = api.ListLabels(c, accountID)
		return err
	})
	if err != nil {
		return fmt.Errorf("reloading labels for %s: %w", accountID, err)
	}

	s.remember(accountID, labels)
	s.logger.Info().Str("account", accountID).Int("labels", len(labels)).Msg("Account data reloaded")
	return nil
}

func (s *StatusServer) remember(accountID string, labels []models.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads[accountID] = reload{labels: len(labels), at: time.Now()}
}

func (s *StatusServer) forgetReload(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reloads, accountID)
}

func (s *StatusServer) lastReload(accountID string) (reload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reloads[accountID]
	return r, ok
}

func (s *StatusServer) flowHistory() FlowHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history
}

func (s *StatusServer) attached() (apiclient.Client, Recovery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.api, s.recovery, s.api != nil && s.recovery != nil
}

// Handler exposes the routes for httptest servers.
func (s *StatusServer) Handler() http.Handler {
	return s.echo
}

// Start binds addr and serves in the background. Bind errors are returned.
func (s *StatusServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding status server: %w", err)
	}
	s.echo.Listener = listener

	go func() {
		s.logger.Info().
			Str("addr", listener.Addr().String()).
			Str("version", s.version).
			Msg("Starting status server")

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *StatusServer) Addr() string {
	if s.echo.Listener == nil {
		return ""
	}
	return s.echo.Listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *StatusServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Status server shutdown failed")
		return err
	}

	s.logger.Info().Msg("Status server stopped")
	return nil
}

func (s *StatusServer) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogMethod:   true,
		LogURI:      true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Debug()
			if v.Error != nil {
				event = s.logger.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request")
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())

	s.echo.GET("/health", s.health)
	s.echo.GET("/status/discovery", s.discoveryStatus)

	accounts := s.echo.Group("/accounts", s.requireBackend)
	accounts.GET("", s.listAccounts)
	accounts.POST("", s.connectAccount)
	accounts.DELETE("/:id", s.disconnectAccount)
	accounts.POST("/:id/reauthorize", s.beginReauthorization)
	accounts.DELETE("/:id/reauthorize", s.cancelReauthorization)
	accounts.GET("/:id/flows", s.listFlows)
	accounts.GET("/:id/labels", s.listLabels)
	accounts.PUT("/:id/messages/:mid", s.modifyMessage)
	accounts.DELETE("/:id/messages/:mid", s.deleteMessage)
}

// requireBackend answers 503 until discovery has handed over an endpoint.
func (s *StatusServer) requireBackend(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if _, _, ok := s.attached(); !ok {
			status := s.discovery.Status()
			return ctx.JSON(http.StatusServiceUnavailable, map[string]any{
				"error":     "Backend not ready",
				"discovery": status,
			})
		}
		return next(ctx)
	}
}
