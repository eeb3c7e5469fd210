// Package stubbackend is an in-process stand-in for the email backend. It
// serves the health, session token, account and label endpoints the shell
// uses and lets tests expire and reauthorize accounts on demand.
package stubbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"deskmail/pkg/log"
	"deskmail/pkg/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/oauth2"
)

const shutdownTimeout = 10 * time.Second

// Config configures a Stub.
type Config struct {
	Version string
	// SessionToken is required on /api/email requests when set.
	SessionToken string
	ClientID     string
	// RequestLog enables the echo access log.
	RequestLog bool
}

type account struct {
	info     models.Account
	labels   []models.Label
	expired  bool
	messages map[string][]string
}

type authFlow struct {
	accountID string
	verifier  string
	code      string
	issuedAt  time.Time
}

// Stub is the development backend.
type Stub struct {
	cfg  Config
	echo *echo.Echo

	mu       sync.Mutex
	accounts map[string]*account
	flows    map[string]*authFlow
}

// New creates a Stub with routes registered.
func New(cfg Config) *Stub {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "deskmail-dev"
	}

	s := &Stub{
		cfg:      cfg,
		echo:     echo.New(),
		accounts: make(map[string]*account),
		flows:    make(map[string]*authFlow),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the stub for httptest servers.
func (s *Stub) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until SIGINT or SIGTERM.
func (s *Stub) Start(addr string) error {
	go func() {
		log.Info().
			Str("addr", addr).
			Str("version", s.cfg.Version).
			Bool("token_required", s.cfg.SessionToken != "").
			Msg("Starting development backend")

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server startup failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return s.Shutdown()
}

// Shutdown stops the server gracefully.
func (s *Stub) Shutdown() error {
	log.Info().Msg("Shutting down development backend...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}

	log.Info().Msg("Development backend stopped")
	return nil
}

func (s *Stub) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = errorHandler

	if s.cfg.RequestLog {
		s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
		}))
	}
	s.echo.Use(middleware.Recover())

	s.echo.GET("/health", s.health)
	s.echo.GET("/api/auth/token", s.sessionToken)

	// browser side of the authorization round trip, no session token
	s.echo.GET("/dev/authorize", s.authorizePage)
	s.echo.GET("/api/email/auth/callback-redirect", s.callbackRedirect)

	api := s.echo.Group("/api/email", s.requireSessionToken)
	api.POST("/auth/initiate", s.initiate)
	api.POST("/auth/reauthorize/:id", s.reauthorize)
	api.GET("/auth/status", s.authStatus)
	api.DELETE("/auth/disconnect/:id", s.disconnect)
	api.GET("/labels", s.listLabels)
	api.PUT("/messages/:id", s.modifyMessage)
	api.DELETE("/messages/:id", s.deleteMessage)
}

// AddAccount registers a connected account with the default label set.
func (s *Stub) AddAccount(email, provider string) models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addAccountLocked(email, provider)
}

func (s *Stub) addAccountLocked(email, provider string) models.Account {
	now := time.Now().UTC()
	acc := &account{
		info: models.Account{
			ID:       uuid.NewString(),
			Email:    email,
			Provider: provider,
			LastSync: &now,
		},
		labels: []models.Label{
			{ID: "INBOX", Name: "INBOX", Type: "system", MessagesTotal: 42, MessagesUnread: 3},
			{ID: "SENT", Name: "SENT", Type: "system", MessagesTotal: 17},
			{ID: "STARRED", Name: "STARRED", Type: "system"},
		},
		messages: make(map[string][]string),
	}
	s.accounts[acc.info.ID] = acc
	return acc.info
}

// ExpireAccount makes every account request answer 401 until reauthorized.
func (s *Stub) ExpireAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	acc.expired = true
	return nil
}

// ExpireAll expires every account.
func (s *Stub) ExpireAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		acc.expired = true
	}
}

// Accounts lists accounts ordered by email.
func (s *Stub) Accounts() []models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountsLocked()
}

func (s *Stub) accountsLocked() []models.Account {
	accounts := make([]models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		accounts = append(accounts, acc.info)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Email < accounts[j].Email })
	return accounts
}

// PendingState returns the state of the open flow for accountID, if any.
func (s *Stub) PendingState(accountID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for state, flow := range s.flows {
		if flow.accountID == accountID {
			return state, true
		}
	}
	return "", false
}

// CompleteAuthorization finishes the flow identified by state as if the user
// had granted access: the account becomes valid, or is created for new flows.
func (s *Stub) CompleteAuthorization(state string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[state]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", ErrUnknownFlow, state)
	}
	delete(s.flows, state)

	if flow.accountID == "" {
		return s.addAccountLocked(fmt.Sprintf("user%d@example.com", len(s.accounts)+1), "gmail"), nil
	}

	acc, ok := s.accounts[flow.accountID]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, flow.accountID)
	}
	acc.expired = false
	now := time.Now().UTC()
	acc.info.LastSync = &now
	return acc.info, nil
}

// oauthConfig points the authorization endpoint at the stub itself so a
// browser round trip works without a real provider.
func (s *Stub) oauthConfig(ctx echo.Context) *oauth2.Config {
	base := ctx.Scheme() + "://" + ctx.Request().Host
	return &oauth2.Config{
		ClientID: s.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  base + "/dev/authorize",
			TokenURL: base + "/dev/token",
		},
		RedirectURL: base + "/api/email/auth/callback-redirect",
		Scopes:      []string{"https://mail.google.com/"},
	}
}

// startFlow must be called with s.mu held.
func (s *Stub) startFlow(ctx echo.Context, accountID string) models.Authorization {
	conf := s.oauthConfig(ctx)
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	s.flows[state] = &authFlow{
		accountID: accountID,
		verifier:  verifier,
		issuedAt:  time.Now(),
	}

	return models.Authorization{
		AuthURL: conf.AuthCodeURL(state,
			oauth2.AccessTypeOffline,
			oauth2.S256ChallengeOption(verifier),
			oauth2.SetAuthURLParam("prompt", "consent"),
		),
		State:       state,
		RedirectURI: conf.RedirectURL,
	}
}
