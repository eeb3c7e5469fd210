// Package session tracks per-account authorization state and drives the
// reauthorization round trip when the backend stops accepting an account.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deskmail/pkg/log"
	"deskmail/pkg/models"
	"deskmail/pkg/schedule"

	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxAttempts  = 100

	storeTimeout = 5 * time.Second
)

// API is the part of the backend client recovery needs.
type API interface {
	Reauthorize(ctx context.Context, accountID string) (*models.Authorization, error)
	ListLabels(ctx context.Context, accountID string) ([]models.Label, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

// Store persists session rows and flow history; *store.Store satisfies it.
type Store interface {
	SaveSession(ctx context.Context, session models.AccountSession) error
	LoadSessions(ctx context.Context) ([]models.AccountSession, error)
	DeleteSession(ctx context.Context, accountID string) error
	RecordFlow(ctx context.Context, flow models.ReauthFlow) (string, error)
}

// Options configures a Recovery. Zero values take defaults.
type Options struct {
	PollInterval time.Duration
	MaxAttempts  int

	// Opener shows the authorization URL, normally in the system browser.
	Opener Opener
	// Fallback is used when Opener fails. The URL is also kept on the session.
	Fallback Opener

	// Store is optional. Its failures are logged and never affect recovery.
	Store Store

	// OnRecovered runs after a polling loop sees the account working again.
	OnRecovered func(accountID string)
}

type account struct {
	session models.AccountSession
	flow    *flow
}

// flow is one reauthorization round trip. Its identity, not its content,
// tells a late callback whether it is still the active flow.
type flow struct {
	startedAt time.Time
	attempts  int
	cancel    context.CancelFunc
	task      *schedule.Task
}

// Recovery owns the session state of every tracked account.
type Recovery struct {
	api    API
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*account
	closed   bool
}

// New creates a Recovery on top of api.
func New(api API, opts Options) *Recovery {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Opener == nil {
		opts.Opener = BrowserOpener{}
	}
	if opts.Fallback == nil {
		opts.Fallback = pendingOpener{}
	}

	return &Recovery{
		api:      api,
		opts:     opts,
		logger:   log.Component("session"),
		accounts: make(map[string]*account),
	}
}

// Restore loads persisted sessions. Flows do not survive a restart, so an
// account that was mid-reauthorization comes back as needing it. Accounts
// already tracked keep their live state.
func (r *Recovery) Restore(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}

	sessions, err := r.opts.Store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, stored := range sessions {
		if _, tracked := r.accounts[stored.AccountID]; tracked {
			continue
		}
		stored.ReauthInProgress = false
		stored.Attempts = 0
		stored.State = stateFor(stored.NeedsReauth, false)
		r.accounts[stored.AccountID] = &account{session: stored}
		restored++
	}

	r.logger.Info().Int("accounts", restored).Int("skipped", len(sessions)-restored).Msg("Restored account sessions")
	return nil
}

// LoadAccounts tracks every account the backend reports.
func (r *Recovery) LoadAccounts(ctx context.Context) ([]models.Account, error) {
	accounts, err := r.api.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	for _, acc := range accounts {
		r.Track(acc.ID)
	}
	return accounts, nil
}

// Track starts following accountID and returns its current session.
func (r *Recovery) Track(accountID string) models.AccountSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensure(accountID).session
}

// Session returns the state of one account.
func (r *Recovery) Session(accountID string) (models.AccountSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[accountID]
	if !ok {
		return models.AccountSession{}, false
	}
	return acc.session, true
}

// Sessions returns every tracked account ordered by id.
func (r *Recovery) Sessions() []models.AccountSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]models.AccountSession, 0, len(r.accounts))
	for _, acc := range r.accounts {
		sessions = append(sessions, acc.session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].AccountID < sessions[j].AccountID
	})
	return sessions
}

// Forget stops tracking an account, cancelling any flow without recording it.
func (r *Recovery) Forget(ctx context.Context, accountID string) {
	r.mu.Lock()
	acc, ok := r.accounts[accountID]
	var f *flow
	if ok {
		f = acc.flow
		acc.flow = nil
		delete(r.accounts, accountID)
	}
	r.mu.Unlock()

	f.stop()

	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteSession(ctx, accountID); err != nil {
			r.logger.Warn().Err(err).Str("account", accountID).Msg("Failed to delete stored session")
		}
	}
}

// Do runs one API operation for an account. An auth-expired failure marks the
// account and comes back as *AuthExpiredError; the operation is not retried.
// Success clears the mark. Any other failure is returned untouched.
func (r *Recovery) Do(ctx context.Context, accountID string, op func(ctx context.Context) error) error {
	if accountID == "" {
		return ErrNoAccount
	}

	r.Track(accountID)

	err := op(ctx)
	if err == nil {
		r.update(accountID, func(s *models.AccountSession, inFlight bool) bool {
			if !s.NeedsReauth {
				return false
			}
			s.NeedsReauth = false
			s.LastError = ""
			s.PendingAuthURL = ""
			s.State = stateFor(false, inFlight)
			r.logger.Info().Str("account", accountID).Msg("Account authorization working again")
			return true
		})
		return nil
	}

	if !ClassifyError(err).AuthExpired {
		return err
	}

	r.update(accountID, func(s *models.AccountSession, inFlight bool) bool {
		changed := !s.NeedsReauth
		s.NeedsReauth = true
		s.LastError = err.Error()
		s.State = stateFor(true, inFlight)
		if changed {
			r.logger.Warn().Err(err).Str("account", accountID).Msg("Account needs reauthorization")
		}
		return true
	})

	return &AuthExpiredError{AccountID: accountID, Err: err}
}

// BeginReauthorization requests a fresh authorization URL, shows it to the
// user and starts polling the account until it works again. While a flow is
// already running for the account it returns false and does nothing.
func (r *Recovery) BeginReauthorization(ctx context.Context, accountID string) (bool, error) {
	if accountID == "" {
		return false, ErrNoAccount
	}

	reqCtx, cancel := context.WithCancel(ctx)
	f := &flow{startedAt: time.Now(), cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return false, ErrClosed
	}
	acc := r.ensure(accountID)
	if acc.flow != nil {
		r.mu.Unlock()
		cancel()
		r.logger.Debug().Str("account", accountID).Msg("Reauthorization already in progress")
		return false, nil
	}
	acc.flow = f
	acc.session.ReauthInProgress = true
	acc.session.Attempts = 0
	acc.session.State = models.SessionReauthorizing
	acc.session.UpdatedAt = time.Now()
	r.persistLocked(acc.session)
	r.mu.Unlock()

	r.logger.Info().Str("account", accountID).Msg("Starting reauthorization")

	auth, err := r.api.Reauthorize(reqCtx, accountID)
	if err != nil {
		if r.finish(accountID, f, models.FlowFailed, err.Error()) {
			r.logger.Error().Err(err).Str("account", accountID).Msg("Could not start reauthorization")
		}
		return false, fmt.Errorf("requesting authorization url: %w", err)
	}

	if !r.active(accountID, f) {
		r.logger.Debug().Str("account", accountID).Msg("Reauthorization cancelled before the URL was shown")
		return false, nil
	}

	pending := ""
	if err := r.opts.Opener.Open(auth.AuthURL); err != nil {
		r.logger.Warn().Err(err).Str("account", accountID).Msg("External browser unavailable, falling back to in-app view")
		if fallbackErr := r.opts.Fallback.Open(auth.AuthURL); fallbackErr != nil {
			r.logger.Error().Err(fallbackErr).Str("account", accountID).Msg("In-app view failed")
		}
		pending = auth.AuthURL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if acc, ok := r.accounts[accountID]; !ok || acc.flow != f {
		// cancelled while the browser was opening
		return false, nil
	}
	acc.session.PendingAuthURL = pending
	acc.session.UpdatedAt = time.Now()
	r.persistLocked(acc.session)

	f.task = schedule.Every(r.opts.PollInterval, func(ctx context.Context) bool {
		return r.poll(ctx, accountID, f)
	})

	return true, nil
}

// active reports whether f is still the account's running flow.
func (r *Recovery) active(accountID string, f *flow) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[accountID]
	return ok && acc.flow == f
}

// poll is one tick of the polling loop. It returns false to end the loop.
func (r *Recovery) poll(ctx context.Context, accountID string, f *flow) bool {
	r.mu.Lock()
	acc, ok := r.accounts[accountID]
	if !ok || acc.flow != f {
		r.mu.Unlock()
		return false
	}
	f.attempts++
	attempt := f.attempts
	acc.session.Attempts = attempt
	r.mu.Unlock()

	_, err := r.api.ListLabels(ctx, accountID)
	if ctx.Err() != nil {
		return false
	}

	if err == nil {
		if r.finish(accountID, f, models.FlowRecovered, "") {
			r.logger.Info().Str("account", accountID).Int("attempts", attempt).Msg("Account reauthorized")
			if r.opts.OnRecovered != nil {
				r.opts.OnRecovered(accountID)
			}
		}
		return false
	}

	if attempt >= r.opts.MaxAttempts {
		detail := fmt.Sprintf("no authorization after %d attempts: %v", attempt, err)
		if r.finish(accountID, f, models.FlowTimeout, detail) {
			r.logger.Warn().Str("account", accountID).Int("attempts", attempt).Msg("Reauthorization timed out")
		}
		return false
	}

	r.logger.Debug().Err(err).Str("account", accountID).Int("attempt", attempt).Msg("Account not authorized yet")
	return true
}

// Cancel stops the account's flow. It reports whether a flow was running.
func (r *Recovery) Cancel(accountID string) bool {
	r.mu.Lock()
	acc, ok := r.accounts[accountID]
	if !ok || acc.flow == nil {
		r.mu.Unlock()
		return false
	}
	f := acc.flow
	r.mu.Unlock()

	if !r.finish(accountID, f, models.FlowCancelled, "cancelled") {
		return false
	}
	f.stop()

	r.logger.Info().Str("account", accountID).Msg("Reauthorization cancelled")
	return true
}

// Close stops every flow and rejects new ones. Nothing is recorded.
func (r *Recovery) Close() {
	r.mu.Lock()
	r.closed = true
	flows := make([]*flow, 0)
	for _, acc := range r.accounts {
		if acc.flow != nil {
			flows = append(flows, acc.flow)
			acc.flow = nil
			acc.session.ReauthInProgress = false
			acc.session.State = stateFor(acc.session.NeedsReauth, false)
		}
	}
	r.mu.Unlock()

	for _, f := range flows {
		f.stop()
	}
}

// finish ends f if it is still the account's active flow and records the
// outcome. It reports whether f was active.
func (r *Recovery) finish(accountID string, f *flow, outcome models.FlowOutcome, detail string) bool {
	r.mu.Lock()
	acc, ok := r.accounts[accountID]
	if !ok || acc.flow != f {
		r.mu.Unlock()
		return false
	}

	acc.flow = nil
	f.cancel()
	acc.session.ReauthInProgress = false
	switch outcome {
	case models.FlowRecovered:
		acc.session.NeedsReauth = false
		acc.session.LastError = ""
		acc.session.PendingAuthURL = ""
	case models.FlowTimeout, models.FlowFailed:
		acc.session.LastError = detail
	case models.FlowCancelled:
		acc.session.PendingAuthURL = ""
	}
	acc.session.State = stateFor(acc.session.NeedsReauth, false)
	acc.session.UpdatedAt = time.Now()
	r.persistLocked(acc.session)

	record := models.ReauthFlow{
		AccountID:  accountID,
		StartedAt:  f.startedAt,
		FinishedAt: acc.session.UpdatedAt,
		Attempts:   f.attempts,
		Outcome:    outcome,
		Detail:     detail,
	}
	r.recordFlowLocked(record)
	r.mu.Unlock()

	return true
}

// update applies fn to the account's session and persists it when fn reports a change.
func (r *Recovery) update(accountID string, fn func(s *models.AccountSession, inFlight bool) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc := r.ensure(accountID)
	if fn(&acc.session, acc.flow != nil) {
		acc.session.UpdatedAt = time.Now()
		r.persistLocked(acc.session)
	}
}

// ensure must be called with r.mu held.
func (r *Recovery) ensure(accountID string) *account {
	acc, ok := r.accounts[accountID]
	if !ok {
		acc = &account{session: models.AccountSession{
			AccountID: accountID,
			State:     models.SessionValid,
			UpdatedAt: time.Now(),
		}}
		r.accounts[accountID] = acc
	}
	return acc
}

// persistLocked writes under r.mu so rows land in the order they changed.
func (r *Recovery) persistLocked(session models.AccountSession) {
	if r.opts.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := r.opts.Store.SaveSession(ctx, session); err != nil {
		r.logger.Warn().Err(err).Str("account", session.AccountID).Msg("Failed to persist session")
	}
}

func (r *Recovery) recordFlowLocked(record models.ReauthFlow) {
	if r.opts.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := r.opts.Store.RecordFlow(ctx, record); err != nil {
		r.logger.Warn().Err(err).Str("account", record.AccountID).Msg("Failed to record reauthorization flow")
	}
}

// stop cancels the flow's request and waits for its loop. Safe on nil and
// before the loop has started.
func (f *flow) stop() {
	if f == nil {
		return
	}
	f.cancel()
	if f.task != nil {
		f.task.Stop()
	}
}

func stateFor(needsReauth, inFlight bool) models.SessionState {
	switch {
	case inFlight:
		return models.SessionReauthorizing
	case needsReauth:
		return models.SessionNeedsReauth
	default:
		return models.SessionValid
	}
}
