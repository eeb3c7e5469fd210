package stubbackend

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"deskmail/pkg/log"
	"deskmail/pkg/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"
)

func (s *Stub) health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, models.HealthResponse{
		Status:   models.HealthyStatus,
		Version:  s.cfg.Version,
		Services: map[string]bool{"database": true, "email": true},
	})
}

func (s *Stub) sessionToken(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"token": s.cfg.SessionToken})
}

func (s *Stub) requireSessionToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if s.cfg.SessionToken != "" && ctx.Request().Header.Get(sessionTokenHeader) != s.cfg.SessionToken {
			return ctx.JSON(http.StatusUnauthorized, map[string]string{
				"code":    unauthorizedCode,
				"message": "Invalid or missing session token",
			})
		}
		return next(ctx)
	}
}

// errorHandler renders errors as {"detail": ...} like the real backend.
func errorHandler(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := any(http.StatusText(status))
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		message = he.Message
	}

	if writeErr := ctx.JSON(status, map[string]any{"detail": message}); writeErr != nil {
		log.Warn().Err(writeErr).Msg("Failed to write error response")
	}
}

func detail(status int, message string) error {
	return echo.NewHTTPError(status, message)
}

// usableAccount returns the account named by the account_id query parameter.
// Must be called with s.mu held.
func (s *Stub) usableAccount(ctx echo.Context) (*account, error) {
	accountID := ctx.QueryParam("account_id")
	if accountID == "" {
		return nil, detail(http.StatusUnprocessableEntity, "account_id is required")
	}

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, detail(http.StatusNotFound, "Email account not found")
	}
	if acc.expired {
		return nil, detail(http.StatusUnauthorized, expiredDetail)
	}
	return acc, nil
}

// POST /api/email/auth/initiate
func (s *Stub) initiate(ctx echo.Context) error {
	var creds models.OAuthCredentials
	if err := ctx.Bind(&creds); err != nil || creds.ClientID == "" || creds.ClientSecret == "" {
		return detail(http.StatusBadRequest, "client_id and client_secret are required")
	}

	s.mu.Lock()
	auth := s.startFlow(ctx, "")
	s.mu.Unlock()

	return ctx.JSON(http.StatusOK, auth)
}

// POST /api/email/auth/reauthorize/:id
func (s *Stub) reauthorize(ctx echo.Context) error {
	accountID := ctx.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return detail(http.StatusNotFound, "Account not found")
	}
	return ctx.JSON(http.StatusOK, s.startFlow(ctx, accountID))
}

// GET /api/email/auth/status
func (s *Stub) authStatus(ctx echo.Context) error {
	s.mu.Lock()
	accounts := s.accountsLocked()
	s.mu.Unlock()

	return ctx.JSON(http.StatusOK, models.AuthStatus{
		Connected: len(accounts) > 0,
		Accounts:  accounts,
	})
}

// DELETE /api/email/auth/disconnect/:id
func (s *Stub) disconnect(ctx echo.Context) error {
	accountID := ctx.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return detail(http.StatusNotFound, "Account not found")
	}
	delete(s.accounts, accountID)
	return ctx.JSON(http.StatusOK, map[string]any{"deleted": true, "account_id": accountID})
}

// GET /api/email/labels?account_id=
func (s *Stub) listLabels(ctx echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.usableAccount(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, acc.labels)
}

// PUT /api/email/messages/:id?account_id=
func (s *Stub) modifyMessage(ctx echo.Context) error {
	var req models.ModifyMessageRequest
	if err := ctx.Bind(&req); err != nil {
		return detail(http.StatusUnprocessableEntity, "invalid body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.usableAccount(ctx)
	if err != nil {
		return err
	}

	messageID := ctx.Param("id")
	labels := applyLabels(acc.messages[messageID], req)
	acc.messages[messageID] = labels

	return ctx.JSON(http.StatusOK, map[string]any{"id": messageID, "labelIds": labels})
}

// DELETE /api/email/messages/:id?account_id=&permanent=
func (s *Stub) deleteMessage(ctx echo.Context) error {
	permanent := false
	if raw := ctx.QueryParam("permanent"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return detail(http.StatusUnprocessableEntity, "permanent must be a boolean")
		}
		permanent = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.usableAccount(ctx)
	if err != nil {
		return err
	}

	messageID := ctx.Param("id")
	delete(acc.messages, messageID)

	return ctx.JSON(http.StatusOK, models.DeleteResult{Deleted: true, MessageID: messageID, Permanent: permanent})
}

// GET /dev/authorize stands in for the provider consent screen and grants
// immediately, redirecting back with a code.
func (s *Stub) authorizePage(ctx echo.Context) error {
	state := ctx.QueryParam("state")

	code := ""
	s.mu.Lock()
	flow, ok := s.flows[state]
	if ok {
		if ctx.QueryParam("code_challenge") != oauth2.S256ChallengeFromVerifier(flow.verifier) {
			s.mu.Unlock()
			return ctx.String(http.StatusBadRequest, "code_challenge does not match")
		}
		flow.code = uuid.NewString()
		code = flow.code
	}
	s.mu.Unlock()

	if !ok {
		return ctx.String(http.StatusBadRequest, "Invalid or expired OAuth state")
	}

	redirectURI := ctx.QueryParam("redirect_uri")
	if redirectURI != s.oauthConfig(ctx).RedirectURL {
		return ctx.String(http.StatusBadRequest, "redirect_uri is not registered")
	}

	redirect := redirectURI + "?" + url.Values{
		"state": {state},
		"code":  {code},
	}.Encode()
	return ctx.Redirect(http.StatusFound, redirect)
}

// GET /api/email/auth/callback-redirect
func (s *Stub) callbackRedirect(ctx echo.Context) error {
	state := ctx.QueryParam("state")

	s.mu.Lock()
	flow, ok := s.flows[state]
	valid := ok && flow.code != "" && flow.code == ctx.QueryParam("code")
	s.mu.Unlock()

	if !valid {
		return ctx.HTML(http.StatusBadRequest, "<h1>Authorization failed</h1><p>Invalid or expired OAuth state.</p>")
	}

	acc, err := s.CompleteAuthorization(state)
	if err != nil {
		return ctx.HTML(http.StatusBadRequest, "<h1>Authorization failed</h1><p>"+html.EscapeString(err.Error())+"</p>")
	}

	return ctx.HTML(http.StatusOK, fmt.Sprintf(
		"<h1>Authorization complete</h1><p>%s is connected. You can close this window.</p>",
		html.EscapeString(acc.Email),
	))
}

// applyLabels returns labels with req applied, without duplicates.
func applyLabels(labels []string, req models.ModifyMessageRequest) []string {
	set := make(map[string]bool, len(labels)+len(req.AddLabelIDs))
	for _, label := range labels {
		set[label] = true
	}
	for _, label := range req.AddLabelIDs {
		set[label] = true
	}
	for _, label := range req.RemoveLabelIDs {
		delete(set, label)
	}

	result := make([]string, 0, len(set))
	for label := range set {
		result = append(result, label)
	}
	sort.Strings(result)
	return result
}
