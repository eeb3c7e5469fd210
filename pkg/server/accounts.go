package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"deskmail/pkg/apiclient"
	"deskmail/pkg/models"
	"deskmail/pkg/session"
	"deskmail/pkg/store"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

const maxFlowLimit = 500

type accountView struct {
	models.AccountSession
	UpdatedAgo  string `json:"updated_ago"`
	Labels      *int   `json:"labels,omitempty"`
	ReloadedAgo string `json:"reloaded_ago,omitempty"`
}

func newAccountView(s models.AccountSession) accountView {
	return accountView{AccountSession: s, UpdatedAgo: humanize.Time(s.UpdatedAt)}
}

func (s *StatusServer) accountView(current models.AccountSession) accountView {
	view := newAccountView(current)
	if last, ok := s.lastReload(current.AccountID); ok {
		view.Labels = &last.labels
		view.ReloadedAgo = humanize.Time(last.at)
	}
	return view
}

// listAccounts handles GET /accounts.
func (s *StatusServer) listAccounts(ctx echo.Context) error {
	_, recovery, _ := s.attached()

	sessions := recovery.Sessions()
	views := make([]accountView, 0, len(sessions))
	for _, current := range sessions {
		views = append(views, s.accountView(current))
	}
	return ctx.JSON(http.StatusOK, views)
}

// connectAccount handles POST /accounts. It starts the OAuth flow for a new
// account and shows the authorization URL.
func (s *StatusServer) connectAccount(ctx echo.Context) error {
	api, _, _ := s.attached()

	var creds models.OAuthCredentials
	if err := ctx.Bind(&creds); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid request body",
		})
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "client_id and client_secret are required",
		})
	}

	auth, err := api.InitiateOAuth(ctx.Request().Context(), creds)
	if err != nil {
		s.logger.Error().Err(err).Msg("Connecting an account failed")
		return ctx.JSON(http.StatusBadGateway, map[string]string{
			"error": err.Error(),
		})
	}

	opened := true
	if err := s.opener.Open(auth.AuthURL); err != nil {
		s.logger.Warn().Err(err).Msg("Could not open the authorization URL")
		opened = false
	}

	s.logger.Info().Str("state", auth.State).Msg("Account connection started")
	return ctx.JSON(http.StatusAccepted, map[string]any{
		"auth_url": auth.AuthURL,
		"state":    auth.State,
		"opened":   opened,
	})
}

// beginReauthorization handles POST /accounts/:id/reauthorize.
func (s *StatusServer) beginReauthorization(ctx echo.Context) error {
	accountID := ctx.Param("id")
	_, recovery, _ := s.attached()

	s.logger.Info().Str("account", accountID).Msg("Reauthorization requested")

	started, err := recovery.BeginReauthorization(ctx.Request().Context(), accountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account", accountID).Msg("Reauthorization failed to start")
		return ctx.JSON(http.StatusBadGateway, map[string]string{
			"error": err.Error(),
		})
	}

	current, _ := recovery.Session(accountID)
	if !started {
		return ctx.JSON(http.StatusOK, map[string]any{
			"started": false,
			"message": "Reauthorization already in progress",
			"account": s.accountView(current),
		})
	}

	return ctx.JSON(http.StatusAccepted, map[string]any{
		"started": true,
		"account": s.accountView(current),
	})
}

// cancelReauthorization handles DELETE /accounts/:id/reauthorize.
func (s *StatusServer) cancelReauthorization(ctx echo.Context) error {
	_, recovery, _ := s.attached()
	return ctx.JSON(http.StatusOK, map[string]bool{
		"cancelled": recovery.Cancel(ctx.Param("id")),
	})
}

// listFlows handles GET /accounts/:id/flows: the stored session row and the
// most recent reauthorization flows, newest first.
func (s *StatusServer) listFlows(ctx echo.Context) error {
	accountID := ctx.Param("id")
	history := s.flowHistory()
	if history == nil {
		return ctx.JSON(http.StatusNotFound, map[string]string{
			"error": "Flow history unavailable",
		})
	}

	limit := 0
	if raw := ctx.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxFlowLimit {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("limit must be between 1 and %d", maxFlowLimit),
			})
		}
		limit = parsed
	}

	stored, err := history.GetSession(ctx.Request().Context(), accountID)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		s.logger.Error().Err(err).Str("account", accountID).Msg("Reading stored session failed")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to read session",
		})
	}

	flows, err := history.ListFlows(ctx.Request().Context(), accountID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("account", accountID).Msg("Listing flows failed")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to list flows",
		})
	}
	if flows == nil {
		flows = []models.ReauthFlow{}
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"account_id": accountID,
		"session":    stored,
		"flows":      flows,
	})
}

// listLabels handles GET /accounts/:id/labels.
func (s *StatusServer) listLabels(ctx echo.Context) error {
	accountID := ctx.Param("id")
	api, recovery, _ := s.attached()

	var labels []models.Label
	err := recovery.Do(ctx.Request().Context(), accountID, func(c context.Context) error {
		var err error
		labels, err = api.ListLabels(c, accountID)
		return err
	})
	if err != nil {
		return s.operationError(ctx, accountID, err)
	}
	s.remember(accountID, labels)
	return ctx.JSON(http.StatusOK, labels)
}

// modifyMessage handles PUT /accounts/:id/messages/:mid.
func (s *StatusServer) modifyMessage(ctx echo.Context) error {
	accountID := ctx.Param("id")
	messageID := ctx.Param("mid")
	api, recovery, _ := s.attached()

	var req models.ModifyMessageRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid request body",
		})
	}

	err := recovery.Do(ctx.Request().Context(), accountID, func(c context.Context) error {
		return api.ModifyMessage(c, accountID, messageID, req)
	})
	if err != nil {
		return s.operationError(ctx, accountID, err)
	}
	return ctx.JSON(http.StatusOK, map[string]string{
		"message":    "Message updated",
		"message_id": messageID,
	})
}

// deleteMessage handles DELETE /accounts/:id/messages/:mid.
func (s *StatusServer) deleteMessage(ctx echo.Context) error {
	accountID := ctx.Param("id")
	messageID := ctx.Param("mid")
	api, recovery, _ := s.attached()

	permanent := false
	if raw := ctx.QueryParam("permanent"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "permanent must be true or false",
			})
		}
		permanent = parsed
	}

	var result *models.DeleteResult
	err := recovery.Do(ctx.Request().Context(), accountID, func(c context.Context) error {
		var err error
		result, err = api.DeleteMessage(c, accountID, messageID, permanent)
		return err
	})
	if err != nil {
		return s.operationError(ctx, accountID, err)
	}
	return ctx.JSON(http.StatusOK, result)
}

// disconnectAccount handles DELETE /accounts/:id.
func (s *StatusServer) disconnectAccount(ctx echo.Context) error {
	accountID := ctx.Param("id")
	api, recovery, _ := s.attached()

	err := recovery.Do(ctx.Request().Context(), accountID, func(c context.Context) error {
		return api.DisconnectAccount(c, accountID)
	})
	if err != nil {
		return s.operationError(ctx, accountID, err)
	}

	recovery.Forget(ctx.Request().Context(), accountID)
	s.forgetReload(accountID)
	s.logger.Info().Str("account", accountID).Msg("Account disconnected")
	return ctx.JSON(http.StatusOK, map[string]any{
		"deleted":    true,
		"account_id": accountID,
	})
}

// operationError reports a failed account operation inline. Auth failures
// answer 401 so the caller can show the reconnect banner.
func (s *StatusServer) operationError(ctx echo.Context, accountID string, err error) error {
	var expired *session.AuthExpiredError
	if errors.As(err, &expired) {
		return ctx.JSON(http.StatusUnauthorized, map[string]any{
			"error":        err.Error(),
			"needs_reauth": true,
		})
	}

	s.logger.Warn().Err(err).Str("account", accountID).Msg("Account operation failed")

	body := map[string]any{
		"error":        err.Error(),
		"needs_reauth": false,
	}
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		body["backend_status"] = apiErr.StatusCode
	}
	return ctx.JSON(http.StatusBadGateway, body)
}
