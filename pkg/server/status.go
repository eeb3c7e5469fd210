package server

import (
	"net/http"
	"time"

	"deskmail/pkg/models"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Backend string `json:"backend"`
}

// health handles GET /health.
func (s *StatusServer) health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, healthResponse{
		Status:  models.HealthyStatus,
		Version: s.version,
		Uptime:  humanize.RelTime(s.startedAt, time.Now(), "", ""),
		Backend: string(s.discovery.Status().State),
	})
}

type discoveryResponse struct {
	models.DiscoveryStatus
	ElapsedHuman string `json:"elapsed_human"`
	Percent      string `json:"percent"`
}

// discoveryStatus handles GET /status/discovery.
func (s *StatusServer) discoveryStatus(ctx echo.Context) error {
	status := s.discovery.Status()
	return ctx.JSON(http.StatusOK, discoveryResponse{
		DiscoveryStatus: status,
		ElapsedHuman:    status.Elapsed.Round(100 * time.Millisecond).String(),
		Percent:         humanize.FtoaWithDigits(status.Progress*100, 0) + "%",
	})
}
