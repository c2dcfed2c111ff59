package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cachestrip-proxy/internal/config"
	"cachestrip-proxy/internal/rewrite"
)

// Version is the build version, injected by fx.
type Version string

// HealthHandler serves the local endpoints that are answered without
// contacting the upstream.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz reports liveness only; the upstream is not checked.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status       string   `json:"status"`
	Version      string   `json:"version"`
	Upstream     string   `json:"upstream"`
	Verbose      bool     `json:"verbose"`
	StrippedKey  string   `json:"stripped_key"`
	Locations    []string `json:"locations"`
	BodyMaxBytes int64    `json:"body_max_bytes"`
}

// Status describes where requests go and what is removed from them.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		Upstream:     "https://" + h.cfg.Upstream.Authority(),
		Verbose:      h.cfg.Log.Verbose,
		StrippedKey:  rewrite.Field,
		Locations:    []string{rewrite.LocationMessages, rewrite.LocationSystem},
		BodyMaxBytes: h.cfg.Server.BodyMaxBytes,
	})
}
