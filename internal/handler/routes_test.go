package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"cachestrip-proxy/internal/middleware"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	p := newTestProxy(t, false, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	health := NewHealthHandler(p.cfg, "test")

	e := echo.New()
	e.Use(middleware.MetricsMiddleware(p.metrics))
	RegisterRoutes(e, p.cfg, p.metrics, p.handler, health)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", "", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"POST /v1/messages", http.MethodPost, "/v1/messages", `{"messages":[]}`, http.StatusOK},
		{"POST nested path", http.MethodPost, "/v1/messages/count_tokens", `{}`, http.StatusOK},
		{"DELETE arbitrary path", http.MethodDelete, "/v1/files/file_1", `{}`, http.StatusOK},
		{"POST invalid body", http.MethodPost, "/v1/messages", `not json`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	p := newTestProxy(t, false, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	p.cfg.Metrics.Enabled = false

	e := echo.New()
	RegisterRoutes(e, p.cfg, p.metrics, p.handler, NewHealthHandler(p.cfg, "test"))

	// Without a metrics route the path is forwarded like any other.
	req := httptest.NewRequest(http.MethodGet, "/metrics", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d (forwarded upstream)", rec.Code, http.StatusTeapot)
	}
}
