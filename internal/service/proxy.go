// Package service implements the core rewrite-and-forward logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"cachestrip-proxy/internal/client"
	"cachestrip-proxy/internal/config"
	"cachestrip-proxy/internal/metrics"
	"cachestrip-proxy/internal/model"
	"cachestrip-proxy/internal/rewrite"
)

// hopByHopHeaders apply to a single connection and are never forwarded
// (RFC 9110 section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService rewrites request bodies and forwards them to the upstream host.
type ProxyService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Rewrite strips cache_control fields from body. A *rewrite.SyntaxError is
// returned when body is not valid JSON.
func (s *ProxyService) Rewrite(body []byte) (*rewrite.Result, error) {
	res, err := rewrite.Strip(body)
	if err != nil {
		if s.metrics != nil {
			s.metrics.InvalidBodies.Inc()
		}
		return nil, err
	}

	if res.Changed() {
		s.logger.Info("stripped fields",
			"count", len(res.Removed),
			"paths", res.Removed,
		)
		if s.metrics != nil {
			for _, p := range res.Removed {
				s.metrics.StrippedFields.WithLabelValues(rewrite.LocationOf(p)).Inc()
			}
		}
	}
	return res, nil
}

// Forward sends a ProxyRequest to the upstream host and returns the response.
// The caller is responsible for closing the response body.
//
// Method, path and query are kept; every inbound header except hop-by-hop
// headers is passed through, Host is set to the upstream hostname and
// Content-Length to the length of pr.Body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	header := cloneRequestHeaders(pr.Header)

	s.logger.Info("forwarding request",
		"method", pr.Method,
		"url", upstreamURL,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, s.cfg.Upstream.Host, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	s.logger.Info("upstream response",
		"method", pr.Method,
		"url", upstreamURL,
		"status", resp.StatusCode,
	)

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// UpstreamBase returns the scheme and authority every request is sent to.
func (s *ProxyService) UpstreamBase() string {
	return "https://" + s.cfg.Upstream.Authority()
}

// buildUpstreamURL joins the upstream base with an escaped path and raw query.
func (s *ProxyService) buildUpstreamURL(escapedPath, rawQuery string) string {
	u := url.URL{
		Scheme:   "https",
		Host:     s.cfg.Upstream.Authority(),
		RawQuery: rawQuery,
	}
	if escapedPath == "" {
		escapedPath = "/"
	}
	if p, err := url.PathUnescape(escapedPath); err == nil {
		u.Path = p
		u.RawPath = escapedPath
	} else {
		u.Path = escapedPath
	}
	return u.String()
}

func cloneRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	// Host travels in req.Host; Content-Length is recomputed by the client.
	dst.Del("Host")
	dst.Del("Content-Length")
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes hop-by-hop headers from h, including any header
// named in its Connection field.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
