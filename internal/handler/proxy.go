package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"cachestrip-proxy/internal/config"
	"cachestrip-proxy/internal/contentcoding"
	"cachestrip-proxy/internal/model"
	"cachestrip-proxy/internal/rewrite"
	"cachestrip-proxy/internal/service"
)

// credentialParamPattern matches credential query parameter values in URLs embedded in error messages.
var credentialParamPattern = regexp.MustCompile(`(?i)((?:api_?key|key|token|access_token)=)[^&\s"]+`)

// sensitiveHeaders are masked when headers are logged in verbose mode.
var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "Proxy-Authorization", "Cookie", "Set-Cookie"}

// streamBufSize is the chunk size used when relaying upstream bodies.
const streamBufSize = 32 * 1024

// ProxyHandler rewrites inbound request bodies and forwards them upstream.
type ProxyHandler struct {
	service *service.ProxyService
	verbose bool
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		verbose: cfg.Log.Verbose,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle reads and rewrites the request body, forwards it upstream and
// streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	logger := h.logger.With("request_id", c.Response().Header().Get(echo.HeaderXRequestID))

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports oversized chunked bodies through the reader.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		logger.Warn("reading request body", "err", err, "path", req.URL.Path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	res, err := h.service.Rewrite(body)
	if err != nil {
		if h.verbose {
			logger.Debug("rejected request body",
				"body", string(body),
				"err", err,
			)
		}
		return h.mapError(c, logger, err)
	}

	if h.verbose {
		logger.Debug("inbound request",
			append([]any{
				"method", req.Method,
				"path", req.URL.Path,
				"headers", redactHeaders(req.Header),
				"size", humanize.Bytes(uint64(len(body))),
				"forwarded_size", humanize.Bytes(uint64(len(res.Body))),
			}, rewrite.Summarize(res.Body).LogAttrs()...)...,
		)
		logger.Debug("outbound body", "body", string(res.Body))
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     res.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, logger, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream headers replace any set by middleware (e.g. X-Request-Id).
	for key, vals := range resp.Header {
		c.Response().Header()[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	var src io.Reader = resp.Body
	var captured *bytes.Buffer
	if h.verbose {
		captured = new(bytes.Buffer)
		src = io.TeeReader(resp.Body, captured)
	}

	// If streaming fails mid-body the status code has already been sent, so
	// the client receives a truncated response with the original status.
	if _, err := streamBody(c.Response(), src); err != nil {
		logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	if captured != nil {
		h.logResponseBody(logger, resp.StatusCode, resp.Header, captured.Bytes())
	}

	return nil
}

// streamBody copies src to the response, flushing after every chunk so
// server-sent events reach the client as they arrive.
func streamBody(w *echo.Response, src io.Reader) (int64, error) {
	buf := make([]byte, streamBufSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// logResponseBody decodes and logs a captured response body. Failures here
// are logged and never reach the client.
func (h *ProxyHandler) logResponseBody(logger *slog.Logger, status int, header http.Header, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("response diagnostics failed", "panic", r)
		}
	}()

	encoding := header.Get("Content-Encoding")
	text, err := contentcoding.Text(body, encoding)
	if err != nil {
		logger.Debug("response body not decoded; logging raw bytes",
			"content_encoding", encoding,
			"err", err,
		)
	}

	logger.Debug("upstream response body",
		"status", status,
		"headers", redactHeaders(header),
		"size", humanize.Bytes(uint64(len(body))),
		"decoded_size", humanize.Bytes(uint64(len(text))),
		"body", text,
	)
}

func (h *ProxyHandler) mapError(c echo.Context, logger *slog.Logger, err error) error {
	path := c.Request().URL.Path

	var syntaxErr *rewrite.SyntaxError
	if errors.As(err, &syntaxErr) {
		logger.Warn("invalid request body", "err", err, "path", path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
	}

	detail := sanitizeError(err)
	logger.Error("proxy error",
		"err", detail,
		"path", path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, errorBody("upstream request timed out", detail))
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, errorBody("client disconnected", detail))
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, errorBody("upstream host unreachable", detail))
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, errorBody("upstream request timed out", detail))
		}
		return c.JSON(http.StatusBadGateway, errorBody("upstream connection failed", detail))
	}

	return c.JSON(http.StatusBadGateway, errorBody("upstream request failed", detail))
}

func errorBody(msg, detail string) map[string]string {
	return map[string]string{
		"error":  msg,
		"detail": detail,
	}
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return credentialParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

// redactHeaders returns a copy of hdr with credential values masked.
func redactHeaders(hdr http.Header) http.Header {
	out := hdr.Clone()
	for _, name := range sensitiveHeaders {
		if _, ok := out[name]; ok {
			out[name] = []string{"[REDACTED]"}
		}
	}
	return out
}
