package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20
	DefaultRequestTimeout = 30 * time.Second
)

var (
	ErrHTTPDisabled   = errors.New("http not enabled")
	ErrHostNotAllowed = errors.New("host not allowed")
)

// HTTPConfig controls the http_request host function. With no allowed
// hosts every request is refused. A host entry also allows its subdomains.
type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTP performs outbound requests for scripts. It is meant to be called
// through $async so the request runs off the execution context.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Register adds http_request and http_get to r.
func (h *HTTP) Register(r *Registry) {
	r.Register("http_request", h.Request)
	r.Register("http_get", h.Get)
}

func (h *HTTP) Get(ctx context.Context, args map[string]any) (any, error) {
	req := make(map[string]any, len(args)+1)
	for k, v := range args {
		req[k] = v
	}
	req["method"] = http.MethodGet
	return h.Request(ctx, req)
}

// Request takes url, method, body and headers and returns status, body and
// the first value of each response header.
func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	method := http.MethodGet
	if m, _ := args["method"].(string); m != "" {
		method = strings.ToUpper(m)
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodPatch, http.MethodHead, http.MethodOptions:
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	target, err := h.checkURL(args["url"])
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if s, _ := args["body"].(string); s != "" {
		if int64(len(s)) > h.cfg.MaxBodySize {
			return nil, errors.New("request body exceeds max size")
		}
		body = strings.NewReader(s)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"body":    string(respBody),
		"headers": headers,
	}, nil
}

func (h *HTTP) checkURL(v any) (*url.URL, error) {
	raw, _ := v.(string)
	if raw == "" {
		return nil, errors.New("url required")
	}
	if len(raw) > h.cfg.MaxURLLength {
		return nil, errors.New("url exceeds max length")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.New("scheme must be http or https")
	}
	if len(h.cfg.AllowedHosts) == 0 {
		return nil, ErrHTTPDisabled
	}
	if host := parsed.Hostname(); !h.allowed(host) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}
	return parsed, nil
}

// allowed compares IP hosts by address and domain hosts by name or
// subdomain. An IP never matches a domain entry.
func (h *HTTP) allowed(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		for _, a := range h.cfg.AllowedHosts {
			if aip := net.ParseIP(a); aip != nil && aip.Equal(ip) {
				return true
			}
		}
		return false
	}
	for _, a := range h.cfg.AllowedHosts {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
