package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 1 << 20

// RobotsChecker enforces robots.txt directives. Rules are cached per host for
// the lifetime of the checker.
type RobotsChecker struct {
	client    *http.Client
	transport *http.Transport
	respect   bool
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobotsChecker builds a checker. When cfg.RespectRobots is false every
// URL is allowed and no request is made.
func NewRobotsChecker(cfg Config, logger *zap.Logger) *RobotsChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := newHTTPTransport(cfg.Proxy)
	return &RobotsChecker{
		client: &http.Client{
			Timeout:   cfg.timeout(),
			Transport: transport,
		},
		transport: transport,
		respect:   cfg.RespectRobots,
		userAgent: cfg.UserAgent,
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether the configured user agent may fetch u. Failures to
// retrieve robots.txt are logged and treated as allow.
func (r *RobotsChecker) Allowed(ctx context.Context, u *url.URL) bool {
	if r == nil || !r.respect || u == nil {
		return true
	}
	data, err := r.load(ctx, u)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", u.Host), zap.Error(err))
		return true
	}
	return data.TestAgent(pathWithQuery(u), r.userAgent)
}

// Close releases idle connections.
func (r *RobotsChecker) Close() error {
	r.transport.CloseIdleConnections()
	return nil
}

func (r *RobotsChecker) load(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(u.Scheme + "://" + u.Host)
	r.mu.Lock()
	cached, ok := r.cache[hostKey]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	robotsURL := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	r.mu.Lock()
	r.cache[hostKey] = data
	r.mu.Unlock()
	return data, nil
}

func pathWithQuery(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
