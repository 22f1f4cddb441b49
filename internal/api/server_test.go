package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
	"github.com/JakeFAU/webcrawl-indexer/internal/scheduler"
)

type fakeSessions struct {
	mu       sync.Mutex
	started  [][]crawler.HostURLList
	startErr error
	running  bool
	last     *scheduler.Summary
	status   scheduler.Status
	outcome  scheduler.Outcome
}

func (f *fakeSessions) Start(_ context.Context, lists []crawler.HostURLList) (<-chan scheduler.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, lists)
	done := make(chan scheduler.Outcome, 1)
	done <- f.outcome
	close(done)
	return done, nil
}

func (f *fakeSessions) Abort() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSessions) Snapshot() scheduler.Status { return f.status }

func (f *fakeSessions) LastSummary() (scheduler.Summary, bool) {
	if f.last == nil {
		return scheduler.Summary{}, false
	}
	return *f.last, true
}

func (f *fakeSessions) Started() [][]crawler.HostURLList {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]crawler.HostURLList(nil), f.started...)
}

func storedLists(context.Context) ([]crawler.HostURLList, error) {
	return crawler.GroupByHost([]string{"https://a.example/x", "https://b.example/y"}, crawler.ListTypeNew), nil
}

func newTestServer(sessions SessionController, opts Options) *Server {
	return NewServer(sessions, storedLists, opts, zap.NewNop())
}

func serve(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeSessions{}, Options{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSessions{}, Options{Ready: func(context.Context) error {
		return errors.New("db down")
	}})
	rec := serve(t, srv, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, newTestServer(&fakeSessions{}, Options{}), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartSessionFromStoredLists(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	rec := serve(t, newTestServer(sessions, Options{}), http.MethodPost, "/v1/session", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "started", body["status"])
	require.EqualValues(t, 2, body["host_lists"])

	started := sessions.Started()
	require.Len(t, started, 1)
	require.Equal(t, crawler.ListTypeNew, started[0][0].ListType)
}

func TestServer_StartSessionWithManualURLs(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	payload := `{"urls":["https://a.example/1","https://a.example/2","https://c.example/"]}`
	rec := serve(t, newTestServer(sessions, Options{}), http.MethodPost, "/v1/session", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)

	started := sessions.Started()
	require.Len(t, started, 1)
	require.Len(t, started[0], 2)
	for _, list := range started[0] {
		require.Equal(t, crawler.ListTypeManual, list.ListType)
	}
}

func TestServer_StartSessionRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSessions{}, Options{MaxManualURLs: 1})
	rec := serve(t, srv, http.MethodPost, "/v1/session", `{"urls":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, srv, http.MethodPost, "/v1/session", `{"urls":["https://a.example/","https://b.example/"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StartSessionConflict(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{startErr: scheduler.ErrSessionRunning}
	rec := serve(t, newTestServer(sessions, Options{}), http.MethodPost, "/v1/session", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_StartSessionListError(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeSessions{}, func(context.Context) ([]crawler.HostURLList, error) {
		return nil, errors.New("query failed")
	}, Options{}, zap.NewNop())
	rec := serve(t, srv, http.MethodPost, "/v1/session", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_AbortSession(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeSessions{running: true}, Options{}), http.MethodPost, "/v1/session/abort", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(t, newTestServer(&fakeSessions{}, Options{}), http.MethodPost, "/v1/session/abort", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_GetSession(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{status: scheduler.Status{
		SessionID:       "abc",
		Running:         true,
		RemainingBudget: 7,
		Active:          map[string]string{"a.example": "https://a.example/x"},
	}}
	rec := serve(t, newTestServer(sessions, Options{}), http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "abc", got.SessionID)
	require.True(t, got.Running)
	require.EqualValues(t, 7, got.RemainingBudget)
	require.Equal(t, "https://a.example/x", got.Active["a.example"])
}

func TestServer_LastSession(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeSessions{}, Options{}), http.MethodGet, "/v1/session/last", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	id := uuid.New()
	sessions := &fakeSessions{last: &scheduler.Summary{SessionID: id, Workers: 3, Aborted: true}}
	rec = serve(t, newTestServer(sessions, Options{}), http.MethodGet, "/v1/session/last", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got scheduler.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, id, got.SessionID)
	require.Equal(t, 3, got.Workers)
	require.True(t, got.Aborted)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSessions{}, Options{APIKey: "secret"})

	rec := serve(t, srv, http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/v1/session?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = serve(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&panickySessions{}, Options{})
	rec := serve(t, srv, http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSessions{}, Options{})
	rec := serve(t, srv, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "fixed", rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestTimeout(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeSessions{}, func(ctx context.Context) ([]crawler.HostURLList, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{RequestTimeout: 20 * time.Millisecond}, zap.NewNop())
	rec := serve(t, srv, http.MethodPost, "/v1/session", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type panickySessions struct{ fakeSessions }

func (*panickySessions) Snapshot() scheduler.Status { panic("boom") }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
