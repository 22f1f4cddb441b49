package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
	"github.com/JakeFAU/webcrawl-indexer/internal/metrics"
	"github.com/JakeFAU/webcrawl-indexer/internal/scheduler"
	"github.com/JakeFAU/webcrawl-indexer/internal/store"
)

// SessionController is the part of the scheduler the API drives.
type SessionController interface {
	Start(ctx context.Context, lists []crawler.HostURLList) (<-chan scheduler.Outcome, error)
	Abort() bool
	Snapshot() scheduler.Status
	LastSummary() (scheduler.Summary, bool)
}

// ListSource produces the host lists for a session started without explicit URLs.
type ListSource func(ctx context.Context) ([]crawler.HostURLList, error)

// Options tune the server. Zero values are usable.
type Options struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey         string
	RequestTimeout time.Duration
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
	// SessionContext parents every session started over HTTP. Sessions must
	// outlive the request that started them.
	SessionContext context.Context
	// MaxManualURLs caps the URLs accepted in one start request.
	MaxManualURLs int
	// History serves /v1/sessions. Nil answers 503.
	History store.SessionRepository
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxManualURLs  = 10_000
	maxBodyBytes          = 4 << 20
)

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router   chi.Router
	sessions SessionController
	lists    ListSource
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sessions SessionController, lists ListSource, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.SessionContext == nil {
		opts.SessionContext = context.Background()
	}
	if opts.MaxManualURLs <= 0 {
		opts.MaxManualURLs = defaultMaxManualURLs
	}
	metrics.Init()
	s := &Server{
		sessions: sessions,
		lists:    lists,
		opts:     opts,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/", s.startSession)
			r.Get("/last", s.lastSession)
			r.Post("/abort", s.abortSession)
		})
		history := newHistoryHandler(opts.History, s.logger)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", history.listSessions)
			r.Get("/{session_id}", history.getSession)
			r.Get("/{session_id}/hosts", history.listHosts)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) lastSession(w http.ResponseWriter, _ *http.Request) {
	summary, ok := s.sessions.LastSummary()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no session has finished yet")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

type startRequest struct {
	// URLs, when present, are crawled as MANUAL lists instead of the stored lists.
	URLs []string `json:"urls"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) > s.opts.MaxManualURLs {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per request", s.opts.MaxManualURLs))
		return
	}

	var lists []crawler.HostURLList
	if len(req.URLs) > 0 {
		lists = crawler.GroupByHost(req.URLs, crawler.ListTypeManual)
	} else {
		if s.lists == nil {
			s.writeError(w, http.StatusBadRequest, "urls required")
			return
		}
		var err error
		lists, err = s.lists(r.Context())
		if err != nil {
			s.logger.Error("load host lists failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to load host lists")
			return
		}
	}

	done, err := s.sessions.Start(s.opts.SessionContext, lists)
	if errors.Is(err, scheduler.ErrSessionRunning) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	go s.awaitSession(done)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "host_lists": len(lists)})
}

func (s *Server) awaitSession(done <-chan scheduler.Outcome) {
	outcome := <-done
	if outcome.Err != nil {
		s.logger.Warn("session finished with errors",
			zap.String("session_id", outcome.Summary.SessionID.String()),
			zap.Error(outcome.Err))
	}
}

func (s *Server) abortSession(w http.ResponseWriter, _ *http.Request) {
	if !s.sessions.Abort() {
		s.writeError(w, http.StatusConflict, "no session running")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeErrorTo(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := encodeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeErrorTo(w http.ResponseWriter, status int, msg string) {
	_ = encodeJSON(w, status, map[string]string{"error": msg})
}

func encodeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
