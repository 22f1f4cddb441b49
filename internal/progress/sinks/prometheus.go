package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/webcrawl-indexer/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus metrics: sessions
// started, finished and running, worker outcomes, and per-host fetch results.
type PrometheusSink struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionRuntime   *prometheus.HistogramVec
	workersFinished  *prometheus.CounterVec

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	skipped       *prometheus.CounterVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_sessions_started_total",
			Help: "Total crawl sessions that have started.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_sessions_finished_total",
			Help: "Total crawl sessions finished partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_sessions_running",
			Help: "Current number of running crawl sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_session_runtime_seconds",
			Help:    "Wall time per finished crawl session.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		workersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_workers_finished_total",
			Help: "Host workers finished partitioned by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetches_total",
			Help: "Fetch attempts partitioned by host, status class and outcome.",
		}, []string{"host", "status_class", "outcome"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by host and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "status_class"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_urls_skipped_total",
			Help: "URLs rejected before any network access, by reason.",
		}, []string{"reason"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.sessionRuntime,
		s.workersFinished,
		s.fetches,
		s.fetchBytes,
		s.fetchDuration,
		s.skipped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageSessionDone:
		s.finishSession(evt, "completed")
	case progress.StageSessionAborted:
		s.finishSession(evt, "aborted")
	case progress.StageWorkerDone:
		s.workersFinished.WithLabelValues("done").Inc()
	case progress.StageWorkerError:
		s.workersFinished.WithLabelValues("error").Inc()
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case progress.StageURLSkipped:
		s.skipped.WithLabelValues(labelOr(evt.Outcome, "unknown")).Inc()
	}
}

func (s *PrometheusSink) finishSession(evt progress.Event, result string) {
	s.sessionsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	host := labelOr(evt.Host, "unknown")
	statusClass := labelOr(string(evt.StatusClass), string(progress.StatusOther))
	s.fetches.WithLabelValues(host, statusClass, labelOr(evt.Outcome, "unknown")).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(host, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
