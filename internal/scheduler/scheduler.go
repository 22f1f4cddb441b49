// Package scheduler runs one crawl session: a worker per host list, at most
// MaxWorkers at a time, sharing one URL budget and one abort flag.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
	"github.com/JakeFAU/webcrawl-indexer/internal/progress"
	"github.com/JakeFAU/webcrawl-indexer/internal/worker"
)

// ErrSessionRunning is returned by Run while another session is in progress.
var ErrSessionRunning = errors.New("crawl session already running")

const defaultMaxWorkers = 4

// Config controls session-wide limits.
type Config struct {
	MaxWorkers int
	// URLBudget caps the NEW and OLD URLs crawled per session. <= 0 is unlimited.
	URLBudget int64
	Worker    worker.Config
}

// IDGenerator creates session IDs.
type IDGenerator interface {
	NewSessionID() (uuid.UUID, error)
}

// Dependencies are shared by every worker of every session.
type Dependencies struct {
	Worker worker.Dependencies
	IDs    IDGenerator
	// Prepare, when set, runs at the start of every session while no other
	// session can start. A failure aborts the session before any worker runs.
	Prepare func(ctx context.Context) error
}

// Summary describes a finished session.
type Summary struct {
	SessionID  uuid.UUID             `json:"session_id"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Workers    int                   `json:"workers"`
	Aborted    bool                  `json:"aborted"`
	Stats      crawler.StatsSnapshot `json:"stats"`
	Errors     []string              `json:"errors,omitempty"`
}

// Status is the live view of the current or most recent session.
type Status struct {
	SessionID       string                `json:"session_id,omitempty"`
	Running         bool                  `json:"running"`
	Aborted         bool                  `json:"aborted"`
	StartedAt       time.Time             `json:"started_at,omitzero"`
	RemainingBudget int64                 `json:"remaining_budget"`

	// Outstanding counts workers that have not finished their list.
	Outstanding int64                 `json:"outstanding"`
	Finished    int                   `json:"finished"`
	Stats       crawler.StatsSnapshot `json:"stats"`

	// Active maps each crawling host to the URL it is working on.
	Active  map[string]string  `json:"active"`
	Workers []crawler.Snapshot `json:"workers"`
	Errors  []string           `json:"errors,omitempty"`
}

// Scheduler runs sessions one at a time.
type Scheduler struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	// running is written only under mu so Abort cannot miss a session that
	// is still preparing.
	running atomic.Bool

	mu      sync.RWMutex
	session *crawler.Session
	workers []*worker.Worker
	errs    []string
	last    *Summary

	// abortPending records an Abort that arrived before the session existed.
	abortPending bool
}

// New validates the configuration and returns an idle Scheduler.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Scheduler, error) {
	if deps.Worker.Queue == nil {
		return nil, errors.New("crawl queue is required")
	}
	if deps.Worker.Connector == nil {
		return nil, errors.New("connector is required")
	}
	if deps.Worker.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Worker.Emitter == nil {
		deps.Worker.Emitter = progress.Discard{}
	}
	if deps.IDs == nil {
		deps.IDs = randomIDs{}
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, deps: deps, logger: logger}, nil
}

type randomIDs struct{}

func (randomIDs) NewSessionID() (uuid.UUID, error) { return uuid.NewRandom() }

// Run crawls lists and returns once every worker has finished and the queue
// has been committed. Worker failures do not stop other workers; they are
// reported in the summary and returned joined.
func (s *Scheduler) Run(ctx context.Context, lists []crawler.HostURLList) (Summary, error) {
	if !s.acquire() {
		return Summary{}, ErrSessionRunning
	}
	defer s.release()
	return s.run(ctx, lists)
}

// acquire marks a session as running and forgets the previous one, so an
// Abort from now on targets the new session.
func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return false
	}
	s.running.Store(true)
	s.session = nil
	s.workers = nil
	s.errs = nil
	s.abortPending = false
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running.Store(false)
	s.abortPending = false
}

// Outcome is what a session started with Start delivers when it ends.
type Outcome struct {
	Summary Summary
	Err     error
}

// Start runs a session in the background. It fails with ErrSessionRunning
// instead of queuing behind a running session. The returned channel receives
// exactly one Outcome.
func (s *Scheduler) Start(ctx context.Context, lists []crawler.HostURLList) (<-chan Outcome, error) {
	if !s.acquire() {
		return nil, ErrSessionRunning
	}
	done := make(chan Outcome, 1)
	go func() {
		defer s.release()
		summary, err := s.run(ctx, lists)
		done <- Outcome{Summary: summary, Err: err}
	}()
	return done, nil
}

func (s *Scheduler) run(ctx context.Context, lists []crawler.HostURLList) (Summary, error) {
	if s.deps.Prepare != nil {
		if err := s.deps.Prepare(ctx); err != nil {
			return Summary{}, fmt.Errorf("prepare session: %w", err)
		}
	}
	id, err := s.deps.IDs.NewSessionID()
	if err != nil {
		return Summary{}, fmt.Errorf("new session id: %w", err)
	}
	clock := s.deps.Worker.Clock
	session := crawler.NewSession(id, clock.Now(), s.cfg.URLBudget, len(lists))
	logger := s.logger.Named("scheduler").With(zap.String("session_id", id.String()))

	workers := make([]*worker.Worker, len(lists))
	for i, list := range lists {
		workers[i] = worker.New(list, session, s.deps.Worker, s.cfg.Worker, s.logger)
	}
	s.mu.Lock()
	s.session = session
	s.workers = workers
	if s.abortPending {
		s.abortWorkersLocked()
	}
	s.mu.Unlock()

	s.emit(session, progress.Event{Stage: progress.StageSessionStart, Note: fmt.Sprintf("%d host lists", len(lists))})
	logger.Info("crawl session started",
		zap.Int("host_lists", len(lists)),
		zap.Int("max_workers", s.cfg.MaxWorkers),
		zap.Int64("url_budget", s.cfg.URLBudget))

	var runErr error
	if len(workers) == 0 {
		// No worker will be last, so the scheduler commits.
		if err := s.deps.Worker.Queue.Index(context.WithoutCancel(ctx), true); err != nil {
			runErr = fmt.Errorf("index crawl queue (final=true): %w", err)
			s.recordError(runErr)
		}
	} else {
		runErr = s.runWorkers(ctx, workers)
	}

	summary := Summary{
		SessionID:  id,
		StartedAt:  session.StartedAt,
		FinishedAt: clock.Now(),
		Workers:    len(workers),
		Aborted:    session.Aborted(),
		Stats:      session.Stats.Snapshot(),
		Errors:     s.errorList(),
	}
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()

	stage := progress.StageSessionDone
	if summary.Aborted {
		stage = progress.StageSessionAborted
	}
	end := progress.Event{Stage: stage, Dur: summary.FinishedAt.Sub(summary.StartedAt)}
	if n := len(summary.Errors); n > 0 {
		end.Note = summary.Errors[n-1]
	}
	s.emit(session, end)
	logger.Info("crawl session finished",
		zap.Bool("aborted", summary.Aborted),
		zap.Int64("urls", summary.Stats.URLs),
		zap.Int64("fetched", summary.Stats.Fetched),
		zap.Int64("parsed", summary.Stats.Parsed),
		zap.Int64("ignored", summary.Stats.Ignored),
		zap.Int("errors", len(summary.Errors)))
	return summary, runErr
}

func (s *Scheduler) runWorkers(ctx context.Context, workers []*worker.Worker) error {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxWorkers)
	errs := make([]error, len(workers))
	for i, w := range workers {
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("host %s: %w", w.Host(), err)
				s.recordError(errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Abort stops the running session before each worker's next NEW or OLD URL.
// It reports whether a session was running.
// An Abort while the session is still preparing applies as soon as its
// workers exist.
func (s *Scheduler) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	if s.session == nil {
		s.abortPending = true
		s.logger.Info("crawl session abort requested before start")
		return true
	}
	s.abortWorkersLocked()
	s.logger.Info("crawl session abort requested", zap.String("session_id", s.session.ID.String()))
	return true
}

func (s *Scheduler) abortWorkersLocked() {
	s.session.Abort()
	for _, w := range s.workers {
		w.Abort()
	}
}

// Running reports whether a session is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

// RemainingBudget returns the URLs left in the current session's budget, or
// the configured budget when no session has started. -1 means unlimited.
func (s *Scheduler) RemainingBudget() int64 {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()
	if s.cfg.URLBudget <= 0 {
		return -1
	}
	if session == nil {
		return s.cfg.URLBudget
	}
	return session.RemainingBudget()
}

// Snapshot returns the state of the current or most recent session.
func (s *Scheduler) Snapshot() Status {
	s.mu.RLock()
	session, workers := s.session, s.workers
	errs := append([]string(nil), s.errs...)
	s.mu.RUnlock()

	status := Status{
		Running:         s.running.Load(),
		RemainingBudget: s.RemainingBudget(),
		Active:          map[string]string{},
		Workers:         []crawler.Snapshot{},
		Errors:          errs,
	}
	if session == nil {
		return status
	}
	status.SessionID = session.ID.String()
	status.Aborted = session.Aborted()
	status.StartedAt = session.StartedAt
	status.Stats = session.Stats.Snapshot()
	status.Outstanding = session.Outstanding()
	for _, w := range workers {
		snap := w.Snapshot()
		status.Workers = append(status.Workers, snap)
		if snap.State.Terminal() {
			status.Finished++
		}
		if snap.State == crawler.StateCrawling && snap.CurrentURL != "" {
			status.Active[snap.Host] = snap.CurrentURL
		}
	}
	sort.SliceStable(status.Workers, func(i, j int) bool {
		return status.Workers[i].Host < status.Workers[j].Host
	})
	return status
}

// LastSummary returns the summary of the most recent finished session.
func (s *Scheduler) LastSummary() (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err.Error())
}

func (s *Scheduler) errorList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.errs...)
}

func (s *Scheduler) emit(session *crawler.Session, evt progress.Event) {
	evt.SessionID = session.ID
	evt.TS = s.deps.Worker.Clock.Now()
	s.deps.Worker.Emitter.Emit(evt)
}
