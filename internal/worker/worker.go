// Package worker crawls the URLs of a single host, one at a time, under that
// host's politeness delay.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
	"github.com/JakeFAU/webcrawl-indexer/internal/metrics"
	"github.com/JakeFAU/webcrawl-indexer/internal/progress"
)

// Config controls Worker behavior.
type Config struct {
	// Delay is the minimum time between the end of one request to the host
	// and the start of the next.
	Delay            time.Duration
	InclusionEnabled bool
	ExclusionEnabled bool
}

// Dependencies are the collaborators a Worker needs. Pauser and Emitter are
// optional.
type Dependencies struct {
	Connector crawler.Connector
	Filter    crawler.URLFilter
	Parser    crawler.Parser
	Queue     crawler.CrawlQueue
	Clock     crawler.Clock
	Pauser    crawler.Pauser
	Emitter   progress.Emitter
}

// Worker walks one HostURLList. Run must be called at most once.
type Worker struct {
	list    crawler.HostURLList
	session *crawler.Session
	deps    Dependencies
	cfg     Config
	logger  *zap.Logger

	stats     *crawler.Statistics
	hostClock *crawler.HostClock
	fetcher   crawler.Fetcher
	robots    crawler.RobotsChecker

	aborted  atomic.Bool
	snapshot atomic.Pointer[crawler.Snapshot]
}

// New constructs a Worker for list within session.
func New(
	list crawler.HostURLList,
	session *crawler.Session,
	deps Dependencies,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Pauser == nil {
		deps.Pauser = crawler.TimerPauser{}
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard{}
	}
	metrics.Init()
	w := &Worker{
		list:      list,
		session:   session,
		deps:      deps,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.String("host", list.Host)),
		stats:     crawler.NewStatistics(session.Stats),
		hostClock: crawler.NewHostClock(deps.Clock, deps.Pauser, cfg.Delay),
	}
	w.snapshot.Store(&crawler.Snapshot{
		Host:      list.Host,
		ListType:  list.ListType,
		State:     crawler.StateNotStarted,
		UpdatedAt: deps.Clock.Now(),
	})
	return w
}

// Host returns the host this worker crawls.
func (w *Worker) Host() string { return w.list.Host }

// Abort asks the worker to stop before its next budget-tracked URL.
func (w *Worker) Abort() { w.aborted.Store(true) }

// Snapshot returns the latest published state together with live counters.
func (w *Worker) Snapshot() crawler.Snapshot {
	snap := *w.snapshot.Load()
	snap.Aborted = snap.Aborted || w.aborted.Load()
	snap.Stats = w.stats.Snapshot()
	return snap
}

// CurrentInfo returns the URL being processed, or "" when idle.
func (w *Worker) CurrentInfo() string {
	return w.snapshot.Load().CurrentURL
}

// Run crawls the list, hands every outcome to the queue and then flushes the
// queue, committing it when this is the last worker of the session. Per-URL
// failures are recorded on the URL; the returned error only reports failures
// that ended the worker early or prevented the flush.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.stats.AddListSize(len(w.list.Records))
	w.publish(func(s *crawler.Snapshot) { s.State = crawler.StateCrawling })

	crawlErr := w.crawlList(ctx)
	if crawlErr != nil {
		w.logger.Error("host crawl ended early", zap.Error(crawlErr))
	}

	w.publish(func(s *crawler.Snapshot) {
		s.State = crawler.StateIndexing
		s.CurrentURL = ""
	})
	last := w.session.Leave()
	// The flush must run even when ctx is done, otherwise buffered results of
	// this session would be lost.
	indexErr := w.deps.Queue.Index(context.WithoutCancel(ctx), last)
	if indexErr != nil {
		indexErr = fmt.Errorf("index crawl queue (final=%t): %w", last, indexErr)
		w.logger.Error("crawl queue flush failed", zap.Bool("final", last), zap.Error(indexErr))
	}

	err := errors.Join(crawlErr, indexErr)
	w.publish(func(s *crawler.Snapshot) {
		s.Aborted = w.aborted.Load()
		if err != nil {
			s.State = crawler.StateError
			s.Error = err.Error()
			return
		}
		s.State = crawler.StateDone
	})
	w.emit(progress.Event{Stage: w.finishStage(err), Note: errText(err)})
	return err
}

func (w *Worker) crawlList(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	if err := w.acquire(ctx); err != nil {
		return err
	}
	defer w.release()

	tracked := w.list.BudgetTracked()
	for _, record := range w.list.Records {
		if tracked {
			if w.aborted.Load() || w.session.Aborted() {
				w.logger.Info("crawl aborted")
				return nil
			}
			if w.session.TakeBudget() < 0 {
				w.logger.Info("url budget exhausted")
				return nil
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("crawl interrupted: %w", ctx.Err())
		}

		if crawl := w.crawl(ctx, record); crawl != nil {
			if err := w.deps.Queue.Add(ctx, w.stats, crawl); err != nil {
				w.logger.Warn("crawl queue add failed", zap.String("url", record.URL), zap.Error(err))
			}
			continue
		}
		if err := w.deps.Queue.Delete(ctx, w.stats, record.URL); err != nil {
			w.logger.Warn("crawl queue delete failed", zap.String("url", record.URL), zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) acquire(ctx context.Context) error {
	fetcher, err := w.deps.Connector.OpenFetcher(ctx)
	if err != nil {
		return fmt.Errorf("acquire content fetcher: %w", err)
	}
	robots, err := w.deps.Connector.OpenRobots(ctx)
	if err != nil {
		w.closeHandle("content fetcher", fetcher.Close)
		return fmt.Errorf("acquire robots checker: %w", err)
	}
	w.fetcher = fetcher
	w.robots = robots
	return nil
}

func (w *Worker) release() {
	w.closeHandle("content fetcher", w.fetcher.Close)
	w.closeHandle("robots checker", w.robots.Close)
	w.fetcher = nil
	w.robots = nil
}

func (w *Worker) closeHandle(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		w.logger.Warn("release handle failed", zap.String("handle", name), zap.Error(err))
	}
}

// crawl processes one record. A nil result means the URL should be removed
// from the index.
func (w *Worker) crawl(ctx context.Context, record *crawler.URLRecord) *crawler.Crawl {
	w.stats.IncURLCount()
	crawl := crawler.NewCrawl(record, w.deps.Clock.Now())
	w.publish(func(s *crawler.Snapshot) { s.CurrentURL = record.URL })

	u, err := record.Parsed()
	switch {
	case errors.Is(err, crawler.ErrNoURL):
		return nil
	case err != nil:
		record.SetFetchStatus(crawler.FetchStatusURLError)
		crawl.SetError(err)
		w.stats.IncIgnoredCount()
		w.observe(record)
		return crawl
	}

	if w.cfg.InclusionEnabled && !w.deps.Filter.Included(u) {
		return w.skip(record, crawler.FetchStatusNotInInclusionList)
	}
	if w.cfg.ExclusionEnabled && w.deps.Filter.Excluded(u) {
		return w.skip(record, crawler.FetchStatusBlockedByExclusionList)
	}

	w.stats.IncFetchedCount()
	w.fetch(ctx, crawl)

	if record.MarkIndexed() {
		w.stats.IncParsedCount()
	} else {
		w.stats.IncIgnoredCount()
	}
	w.observe(record)
	return crawl
}

func (w *Worker) skip(record *crawler.URLRecord, status crawler.FetchStatus) *crawler.Crawl {
	record.SetFetchStatus(status)
	w.stats.IncIgnoredCount()
	w.observe(record)
	w.emit(progress.Event{Stage: progress.StageURLSkipped, URL: record.URL, Outcome: string(status)})
	return nil
}

// fetch waits for the host's next slot, checks robots.txt, downloads and
// parses. The next slot is pushed out after the network attempt whatever its
// outcome.
func (w *Worker) fetch(ctx context.Context, crawl *crawler.Crawl) {
	record := crawl.Record
	u, _ := record.Parsed()

	waited, err := w.hostClock.Wait(ctx)
	metrics.ObservePolitenessWait(w.list.Host, waited)
	if err != nil {
		record.SetFetchStatus(crawler.FetchStatusError)
		crawl.SetError(err)
		return
	}

	start := w.deps.Clock.Now()
	record.LastFetched = start
	w.emit(progress.Event{Stage: progress.StageFetchStart, URL: record.URL})

	if !w.robots.Allowed(ctx, u) {
		w.hostClock.Advance()
		record.SetFetchStatus(crawler.FetchStatusRobotsDisallowed)
		w.emitFetchDone(record, 0, 0)
		return
	}

	page, err := w.fetcher.Fetch(ctx, u.String())
	w.hostClock.Advance()
	if err != nil {
		record.SetFetchStatus(crawler.FetchStatusError)
		crawl.SetError(err)
		w.logger.Debug("fetch failed", zap.String("url", record.URL), zap.Error(err))
		w.emitFetchDone(record, 0, w.deps.Clock.Now().Sub(start))
		return
	}
	crawl.Page = &page
	record.HTTPCode = page.StatusCode
	record.ContentType = page.ContentType
	w.emitFetchDone(record, int64(len(page.Body)), page.Duration)

	switch {
	case page.StatusCode >= 200 && page.StatusCode < 300:
		record.SetFetchStatus(crawler.FetchStatusFetched)
	case page.StatusCode == http.StatusNotFound || page.StatusCode == http.StatusGone:
		record.SetFetchStatus(crawler.FetchStatusGone)
		crawl.SetError(fmt.Errorf("http status %d", page.StatusCode))
		return
	default:
		record.SetFetchStatus(crawler.FetchStatusHTTPError)
		crawl.SetError(fmt.Errorf("http status %d", page.StatusCode))
		return
	}

	doc, err := w.deps.Parser.Parse(page)
	if err != nil {
		record.ParserStatus = crawler.ParserStatusParseError
		crawl.SetError(err)
		return
	}
	record.ParserStatus = crawler.ParserStatusParsed
	if doc.NoIndex {
		record.IndexStatus = crawler.IndexStatusMetaNoIndex
	}
	crawl.Document = &doc
}

func (w *Worker) observe(record *crawler.URLRecord) {
	metrics.ObserveURLOutcome(string(record.FetchStatus), string(record.IndexStatus))
}

func (w *Worker) emitFetchDone(record *crawler.URLRecord, bytes int64, dur time.Duration) {
	w.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		URL:         record.URL,
		Outcome:     string(record.FetchStatus),
		StatusClass: progress.ClassifyStatus(record.HTTPCode),
		Bytes:       bytes,
		Dur:         max(dur, 0),
	})
}

func (w *Worker) emit(evt progress.Event) {
	evt.SessionID = w.session.ID
	evt.TS = w.deps.Clock.Now()
	evt.Host = w.list.Host
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) finishStage(err error) progress.Stage {
	if err != nil {
		return progress.StageWorkerError
	}
	return progress.StageWorkerDone
}

// publish copies the current snapshot, applies mutate and stores the copy.
// Only the worker goroutine publishes, so load-modify-store does not race.
func (w *Worker) publish(mutate func(*crawler.Snapshot)) {
	next := *w.snapshot.Load()
	mutate(&next)
	next.UpdatedAt = w.deps.Clock.Now()
	w.snapshot.Store(&next)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
