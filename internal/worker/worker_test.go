package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
	"github.com/JakeFAU/webcrawl-indexer/internal/pattern"
	"github.com/JakeFAU/webcrawl-indexer/internal/progress"
)

func TestWorkerIndexesPagesWithPolitenessDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 1)
	w := h.worker(crawler.ListTypeNew, "https://example.com/a", "https://example.com/b")

	require.NoError(t, w.Run(context.Background()))

	added := h.queue.Added()
	require.Len(t, added, 2)
	for _, c := range added {
		assert.Equal(t, crawler.FetchStatusFetched, c.Record.FetchStatus)
		assert.Equal(t, crawler.ParserStatusParsed, c.Record.ParserStatus)
		assert.Equal(t, crawler.IndexStatusIndexed, c.Record.IndexStatus)
		assert.NotNil(t, c.Document)
	}

	starts := h.fetcher.Starts()
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 2*time.Second)

	stats := w.Snapshot().Stats
	assert.Equal(t, int64(2), stats.URLs)
	assert.Equal(t, int64(2), stats.Fetched)
	assert.Equal(t, int64(2), stats.Parsed)
	assert.Zero(t, stats.Ignored)
	assert.Equal(t, int64(2), stats.ListSize)

	assert.Equal(t, []indexCall{{final: true}}, h.queue.Indexes())
	assert.Equal(t, crawler.StateDone, w.Snapshot().State)
	assert.Empty(t, w.CurrentInfo())
	assert.Equal(t, 1, h.fetcher.closed)
	assert.Equal(t, 1, h.robots.closed)
	assert.Equal(t, int64(2), h.session.Stats.Snapshot().Parsed, "worker counters roll up into the session")
}

func TestWorkerSpacingMeasuredFromEndOfRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 1)
	h.fetcher.results["https://example.com/slow"] = fetchResult{
		page: crawler.Page{StatusCode: http.StatusOK, Body: []byte("x")},
		cost: 5 * time.Second,
	}
	w := h.worker(crawler.ListTypeNew, "https://example.com/slow", "https://example.com/next")
	require.NoError(t, w.Run(context.Background()))

	starts := h.fetcher.Starts()
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 7*time.Second)
}

func TestWorkerExclusionBlocksWithoutNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 1)
	filter, err := pattern.NewFilter(nil, []string{"*/admin/*"})
	require.NoError(t, err)
	h.deps.Filter = filter
	h.cfg.ExclusionEnabled = true

	w := h.worker(crawler.ListTypeNew, "https://example.com/admin/x")
	record := w.list.Records[0]
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, crawler.FetchStatusBlockedByExclusionList, record.FetchStatus)
	assert.Empty(t, h.fetcher.Fetched())
	assert.Empty(t, h.robots.checks)
	assert.Equal(t, []string{"https://example.com/admin/x"}, h.queue.Deleted())
	assert.Empty(t, h.queue.Added())

	stats := w.Snapshot().Stats
	assert.Equal(t, int64(1), stats.URLs)
	assert.Zero(t, stats.Fetched)
	assert.Equal(t, int64(1), stats.Ignored)
	assert.Contains(t, h.emitter.Stages(), progress.StageURLSkipped)
}

func TestWorkerInclusionCheckedBeforeExclusion(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 1)
	filter, err := pattern.NewFilter([]string{"https://example.com/docs/*"}, []string{"*/admin/*"})
	require.NoError(t, err)
	h.deps.Filter = filter
	h.cfg.InclusionEnabled = true
	h.cfg.ExclusionEnabled = true

	w := h.worker(crawler.ListTypeNew,
		"https://example.com/admin/x",
		"https://example.com/docs/admin/y",
		"https://example.com/docs/ok",
	)
	require.NoError(t, w.Run(context.Background()))

	records := w.list.Records
	assert.Equal(t, crawler.FetchStatusNotInInclusionList, records[0].FetchStatus)
	assert.Equal(t, crawler.FetchStatusBlockedByExclusionList, records[1].FetchStatus)
	assert.Equal(t, crawler.IndexStatusIndexed, records[2].IndexStatus)
	assert.Equal(t, []string{"https://example.com/docs/ok"}, h.fetcher.Fetched())
}

func TestWorkerFiltersIgnoredWhenDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 1)
	filter, err := pattern.NewFilter([]string{"https://nowhere.example/*"}, []string{"*"})
	require.NoError(t, err)
	h.deps.Filter = filter

	w := h.worker(crawler.ListTypeNew, "https://example.com/a")
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, crawler.IndexStatusIndexed, w.list.Records[0].IndexStatus)
}

func TestWorkerTransportErrorContinuesPass(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 1)
	h.fetcher.results["https://example.com/down"] = fetchResult{err: errors.New("connection refused")}
	w := h.worker(crawler.ListTypeNew, "https://example.com/down", "https://example.com/up")

	require.NoError(t, w.Run(context.Background()))

	added := h.queue.Added()
	require.Len(t, added, 2)
	assert.Equal(t, crawler.FetchStatusError, added[0].Record.FetchStatus)
	assert.Contains(t, added[0].Error, "connection refused")
	assert.Equal(t, crawler.IndexStatusIndexed, added[1].Record.IndexStatus)

	stats := w.Snapshot().Stats
	assert.Equal(t, int64(1), stats.Ignored)
	assert.Equal(t, int64(1), stats.Parsed)

	starts := h.fetcher.Starts()
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 2*time.Second, "a failed request still pushes the next slot")
}

func TestWorkerClassifiesResponses(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 1)
	h.fetcher.results["https://example.com/gone"] = fetchResult{page: crawler.Page{StatusCode: http.StatusNotFound}}
	h.fetcher.results["https://example.com/broken"] = fetchResult{page: crawler.Page{StatusCode: http.StatusBadGateway}}
	h.fetcher.results["https://example.com/hidden"] = fetchResult{page: crawler.Page{
		StatusCode: http.StatusOK,
		Body:       []byte(`<meta name="robots" content="noindex">`),
	}}
	h.fetcher.results["https://example.com/garbled"] = fetchResult{page: crawler.Page{
		StatusCode: http.StatusOK,
		Body:       []byte("unparseable"),
	}}
	h.robots.disallowed["/private"] = true

	w := h.worker(crawler.ListTypeOld,
		"https://example.com/gone",
		"https://example.com/broken",
		"https://example.com/hidden",
		"https://example.com/garbled",
		"https://example.com/private",
	)
	require.NoError(t, w.Run(context.Background()))

	records := w.list.Records
	assert.Equal(t, crawler.FetchStatusGone, records[0].FetchStatus)
	assert.Equal(t, http.StatusNotFound, records[0].HTTPCode)
	assert.Equal(t, crawler.FetchStatusHTTPError, records[1].FetchStatus)
	assert.Equal(t, http.StatusBadGateway, records[1].HTTPCode)
	assert.Equal(t, crawler.IndexStatusMetaNoIndex, records[2].IndexStatus)
	assert.Equal(t, crawler.ParserStatusParsed, records[2].ParserStatus)
	assert.Equal(t, crawler.ParserStatusParseError, records[3].ParserStatus)
	assert.Equal(t, crawler.FetchStatusRobotsDisallowed, records[4].FetchStatus)

	for _, r := range records {
		assert.NotEqual(t, crawler.IndexStatusIndexed, r.IndexStatus, r.URL)
	}
	assert.NotContains(t, h.fetcher.Fetched(), "https://example.com/private")

	stats := w.Snapshot().Stats
	assert.Equal(t, int64(5), stats.Fetched)
	assert.Equal(t, int64(5), stats.Ignored)
	assert.Zero(t, stats.Parsed)
}

func TestWorkerMalformedAndEmptyURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 1)
	w := h.worker(crawler.ListTypeNew, "http://[::1", "")
	require.NoError(t, w.Run(context.Background()))

	added := h.queue.Added()
	require.Len(t, added, 1)
	assert.Equal(t, crawler.FetchStatusURLError, added[0].Record.FetchStatus)
	assert.NotEmpty(t, added[0].Error)
	assert.Equal(t, []string{""}, h.queue.Deleted())
	assert.Empty(t, h.fetcher.Fetched())
}

func TestWorkerStopsWhenBudgetExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(2, 1)
	w := h.worker(crawler.ListTypeNew, "https://example.com/1", "https://example.com/2", "https://example.com/3")
	require.NoError(t, w.Run(context.Background()))

	assert.Len(t, h.fetcher.Fetched(), 2)
	assert.Equal(t, int64(2), w.Snapshot().Stats.URLs)
	assert.Zero(t, h.session.RemainingBudget())
	assert.Equal(t, []indexCall{{final: true}}, h.queue.Indexes())
}

func TestWorkerManualListIgnoresBudgetAndAbort(t *testing.T) {
	t.Parallel()

	h := newHarness(1, 1)
	h.session.Abort()
	w := h.worker(crawler.ListTypeManual, "https://example.com/1", "https://example.com/2")
	require.NoError(t, w.Run(context.Background()))

	assert.Len(t, h.fetcher.Fetched(), 2)
	assert.Equal(t, int64(1), h.session.RemainingBudget(), "manual lists do not consume budget")
}

func TestWorkerAbortBeforeNextURL(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 1)
	var w *Worker
	h.fetcher.onFetch = func(string) { w.Abort() }
	w = h.worker(crawler.ListTypeNew, "https://example.com/1", "https://example.com/2", "https://example.com/3")

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []string{"https://example.com/1"}, h.fetcher.Fetched())
	snap := w.Snapshot()
	assert.True(t, snap.Aborted)
	assert.Equal(t, crawler.StateDone, snap.State)
	assert.Equal(t, []indexCall{{final: true}}, h.queue.Indexes(), "aborted workers still flush")
}

func TestWorkerSessionAbortStopsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 1)
	h.session.Abort()
	w := h.worker(crawler.ListTypeOld, "https://example.com/1")
	require.NoError(t, w.Run(context.Background()))
	assert.Empty(t, h.fetcher.Fetched())
	assert.Zero(t, w.Snapshot().Stats.URLs)
}

func TestWorkerAcquireFailureReleasesPartialHandles(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 1)
	h.connector.robotsErr = errors.New("robots pool exhausted")
	w := h.worker(crawler.ListTypeNew, "https://example.com/1")

	err := w.Run(context.Background())
	require.ErrorContains(t, err, "robots pool exhausted")
	assert.Equal(t, 1, h.fetcher.closed, "the already opened fetcher is released")
	assert.Empty(t, h.fetcher.Fetched())

	snap := w.Snapshot()
	assert.Equal(t, crawler.StateError, snap.State)
	assert.Contains(t, snap.Error, "robots pool exhausted")
	assert.Equal(t, []indexCall{{final: true}}, h.queue.Indexes(), "the last worker commits even when it failed")
	assert.Contains(t, h.emitter.Stages(), progress.StageWorkerError)
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 1)
	h.deps.Parser = fakeParser{panicOn: "boom"}
	h.fetcher.results["https://example.com/p"] = fetchResult{page: crawler.Page{StatusCode: http.StatusOK, Body: []byte("boom")}}
	w := h.worker(crawler.ListTypeNew, "https://example.com/p")

	err := w.Run(context.Background())
	require.ErrorContains(t, err, "worker panic")
	assert.Equal(t, crawler.StateError, w.Snapshot().State)
	assert.Equal(t, 1, h.fetcher.closed)
	assert.Len(t, h.queue.Indexes(), 1)
}

func TestWorkerIndexFailureIsError(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 2)
	h.queue.indexErr = errors.New("index offline")
	w := h.worker(crawler.ListTypeNew, "https://example.com/1")

	err := w.Run(context.Background())
	require.ErrorContains(t, err, "index offline")
	assert.Equal(t, []indexCall{{final: false}}, h.queue.Indexes(), "not the last worker of the session")
	assert.Equal(t, crawler.StateError, w.Snapshot().State)
}

func TestWorkerCanceledContextStillFlushes(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 1)
	w := h.worker(crawler.ListTypeNew, "https://example.com/1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.fetcher.Fetched())
	assert.Equal(t, []indexCall{{final: true}}, h.queue.Indexes())
}

func TestWorkerSnapshotBeforeRun(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 1)
	w := h.worker(crawler.ListTypeNew, "https://example.com/1")
	snap := w.Snapshot()
	assert.Equal(t, crawler.StateNotStarted, snap.State)
	assert.Equal(t, "example.com", snap.Host)
	assert.Equal(t, crawler.ListTypeNew, snap.ListType)
	assert.Empty(t, w.CurrentInfo())
}

func TestWorkerEmitsFetchEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(0, 1)
	w := h.worker(crawler.ListTypeNew, "https://example.com/1")
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []progress.Stage{
		progress.StageFetchStart,
		progress.StageFetchDone,
		progress.StageWorkerDone,
	}, h.emitter.Stages())
	for _, evt := range h.emitter.events {
		require.NoError(t, evt.Validate())
	}
}
