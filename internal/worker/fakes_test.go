package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
	"github.com/JakeFAU/webcrawl-indexer/internal/progress"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakePauser advances the fake clock instead of sleeping.
type fakePauser struct {
	clock *fakeClock
	mu    sync.Mutex
	total time.Duration
}

func (p *fakePauser) Pause(_ context.Context, d time.Duration) {
	p.mu.Lock()
	p.total += d
	p.mu.Unlock()
	p.clock.Advance(d)
}

type fetchResult struct {
	page crawler.Page
	err  error
	// cost is how long the fetch takes on the fake clock.
	cost time.Duration
}

type fakeFetcher struct {
	clock   *fakeClock
	results map[string]fetchResult
	onFetch func(rawURL string)

	mu      sync.Mutex
	starts  []time.Time
	fetched []string
	closed  int
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (crawler.Page, error) {
	f.mu.Lock()
	f.starts = append(f.starts, f.clock.Now())
	f.fetched = append(f.fetched, rawURL)
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(rawURL)
	}

	res, ok := f.results[rawURL]
	if !ok {
		res = fetchResult{page: crawler.Page{
			URL:         rawURL,
			StatusCode:  http.StatusOK,
			ContentType: "text/html",
			Body:        []byte("<html><title>ok</title></html>"),
		}}
	}
	f.clock.Advance(res.cost)
	if res.err != nil {
		return crawler.Page{}, res.err
	}
	return res.page, nil
}

func (f *fakeFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeFetcher) Fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func (f *fakeFetcher) Starts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.starts...)
}

type fakeRobots struct {
	clock      *fakeClock
	disallowed map[string]bool
	checks     []time.Time
	closed     int
}

func (r *fakeRobots) Allowed(_ context.Context, u *url.URL) bool {
	r.checks = append(r.checks, r.clock.Now())
	return !r.disallowed[u.Path]
}

func (r *fakeRobots) Close() error {
	r.closed++
	return nil
}

type fakeConnector struct {
	fetcher   *fakeFetcher
	robots    *fakeRobots
	fetchErr  error
	robotsErr error
}

func (c *fakeConnector) OpenFetcher(context.Context) (crawler.Fetcher, error) {
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.fetcher, nil
}

func (c *fakeConnector) OpenRobots(context.Context) (crawler.RobotsChecker, error) {
	if c.robotsErr != nil {
		return nil, c.robotsErr
	}
	return c.robots, nil
}

type fakeParser struct {
	panicOn string
}

func (p fakeParser) Parse(page crawler.Page) (crawler.Document, error) {
	body := string(page.Body)
	if p.panicOn != "" && strings.Contains(body, p.panicOn) {
		panic("parser exploded")
	}
	if strings.Contains(body, "unparseable") {
		return crawler.Document{}, errors.New("bad markup")
	}
	return crawler.Document{Title: "ok", NoIndex: strings.Contains(body, "noindex")}, nil
}

type indexCall struct {
	final bool
}

type recordingQueue struct {
	mu       sync.Mutex
	added    []*crawler.Crawl
	deleted  []string
	indexes  []indexCall
	indexErr error
}

func (q *recordingQueue) Add(_ context.Context, stats *crawler.Statistics, c *crawler.Crawl) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats.IncPendingUpdate()
	q.added = append(q.added, c)
	return nil
}

func (q *recordingQueue) Delete(_ context.Context, stats *crawler.Statistics, rawURL string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats.IncPendingDelete()
	q.deleted = append(q.deleted, rawURL)
	return nil
}

func (q *recordingQueue) Index(_ context.Context, final bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.indexes = append(q.indexes, indexCall{final: final})
	return q.indexErr
}

func (q *recordingQueue) Added() []*crawler.Crawl {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*crawler.Crawl(nil), q.added...)
}

func (q *recordingQueue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

func (q *recordingQueue) Indexes() []indexCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]indexCall(nil), q.indexes...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type allowAll struct{}

func (allowAll) Included(*url.URL) bool { return true }
func (allowAll) Excluded(*url.URL) bool { return false }

// harness bundles a worker with the fakes behind it.
type harness struct {
	clock     *fakeClock
	pauser    *fakePauser
	fetcher   *fakeFetcher
	robots    *fakeRobots
	connector *fakeConnector
	queue     *recordingQueue
	emitter   *recordingEmitter
	session   *crawler.Session
	deps      Dependencies
	cfg       Config
}

func newHarness(budget int64, workers int) *harness {
	clock := newFakeClock()
	fetcher := &fakeFetcher{clock: clock, results: map[string]fetchResult{}}
	robots := &fakeRobots{clock: clock, disallowed: map[string]bool{}}
	connector := &fakeConnector{fetcher: fetcher, robots: robots}
	queue := &recordingQueue{}
	emitter := &recordingEmitter{}
	pauser := &fakePauser{clock: clock}
	h := &harness{
		clock:     clock,
		pauser:    pauser,
		fetcher:   fetcher,
		robots:    robots,
		connector: connector,
		queue:     queue,
		emitter:   emitter,
		session:   crawler.NewSession(uuid.New(), clock.Now(), budget, workers),
		cfg:       Config{Delay: 2 * time.Second},
	}
	h.deps = Dependencies{
		Connector: connector,
		Filter:    allowAll{},
		Parser:    fakeParser{},
		Queue:     queue,
		Clock:     clock,
		Pauser:    pauser,
		Emitter:   emitter,
	}
	return h
}

func (h *harness) worker(listType crawler.ListType, urls ...string) *Worker {
	list := crawler.HostURLList{Host: "example.com", ListType: listType}
	for _, raw := range urls {
		list.Records = append(list.Records, crawler.NewURLRecord(raw))
	}
	return New(list, h.session, h.deps, h.cfg, nil)
}
