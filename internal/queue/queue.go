// Package queue buffers crawl outcomes from many workers and persists them
// in batches: URL statuses to the URL store, page bodies to the archive and
// documents to the search index.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
	"github.com/JakeFAU/webcrawl-indexer/internal/metrics"
)

// ErrQueueClosed is returned by Add and Delete after Close.
var ErrQueueClosed = errors.New("crawl queue closed")

const defaultMaxBuffer = 100

// Config tunes the queue.
type Config struct {
	// MaxBuffer is the number of buffered items that makes the caller flush inline.
	MaxBuffer int
	// Topic receives a notification after every final commit. Empty disables it.
	Topic string
	// ArchivePrefix is prepended to archived body paths.
	ArchivePrefix string
}

// Dependencies are the persistence collaborators. Blobs and Publisher are optional.
type Dependencies struct {
	URLs      crawler.URLStore
	Index     crawler.IndexWriter
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
}

// CommitNotice is the payload published after a final commit.
type CommitNotice struct {
	Updated     int       `json:"updated"`
	Deleted     int       `json:"deleted"`
	Indexed     int       `json:"indexed"`
	CommittedAt time.Time `json:"committed_at"`
}

type pendingUpdate struct {
	stats *crawler.Statistics
	crawl *crawler.Crawl
}

type pendingDelete struct {
	stats *crawler.Statistics
	url   string
}

// Queue implements crawler.CrawlQueue.
type Queue struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	mu      sync.Mutex
	updates []pendingUpdate
	deletes []pendingDelete
	closed  bool

	// flushMu serialises Index calls.
	flushMu sync.Mutex
	// totals since the last final commit, guarded by flushMu.
	sinceCommit CommitNotice
}

var _ crawler.CrawlQueue = (*Queue)(nil)

// New validates deps and returns an empty queue.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Queue, error) {
	if deps.URLs == nil {
		return nil, errors.New("url store is required")
	}
	if deps.Index == nil {
		return nil, errors.New("index writer is required")
	}
	if deps.Hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Queue{cfg: cfg, deps: deps, logger: logger.Named("queue")}, nil
}

// Add buffers a crawl outcome. When the buffer is full the caller flushes it.
func (q *Queue) Add(ctx context.Context, stats *crawler.Statistics, crawl *crawler.Crawl) error {
	if crawl == nil || crawl.Record == nil {
		return errors.New("crawl without record")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.updates = append(q.updates, pendingUpdate{stats: stats, crawl: crawl})
	// Counted under mu so a concurrent flush cannot settle the item first.
	if stats != nil {
		stats.IncPendingUpdate()
	}
	full := q.sizeLocked() >= q.cfg.MaxBuffer
	q.mu.Unlock()

	if full {
		return q.Index(ctx, false)
	}
	return nil
}

// Delete buffers removal of rawURL from the URL store and the index.
func (q *Queue) Delete(ctx context.Context, stats *crawler.Statistics, rawURL string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.deletes = append(q.deletes, pendingDelete{stats: stats, url: rawURL})
	if stats != nil {
		stats.IncPendingDelete()
	}
	full := q.sizeLocked() >= q.cfg.MaxBuffer
	q.mu.Unlock()

	if full {
		return q.Index(ctx, false)
	}
	return nil
}

// Pending returns the number of buffered updates and deletions.
func (q *Queue) Pending() (updates, deletes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.updates), len(q.deletes)
}

// Close rejects further Add and Delete calls. Buffered items stay until the
// next Index.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) sizeLocked() int {
	return len(q.updates) + len(q.deletes)
}

// Index drains the buffer and persists it. A final flush also commits the
// index and publishes a CommitNotice. On failure the drained items go back
// into the buffer for the next flush. A final flush has no next flush within
// the session, so it retries the persist once before giving up.
func (q *Queue) Index(ctx context.Context, final bool) (err error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	start := time.Now()
	q.mu.Lock()
	updates, deletes := q.updates, q.deletes
	q.updates, q.deletes = nil, nil
	q.mu.Unlock()

	defer func() {
		metrics.ObserveQueueFlush(final, len(updates), len(deletes), time.Since(start), err)
	}()

	indexed, err := q.persist(ctx, updates, deletes)
	if err != nil && final {
		q.logger.Warn("final flush failed, retrying",
			zap.Int("updates", len(updates)),
			zap.Int("deletes", len(deletes)),
			zap.Error(err))
		indexed, err = q.persist(ctx, updates, deletes)
	}
	if err != nil {
		q.restore(updates, deletes)
		fields := []zap.Field{
			zap.Int("updates", len(updates)),
			zap.Int("deletes", len(deletes)),
			zap.Error(err),
		}
		if final {
			q.logger.Error("final flush failed, items stay buffered until the next session", fields...)
			return err
		}
		q.logger.Warn("flush failed, items restored", fields...)
		return err
	}
	settle(updates, deletes)
	q.sinceCommit.Updated += len(updates)
	q.sinceCommit.Deleted += len(deletes)
	q.sinceCommit.Indexed += indexed

	if len(updates)+len(deletes) > 0 {
		q.logger.Debug("flushed",
			zap.Int("updates", len(updates)),
			zap.Int("deletes", len(deletes)),
			zap.Int("indexed", indexed))
	}
	if !final {
		return nil
	}
	return q.commit(ctx)
}

func (q *Queue) persist(ctx context.Context, updates []pendingUpdate, deletes []pendingDelete) (int, error) {
	if len(updates) == 0 && len(deletes) == 0 {
		return 0, nil
	}

	records := make([]crawler.URLRecord, 0, len(updates))
	docs := make([]crawler.IndexDocument, 0, len(updates))
	var removeIDs []string
	for _, item := range updates {
		record := item.crawl.Record.Clone()
		records = append(records, record)
		id, err := q.deps.Hasher.Hash([]byte(record.URL))
		if err != nil {
			return 0, fmt.Errorf("hash %s: %w", record.URL, err)
		}
		if !record.Indexed() {
			removeIDs = append(removeIDs, id)
			continue
		}
		doc := q.document(ctx, id, record, item.crawl)
		docs = append(docs, doc)
	}

	removeURLs := make([]string, 0, len(deletes))
	for _, item := range deletes {
		removeURLs = append(removeURLs, item.url)
		id, err := q.deps.Hasher.Hash([]byte(item.url))
		if err != nil {
			return 0, fmt.Errorf("hash %s: %w", item.url, err)
		}
		removeIDs = append(removeIDs, id)
	}

	if len(records) > 0 {
		if err := q.deps.URLs.UpdateStatuses(ctx, records); err != nil {
			return 0, fmt.Errorf("update url statuses: %w", err)
		}
	}
	if len(removeURLs) > 0 {
		if err := q.deps.URLs.DeleteURLs(ctx, removeURLs); err != nil {
			return 0, fmt.Errorf("delete urls: %w", err)
		}
	}
	if len(docs) > 0 {
		if err := q.deps.Index.Index(ctx, docs); err != nil {
			return 0, fmt.Errorf("index documents: %w", err)
		}
	}
	if len(removeIDs) > 0 {
		if err := q.deps.Index.Delete(ctx, removeIDs); err != nil {
			return 0, fmt.Errorf("delete documents: %w", err)
		}
	}
	return len(docs), nil
}

// document builds the index entry for an indexed crawl and archives its body.
// Archive failures are logged; the document is indexed without a blob URI.
func (q *Queue) document(ctx context.Context, id string, record crawler.URLRecord, crawl *crawler.Crawl) crawler.IndexDocument {
	doc := crawler.IndexDocument{
		ID:          id,
		URL:         record.URL,
		Host:        record.Host,
		ContentType: record.ContentType,
		HTTPCode:    record.HTTPCode,
		FetchedAt:   record.LastFetched,
	}
	if crawl.Document != nil {
		doc.Title = crawl.Document.Title
		doc.Description = crawl.Document.Description
		doc.Language = crawl.Document.Language
		doc.Content = crawl.Document.Text
	}
	if crawl.Page == nil || len(crawl.Page.Body) == 0 {
		return doc
	}
	if sum, err := q.deps.Hasher.Hash(crawl.Page.Body); err == nil {
		doc.ContentHash = sum
	}
	if q.deps.Blobs == nil {
		return doc
	}
	objectPath := path.Join(q.cfg.ArchivePrefix, record.Host, id+".html")
	uri, err := q.deps.Blobs.PutObject(ctx, objectPath, crawl.Page.ContentType, bytes.NewReader(crawl.Page.Body))
	if err != nil {
		q.logger.Warn("archive body failed", zap.String("url", record.URL), zap.Error(err))
		return doc
	}
	doc.BlobURI = uri
	return doc
}

func (q *Queue) commit(ctx context.Context) error {
	if err := q.deps.Index.Commit(ctx); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	notice := q.sinceCommit
	notice.CommittedAt = q.deps.Clock.Now()
	q.sinceCommit = CommitNotice{}
	q.logger.Info("index committed",
		zap.Int("updated", notice.Updated),
		zap.Int("deleted", notice.Deleted),
		zap.Int("indexed", notice.Indexed))

	if q.deps.Publisher == nil || q.cfg.Topic == "" {
		return nil
	}
	if _, err := q.deps.Publisher.Publish(ctx, q.cfg.Topic, notice); err != nil {
		// The commit stands; a failed notice is only logged.
		q.logger.Warn("publish commit notice failed", zap.String("topic", q.cfg.Topic), zap.Error(err))
	}
	return nil
}

// restore puts drained items back ahead of anything buffered since the drain.
func (q *Queue) restore(updates []pendingUpdate, deletes []pendingDelete) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updates = append(updates, q.updates...)
	q.deletes = append(deletes, q.deletes...)
}

func settle(updates []pendingUpdate, deletes []pendingDelete) {
	for _, item := range updates {
		if item.stats != nil {
			item.stats.SettleUpdates(1)
		}
	}
	for _, item := range deletes {
		if item.stats != nil {
			item.stats.SettleDeletes(1)
		}
	}
}
