package crawler

import (
	"context"
	"io"
	"net/url"
	"time"
)

// Fetcher retrieves page content. A Fetcher is owned by a single worker.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
	Close() error
}

// RobotsChecker answers robots.txt questions. Owned by a single worker.
type RobotsChecker interface {
	Allowed(ctx context.Context, u *url.URL) bool
	Close() error
}

// Connector hands out the per-worker network handles.
type Connector interface {
	OpenFetcher(ctx context.Context) (Fetcher, error)
	OpenRobots(ctx context.Context) (RobotsChecker, error)
}

// Parser turns a fetched page into a document.
type Parser interface {
	Parse(page Page) (Document, error)
}

// URLFilter applies the inclusion and exclusion pattern lists.
type URLFilter interface {
	Included(u *url.URL) bool
	Excluded(u *url.URL) bool
}

// CrawlQueue buffers crawl outcomes and persists them in batches.
type CrawlQueue interface {
	Add(ctx context.Context, stats *Statistics, crawl *Crawl) error
	Delete(ctx context.Context, stats *Statistics, rawURL string) error
	Index(ctx context.Context, final bool) error
}

// URLStore persists URL statuses and produces host lists to crawl.
type URLStore interface {
	UpdateStatuses(ctx context.Context, records []URLRecord) error
	DeleteURLs(ctx context.Context, urls []string) error
	LoadHostLists(ctx context.Context, refreshBefore time.Time, limitPerHost int) ([]HostURLList, error)
}

// PatternStore supplies the inclusion and exclusion pattern lists.
type PatternStore interface {
	Patterns(ctx context.Context) (inclusion, exclusion []string, err error)
}

// IndexDocument is what the index writer stores for an indexed URL.
type IndexDocument struct {
	ID          string    `json:"-"`
	URL         string    `json:"url"`
	Host        string    `json:"host"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	HTTPCode    int       `json:"http_code"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// IndexWriter adds, removes and commits documents in the search index.
type IndexWriter interface {
	Index(ctx context.Context, docs []IndexDocument) error
	Delete(ctx context.Context, ids []string) error
	Commit(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used as document IDs and content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Pauser blocks for a delay or until ctx is done.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}
