package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// FetchStatus records what happened when the crawler tried to retrieve a URL.
type FetchStatus string

// Fetch status values persisted in the URL database.
const (
	FetchStatusNotFetched             FetchStatus = "not_fetched"
	FetchStatusFetched                FetchStatus = "fetched"
	FetchStatusURLError               FetchStatus = "url_error"
	FetchStatusBlockedByExclusionList FetchStatus = "blocked_by_exclusion_list"
	FetchStatusNotInInclusionList     FetchStatus = "not_in_inclusion_list"
	FetchStatusRobotsDisallowed       FetchStatus = "robots_disallowed"
	FetchStatusError                  FetchStatus = "fetch_error"
	FetchStatusHTTPError              FetchStatus = "http_error"
	FetchStatusGone                   FetchStatus = "gone"
)

// ParserStatus records the outcome of parsing a fetched body.
type ParserStatus string

// Parser status values.
const (
	ParserStatusNotParsed  ParserStatus = "not_parsed"
	ParserStatusParsed     ParserStatus = "parsed"
	ParserStatusParseError ParserStatus = "parse_error"
)

// IndexStatus records whether a URL ended up in the search index.
type IndexStatus string

// Index status values.
const (
	IndexStatusNotIndexed  IndexStatus = "not_indexed"
	IndexStatusIndexed     IndexStatus = "indexed"
	IndexStatusMetaNoIndex IndexStatus = "meta_noindex"
)

// ListType classifies a HostURLList.
type ListType string

// List types. NEW and OLD lists are subject to the session URL budget and abort.
const (
	ListTypeNew    ListType = "NEW"
	ListTypeOld    ListType = "OLD"
	ListTypeManual ListType = "MANUAL"
)

// ErrNoURL is returned when a record carries an empty URL.
var ErrNoURL = errors.New("record has no url")

// URLError describes a URL that could not be parsed into a crawlable target.
type URLError struct {
	Raw string
	Err error
}

func (e *URLError) Error() string {
	return fmt.Sprintf("malformed url %q: %v", e.Raw, e.Err)
}

func (e *URLError) Unwrap() error { return e.Err }

// URLRecord is one entry of the URL database together with its crawl statuses.
type URLRecord struct {
	URL          string       `json:"url"`
	Host         string       `json:"host"`
	FetchStatus  FetchStatus  `json:"fetch_status"`
	ParserStatus ParserStatus `json:"parser_status"`
	IndexStatus  IndexStatus  `json:"index_status"`
	HTTPCode     int          `json:"http_code,omitempty"`
	ContentType  string       `json:"content_type,omitempty"`
	LastFetched  time.Time    `json:"last_fetched,omitzero"`

	parseOnce sync.Once
	parsed    *url.URL
	parseErr  error
}

// NewURLRecord builds a record in its initial, never-crawled state.
func NewURLRecord(rawURL string) *URLRecord {
	r := &URLRecord{
		URL:          rawURL,
		FetchStatus:  FetchStatusNotFetched,
		ParserStatus: ParserStatusNotParsed,
		IndexStatus:  IndexStatusNotIndexed,
	}
	if u, err := r.Parsed(); err == nil {
		r.Host = strings.ToLower(u.Hostname())
	}
	return r
}

// Parsed resolves the record's URL once and caches the outcome. An empty URL
// yields ErrNoURL; anything that is not an absolute http(s) URL yields a *URLError.
func (r *URLRecord) Parsed() (*url.URL, error) {
	r.parseOnce.Do(func() {
		r.parsed, r.parseErr = ParseURL(r.URL)
	})
	return r.parsed, r.parseErr
}

// SetFetchStatus sets the fetch status and resets the downstream statuses.
func (r *URLRecord) SetFetchStatus(status FetchStatus) {
	r.FetchStatus = status
	r.ParserStatus = ParserStatusNotParsed
	r.IndexStatus = IndexStatusNotIndexed
}

// MarkIndexed promotes the record to indexed when it was fetched and parsed
// and carries no noindex directive. It reports whether the promotion happened.
func (r *URLRecord) MarkIndexed() bool {
	if r.FetchStatus != FetchStatusFetched ||
		r.ParserStatus != ParserStatusParsed ||
		r.IndexStatus == IndexStatusMetaNoIndex {
		if r.IndexStatus == IndexStatusIndexed {
			r.IndexStatus = IndexStatusNotIndexed
		}
		return false
	}
	r.IndexStatus = IndexStatusIndexed
	return true
}

// Indexed reports whether the record is currently marked as indexed.
func (r *URLRecord) Indexed() bool {
	return r.IndexStatus == IndexStatusIndexed
}

// Clone returns a copy of the exported fields, safe to hand to another goroutine.
func (r *URLRecord) Clone() URLRecord {
	return URLRecord{
		URL:          r.URL,
		Host:         r.Host,
		FetchStatus:  r.FetchStatus,
		ParserStatus: r.ParserStatus,
		IndexStatus:  r.IndexStatus,
		HTTPCode:     r.HTTPCode,
		ContentType:  r.ContentType,
		LastFetched:  r.LastFetched,
	}
}

// HostURLList is the ordered set of records one worker crawls for one host.
type HostURLList struct {
	Host     string       `json:"host"`
	ListType ListType     `json:"list_type"`
	Records  []*URLRecord `json:"records"`
}

// BudgetTracked reports whether the list consumes the session budget and
// honours abort requests.
func (l HostURLList) BudgetTracked() bool {
	return l.ListType == ListTypeNew || l.ListType == ListTypeOld
}

// GroupByHost splits raw URLs into one list per host, keeping input order
// within each host and the order in which hosts first appear.
func GroupByHost(rawURLs []string, listType ListType) []HostURLList {
	index := make(map[string]int)
	var lists []HostURLList
	for _, raw := range rawURLs {
		record := NewURLRecord(raw)
		pos, ok := index[record.Host]
		if !ok {
			pos = len(lists)
			index[record.Host] = pos
			lists = append(lists, HostURLList{Host: record.Host, ListType: listType})
		}
		lists[pos].Records = append(lists[pos].Records, record)
	}
	return lists
}

// Page is the raw result of a content fetch.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
}

// Document is the parsed, indexable view of a page.
type Document struct {
	Title       string
	Description string
	Language    string
	Text        string
	NoIndex     bool
	NoFollow    bool
	Links       int
}

// Crawl is the per-URL outcome handed to the crawl queue.
type Crawl struct {
	Record    *URLRecord
	Error     string
	Page      *Page
	Document  *Document
	StartedAt time.Time
}

// NewCrawl starts a crawl outcome for record.
func NewCrawl(record *URLRecord, startedAt time.Time) *Crawl {
	return &Crawl{Record: record, StartedAt: startedAt}
}

// SetError records err's text on the crawl. Nil errors are ignored.
func (c *Crawl) SetError(err error) {
	if err == nil {
		return
	}
	c.Error = err.Error()
}
