package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

const defaultURLTable = "urls"

// URLStore keeps one row per known URL with its latest crawl statuses.
type URLStore struct {
	pool  pool
	table string
}

var _ crawler.URLStore = (*URLStore)(nil)

// NewURLStore creates a URLStore on an open pool. An empty table means "urls".
func NewURLStore(p pool, table string) (*URLStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultURLTable)
	if err != nil {
		return nil, err
	}
	return &URLStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *URLStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the URL table when it does not exist.
func (s *URLStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	url           TEXT PRIMARY KEY,
	host          TEXT NOT NULL,
	fetch_status  TEXT NOT NULL DEFAULT 'not_fetched',
	parser_status TEXT NOT NULL DEFAULT 'not_parsed',
	index_status  TEXT NOT NULL DEFAULT 'not_indexed',
	http_code     INTEGER NOT NULL DEFAULT 0,
	content_type  TEXT NOT NULL DEFAULT '',
	last_fetched  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_host_idx ON %[1]s (host, last_fetched)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// UpdateStatuses upserts every record in one statement.
func (s *URLStore) UpdateStatuses(ctx context.Context, records []crawler.URLRecord) error {
	if len(records) == 0 {
		return nil
	}
	var (
		urls         = make([]string, len(records))
		hosts        = make([]string, len(records))
		fetchStatus  = make([]string, len(records))
		parserStatus = make([]string, len(records))
		indexStatus  = make([]string, len(records))
		httpCodes    = make([]int32, len(records))
		contentTypes = make([]string, len(records))
		lastFetched  = make([]*time.Time, len(records))
	)
	for i, r := range records {
		urls[i] = r.URL
		hosts[i] = r.Host
		fetchStatus[i] = string(r.FetchStatus)
		parserStatus[i] = string(r.ParserStatus)
		indexStatus[i] = string(r.IndexStatus)
		httpCodes[i] = int32(r.HTTPCode) //nolint:gosec // HTTP codes fit in int32.
		contentTypes[i] = r.ContentType
		if !r.LastFetched.IsZero() {
			t := r.LastFetched
			lastFetched[i] = &t
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, host, fetch_status, parser_status, index_status, http_code, content_type, last_fetched)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::int[], $7::text[], $8::timestamptz[])
ON CONFLICT (url) DO UPDATE SET
	host = EXCLUDED.host,
	fetch_status = EXCLUDED.fetch_status,
	parser_status = EXCLUDED.parser_status,
	index_status = EXCLUDED.index_status,
	http_code = EXCLUDED.http_code,
	content_type = EXCLUDED.content_type,
	last_fetched = COALESCE(EXCLUDED.last_fetched, %s.last_fetched)`, s.table, s.table)
	_, err := s.pool.Exec(ctx, query,
		urls, hosts, fetchStatus, parserStatus, indexStatus, httpCodes, contentTypes, lastFetched)
	if err != nil {
		return fmt.Errorf("upsert url statuses: %w", err)
	}
	return nil
}

// DeleteURLs removes the given URLs. Unknown URLs are ignored.
func (s *URLStore) DeleteURLs(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE url = ANY($1)`, s.table)
	if _, err := s.pool.Exec(ctx, query, urls); err != nil {
		return fmt.Errorf("delete urls: %w", err)
	}
	return nil
}

// LoadHostLists returns never-fetched URLs as NEW lists and URLs last fetched
// before refreshBefore as OLD lists, one list per host and type. Within a
// list the oldest URLs come first. limitPerHost <= 0 means no limit.
func (s *URLStore) LoadHostLists(ctx context.Context, refreshBefore time.Time, limitPerHost int) ([]crawler.HostURLList, error) {
	query := fmt.Sprintf(`
SELECT url, host, fetch_status, parser_status, index_status, http_code, content_type, last_fetched, list_type
FROM (
	SELECT u.*,
		CASE WHEN u.fetch_status = 'not_fetched' THEN 'NEW' ELSE 'OLD' END AS list_type,
		row_number() OVER (
			PARTITION BY u.host, u.fetch_status = 'not_fetched'
			ORDER BY u.last_fetched NULLS FIRST, u.url
		) AS rn
	FROM %s u
	WHERE u.fetch_status = 'not_fetched' OR u.last_fetched < $1
) ranked
WHERE $2 <= 0 OR rn <= $2
ORDER BY list_type, host, rn`, s.table)

	rows, err := s.pool.Query(ctx, query, refreshBefore, limitPerHost)
	if err != nil {
		return nil, fmt.Errorf("query host lists: %w", err)
	}
	defer rows.Close()

	var lists []crawler.HostURLList
	index := make(map[string]int)
	for rows.Next() {
		var (
			record      crawler.URLRecord
			fetch       string
			parser      string
			indexStatus string
			httpCode    int32
			lastFetched *time.Time
			listType    string
		)
		if err := rows.Scan(&record.URL, &record.Host, &fetch, &parser, &indexStatus,
			&httpCode, &record.ContentType, &lastFetched, &listType); err != nil {
			return nil, fmt.Errorf("scan url row: %w", err)
		}
		record.FetchStatus = crawler.FetchStatus(fetch)
		record.ParserStatus = crawler.ParserStatus(parser)
		record.IndexStatus = crawler.IndexStatus(indexStatus)
		record.HTTPCode = int(httpCode)
		if lastFetched != nil {
			record.LastFetched = lastFetched.UTC()
		}

		key := listType + " " + record.Host
		pos, ok := index[key]
		if !ok {
			pos = len(lists)
			index[key] = pos
			lists = append(lists, crawler.HostURLList{Host: record.Host, ListType: crawler.ListType(listType)})
		}
		r := record
		lists[pos].Records = append(lists[pos].Records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate url rows: %w", err)
	}
	return lists, nil
}

// Seed inserts URLs as never fetched. Existing rows are left untouched.
func (s *URLStore) Seed(ctx context.Context, rawURLs []string) error {
	if len(rawURLs) == 0 {
		return nil
	}
	urls := make([]string, 0, len(rawURLs))
	hosts := make([]string, 0, len(rawURLs))
	for _, raw := range rawURLs {
		record := crawler.NewURLRecord(raw)
		if record.Host == "" {
			continue
		}
		urls = append(urls, record.URL)
		hosts = append(hosts, record.Host)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, host)
SELECT * FROM unnest($1::text[], $2::text[])
ON CONFLICT (url) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, urls, hosts); err != nil {
		return fmt.Errorf("seed urls: %w", err)
	}
	return nil
}
