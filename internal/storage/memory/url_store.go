// Package memory keeps crawl state and archived blobs in process for
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

// URLStore is an in-memory crawler.URLStore.
type URLStore struct {
	mu      sync.RWMutex
	records map[string]crawler.URLRecord
	deleted int
}

var _ crawler.URLStore = (*URLStore)(nil)

// NewURLStore constructs an empty URLStore.
func NewURLStore() *URLStore {
	return &URLStore{records: make(map[string]crawler.URLRecord)}
}

// Seed adds never-fetched URLs. Known URLs keep their state.
func (s *URLStore) Seed(rawURLs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range rawURLs {
		if _, ok := s.records[raw]; ok {
			continue
		}
		s.records[raw] = crawler.NewURLRecord(raw).Clone()
	}
}

// UpdateStatuses stores the records, replacing earlier versions.
func (s *URLStore) UpdateStatuses(_ context.Context, records []crawler.URLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.LastFetched.IsZero() {
			r.LastFetched = s.records[r.URL].LastFetched
		}
		s.records[r.URL] = r
	}
	return nil
}

// DeleteURLs forgets the given URLs.
func (s *URLStore) DeleteURLs(_ context.Context, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range urls {
		if _, ok := s.records[u]; ok {
			delete(s.records, u)
			s.deleted++
		}
	}
	return nil
}

// LoadHostLists mirrors the Postgres store: NEW lists hold never-fetched
// URLs, OLD lists hold URLs fetched before refreshBefore. NEW lists come
// first, then hosts in lexical order.
func (s *URLStore) LoadHostLists(_ context.Context, refreshBefore time.Time, limitPerHost int) ([]crawler.HostURLList, error) {
	s.mu.RLock()
	records := make([]crawler.URLRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].LastFetched.Equal(records[j].LastFetched) {
			return records[i].LastFetched.Before(records[j].LastFetched)
		}
		return records[i].URL < records[j].URL
	})

	byKey := make(map[crawler.ListType]map[string]*crawler.HostURLList)
	for i := range records {
		r := records[i]
		var listType crawler.ListType
		switch {
		case r.FetchStatus == crawler.FetchStatusNotFetched:
			listType = crawler.ListTypeNew
		case !r.LastFetched.IsZero() && r.LastFetched.Before(refreshBefore):
			listType = crawler.ListTypeOld
		default:
			continue
		}
		hosts, ok := byKey[listType]
		if !ok {
			hosts = make(map[string]*crawler.HostURLList)
			byKey[listType] = hosts
		}
		list, ok := hosts[r.Host]
		if !ok {
			list = &crawler.HostURLList{Host: r.Host, ListType: listType}
			hosts[r.Host] = list
		}
		if limitPerHost > 0 && len(list.Records) >= limitPerHost {
			continue
		}
		list.Records = append(list.Records, &r)
	}

	var out []crawler.HostURLList
	for _, listType := range []crawler.ListType{crawler.ListTypeNew, crawler.ListTypeOld} {
		hosts := byKey[listType]
		names := make([]string, 0, len(hosts))
		for host := range hosts {
			names = append(names, host)
		}
		sort.Strings(names)
		for _, host := range names {
			out = append(out, *hosts[host])
		}
	}
	return out, nil
}

// Get returns the stored record for rawURL.
func (s *URLStore) Get(rawURL string) (crawler.URLRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[rawURL]
	return r, ok
}

// Len returns the number of stored URLs.
func (s *URLStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
