package crawler

import "sync/atomic"

type counter int

const (
	counterURLs counter = iota
	counterFetched
	counterParsed
	counterIgnored
	counterListSize
	counterPendingUpdates
	counterPendingDeletes
	counterUpdated
	counterDeleted
	numCounters
)

// Statistics holds crawl counters. Every change is mirrored into the parent,
// so a session aggregate always equals the sum of its workers.
type Statistics struct {
	parent   *Statistics
	counters [numCounters]atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Statistics.
type StatsSnapshot struct {
	URLs           int64 `json:"urls"`
	Fetched        int64 `json:"fetched"`
	Parsed         int64 `json:"parsed"`
	Ignored        int64 `json:"ignored"`
	ListSize       int64 `json:"list_size"`
	PendingUpdates int64 `json:"pending_updates"`
	PendingDeletes int64 `json:"pending_deletes"`
	Updated        int64 `json:"updated"`
	Deleted        int64 `json:"deleted"`
}

// NewStatistics returns counters that also feed parent when it is non-nil.
func NewStatistics(parent *Statistics) *Statistics {
	return &Statistics{parent: parent}
}

func (s *Statistics) add(c counter, delta int64) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.counters[c].Add(delta)
	}
}

// IncURLCount counts a URL taken from the list.
func (s *Statistics) IncURLCount() { s.add(counterURLs, 1) }

// IncFetchedCount counts a URL that passed filtering and went to the network.
func (s *Statistics) IncFetchedCount() { s.add(counterFetched, 1) }

// IncParsedCount counts a URL that reached the indexed state.
func (s *Statistics) IncParsedCount() { s.add(counterParsed, 1) }

// IncIgnoredCount counts a URL that was processed but not indexed.
func (s *Statistics) IncIgnoredCount() { s.add(counterIgnored, 1) }

// AddListSize records the number of records a worker was handed.
func (s *Statistics) AddListSize(n int) { s.add(counterListSize, int64(n)) }

// IncPendingUpdate counts a crawl buffered in the queue.
func (s *Statistics) IncPendingUpdate() { s.add(counterPendingUpdates, 1) }

// IncPendingDelete counts a deletion buffered in the queue.
func (s *Statistics) IncPendingDelete() { s.add(counterPendingDeletes, 1) }

// SettleUpdates moves n buffered crawls to the persisted counter.
func (s *Statistics) SettleUpdates(n int) {
	s.add(counterPendingUpdates, -int64(n))
	s.add(counterUpdated, int64(n))
}

// SettleDeletes moves n buffered deletions to the persisted counter.
func (s *Statistics) SettleDeletes(n int) {
	s.add(counterPendingDeletes, -int64(n))
	s.add(counterDeleted, int64(n))
}

// Snapshot copies the current counter values.
func (s *Statistics) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		URLs:           s.counters[counterURLs].Load(),
		Fetched:        s.counters[counterFetched].Load(),
		Parsed:         s.counters[counterParsed].Load(),
		Ignored:        s.counters[counterIgnored].Load(),
		ListSize:       s.counters[counterListSize].Load(),
		PendingUpdates: s.counters[counterPendingUpdates].Load(),
		PendingDeletes: s.counters[counterPendingDeletes].Load(),
		Updated:        s.counters[counterUpdated].Load(),
		Deleted:        s.counters[counterDeleted].Load(),
	}
}
