package crawler

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of a single worker.
type State string

// Worker states.
const (
	StateNotStarted State = "not_started"
	StateCrawling   State = "crawling"
	StateIndexing   State = "indexing"
	StateDone       State = "done"
	StateError      State = "error"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// Snapshot is the published view of a worker.
type Snapshot struct {
	Host       string        `json:"host"`
	ListType   ListType      `json:"list_type"`
	State      State         `json:"state"`
	Aborted    bool          `json:"aborted"`
	CurrentURL string        `json:"current_url,omitempty"`
	Stats      StatsSnapshot `json:"stats"`
	Error      string        `json:"error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Session is the state shared by every worker of one crawl pass: the URL
// budget, the abort flag, the count of workers yet to finish and the
// aggregate statistics.
type Session struct {
	ID        uuid.UUID
	StartedAt time.Time
	Stats     *Statistics

	budget      atomic.Int64
	aborted     atomic.Bool
	outstanding atomic.Int64
}

// NewSession creates session state. A budget <= 0 means unlimited.
func NewSession(id uuid.UUID, startedAt time.Time, budget int64, workers int) *Session {
	s := &Session{
		ID:        id,
		StartedAt: startedAt,
		Stats:     NewStatistics(nil),
	}
	if budget <= 0 {
		budget = math.MaxInt64
	}
	s.budget.Store(budget)
	s.outstanding.Store(int64(workers))
	return s
}

// Abort asks every worker to stop before its next budget-tracked URL.
func (s *Session) Abort() { s.aborted.Store(true) }

// Aborted reports whether Abort was called.
func (s *Session) Aborted() bool { return s.aborted.Load() }

// TakeBudget consumes one URL from the budget and returns what is left.
// A negative result means the budget was already spent.
func (s *Session) TakeBudget() int64 { return s.budget.Add(-1) }

// RemainingBudget returns the budget left, floored at zero.
func (s *Session) RemainingBudget() int64 {
	return max(s.budget.Load(), 0)
}

// Leave records that a worker finished and reports whether it was the last one.
func (s *Session) Leave() bool { return s.outstanding.Add(-1) == 0 }

// Outstanding returns the number of workers that have not finished.
func (s *Session) Outstanding() int64 { return s.outstanding.Load() }
