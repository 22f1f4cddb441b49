package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/webcrawl-indexer/internal/store"
)

// SessionStore is an in-memory store.SessionRepository.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]store.SessionRun
	hosts    map[uuid.UUID]map[string]store.HostStats
}

var _ store.SessionRepository = (*SessionStore)(nil)

// NewSessionStore constructs an empty history.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[uuid.UUID]store.SessionRun),
		hosts:    make(map[uuid.UUID]map[string]store.HostStats),
	}
}

// StartSession records id as running unless it is already known.
func (s *SessionStore) StartSession(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return nil
	}
	s.sessions[id] = store.SessionRun{ID: id, StartedAt: startedAt, Status: store.SessionRunning}
	return nil
}

// FinishSession marks id finished. Unknown sessions are ignored.
func (s *SessionStore) FinishSession(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.SessionStatus,
	note *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.sessions[id]
	if !ok {
		return nil
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	if note != nil {
		n := *note
		run.Note = &n
	}
	s.sessions[id] = run
	return nil
}

// AddHostStats adds delta to the (id, host) aggregate.
func (s *SessionStore) AddHostStats(_ context.Context, id uuid.UUID, host string, delta store.HostDelta, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byHost := s.hosts[id]
	if byHost == nil {
		byHost = make(map[string]store.HostStats)
		s.hosts[id] = byHost
	}
	st := byHost[host]
	st.SessionID = id
	st.Host = host
	st.Fetches += delta.Fetches
	st.BytesTotal += delta.Bytes
	st.Fetch2xx += delta.Fetch2xx
	st.Fetch3xx += delta.Fetch3xx
	st.Fetch4xx += delta.Fetch4xx
	st.Fetch5xx += delta.Fetch5xx
	st.FetchFailed += delta.FetchFailed
	if at.After(st.LastUpdate) {
		st.LastUpdate = at
	}
	byHost[host] = st
	return nil
}

// GetSession returns the session or store.ErrNotFound.
func (s *SessionStore) GetSession(_ context.Context, id uuid.UUID) (store.SessionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.sessions[id]
	if !ok {
		return store.SessionRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListSessions returns sessions newest first.
func (s *SessionStore) ListSessions(
	_ context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.SessionRun, error) {
	s.mu.RLock()
	runs := make([]store.SessionRun, 0, len(s.sessions))
	for _, run := range s.sessions {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return page(runs, limit, offset), nil
}

// ListSessionHosts returns host aggregates, most recently updated first.
func (s *SessionStore) ListSessionHosts(_ context.Context, id uuid.UUID, limit, offset int) ([]store.HostStats, error) {
	s.mu.RLock()
	stats := make([]store.HostStats, 0, len(s.hosts[id]))
	for _, st := range s.hosts[id] {
		stats = append(stats, st)
	}
	s.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].LastUpdate.Equal(stats[j].LastUpdate) {
			return stats[i].Host < stats[j].Host
		}
		return stats[i].LastUpdate.After(stats[j].LastUpdate)
	})
	return page(stats, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
