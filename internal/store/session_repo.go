package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("session record not found")

// SessionStatus mirrors the crawl_sessions status column.
type SessionStatus string

// Session statuses persisted in crawl_sessions.status.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// ParseSessionStatus accepts the persisted names case-insensitively.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case SessionRunning:
		return SessionRunning, nil
	case SessionCompleted:
		return SessionCompleted, nil
	case SessionAborted:
		return SessionAborted, nil
	default:
		return "", errors.New("invalid status")
	}
}

// SessionRun is one crawl session as recorded in the history.
type SessionRun struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil while the session runs.
	FinishedAt *time.Time
	Status     SessionStatus
	// Note optionally stores the last error text of a finished session.
	Note *string
}

// HostStats aggregates fetch outcomes for one host within a session.
type HostStats struct {
	SessionID  uuid.UUID
	Host       string
	LastUpdate time.Time
	Fetches    int64
	BytesTotal int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
	// FetchFailed counts attempts that produced no usable response.
	FetchFailed int64
}

// HostDelta is an increment applied to a HostStats row.
type HostDelta struct {
	Fetches     int64
	Bytes       int64
	Fetch2xx    int64
	Fetch3xx    int64
	Fetch4xx    int64
	Fetch5xx    int64
	FetchFailed int64
}

// Empty reports whether applying d would change nothing.
func (d HostDelta) Empty() bool {
	return d == HostDelta{}
}

// SessionRepository persists the crawl session history.
type SessionRepository interface {
	// StartSession records a running session; repeated calls are idempotent.
	StartSession(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	// FinishSession marks the session finished with status and optional note.
	FinishSession(ctx context.Context, id uuid.UUID, finishedAt time.Time, status SessionStatus, note *string) error
	// AddHostStats applies delta to the (session, host) aggregate.
	AddHostStats(ctx context.Context, id uuid.UUID, host string, delta HostDelta, at time.Time) error

	// GetSession loads a single session or returns ErrNotFound.
	GetSession(ctx context.Context, id uuid.UUID) (SessionRun, error)
	// ListSessions returns sessions newest first, optionally filtered by status.
	ListSessions(ctx context.Context, status *SessionStatus, limit, offset int) ([]SessionRun, error)
	// ListSessionHosts returns the host aggregates of one session.
	ListSessionHosts(ctx context.Context, id uuid.UUID, limit, offset int) ([]HostStats, error)
}
