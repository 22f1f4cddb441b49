package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/webcrawl-indexer/internal/store"
)

// SessionStore implements store.SessionRepository on the crawl_sessions and
// session_hosts tables.
type SessionStore struct {
	pool pool
}

var _ store.SessionRepository = (*SessionStore)(nil)

// NewSessionStore creates a SessionStore on an open pool.
func NewSessionStore(p pool) (*SessionStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{pool: p}, nil
}

// EnsureSchema creates the history tables when they do not exist.
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS crawl_sessions (
	id          UUID PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	note        TEXT
);
CREATE TABLE IF NOT EXISTS session_hosts (
	session_id   UUID NOT NULL REFERENCES crawl_sessions (id) ON DELETE CASCADE,
	host         TEXT NOT NULL,
	last_update  TIMESTAMPTZ NOT NULL,
	fetches      BIGINT NOT NULL DEFAULT 0,
	bytes_total  BIGINT NOT NULL DEFAULT 0,
	fetch_2xx    BIGINT NOT NULL DEFAULT 0,
	fetch_3xx    BIGINT NOT NULL DEFAULT 0,
	fetch_4xx    BIGINT NOT NULL DEFAULT 0,
	fetch_5xx    BIGINT NOT NULL DEFAULT 0,
	fetch_failed BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, host)
)`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create session tables: %w", err)
	}
	return nil
}

// StartSession inserts a running session; an existing row is kept.
func (s *SessionStore) StartSession(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_sessions (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, id, startedAt, store.SessionRunning); err != nil {
		return fmt.Errorf("failed to insert session start: %w", err)
	}
	return nil
}

// FinishSession marks a session finished with a status and optional note.
func (s *SessionStore) FinishSession(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.SessionStatus,
	note *string,
) error {
	query := `
		UPDATE crawl_sessions
		SET finished_at = $1, status = $2, note = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, note, id); err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return nil
}

// AddHostStats adds delta to the (session, host) row, creating it on first use.
func (s *SessionStore) AddHostStats(ctx context.Context, id uuid.UUID, host string, delta store.HostDelta, at time.Time) error {
	query := `
		INSERT INTO session_hosts AS h
			(session_id, host, last_update, fetches, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, fetch_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, host) DO UPDATE SET
			last_update = GREATEST(h.last_update, EXCLUDED.last_update),
			fetches = h.fetches + EXCLUDED.fetches,
			bytes_total = h.bytes_total + EXCLUDED.bytes_total,
			fetch_2xx = h.fetch_2xx + EXCLUDED.fetch_2xx,
			fetch_3xx = h.fetch_3xx + EXCLUDED.fetch_3xx,
			fetch_4xx = h.fetch_4xx + EXCLUDED.fetch_4xx,
			fetch_5xx = h.fetch_5xx + EXCLUDED.fetch_5xx,
			fetch_failed = h.fetch_failed + EXCLUDED.fetch_failed;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		id,
		host,
		at,
		delta.Fetches,
		delta.Bytes,
		delta.Fetch2xx,
		delta.Fetch3xx,
		delta.Fetch4xx,
		delta.Fetch5xx,
		delta.FetchFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert host stats: %w", err)
	}
	return nil
}

// GetSession retrieves a single session by its ID.
func (s *SessionStore) GetSession(ctx context.Context, id uuid.UUID) (store.SessionRun, error) {
	query := `
		SELECT id, started_at, finished_at, status, note
		FROM crawl_sessions
		WHERE id = $1;
	`
	var run store.SessionRun
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Note,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRun{}, store.ErrNotFound
		}
		return store.SessionRun{}, fmt.Errorf("failed to get session: %w", err)
	}
	return run, nil
}

// ListSessions retrieves sessions newest first with optional status filtering.
func (s *SessionStore) ListSessions(
	ctx context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.SessionRun, error) {
	query := `
		SELECT id, started_at, finished_at, status, note
		FROM crawl_sessions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	runs := []store.SessionRun{}
	for rows.Next() {
		var run store.SessionRun
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.Note); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return runs, nil
}

// ListSessionHosts retrieves the host aggregates of one session.
func (s *SessionStore) ListSessionHosts(ctx context.Context, id uuid.UUID, limit, offset int) ([]store.HostStats, error) {
	query := `
		SELECT session_id, host, last_update, fetches, bytes_total,
			fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, fetch_failed
		FROM session_hosts
		WHERE session_id = $1
		ORDER BY last_update DESC, host
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list session hosts: %w", err)
	}
	defer rows.Close()

	stats := []store.HostStats{}
	for rows.Next() {
		var st store.HostStats
		err := rows.Scan(
			&st.SessionID,
			&st.Host,
			&st.LastUpdate,
			&st.Fetches,
			&st.BytesTotal,
			&st.Fetch2xx,
			&st.Fetch3xx,
			&st.Fetch4xx,
			&st.Fetch5xx,
			&st.FetchFailed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate host stats rows: %w", err)
	}
	return stats, nil
}
