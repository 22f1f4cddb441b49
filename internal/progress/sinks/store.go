package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/progress"
	"github.com/JakeFAU/webcrawl-indexer/internal/store"
)

// StoreSink records the session history via a store.SessionRepository. Fetch
// completions are collapsed per (session, host) before each write.
type StoreSink struct {
	repo   store.SessionRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.SessionRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies session transitions in order and host deltas afterwards.
// Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[hostKey]*hostDelta)

	for _, evt := range batch {
		id := evt.SessionUUID()
		switch evt.Stage {
		case progress.StageSessionStart, progress.StageSessionDone, progress.StageSessionAborted:
			if err := s.handleSessionEvent(ctx, id, evt); err != nil {
				return err
			}
		case progress.StageFetchDone:
			recordHostDelta(deltas, id, evt)
		}
	}

	for key, d := range deltas {
		if d.delta.Empty() {
			continue
		}
		if err := s.repo.AddHostStats(ctx, key.sessionID, key.host, d.delta, d.at); err != nil {
			return fmt.Errorf("add host stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleSessionEvent(ctx context.Context, id uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageSessionStart:
		if err := s.repo.StartSession(ctx, id, evt.TS); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		return nil
	case progress.StageSessionDone:
		return s.finish(ctx, id, evt, store.SessionCompleted)
	default:
		return s.finish(ctx, id, evt, store.SessionAborted)
	}
}

func (s *StoreSink) finish(ctx context.Context, id uuid.UUID, evt progress.Event, status store.SessionStatus) error {
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.FinishSession(ctx, id, evt.TS, status, note); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	s.logger.Debug("session recorded", zap.String("session_id", id.String()), zap.String("status", string(status)))
	return nil
}

func recordHostDelta(deltas map[hostKey]*hostDelta, id uuid.UUID, evt progress.Event) {
	if evt.Host == "" {
		return
	}
	key := hostKey{sessionID: id, host: evt.Host}
	d := deltas[key]
	if d == nil {
		d = &hostDelta{}
		deltas[key] = d
	}
	d.delta.Fetches++
	d.delta.Bytes += evt.Bytes
	switch evt.StatusClass {
	case progress.Status2xx:
		d.delta.Fetch2xx++
	case progress.Status3xx:
		d.delta.Fetch3xx++
	case progress.Status4xx:
		d.delta.Fetch4xx++
	case progress.Status5xx:
		d.delta.Fetch5xx++
	default:
		d.delta.FetchFailed++
	}
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type hostKey struct {
	sessionID uuid.UUID
	host      string
}

type hostDelta struct {
	delta store.HostDelta
	at    time.Time
}
