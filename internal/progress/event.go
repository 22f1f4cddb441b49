package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart   Stage = "SESSION_START"
	StageSessionDone    Stage = "SESSION_DONE"
	StageSessionAborted Stage = "SESSION_ABORTED"
	StageWorkerDone     Stage = "WORKER_DONE"
	StageWorkerError    Stage = "WORKER_ERROR"
	StageFetchStart     Stage = "FETCH_START"
	StageFetchDone      Stage = "FETCH_DONE"
	StageURLSkipped     Stage = "URL_SKIPPED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes tracked for fetch completions. StatusNone marks
// attempts that produced no response at all.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusNone  StatusClass = "none"
	StatusOther StatusClass = "other"
)

// Event captures a single crawl milestone.
type Event struct {
	// SessionID identifies the crawl pass using the 16-byte UUID form.
	SessionID [16]byte
	TS        time.Time
	Stage     Stage
	// Host scopes worker and fetch events.
	Host string
	// URL should not contain credentials.
	URL string
	// Outcome carries the fetch status recorded for the URL.
	Outcome     string
	StatusClass StatusClass
	Bytes       int64
	Dur         time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionAborted:
	case StageWorkerDone, StageWorkerError, StageFetchStart, StageURLSkipped:
		if e.Host == "" {
			return fmt.Errorf("%s requires host", e.Stage)
		}
	case StageFetchDone:
		if e.Host == "" {
			return errors.New("fetch done requires host")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID back to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code == 0:
		return StatusNone
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
