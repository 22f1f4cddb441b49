package crawler

import (
	"context"
	"fmt"
	"time"
)

// TimerPauser sleeps on a timer and wakes early when ctx is done.
type TimerPauser struct{}

// Pause implements Pauser.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// HostClock enforces the politeness delay for one host. It is not safe for
// concurrent use; each worker owns its own clock.
type HostClock struct {
	clock  Clock
	pauser Pauser
	delay  time.Duration
	next   time.Time
}

// NewHostClock builds a clock that spaces requests delay apart.
func NewHostClock(clock Clock, pauser Pauser, delay time.Duration) *HostClock {
	if pauser == nil {
		pauser = TimerPauser{}
	}
	return &HostClock{clock: clock, pauser: pauser, delay: delay}
}

// Wait blocks until the next request to the host is allowed and returns the
// time spent waiting.
func (h *HostClock) Wait(ctx context.Context) (time.Duration, error) {
	wait := h.next.Sub(h.clock.Now())
	if wait > 0 {
		h.pauser.Pause(ctx, wait)
	}
	if err := ctx.Err(); err != nil {
		return max(wait, 0), fmt.Errorf("politeness wait: %w", err)
	}
	return max(wait, 0), nil
}

// Advance pushes the next allowed request time to now + delay.
func (h *HostClock) Advance() {
	h.next = h.clock.Now().Add(h.delay)
}

// NextAllowed returns the earliest time the next request may start.
func (h *HostClock) NextAllowed() time.Time {
	return h.next
}
