// Package system provides the wall clock used outside tests.
package system

import (
	"context"
	"time"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

// Clock implements crawler.Clock and crawler.Pauser on real time.
type Clock struct {
	pauser crawler.TimerPauser
}

var (
	_ crawler.Clock  = (*Clock)(nil)
	_ crawler.Pauser = (*Clock)(nil)
)

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (*Clock) Now() time.Time {
	return time.Now().UTC()
}

// Pause sleeps for d or until ctx is done.
func (c *Clock) Pause(ctx context.Context, d time.Duration) {
	c.pauser.Pause(ctx, d)
}
