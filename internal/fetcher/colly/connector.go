package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

// ErrConnectorUnavailable is returned when handles are requested from a
// connector that has been shut down.
var ErrConnectorUnavailable = errors.New("connector unavailable")

// Connector hands out one content fetcher and one robots checker per worker,
// all configured with the same user agent and proxy.
type Connector struct {
	cfg    Config
	logger *zap.Logger
	closed atomic.Bool
}

// NewConnector builds a Connector.
func NewConnector(cfg Config, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, logger: logger.Named("connector")}
}

// OpenFetcher implements crawler.Connector.
func (c *Connector) OpenFetcher(ctx context.Context) (crawler.Fetcher, error) {
	if err := c.check(ctx); err != nil {
		return nil, fmt.Errorf("open fetcher: %w", err)
	}
	return NewFetcher(c.cfg), nil
}

// OpenRobots implements crawler.Connector.
func (c *Connector) OpenRobots(ctx context.Context) (crawler.RobotsChecker, error) {
	if err := c.check(ctx); err != nil {
		return nil, fmt.Errorf("open robots checker: %w", err)
	}
	return NewRobotsChecker(c.cfg, c.logger), nil
}

// Shutdown makes every later Open call fail.
func (c *Connector) Shutdown() {
	c.closed.Store(true)
}

func (c *Connector) check(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnectorUnavailable
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done: %w", err)
	}
	return nil
}
