package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pruner deletes job history older than a cutoff
type Pruner interface {
	PruneJobs(ctx context.Context, maxAge time.Duration) (int, error)
}

// CleanerConfig contains job history retention settings
type CleanerConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// Cleaner prunes job history on an interval
type Cleaner struct {
	store  Pruner
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a cleaner
func NewCleaner(store Pruner, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "cleaner"),
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop. Nothing runs when retention is unset.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 || c.cfg.Interval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started", "max_age", c.cfg.MaxAge, "interval", c.cfg.Interval)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce prunes once and returns the number of jobs deleted
func (c *Cleaner) RunOnce(ctx context.Context) int {
	deleted, err := c.store.PruneJobs(ctx, c.cfg.MaxAge)
	if err != nil {
		c.logger.Error("failed to prune job history", "error", err)
		return 0
	}
	if deleted > 0 {
		c.logger.Info("pruned job history", "deleted", deleted)
	}
	return deleted
}
