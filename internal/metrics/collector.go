package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// Collector periodically refreshes the system gauges
type Collector struct {
	metrics     *Metrics
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector reporting the size of the file at storagePath
func NewCollector(m *Metrics, storagePath string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:     m,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector loop
func (c *Collector) Start(ctx context.Context) {
	c.collect()
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the collector loop
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}
}
