// Package ratelimit caps how many campaign emails leave per hour and per day.
// Counters are kept in memory and flushed to bbolt so limits survive restarts.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

const day = 24 * time.Hour

// Level names the scope a limit applies to
type Level string

const (
	LevelGlobal    Level = "global"
	LevelCampaign  Level = "campaign"
	LevelRecipient Level = "recipient_domain"
)

// Config contains outbound dispatch limits. A nil limit is not enforced.
type Config struct {
	// Limits across every campaign
	Global *LimitConfig `yaml:"global,omitempty"`

	// Limits applied to each campaign separately
	PerCampaign *LimitConfig `yaml:"per_campaign,omitempty"`

	// Limits applied to each recipient domain, to stay under provider throttles
	PerRecipientDomain *LimitConfig `yaml:"per_recipient_domain,omitempty"`

	// How often counters are written to disk
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Enabled reports whether any limit is configured
func (c *Config) Enabled() bool {
	return c != nil && (c.Global != nil || c.PerCampaign != nil || c.PerRecipientDomain != nil)
}

// LimitConfig contains rate limit values; zero means unlimited
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter holds the hourly and daily windows of one scope
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// roll starts new windows once the current ones have elapsed
func (c *Counter) roll(now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount, c.HourStart = 0, now
	}
	if now.Sub(c.DayStart) >= day {
		c.DailyCount, c.DayStart = 0, now
	}
}

// exceeded reports whether one more message would break limit and, if so,
// how long until the full window resets
func (c *Counter) exceeded(limit *LimitConfig, now time.Time) (time.Duration, bool) {
	if limit.MessagesPerHour > 0 && c.HourlyCount >= limit.MessagesPerHour {
		return c.HourStart.Add(time.Hour).Sub(now), true
	}
	if limit.MessagesPerDay > 0 && c.DailyCount >= limit.MessagesPerDay {
		return c.DayStart.Add(day).Sub(now), true
	}
	return 0, false
}

// Request identifies one outgoing message
type Request struct {
	Campaign        string
	RecipientDomain string
}

// Result tells whether a message may be sent
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats is a snapshot of one scope's counter
type Stats struct {
	Level       Level
	Key         string
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

// Limiter enforces the configured limits
type Limiter struct {
	db       *bolt.DB
	config   *Config
	mu       sync.Mutex
	counters map[string]*Counter
	dirty    map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewLimiter loads persisted counters from db and starts the flush loop
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		dirty:    make(map[string]bool),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	go l.flushLoop()
	return l, nil
}

// Allow counts the message against every applicable scope, or reports the
// first scope that is exhausted. Denied messages are not counted.
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	scopes := l.scopes(req)

	for _, s := range scopes {
		c := l.counter(s.key, now)
		c.roll(now)
		if retry, over := c.exceeded(s.limit, now); over {
			return &Result{DeniedBy: s.level, DeniedKey: s.key, RetryAfter: retry}, nil
		}
	}

	for _, s := range scopes {
		c := l.counters[s.key]
		c.HourlyCount++
		c.DailyCount++
		l.dirty[s.key] = true
	}
	return &Result{Allowed: true}, nil
}

// GetStats returns the current counts of one scope
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{Level: level, Key: key}
	c, ok := l.counters[scopeKey(level, key)]
	if !ok {
		return stats, nil
	}

	snapshot := *c
	snapshot.roll(l.now())
	stats.HourlyCount = snapshot.HourlyCount
	stats.DailyCount = snapshot.DailyCount
	stats.HourStart = c.HourStart
	stats.DayStart = c.DayStart
	return stats, nil
}

// Stop ends the flush loop and writes pending counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.flush()
}

type scope struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) scopes(req *Request) []scope {
	var out []scope
	add := func(level Level, id string, limit *LimitConfig) {
		if id != "" && limit != nil {
			out = append(out, scope{level: level, key: scopeKey(level, id), limit: limit})
		}
	}
	add(LevelGlobal, "global", l.config.Global)
	add(LevelCampaign, req.Campaign, l.config.PerCampaign)
	add(LevelRecipient, req.RecipientDomain, l.config.PerRecipientDomain)
	return out
}

func (l *Limiter) counter(key string, now time.Time) *Counter {
	c, ok := l.counters[key]
	if !ok {
		c = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = c
	}
	return c
}

func (l *Limiter) load() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		if err != nil {
			return fmt.Errorf("failed to create rate limits bucket: %w", err)
		}
		return b.ForEach(func(k, v []byte) error {
			var c Counter
			if json.Unmarshal(v, &c) == nil {
				l.counters[string(k)] = &c
			}
			return nil
		})
	})
}

// flush writes counters changed since the last flush. Counters whose daily
// window has long passed are dropped instead.
func (l *Limiter) flush() error {
	l.mu.Lock()
	pending := make(map[string][]byte, len(l.dirty))
	var expired []string
	now := l.now()
	for key := range l.dirty {
		data, err := json.Marshal(l.counters[key])
		if err == nil {
			pending[key] = data
		}
	}
	for key, c := range l.counters {
		if !l.dirty[key] && now.Sub(c.DayStart) >= 2*day {
			expired = append(expired, key)
			delete(l.counters, key)
		}
	}
	l.dirty = make(map[string]bool)
	l.mu.Unlock()

	if len(pending) == 0 && len(expired) == 0 {
		return nil
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		for key, data := range pending {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		for _, key := range expired {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) flushLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func scopeKey(level Level, key string) string {
	return string(level) + ":" + key
}
