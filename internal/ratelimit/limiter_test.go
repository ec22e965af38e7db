package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLimiterPerCampaign(t *testing.T) {
	db := setupTestDB(t)
	limiter, err := NewLimiter(db, &Config{
		PerCampaign:   &LimitConfig{MessagesPerHour: 2},
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, _ := limiter.Allow(ctx, &Request{Campaign: "a1"})
		if !res.Allowed {
			t.Fatalf("message %d denied", i)
		}
	}

	res, _ := limiter.Allow(ctx, &Request{Campaign: "a1"})
	if res.Allowed || res.DeniedBy != LevelCampaign {
		t.Errorf("third message = %+v, want denied by campaign", res)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Hour {
		t.Errorf("RetryAfter = %v", res.RetryAfter)
	}

	// other campaigns have their own counter
	res, _ = limiter.Allow(ctx, &Request{Campaign: "a2"})
	if !res.Allowed {
		t.Error("other campaign denied")
	}
}

func TestLimiterWindowReset(t *testing.T) {
	db := setupTestDB(t)
	limiter, err := NewLimiter(db, &Config{
		PerRecipientDomain: &LimitConfig{MessagesPerHour: 1, MessagesPerDay: 2},
		FlushInterval:      time.Hour,
	})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer limiter.Stop()

	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	req := &Request{RecipientDomain: "example.com"}

	if res, _ := limiter.Allow(ctx, req); !res.Allowed {
		t.Fatal("first message denied")
	}
	if res, _ := limiter.Allow(ctx, req); res.Allowed {
		t.Fatal("second message in the same hour allowed")
	}

	now = now.Add(time.Hour)
	if res, _ := limiter.Allow(ctx, req); !res.Allowed {
		t.Fatal("message after hourly reset denied")
	}

	now = now.Add(time.Hour)
	if res, _ := limiter.Allow(ctx, req); res.Allowed {
		t.Error("daily limit not enforced")
	}
}

func TestLimiterPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{Global: &LimitConfig{MessagesPerDay: 10}, FlushInterval: time.Hour}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		limiter.Allow(ctx, &Request{})
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	restored, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer restored.Stop()

	stats, _ := restored.GetStats(ctx, LevelGlobal, "global")
	if stats.DailyCount != 3 {
		t.Errorf("DailyCount = %d, want 3", stats.DailyCount)
	}
}

func TestConfigEnabled(t *testing.T) {
	var nilCfg *Config
	if nilCfg.Enabled() || (&Config{}).Enabled() {
		t.Error("empty config reported enabled")
	}
	if !(&Config{PerCampaign: &LimitConfig{MessagesPerHour: 1}}).Enabled() {
		t.Error("campaign limit not reported enabled")
	}
}

func TestLimiterDropsStaleCounters(t *testing.T) {
	db := setupTestDB(t)
	limiter, err := NewLimiter(db, &Config{PerCampaign: &LimitConfig{MessagesPerDay: 5}, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer limiter.Stop()

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	ctx := context.Background()
	limiter.Allow(ctx, &Request{Campaign: "c1"})
	if err := limiter.flush(); err != nil {
		t.Fatalf("flush() error = %v", err)
	}

	stored := func() int {
		n := 0
		db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketRateLimits).ForEach(func(k, v []byte) error {
				n++
				return nil
			})
		})
		return n
	}
	if got := stored(); got != 1 {
		t.Fatalf("stored counters = %d, want 1", got)
	}

	now = now.Add(72 * time.Hour)
	if err := limiter.flush(); err != nil {
		t.Fatalf("flush() error = %v", err)
	}
	if got := stored(); got != 0 {
		t.Errorf("stored counters after expiry = %d, want 0", got)
	}
	stats, _ := limiter.GetStats(ctx, LevelCampaign, "c1")
	if stats.DailyCount != 0 {
		t.Errorf("DailyCount = %d, want 0", stats.DailyCount)
	}
}
