package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker guards a campaign against overlapping runs. TryLock returns
// ErrRunInProgress when another run holds the lock.
type Locker interface {
	TryLock(ctx context.Context, campaignID string) (unlock func(), err error)
}

// LocalLocker serializes runs within one process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock implements Locker
func (l *LocalLocker) TryLock(ctx context.Context, campaignID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[campaignID]; ok {
		return nil, ErrRunInProgress
	}
	l.held[campaignID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, campaignID)
			l.mu.Unlock()
		})
	}, nil
}

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker shares run locks between instances using SET NX with a TTL.
// The lock is refreshed every ttl/3 while held so long runs keep it.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker backed by client
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger.With("component", "lock")}
}

// TryLock implements Locker
func (l *RedisLocker) TryLock(ctx context.Context, campaignID string) (func(), error) {
	key := fmt.Sprintf("lock:ontask:campaign:%s", campaignID)

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate lock value: %w", err)
	}
	value := hex.EncodeToString(b)

	ok, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := extendScript.Run(context.Background(), l.client, []string{key}, value, l.ttl.Milliseconds()).Err()
				if err != nil {
					l.logger.Warn("failed to extend run lock", "campaign_id", campaignID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// the run's ctx may already be cancelled; release regardless
			if err := releaseScript.Run(context.Background(), l.client, []string{key}, value).Err(); err != nil {
				l.logger.Warn("failed to release run lock", "campaign_id", campaignID, "error", err)
			}
		})
	}, nil
}
