package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/dispatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	campaigns []*campaign.Campaign
	err       error
}

func (f *fakeStore) ListCampaigns(ctx context.Context, containerID string) ([]*campaign.Campaign, error) {
	return f.campaigns, f.err
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
	ran   chan string

	// campaigns whose run succeeds but whose run time fails to save
	markFails map[string]bool
}

func (f *fakeRunner) RunScheduled(ctx context.Context, id string) (*campaign.EmailJob, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- id:
		default:
		}
	}
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	job := &campaign.EmailJob{JobID: "job-" + id, CampaignID: id}
	if f.markFails[id] {
		return job, errors.New("failed to record scheduled run: disk full")
	}
	return job, nil
}

func daily() *campaign.Schedule {
	return &campaign.Schedule{
		Time:         time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		Frequency:    campaign.Daily,
		DayFrequency: 1,
	}
}

func TestTick(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	ranToday := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ranYesterday := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	store := &fakeStore{campaigns: []*campaign.Campaign{
		{ID: "never-ran", Schedule: daily()},
		{ID: "ran-today", Schedule: daily(), LastScheduledAt: &ranToday},
		{ID: "ran-yesterday", Schedule: daily(), LastScheduledAt: &ranYesterday},
		{ID: "unscheduled"},
		{ID: "busy", Schedule: daily()},
		{ID: "broken", Schedule: daily()},
	}}
	runner := &fakeRunner{errs: map[string]error{
		"busy":   dispatch.ErrRunInProgress,
		"broken": errors.New("boom"),
	}}

	s := New(store, runner, Config{PollInterval: time.Hour}, testLogger())
	s.now = func() time.Time { return now }

	if got := s.Tick(context.Background()); got != 2 {
		t.Errorf("Tick() = %d, want 2", got)
	}

	want := []string{"never-ran", "ran-yesterday", "busy", "broken"}
	if len(runner.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", runner.calls, want)
	}
	for i := range want {
		if runner.calls[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, runner.calls[i], want[i])
		}
	}
}

func TestTickUnrecordedRunNotRepeated(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{campaigns: []*campaign.Campaign{{ID: "a", Schedule: daily()}}}
	runner := &fakeRunner{markFails: map[string]bool{"a": true}}

	s := New(store, runner, Config{PollInterval: time.Hour}, testLogger())
	s.now = func() time.Time { return now }

	if got := s.Tick(context.Background()); got != 1 {
		t.Errorf("first Tick() = %d, want 1", got)
	}
	now = now.Add(time.Minute)
	if got := s.Tick(context.Background()); got != 0 {
		t.Errorf("second Tick() = %d, want 0", got)
	}
	if len(runner.calls) != 1 {
		t.Errorf("calls = %v, want one run", runner.calls)
	}

	// next day's slot still runs
	now = now.Add(24 * time.Hour)
	if got := s.Tick(context.Background()); got != 1 {
		t.Errorf("next day Tick() = %d, want 1", got)
	}
}

func TestTickListError(t *testing.T) {
	runner := &fakeRunner{}
	s := New(&fakeStore{err: errors.New("db closed")}, runner, Config{}, testLogger())

	if got := s.Tick(context.Background()); got != 0 {
		t.Errorf("Tick() = %d, want 0", got)
	}
	if len(runner.calls) != 0 {
		t.Errorf("calls = %v", runner.calls)
	}
}

func TestTickCancelled(t *testing.T) {
	runner := &fakeRunner{}
	store := &fakeStore{campaigns: []*campaign.Campaign{{ID: "a", Schedule: daily()}}}
	s := New(store, runner, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Tick(ctx)
	if len(runner.calls) != 0 {
		t.Errorf("calls after cancel = %v", runner.calls)
	}
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{ran: make(chan string, 1)}
	store := &fakeStore{campaigns: []*campaign.Campaign{{ID: "a", Schedule: daily()}}}
	s := New(store, runner, Config{PollInterval: 10 * time.Millisecond}, testLogger())

	s.Start()
	select {
	case id := <-runner.ran:
		if id != "a" {
			t.Errorf("ran %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not run")
	}
	s.Stop()
}

type fakePruner struct {
	mu     sync.Mutex
	maxAge []time.Duration
	n      int
	err    error
}

func (f *fakePruner) PruneJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAge = append(f.maxAge, maxAge)
	return f.n, f.err
}

func TestCleaner(t *testing.T) {
	tests := []struct {
		name string
		n    int
		err  error
		want int
	}{
		{"deleted", 3, nil, 3},
		{"nothing", 0, nil, 0},
		{"error", 5, errors.New("boom"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePruner{n: tt.n, err: tt.err}
			c := NewCleaner(p, CleanerConfig{MaxAge: 48 * time.Hour, Interval: time.Hour}, testLogger())
			if got := c.RunOnce(context.Background()); got != tt.want {
				t.Errorf("RunOnce() = %d, want %d", got, tt.want)
			}
			if p.maxAge[0] != 48*time.Hour {
				t.Errorf("maxAge = %v", p.maxAge[0])
			}
		})
	}
}

func TestCleanerDisabled(t *testing.T) {
	p := &fakePruner{}
	c := NewCleaner(p, CleanerConfig{Interval: time.Hour}, testLogger())
	c.Start(context.Background())
	c.Stop()
	if len(p.maxAge) != 0 {
		t.Errorf("pruned with no retention: %v", p.maxAge)
	}
}

func TestCleanerStartPrunesImmediately(t *testing.T) {
	p := &fakePruner{}
	c := NewCleaner(p, CleanerConfig{MaxAge: time.Hour, Interval: time.Hour}, testLogger())
	c.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		n := len(p.maxAge)
		p.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cleaner did not prune on start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
}
