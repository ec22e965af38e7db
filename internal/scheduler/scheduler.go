// Package scheduler runs campaigns whose schedule is due and prunes old job
// history in the background.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/dispatch"
)

// Store lists the campaigns to check
type Store interface {
	ListCampaigns(ctx context.Context, containerID string) ([]*campaign.Campaign, error)
}

// Runner dispatches a scheduled run
type Runner interface {
	RunScheduled(ctx context.Context, campaignID string) (*campaign.EmailJob, error)
}

// Config holds scheduler settings
type Config struct {
	PollInterval time.Duration
}

// Scheduler polls for due campaigns
type Scheduler struct {
	store        Store
	runner       Runner
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	// runs that dispatched but whose run time could not be stored; only
	// touched by Tick
	unrecorded map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler
func New(store Store, runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:        store,
		runner:       runner,
		pollInterval: cfg.PollInterval,
		logger:       logger.With("component", "scheduler"),
		now:          time.Now,
		unrecorded:   make(map[string]time.Time),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts the polling loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)
}

// Stop cancels in-flight runs and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler...")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.ctx)
		}
	}
}

// Tick runs every campaign that is due now and returns how many runs
// completed
func (s *Scheduler) Tick(ctx context.Context) int {
	campaigns, err := s.store.ListCampaigns(ctx, "")
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		return 0
	}

	now := s.now()
	ran := 0
	for _, c := range campaigns {
		select {
		case <-ctx.Done():
			return ran
		default:
		}

		last := c.LastScheduledAt
		if at, ok := s.unrecorded[c.ID]; ok && (last == nil || last.Before(at)) {
			last = &at
		}
		if c.Schedule == nil || !c.Schedule.Due(last, now) {
			continue
		}

		job, err := s.runner.RunScheduled(ctx, c.ID)
		switch {
		case err == nil:
			ran++
			delete(s.unrecorded, c.ID)
			s.logger.Info("scheduled run completed",
				"campaign_id", c.ID,
				"job_id", job.JobID,
				"sent", len(job.Emails),
				"failed", len(job.Failed),
			)
		case job != nil:
			// emails went out; remember the run so the next tick does not resend
			ran++
			at := job.InitiatedAt
			if at.IsZero() {
				at = now
			}
			s.unrecorded[c.ID] = at
			s.logger.Warn("scheduled run completed but was not recorded",
				"campaign_id", c.ID,
				"job_id", job.JobID,
				"error", err,
			)
		case errors.Is(err, dispatch.ErrRunInProgress):
			s.logger.Debug("scheduled run skipped, already running", "campaign_id", c.ID)
		default:
			s.logger.Error("scheduled run failed", "campaign_id", c.ID, "error", err)
		}
	}
	return ran
}
