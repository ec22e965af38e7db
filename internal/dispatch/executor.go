// Package dispatch runs campaigns: it filters the audience, renders
// personalised content and hands each message to the transport, recording
// the outcome as an email job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/content"
	"github.com/vnihit/ontask2-UNSW/internal/dataset"
	"github.com/vnihit/ontask2-UNSW/internal/metrics"
	"github.com/vnihit/ontask2-UNSW/internal/rules"
	"github.com/vnihit/ontask2-UNSW/internal/transport"
)

var (
	ErrRunInProgress    = errors.New("a dispatch run is already in progress for this campaign")
	ErrDispatchDisabled = errors.New("email dispatch is disabled in demo mode")
	ErrNoContent        = errors.New("email content cannot be empty")
	ErrNoEmailSettings  = errors.New("campaign has no email settings")
	ErrNoTracker        = errors.New("open tracking requested but no tracker is configured")
)

// CampaignStore is the persistence the executor needs
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	SaveEmailSettings(ctx context.Context, campaignID string, settings campaign.EmailSettings) error
	AppendJob(ctx context.Context, job *campaign.EmailJob) error
	MarkScheduledRun(ctx context.Context, campaignID string, at time.Time) error
}

// SchemaResolver returns the field schema of a campaign's datalab
type SchemaResolver interface {
	ResolveFieldSchema(ctx context.Context, campaignID string) (map[string]string, error)
}

// DatasetLoader returns the records a campaign runs over
type DatasetLoader interface {
	LoadDataset(ctx context.Context, campaignID string) (dataset.Snapshot, error)
}

// Tracker mints open-tracking markers
type Tracker interface {
	Issue(campaignID, jobID, recipient string) (string, error)
	Marker(token string) string
}

// Config controls dispatch behaviour
type Config struct {
	// Concurrency bounds parallel sends; 1 or less is sequential
	Concurrency int
	DemoMode    bool
}

// Preview is the rendered content of every record in the audience
type Preview struct {
	Data    []rules.Record `json:"data"`
	Content []string       `json:"populatedContent"`
}

// Executor runs campaigns
type Executor struct {
	store   CampaignStore
	schema  SchemaResolver
	loader  DatasetLoader
	sender  transport.Sender
	tracker Tracker
	locker  Locker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor creates an executor with an in-process run lock and no tracking
func NewExecutor(store CampaignStore, schema SchemaResolver, loader DatasetLoader, sender transport.Sender, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Executor{
		store:  store,
		schema: schema,
		loader: loader,
		sender: sender,
		locker: NewLocalLocker(),
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
		now:    time.Now,
	}
}

// SetTracker enables tracking markers for runs that request them
func (e *Executor) SetTracker(t Tracker) {
	e.tracker = t
}

// SetLocker replaces the run lock
func (e *Executor) SetLocker(l Locker) {
	e.locker = l
}

// Preview renders raw (or the stored content when raw is nil) for the
// campaign's audience without sending anything.
func (e *Executor) Preview(ctx context.Context, campaignID string, raw any) (*Preview, error) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	tmpl := c.Content
	if raw != nil {
		t, err := content.Normalize(raw)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tmpl = t
		}
	}
	if err := campaign.ValidateContent(tmpl, c.ConditionGroups); err != nil {
		return nil, err
	}

	audience, pk, err := e.audience(ctx, c)
	if err != nil {
		return nil, err
	}
	return &Preview{
		Data:    audience,
		Content: content.Populate(tmpl, audience, pk, c.Conditions()),
	}, nil
}

// RunManual dispatches the campaign now and, once the settings validate,
// stores them on the campaign for later scheduled runs
func (e *Executor) RunManual(ctx context.Context, campaignID string, settings campaign.EmailSettings) (*campaign.EmailJob, error) {
	if e.cfg.DemoMode {
		return nil, ErrDispatchDisabled
	}

	unlock, err := e.locker.TryLock(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Content.IsEmpty() {
		return nil, ErrNoContent
	}

	return e.execute(ctx, c, settings, campaign.JobManual)
}

// RunScheduled dispatches the campaign with its stored settings and records
// the run time for the scheduler.
func (e *Executor) RunScheduled(ctx context.Context, campaignID string) (*campaign.EmailJob, error) {
	if e.cfg.DemoMode {
		return nil, ErrDispatchDisabled
	}

	unlock, err := e.locker.TryLock(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Content.IsEmpty() {
		return nil, ErrNoContent
	}
	if c.EmailSettings == nil {
		return nil, ErrNoEmailSettings
	}

	job, err := e.execute(ctx, c, *c.EmailSettings, campaign.JobScheduled)
	if err != nil {
		return nil, err
	}
	if err := e.store.MarkScheduledRun(ctx, campaignID, job.InitiatedAt); err != nil {
		return job, fmt.Errorf("failed to record scheduled run: %w", err)
	}
	return job, nil
}

func (e *Executor) audience(ctx context.Context, c *campaign.Campaign) ([]rules.Record, string, error) {
	snap, err := e.loader.LoadDataset(ctx, c.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load dataset: %w", err)
	}
	return rules.ApplyFilter(snap.Records, c.Filter).Data, snap.PrimaryKey, nil
}

// outcome is what one worker produced for one audience record
type outcome struct {
	email   *campaign.Email
	failure *campaign.FailedEmail
}

func (e *Executor) execute(ctx context.Context, c *campaign.Campaign, settings campaign.EmailSettings, jobType campaign.JobType) (*campaign.EmailJob, error) {
	start := e.now()
	metrics.RunStarted()
	completed := false
	defer func() {
		if !completed {
			metrics.RunAborted()
		}
	}()

	fields, err := e.schema.ResolveFieldSchema(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve field schema: %w", err)
	}
	if err := campaign.Validate(c, fields); err != nil {
		return nil, err
	}
	if err := campaign.ValidateEmailSettings(settings, fields); err != nil {
		return nil, err
	}
	if settings.IncludeTracking && e.tracker == nil {
		return nil, ErrNoTracker
	}
	if jobType == campaign.JobManual {
		if err := e.store.SaveEmailSettings(ctx, c.ID, settings); err != nil {
			return nil, fmt.Errorf("failed to save email settings: %w", err)
		}
	}

	audience, pk, err := e.audience(ctx, c)
	if err != nil {
		return nil, err
	}
	populated := content.Populate(c.Content, audience, pk, c.Conditions())

	job := &campaign.EmailJob{
		JobID:            uuid.NewString(),
		CampaignID:       c.ID,
		Subject:          settings.Subject,
		Type:             jobType,
		InitiatedAt:      start,
		IncludedTracking: settings.IncludeTracking,
		IncludedFeedback: settings.IncludeFeedback,
	}

	logger := e.logger.With("campaign_id", c.ID, "job_id", job.JobID, "type", jobType)
	logger.Info("dispatch started", "audience", len(audience))

	sendCtx := transport.WithCampaign(ctx, c.ID)
	outcomes := make([]outcome, len(audience))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for i := range audience {
		g.Go(func() error {
			outcomes[i] = e.deliver(sendCtx, logger, job, settings, audience[i], pk, populated[i])
			return nil
		})
	}
	g.Wait()

	for _, o := range outcomes {
		if o.email != nil {
			job.Emails = append(job.Emails, *o.email)
			metrics.IncEmailsSent(string(jobType))
		} else {
			job.Failed = append(job.Failed, *o.failure)
		}
	}

	if err := e.store.AppendJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save email job: %w", err)
	}

	completed = true
	metrics.RunFinished(string(jobType), e.now().Sub(start).Seconds())
	logger.Info("dispatch completed", "sent", len(job.Emails), "failed", len(job.Failed))
	return job, nil
}

// deliver sends one rendered message. Only the copy handed to the transport
// carries the tracking marker; the recorded content does not.
func (e *Executor) deliver(ctx context.Context, logger *slog.Logger, job *campaign.EmailJob, settings campaign.EmailSettings, record rules.Record, pk, body string) outcome {
	jobType := string(job.Type)

	recipient := recipientOf(record, settings.Field)
	if recipient == "" {
		metrics.IncEmailsFailed(jobType, "no_recipient")
		return outcome{failure: &campaign.FailedEmail{
			Reason: fmt.Sprintf("record %v has no value for field '%s'", record[pk], settings.Field),
		}}
	}

	if err := ctx.Err(); err != nil {
		metrics.IncEmailsFailed(jobType, "cancelled")
		return outcome{failure: &campaign.FailedEmail{Recipient: recipient, Reason: err.Error()}}
	}

	html := body
	if job.IncludedTracking {
		token, err := e.tracker.Issue(job.CampaignID, job.JobID, recipient)
		if err != nil {
			metrics.IncEmailsFailed(jobType, "tracking")
			return outcome{failure: &campaign.FailedEmail{Recipient: recipient, Reason: err.Error()}}
		}
		html += e.tracker.Marker(token)
	}

	err := e.sender.Send(ctx, transport.Message{
		To:      recipient,
		Subject: settings.Subject,
		HTML:    html,
		ReplyTo: settings.ReplyTo,
	})
	if err != nil {
		errorType := "permanent"
		if transport.IsTemporaryError(err) {
			errorType = "temporary"
		}
		metrics.IncEmailsFailed(jobType, errorType)
		logger.Warn("delivery failed", "error_type", errorType, "error", err)
		logger.Debug("delivery failed recipient", "recipient", recipient)
		return outcome{failure: &campaign.FailedEmail{Recipient: recipient, Reason: err.Error()}}
	}

	logger.Debug("email sent", "recipient", recipient)
	return outcome{email: &campaign.Email{Recipient: recipient, Content: body}}
}

func recipientOf(record rules.Record, field string) string {
	v, ok := record[field]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
