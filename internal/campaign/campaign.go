package campaign

import (
	"time"

	"github.com/vnihit/ontask2-UNSW/internal/content"
	"github.com/vnihit/ontask2-UNSW/internal/rules"
)

// Campaign is an action defined over a datalab
type Campaign struct {
	ID              string                 `json:"id"`
	ContainerID     string                 `json:"container_id"`
	DatalabID       string                 `json:"datalab_id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Filter          *rules.Filter          `json:"filter,omitempty"`
	ConditionGroups []rules.ConditionGroup `json:"condition_groups,omitempty"`
	Content         *content.Template      `json:"content,omitempty"`
	EmailSettings   *EmailSettings         `json:"email_settings,omitempty"`
	Schedule        *Schedule              `json:"schedule,omitempty"`
	LinkID          string                 `json:"link_id,omitempty"`
	LastScheduledAt *time.Time             `json:"last_scheduled_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Conditions returns every condition of every group keyed by name
func (c *Campaign) Conditions() map[string]rules.Condition {
	out := make(map[string]rules.Condition)
	for _, g := range c.ConditionGroups {
		for _, cond := range g.Conditions {
			out[cond.Name] = cond
		}
	}
	return out
}

// Clone returns a copy suitable for saving as a new campaign: the name is
// suffixed with "_cloned" and the schedule, link and run history are dropped.
func (c *Campaign) Clone(id string, now time.Time) *Campaign {
	cp := *c
	cp.ID = id
	cp.Name = c.Name + "_cloned"
	cp.Schedule = nil
	cp.LinkID = ""
	cp.LastScheduledAt = nil
	cp.CreatedAt = now
	cp.UpdatedAt = now

	cp.ConditionGroups = append([]rules.ConditionGroup(nil), c.ConditionGroups...)
	if c.EmailSettings != nil {
		s := *c.EmailSettings
		cp.EmailSettings = &s
	}
	return &cp
}

// EmailSettings are the dispatch parameters of a run
type EmailSettings struct {
	Subject         string `json:"subject"`
	Field           string `json:"field"`
	ReplyTo         string `json:"replyTo,omitempty"`
	IncludeTracking bool   `json:"include_tracking"`
	IncludeFeedback bool   `json:"include_feedback"`
}

// JobType tells how a dispatch run was started
type JobType string

const (
	JobManual    JobType = "Manual"
	JobScheduled JobType = "Scheduled"
)

// Email is one successfully dispatched message within a job
type Email struct {
	Recipient    string     `json:"recipient"`
	Content      string     `json:"content,omitempty"`
	Feedback     string     `json:"feedback,omitempty"`
	FirstTracked *time.Time `json:"first_tracked,omitempty"`
	LastTracked  *time.Time `json:"last_tracked,omitempty"`
}

// Track applies one open event at the given time. The first event sets
// FirstTracked; every later one moves LastTracked only.
func (e *Email) Track(at time.Time) {
	if e.FirstTracked == nil {
		e.FirstTracked = &at
		return
	}
	e.LastTracked = &at
}

// FailedEmail records a recipient the transport rejected
type FailedEmail struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// EmailJob is the record of a single dispatch run
type EmailJob struct {
	JobID            string        `json:"job_id"`
	CampaignID       string        `json:"campaign_id"`
	Subject          string        `json:"subject"`
	Type             JobType       `json:"type"`
	InitiatedAt      time.Time     `json:"initiated_at"`
	IncludedTracking bool          `json:"included_tracking"`
	IncludedFeedback bool          `json:"included_feedback"`
	Emails           []Email       `json:"emails"`
	Failed           []FailedEmail `json:"failed,omitempty"`
}

// FindEmail returns the email addressed to recipient, or nil
func (j *EmailJob) FindEmail(recipient string) *Email {
	for i := range j.Emails {
		if j.Emails[i].Recipient == recipient {
			return &j.Emails[i]
		}
	}
	return nil
}

// WithoutContent returns a copy of the job with per-email content stripped,
// used for history listings.
func (j *EmailJob) WithoutContent() *EmailJob {
	cp := *j
	cp.Emails = make([]Email, len(j.Emails))
	for i, e := range j.Emails {
		e.Content = ""
		cp.Emails[i] = e
	}
	return &cp
}
