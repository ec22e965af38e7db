package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/content"
	"github.com/vnihit/ontask2-UNSW/internal/rules"
	"github.com/vnihit/ontask2-UNSW/internal/storage"
)

// CampaignRequest is the body of campaign create and update requests
type CampaignRequest struct {
	ContainerID     string                 `json:"container_id"`
	DatalabID       string                 `json:"datalab_id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Filter          *rules.Filter          `json:"filter,omitempty"`
	ConditionGroups []rules.ConditionGroup `json:"condition_groups,omitempty"`
	Content         json.RawMessage        `json:"content,omitempty"`
}

// PreviewRequest is the body of POST /campaigns/{id}/preview. Without
// content the stored content is rendered.
type PreviewRequest struct {
	Content json.RawMessage `json:"content,omitempty"`
}

// JobsResponse lists the jobs of a campaign
type JobsResponse struct {
	Jobs  []*campaign.EmailJob `json:"jobs"`
	Total int                  `json:"total"`
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListCampaigns(r.Context(), r.URL.Query().Get("container"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if list == nil {
		list = []*campaign.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DatalabID == "" {
		s.sendError(w, http.StatusBadRequest, "datalab_id is required")
		return
	}

	d, err := s.store.GetDatalab(r.Context(), req.DatalabID)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if req.ContainerID != "" && req.ContainerID != d.ContainerID {
		s.sendError(w, http.StatusBadRequest, "datalab belongs to another container")
		return
	}

	c := &campaign.Campaign{
		ID:          uuid.NewString(),
		ContainerID: d.ContainerID,
		DatalabID:   d.ID,
	}
	if !s.applyDefinition(w, r, c, &req) {
		return
	}
	if err := s.store.SaveCampaign(r.Context(), c); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.audit(r, "create", c.ID, "")
	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}. The datalab,
// settings, schedule and run history are kept.
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if !s.applyDefinition(w, r, c, &req) {
		return
	}
	if err := s.store.SaveCampaign(r.Context(), c); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.audit(r, "update", c.ID, "")
	s.sendJSON(w, http.StatusOK, c)
}

// applyDefinition copies the request onto c and validates the result
// against the datalab's fields
func (s *Server) applyDefinition(w http.ResponseWriter, r *http.Request, c *campaign.Campaign, req *CampaignRequest) bool {
	tmpl, err := content.Normalize(req.Content)
	if err != nil {
		s.sendFailure(w, err)
		return false
	}

	c.Name = req.Name
	c.Description = req.Description
	c.Filter = req.Filter
	c.ConditionGroups = req.ConditionGroups
	c.Content = tmpl

	fields, err := s.store.DatalabFields(r.Context(), c.DatalabID)
	if err != nil {
		s.sendFailure(w, err)
		return false
	}
	if err := campaign.Validate(c, fields); err != nil {
		s.sendFailure(w, err)
		return false
	}
	return true
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteCampaign(r.Context(), id); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.audit(r, "delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// handleCloneCampaign handles POST /api/v1/campaigns/{id}/clone
func (s *Server) handleCloneCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	cp := c.Clone(uuid.NewString(), time.Now())
	if err := s.store.SaveCampaign(r.Context(), cp); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.audit(r, "clone", cp.ID, "from "+id)
	s.sendJSON(w, http.StatusCreated, cp)
}

// handlePreview handles POST /api/v1/campaigns/{id}/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}

	// a nil RawMessage would reach Preview as a non-nil interface
	var raw any
	if len(req.Content) > 0 {
		raw = req.Content
	}

	p, err := s.runner.Preview(r.Context(), chi.URLParam(r, "id"), raw)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if p.Data == nil {
		p.Data = []rules.Record{}
	}
	if p.Content == nil {
		p.Content = []string{}
	}
	s.sendJSON(w, http.StatusOK, p)
}

// handleSend handles POST /api/v1/campaigns/{id}/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var settings campaign.EmailSettings
	if !s.decode(w, r, &settings) {
		return
	}

	id := chi.URLParam(r, "id")
	job, err := s.runner.RunManual(r.Context(), id, settings)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.audit(r, "send", id, fmt.Sprintf("job %s: %d sent, %d failed", job.JobID, len(job.Emails), len(job.Failed)))
	s.sendJSON(w, http.StatusOK, job.WithoutContent())
}

// handleUpdateSchedule handles PATCH /api/v1/campaigns/{id}/schedule
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var schedule campaign.Schedule
	if !s.decode(w, r, &schedule) {
		return
	}
	if err := schedule.Validate(); err != nil {
		s.sendFailure(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.SetSchedule(r.Context(), id, &schedule); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.audit(r, "schedule", id, string(schedule.Frequency))

	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteSchedule handles DELETE /api/v1/campaigns/{id}/schedule
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.SetSchedule(r.Context(), id, nil); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.audit(r, "unschedule", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// handleListJobs handles GET /api/v1/campaigns/{id}/jobs. Rendered content
// is left out of the listing.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		s.sendFailure(w, err)
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	resp := JobsResponse{Jobs: make([]*campaign.EmailJob, 0, len(jobs)), Total: len(jobs)}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, j.WithoutContent())
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /api/v1/campaigns/{id}/jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, job)
}

// handleAudit handles GET /api/v1/campaigns/{id}/audit
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			s.sendError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.store.ListAudit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	s.sendJSON(w, http.StatusOK, entries)
}

// audit records a change; a failed write is logged but does not fail the request
func (s *Server) audit(r *http.Request, action, campaignID, detail string) {
	err := s.store.RecordAudit(r.Context(), storage.AuditEntry{
		Action:     action,
		CampaignID: campaignID,
		Actor:      actorFrom(r.Context()),
		Detail:     detail,
	})
	if err != nil {
		s.logger.Error("failed to record audit entry", "action", action, "campaign_id", campaignID, "error", err)
	}
}
