package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vnihit/ontask2-UNSW/internal/dataset"
	"github.com/vnihit/ontask2-UNSW/internal/rules"
)

// handleListContainers handles GET /api/v1/containers
func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.store.ListContainers(r.Context())
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if containers == nil {
		containers = []*dataset.Container{}
	}
	s.sendJSON(w, http.StatusOK, containers)
}

// handleCreateContainer handles POST /api/v1/containers
func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var c dataset.Container
	if !s.decode(w, r, &c) {
		return
	}
	if c.Code == "" {
		s.sendError(w, http.StatusBadRequest, "code is required")
		return
	}
	c.ID = uuid.NewString()
	c.CreatedAt = time.Time{}
	if c.Owner == "" {
		c.Owner = actorFrom(r.Context())
	}

	if err := s.store.SaveContainer(r.Context(), &c); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}

// handleDeleteContainer handles DELETE /api/v1/containers/{id}. Everything
// the container owns is deleted with it.
func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteContainer(r.Context(), id); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.logger.Info("container deleted", "container_id", id, "actor", actorFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleSaveDatalab handles POST /api/v1/datalabs. A body without an id
// creates a new datalab.
func (s *Server) handleSaveDatalab(w http.ResponseWriter, r *http.Request) {
	var d dataset.Datalab
	if !s.decode(w, r, &d) {
		return
	}
	if err := d.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	if err := s.store.SaveDatalab(r.Context(), &d); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleGetDatalab handles GET /api/v1/datalabs/{id}
func (s *Server) handleGetDatalab(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDatalab(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleDatalabData handles GET /api/v1/datalabs/{id}/data
func (s *Server) handleDatalabData(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDatalab(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d.FilteredData())
}

// handleDatalabFilter handles PUT /api/v1/datalabs/{id}/filter: stores the
// parameter filter and returns the data it selects
func (s *Server) handleDatalabFilter(w http.ResponseWriter, r *http.Request) {
	var pf rules.ParameterFilter
	if !s.decode(w, r, &pf) {
		return
	}

	d, err := s.store.GetDatalab(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	d.Filter = &pf
	if pf.Empty() {
		d.Filter = nil
	}
	if err := s.store.SaveDatalab(r.Context(), d); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d.FilteredData())
}
