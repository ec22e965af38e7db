package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/content"
	"github.com/vnihit/ontask2-UNSW/internal/dispatch"
	"github.com/vnihit/ontask2-UNSW/internal/storage"
)

// Version is reported by /health; set by cmd/ontask at startup
var Version = "dev"

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// decode reads a JSON request body into v
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// sendFailure maps domain errors onto HTTP statuses
func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	var verr *campaign.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrDispatchDisabled):
		s.sendError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrRunInProgress):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNoContent),
		errors.Is(err, dispatch.ErrNoEmailSettings),
		errors.Is(err, dispatch.ErrNoTracker),
		errors.Is(err, content.ErrInvalidTemplate):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
