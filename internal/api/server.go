package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/config"
	"github.com/vnihit/ontask2-UNSW/internal/dataset"
	"github.com/vnihit/ontask2-UNSW/internal/dispatch"
	"github.com/vnihit/ontask2-UNSW/internal/metrics"
	"github.com/vnihit/ontask2-UNSW/internal/storage"
)

// Store is the persistence the API serves
type Store interface {
	SaveContainer(ctx context.Context, c *dataset.Container) error
	GetContainer(ctx context.Context, id string) (*dataset.Container, error)
	ListContainers(ctx context.Context) ([]*dataset.Container, error)
	DeleteContainer(ctx context.Context, id string) error

	SaveDatalab(ctx context.Context, d *dataset.Datalab) error
	GetDatalab(ctx context.Context, id string) (*dataset.Datalab, error)
	DatalabFields(ctx context.Context, datalabID string) (map[string]string, error)

	SaveCampaign(ctx context.Context, c *campaign.Campaign) error
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	ListCampaigns(ctx context.Context, containerID string) ([]*campaign.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	SetSchedule(ctx context.Context, campaignID string, schedule *campaign.Schedule) error

	GetJob(ctx context.Context, campaignID, jobID string) (*campaign.EmailJob, error)
	ListJobs(ctx context.Context, campaignID string) ([]*campaign.EmailJob, error)

	RecordAudit(ctx context.Context, e storage.AuditEntry) error
	ListAudit(ctx context.Context, campaignID string, limit int) ([]storage.AuditEntry, error)
}

// Runner previews and dispatches campaigns
type Runner interface {
	Preview(ctx context.Context, campaignID string, raw any) (*dispatch.Preview, error)
	RunManual(ctx context.Context, campaignID string, settings campaign.EmailSettings) (*campaign.EmailJob, error)
}

// Server is the HTTP API server
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	store       Store
	runner      Runner
	pixel       http.Handler
	metrics     http.Handler
	metricsPath string
	config      *config.APIConfig
	logger      *slog.Logger
	startTime   time.Time
}

// NewServer creates a new API server. pixel serves tracking hits; metricsHandler
// may be nil when metrics are disabled.
func NewServer(store Store, runner Runner, pixel http.Handler, metricsHandler http.Handler, metricsPath string, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		store:       store,
		runner:      runner,
		pixel:       pixel,
		metrics:     metricsHandler,
		metricsPath: metricsPath,
		config:      cfg,
		logger:      logger.With("component", "api"),
		startTime:   time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// No auth: health, tracking pixel, metrics
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/action/read_receipt/", s.pixel)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, s.metricsPath, s.metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.bodyLimitMiddleware)

		r.Get("/containers", s.handleListContainers)
		r.Post("/containers", s.handleCreateContainer)
		r.Delete("/containers/{id}", s.handleDeleteContainer)

		r.Post("/datalabs", s.handleSaveDatalab)
		r.Get("/datalabs/{id}", s.handleGetDatalab)
		r.Get("/datalabs/{id}/data", s.handleDatalabData)
		r.Put("/datalabs/{id}/filter", s.handleDatalabFilter)

		r.Get("/campaigns", s.handleListCampaigns)
		r.Post("/campaigns", s.handleCreateCampaign)
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetCampaign)
			r.Put("/", s.handleUpdateCampaign)
			r.Delete("/", s.handleDeleteCampaign)
			r.Post("/clone", s.handleCloneCampaign)
			r.Post("/preview", s.handlePreview)
			r.Post("/send", s.handleSend)
			r.Patch("/schedule", s.handleUpdateSchedule)
			r.Delete("/schedule", s.handleDeleteSchedule)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Get("/audit", s.handleAudit)
		})
	})
}

// Handler returns the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
