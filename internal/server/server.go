// Package server exposes the REST API and the task progress WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
	"github.com/coolbix/quantgate/internal/services/ingest"
	"github.com/coolbix/quantgate/internal/services/orchestrator"
	"github.com/coolbix/quantgate/internal/taskqueue"
)

// Orchestrator is the analysis dispatch surface the handlers serve.
type Orchestrator interface {
	CreateTask(ctx context.Context, userID string, req *models.AnalysisRequest) (*models.AnalysisTask, error)
	CreateBatch(ctx context.Context, userID string, req *models.BatchAnalysisRequest) (string, []orchestrator.BatchItem, error)
	Status(ctx context.Context, taskID string) (*models.AnalysisTask, error)
	Result(ctx context.Context, taskID string) (*models.AnalysisReport, error)
	Cancel(ctx context.Context, taskID string) error
	Delete(ctx context.Context, taskID string) error
	Stats(ctx context.Context) (*taskqueue.Stats, error)
}

// SyncRunner is the multi-source ingestion surface.
type SyncRunner interface {
	MultiSourceSync(ctx context.Context, force bool, preferred ...string) (*models.SyncStatus, error)
	TestSources(ctx context.Context) []ingest.SourceTestResult
}

// TaskSocket upgrades task progress WebSocket connections.
type TaskSocket interface {
	ServeTask(w http.ResponseWriter, r *http.Request, taskID string)
}

// Deps carries the composed services the server fronts. Redis may be
// nil, which disables rate limiting and quota.
type Deps struct {
	Config        *common.Config
	Logger        *common.Logger
	Orchestrator  Orchestrator
	Sync          SyncRunner
	SyncStatus    interfaces.SyncStatusStore
	Valuation     interfaces.ValuationService
	Notifications interfaces.NotificationService
	Socket        TaskSocket
	Redis         *redis.Client
}

// Server wraps the HTTP server and the handler dependencies.
type Server struct {
	deps    Deps
	server  *http.Server
	logger  *common.Logger
	limiter *RateLimiter
}

// NewServer creates the HTTP REST API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = common.NewSilentLogger()
	}
	tz, err := time.LoadLocation(deps.Config.Timezone)
	if err != nil {
		deps.Logger.Warn().Err(err).Str("timezone", deps.Config.Timezone).Msg("Unknown timezone, quota days use Asia/Shanghai")
		tz = time.FixedZone("CST", 8*3600)
	}
	s := &Server{
		deps:    deps,
		logger:  deps.Logger,
		limiter: NewRateLimiter(deps.Redis, &deps.Config.RateLimits, deps.Logger, WithQuotaLocation(tz)),
	}

	router := chi.NewRouter()
	router.Use(recoveryMiddleware(s.logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "X-Correlation-ID", "X-User-ID"},
		MaxAge:         300,
	}))
	router.Use(correlationIDMiddleware)
	router.Use(loggingMiddleware(s.logger))
	s.registerRoutes(router)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes(router chi.Router) {
	router.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/version", s.handleVersion)

		api.Route("/analysis", func(analysis chi.Router) {
			analysis.With(s.limiter.Limit("/analysis/single"), s.limiter.Quota).
				Post("/single", s.handleAnalysisSingle)
			analysis.With(s.limiter.Limit("/analysis/batch"), s.limiter.Quota).
				Post("/batch", s.handleAnalysisBatch)
			analysis.Get("/tasks/{taskID}/status", s.handleTaskStatus)
			analysis.Get("/tasks/{taskID}/result", s.handleTaskResult)
			analysis.Post("/tasks/{taskID}/cancel", s.handleTaskCancel)
			analysis.Delete("/tasks/{taskID}", s.handleTaskDelete)
		})

		api.Route("/sync/multi-source", func(sync chi.Router) {
			sync.Post("/stock_basics/run", s.handleSyncRun)
			sync.Get("/status", s.handleSyncStatus)
			sync.Post("/test-sources", s.handleTestSources)
		})

		api.Get("/stocks/{code}/valuation", s.handleValuation)
		api.Get("/notifications", s.handleNotifications)
	})

	router.Get("/ws/task/{taskID}", s.handleTaskSocket)
}
