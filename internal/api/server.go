// Package api serves the detector's HTTP surface: model management,
// on-demand prediction, result queries, and queue inspection.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safeops/buildwatch/internal/config"
	"github.com/safeops/buildwatch/internal/logging"
	"github.com/safeops/buildwatch/internal/model"
	"github.com/safeops/buildwatch/internal/queue"
	"github.com/safeops/buildwatch/internal/storage"
)

// Store is the result-store surface the API reads and writes.
type Store interface {
	InsertResult(ctx context.Context, r *model.AnomalyResult, rawFeatures map[string]float64) (int64, error)
	RecentResults(ctx context.Context, limit int, anomaliesOnly bool) ([]*storage.ResultRow, error)
	LatestByBuildID(ctx context.Context, buildID string) (*storage.ResultRow, error)
	Stats(ctx context.Context, hours int) (storage.WindowStats, error)
	TimeSeries(ctx context.Context, interval string, hours int) ([]storage.TimeBucket, error)
	NormalHistory(ctx context.Context, hours int) ([]map[string]float64, error)
}

// QueueClient is the broker surface behind the queue endpoints.
type QueueClient interface {
	QueueInfo(queueName string) (queue.Info, error)
	Get(ctx context.Context, queueName string, handler queue.HandlerFunc) (bool, error)
}

// DetectorWorker exposes the detector's counters and message handler for
// on-demand processing.
type DetectorWorker interface {
	Processed() int64
	Anomalies() int64
	Handle(ctx context.Context, body []byte) error
}

// Server handles the detector's HTTP API requests.
type Server struct {
	cfg      *config.Config
	model    *model.Model
	store    Store
	queue    QueueClient
	detector DetectorWorker
	registry *prometheus.Registry

	server *http.Server
	logger *logging.Logger
}

// New creates the API server. queue and detector may be nil in API-only
// deployments; the queue endpoints then report unavailability.
func New(cfg *config.Config, m *model.Model, store Store, qc QueueClient, detector DetectorWorker, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		model:    m,
		store:    store,
		queue:    qc,
		detector: detector,
		registry: registry,
		logger:   logging.GetLogger("api"),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/model", func(r chi.Router) {
		r.Get("/info", s.handleModelInfo)
		r.Post("/train", s.handleTrain)
		r.Post("/upload", s.handleUpload)
		r.Post("/retrain-from-normal", s.handleRetrainFromNormal)
		r.Get("/versions", s.handleVersions)
		r.Post("/backup", s.handleBackup)
	})

	r.Post("/predict", s.handlePredict)
	r.Post("/predict/batch", s.handlePredictBatch)

	r.Get("/results", s.handleResults)
	r.Get("/results/{buildID}", s.handleResultByBuild)
	r.Get("/stats", s.handleStats)
	r.Get("/timeseries", s.handleTimeSeries)

	r.Get("/queue/info", s.handleQueueInfo)
	r.Post("/queue/process", s.handleQueueProcess)

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return r
}

// requestLogger tags each request with an ID and logs method, path, status,
// and latency.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		ctx := logging.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.InfoWithFields("request",
			logging.Field("request_id", requestID),
			logging.Field("method", r.Method),
			logging.Field("path", r.URL.Path),
			logging.Field("status", ww.status),
			logging.Field("elapsed", time.Since(start).String()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Start implements lifecycle.Component and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.ErrorWithErr("http server error", err)
		}
	}()

	s.logger.InfoWithFields("api server listening", logging.Field("addr", s.server.Addr))
	return nil
}

// Stop implements lifecycle.Component with a graceful shutdown.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s.server.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		s.logger.Info("api server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements lifecycle.Component.
func (s *Server) Name() string { return "api-server" }

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router() }
