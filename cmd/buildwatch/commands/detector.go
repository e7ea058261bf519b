package commands

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/safeops/buildwatch/internal/api"
	"github.com/safeops/buildwatch/internal/config"
	"github.com/safeops/buildwatch/internal/lifecycle"
	"github.com/safeops/buildwatch/internal/logging"
	"github.com/safeops/buildwatch/internal/metrics"
	"github.com/safeops/buildwatch/internal/model"
	"github.com/safeops/buildwatch/internal/queue"
	"github.com/safeops/buildwatch/internal/storage"
	"github.com/safeops/buildwatch/internal/worker"
)

var detectorAPIOnly bool

var detectorCmd = &cobra.Command{
	Use:   "detector",
	Short: "Start the anomaly detector worker and API",
	Long: `Start the detector, which scores feature vectors with an isolation
forest, stores results in the timeseries database, and serves the HTTP API
for model management and result queries.`,
	Run: runDetector,
}

func init() {
	detectorCmd.Flags().BoolVar(&detectorAPIOnly, "api-only", false,
		"Serve the HTTP API without consuming from the features queue")
}

func runDetector(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger := logging.GetLogger("detector")
	logger.Info("Starting BuildWatch detector v%s", Version)

	m := model.New(model.Options{
		NEstimators:   cfg.NEstimators,
		Contamination: cfg.Contamination,
		RandomState:   cfg.RandomState,
	})

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelConnect()

	tsdb, err := storage.NewTimeseriesStore(connectCtx, cfg.PostgresDSN())
	HandleError(err, "PostgreSQL connection error")

	registry := prometheus.NewRegistry()
	met := metrics.New(registry, "detector")

	var qc *queue.Client
	var det *worker.Detector
	if !detectorAPIOnly {
		qc = queue.New(cfg.RabbitMQURL, cfg.FeaturesQueue)
		HandleError(qc.Connect(), "Broker connection error")
		det = worker.NewDetector(qc, tsdb, m,
			cfg.ModelPath, cfg.TrainingDataPath, cfg.FeaturesQueue, met)

		// Startup proceeds without a model. Queued messages requeue and the
		// API serves 503s until training succeeds.
		if err := det.EnsureModel(); err != nil {
			logger.ErrorWithErr("model not ready at startup", err)
		}
	} else if err := m.Load(cfg.ModelPath); err != nil {
		logger.ErrorWithErr("no saved model, predictions unavailable until trained", err)
	}

	manager := lifecycle.NewManager()
	apiServer := newAPIServer(cfg, m, tsdb, qc, det, registry)
	if det != nil {
		HandleError(manager.Register(det), "Component registration error")
		HandleError(manager.Register(apiServer, det), "Component registration error")
	} else {
		HandleError(manager.Register(apiServer), "Component registration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	HandleError(manager.Start(ctx), "Startup error")
	logger.Info("Detector running")

	waitForShutdown(logger, manager, cancel)

	tsdb.Close()
	if qc != nil {
		if err := qc.Close(); err != nil {
			logger.ErrorWithErr("closing broker connection", err)
		}
	}
	logger.Info("Shutdown complete")
}

// newAPIServer wraps the concrete dependencies without handing the API typed
// nil interfaces in api-only mode.
func newAPIServer(cfg *config.Config, m *model.Model, tsdb *storage.TimeseriesStore,
	qc *queue.Client, det *worker.Detector, registry *prometheus.Registry) *api.Server {
	var queueClient api.QueueClient
	if qc != nil {
		queueClient = qc
	}
	var detector api.DetectorWorker
	if det != nil {
		detector = det
	}
	return api.New(cfg, m, tsdb, queueClient, detector, registry)
}
