package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/safeops/buildwatch/internal/config"
	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/lifecycle"
	"github.com/safeops/buildwatch/internal/logging"
	"github.com/safeops/buildwatch/internal/logprocessing"
	"github.com/safeops/buildwatch/internal/metrics"
	"github.com/safeops/buildwatch/internal/queue"
	"github.com/safeops/buildwatch/internal/storage"
	"github.com/safeops/buildwatch/internal/worker"
)

var parserMetricsPort int

var parserCmd = &cobra.Command{
	Use:   "parser",
	Short: "Start the log parser worker",
	Long: `Start the parser worker, which consumes raw build payloads, mines log
templates, extracts feature vectors, and publishes them downstream.`,
	Run: runParser,
}

func init() {
	parserCmd.Flags().IntVar(&parserMetricsPort, "metrics-port", 9090,
		"Port serving Prometheus metrics, 0 to disable")
}

func runParser(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger := logging.GetLogger("parser")
	logger.Info("Starting BuildWatch parser v%s", Version)

	miner := logprocessing.NewMiner(logprocessing.Config{
		Depth:       cfg.DrainDepth,
		SimTh:       cfg.DrainSimTh,
		MaxChildren: cfg.DrainMaxChildren,
	})
	extractor := features.NewExtractor(miner, cfg.Base64BroadMatch)

	qc := queue.New(cfg.RabbitMQURL, cfg.InputQueue, cfg.FeaturesQueue)
	HandleError(qc.Connect(), "Broker connection error")

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelConnect()

	docs, err := storage.NewDocumentStore(connectCtx, cfg.MongoURI)
	HandleError(err, "MongoDB connection error")

	tsdb, err := storage.NewTimeseriesStore(connectCtx, cfg.PostgresDSN())
	HandleError(err, "PostgreSQL connection error")

	registry := prometheus.NewRegistry()
	met := metrics.New(registry, "parser")
	serveMetrics(parserMetricsPort, registry, logger)

	parserWorker := worker.NewParser(qc, qc, docs, tsdb, extractor, miner,
		cfg.InputQueue, cfg.FeaturesQueue, met)

	manager := lifecycle.NewManager()
	HandleError(manager.Register(parserWorker), "Component registration error")

	ctx, cancel := context.WithCancel(context.Background())
	HandleError(manager.Start(ctx), "Startup error")
	logger.Info("Parser worker running")

	waitForShutdown(logger, manager, cancel)

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelClose()
	if err := docs.Close(closeCtx); err != nil {
		logger.ErrorWithErr("closing mongodb", err)
	}
	tsdb.Close()
	if err := qc.Close(); err != nil {
		logger.ErrorWithErr("closing broker connection", err)
	}
	logger.Info("Shutdown complete")
}

// loadConfig loads the configuration and initializes logging. The --log-level
// flags take priority over the LOG_LEVEL setting.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	HandleError(err, "Configuration error")
	HandleError(cfg.Validate(), "Invalid configuration")

	flags := logLevelFlags
	if len(flags) == 1 && flags[0] == "info" && cfg.LogLevel != "" {
		flags = []string{cfg.LogLevel}
	}
	HandleError(setupLog(flags), "Failed to setup logging")
	return cfg
}

// serveMetrics exposes the registry on its own listener, since the parser has
// no API server of its own.
func serveMetrics(port int, registry *prometheus.Registry, logger *logging.Logger) {
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		addr := fmt.Sprintf(":%d", port)
		logger.Info("Metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.ErrorWithErr("metrics server failed", err)
		}
	}()
}

// waitForShutdown blocks until SIGINT/SIGTERM, then stops all components.
func waitForShutdown(logger *logging.Logger, manager *lifecycle.Manager, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, gracefully shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.ErrorWithErr("error during shutdown", err)
	}
}
