package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/logging"
	"github.com/safeops/buildwatch/internal/metrics"
	"github.com/safeops/buildwatch/internal/model"
	"github.com/safeops/buildwatch/internal/queue"
)

// ResultStore is the Postgres surface the detector worker needs.
type ResultStore interface {
	InsertResult(ctx context.Context, r *model.AnomalyResult, rawFeatures map[string]float64) (int64, error)
}

// Detector consumes feature vectors and scores them against the model.
type Detector struct {
	consumer      Consumer
	store         ResultStore
	model         *model.Model
	modelPath     string
	trainingPath  string
	featuresQueue string
	met           *metrics.Metrics
	logger        *logging.Logger

	processed atomic.Int64
	anomalies atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDetector wires a detector worker around a shared model instance.
func NewDetector(consumer Consumer, store ResultStore, m *model.Model,
	modelPath, trainingPath, featuresQueue string, met *metrics.Metrics) *Detector {
	return &Detector{
		consumer:      consumer,
		store:         store,
		model:         m,
		modelPath:     modelPath,
		trainingPath:  trainingPath,
		featuresQueue: featuresQueue,
		met:           met,
		logger:        logging.GetLogger("worker.detector"),
	}
}

func (d *Detector) Name() string { return "detector-worker" }

// Start launches the consume loop in the background.
func (d *Detector) Start(ctx context.Context) error {
	if d.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		if err := d.consumer.Consume(runCtx, d.featuresQueue, d.Handle); err != nil {
			d.logger.ErrorWithErr("consume loop exited", err)
		}
	}()

	d.logger.InfoWithFields("detector worker started", logging.Field("queue", d.featuresQueue))
	return nil
}

// Stop cancels the consume loop and waits for the in-flight message.
func (d *Detector) Stop(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
		d.logger.Info("detector worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processed returns the number of scored builds.
func (d *Detector) Processed() int64 { return d.processed.Load() }

// Anomalies returns the number of builds flagged anomalous.
func (d *Detector) Anomalies() int64 { return d.anomalies.Load() }

// EnsureModel makes the shared model usable: load from disk if an artifact
// exists, otherwise train from the bundled CSV.
func (d *Detector) EnsureModel() error {
	if d.model.IsTrained() {
		return nil
	}
	if err := d.model.Load(d.modelPath); err == nil {
		d.logger.Info("model loaded from disk")
		return nil
	}
	d.logger.InfoWithFields("no saved model, training from CSV",
		logging.Field("path", d.trainingPath),
	)
	if _, err := d.model.TrainFromCSV(d.trainingPath); err != nil {
		return fmt.Errorf("bootstrap training: %w", err)
	}
	if err := d.model.Save(d.modelPath); err != nil {
		d.logger.ErrorWithErr("saving bootstrapped model", err)
	}
	return nil
}

// Handle scores one feature message.
func (d *Detector) Handle(ctx context.Context, body []byte) error {
	start := time.Now()

	feats, err := decodeFeatureMessage(body)
	if err != nil {
		d.met.MessagesTotal.WithLabelValues("malformed").Inc()
		return queue.Malformed(err)
	}

	d.logger.InfoWithFields("scoring build", logging.Field("build_id", feats.BuildID))

	// A missing model is transient: the message waits on the queue until
	// training succeeds.
	if err := d.EnsureModel(); err != nil {
		d.met.MessagesTotal.WithLabelValues("error").Inc()
		return err
	}

	result, err := d.model.Predict(feats)
	if err != nil {
		d.met.MessagesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("predicting: %w", err)
	}

	raw := make(map[string]float64, features.NumFeatures)
	vec := feats.Vector()
	for i, name := range features.Names() {
		raw[name] = vec[i]
	}
	if _, err := d.store.InsertResult(ctx, result, raw); err != nil {
		d.met.MessagesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("storing result: %w", err)
	}

	d.processed.Add(1)
	d.met.MessagesTotal.WithLabelValues("ok").Inc()
	d.met.ProcessingDuration.Observe(time.Since(start).Seconds())
	if result.IsAnomaly {
		d.anomalies.Add(1)
		d.met.AnomaliesTotal.Inc()
	}

	status := "normal"
	if result.IsAnomaly {
		status = "anomaly"
	}
	d.logger.InfoWithFields("build scored",
		logging.Field("build_id", result.BuildID),
		logging.Field("status", status),
		logging.Field("score", result.AnomalyScore),
		logging.Field("confidence", result.Confidence),
	)
	return nil
}

// decodeFeatureMessage extracts the feature struct from a features-queue
// message. The build ID falls back to the envelope's request ID.
func decodeFeatureMessage(body []byte) (*features.BuildFeatures, error) {
	var msg struct {
		Meta     FeatureMeta             `json:"_meta"`
		Features *features.BuildFeatures `json:"features"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding feature message: %w", err)
	}
	if msg.Features == nil {
		return nil, fmt.Errorf("feature message has no features object")
	}
	if msg.Features.BuildID == "" {
		if msg.Meta.RequestID != "" {
			msg.Features.BuildID = msg.Meta.RequestID
		} else {
			msg.Features.BuildID = "unknown"
		}
	}
	return msg.Features, nil
}
