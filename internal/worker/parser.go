// Package worker holds the two pipeline consumers: the parser worker turning
// raw build payloads into feature vectors, and the detector worker scoring
// those vectors against the anomaly model.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/logging"
	"github.com/safeops/buildwatch/internal/logprocessing"
	"github.com/safeops/buildwatch/internal/metrics"
	"github.com/safeops/buildwatch/internal/queue"
)

// recentTemplateLimit bounds the template snapshot stored per build.
const recentTemplateLimit = 50

// Consumer is the queue subscription the workers run on.
type Consumer interface {
	Consume(ctx context.Context, queueName string, handler queue.HandlerFunc) error
}

// Publisher sends feature messages downstream.
type Publisher interface {
	Publish(ctx context.Context, queueName string, v any) error
}

// DocumentStore is the Mongo surface the parser worker needs.
type DocumentStore interface {
	StoreParsedLog(ctx context.Context, rawLogID string, templates, eventIDs []string, feats *features.BuildFeatures) (string, error)
	MarkRawLogProcessed(ctx context.Context, rawLogID string) error
}

// MetricsStore is the Postgres surface the parser worker needs.
type MetricsStore interface {
	InsertBuildMetrics(ctx context.Context, f *features.BuildFeatures) (int64, error)
}

// FeatureMessage is the payload published to the features queue.
type FeatureMessage struct {
	Meta          FeatureMeta             `json:"_meta"`
	Features      *features.BuildFeatures `json:"features"`
	FeatureVector []float64               `json:"feature_vector"`
	FeatureNames  []string                `json:"feature_names"`
}

// FeatureMeta carries pipeline bookkeeping alongside the features.
type FeatureMeta struct {
	RequestID   string `json:"request_id"`
	MongoID     string `json:"mongo_id,omitempty"`
	Source      string `json:"source"`
	ProcessedAt string `json:"processed_at"`
}

// Parser consumes raw build payloads, mines their logs, and publishes
// feature vectors.
type Parser struct {
	consumer     Consumer
	pub          Publisher
	docs         DocumentStore
	tsdb         MetricsStore
	extractor    *features.Extractor
	miner        *logprocessing.Miner
	inputQueue   string
	outputQueue  string
	met          *metrics.Metrics
	logger       *logging.Logger
	processed    atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewParser wires a parser worker. The miner must be the same instance the
// extractor mines into, since the stored template snapshot comes from it.
func NewParser(consumer Consumer, pub Publisher, docs DocumentStore, tsdb MetricsStore,
	extractor *features.Extractor, miner *logprocessing.Miner,
	inputQueue, outputQueue string, met *metrics.Metrics) *Parser {
	return &Parser{
		consumer:    consumer,
		pub:         pub,
		docs:        docs,
		tsdb:        tsdb,
		extractor:   extractor,
		miner:       miner,
		inputQueue:  inputQueue,
		outputQueue: outputQueue,
		met:         met,
		logger:      logging.GetLogger("worker.parser"),
	}
}

func (p *Parser) Name() string { return "parser-worker" }

// Start launches the consume loop in the background.
func (p *Parser) Start(ctx context.Context) error {
	if p.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := p.consumer.Consume(runCtx, p.inputQueue, p.Handle); err != nil {
			p.logger.ErrorWithErr("consume loop exited", err)
		}
	}()

	p.logger.InfoWithFields("parser worker started", logging.Field("queue", p.inputQueue))
	return nil
}

// Stop cancels the consume loop and waits for the in-flight message.
func (p *Parser) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		p.logger.Info("parser worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processed returns the number of successfully handled builds.
func (p *Parser) Processed() int64 { return p.processed.Load() }

// Handle processes one raw build payload.
func (p *Parser) Handle(ctx context.Context, body []byte) error {
	start := time.Now()

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		p.met.MessagesTotal.WithLabelValues("malformed").Inc()
		return queue.Malformed(fmt.Errorf("decoding payload: %w", err))
	}

	requestID, mongoID := payloadMeta(payload)
	ctx = logging.WithRequestID(ctx, requestID)
	p.logger.InfoWithFields("processing build", logging.Field("request_id", requestID))

	feats := p.extractor.Extract(payload)

	templates, eventIDs := p.recentTemplates()
	if _, err := p.docs.StoreParsedLog(ctx, mongoID, templates, eventIDs, feats); err != nil {
		p.met.MessagesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("storing parsed log: %w", err)
	}
	if mongoID != "" {
		if err := p.docs.MarkRawLogProcessed(ctx, mongoID); err != nil {
			p.met.MessagesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("marking raw log processed: %w", err)
		}
	}

	if _, err := p.tsdb.InsertBuildMetrics(ctx, feats); err != nil {
		p.met.MessagesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("storing build metrics: %w", err)
	}

	msg := FeatureMessage{
		Meta: FeatureMeta{
			RequestID:   requestID,
			MongoID:     mongoID,
			Source:      "log-parser",
			ProcessedAt: feats.ProcessedAt,
		},
		Features:      feats,
		FeatureVector: feats.Vector(),
		FeatureNames:  features.Names(),
	}
	if err := p.pub.Publish(ctx, p.outputQueue, msg); err != nil {
		p.met.MessagesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing features: %w", err)
	}

	p.processed.Add(1)
	p.met.MessagesTotal.WithLabelValues("ok").Inc()
	p.met.ProcessingDuration.Observe(time.Since(start).Seconds())

	p.logger.InfoWithFields("build processed",
		logging.Field("build_id", feats.BuildID),
		logging.Field("lines", feats.LogLineCount),
		logging.Field("templates", feats.UniqueTemplates),
		logging.Field("suspicious", feats.SuspiciousPatternCount),
		logging.Field("elapsed", time.Since(start).String()),
	)
	return nil
}

// recentTemplates snapshots the newest mined templates and their IDs.
func (p *Parser) recentTemplates() (templates, eventIDs []string) {
	all := p.miner.Templates()
	if len(all) > recentTemplateLimit {
		all = all[len(all)-recentTemplateLimit:]
	}
	templates = make([]string, len(all))
	eventIDs = make([]string, len(all))
	for i, t := range all {
		templates[i] = t.Template
		eventIDs[i] = t.TemplateID
	}
	return templates, eventIDs
}

// payloadMeta pulls the request and document IDs from the payload envelope.
func payloadMeta(payload map[string]any) (requestID, mongoID string) {
	requestID = "unknown"
	meta, ok := payload["_meta"].(map[string]any)
	if !ok {
		return requestID, ""
	}
	if v, ok := meta["request_id"].(string); ok && v != "" {
		requestID = v
	}
	if v, ok := meta["mongo_id"].(string); ok {
		mongoID = v
	}
	return requestID, mongoID
}
