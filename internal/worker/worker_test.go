package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/logprocessing"
	"github.com/safeops/buildwatch/internal/metrics"
	"github.com/safeops/buildwatch/internal/model"
	"github.com/safeops/buildwatch/internal/queue"
)

type stubPublisher struct {
	queueName string
	published []any
	err       error
}

func (s *stubPublisher) Publish(ctx context.Context, queueName string, v any) error {
	if s.err != nil {
		return s.err
	}
	s.queueName = queueName
	s.published = append(s.published, v)
	return nil
}

type stubDocStore struct {
	stored   int
	marked   []string
	storeErr error
}

func (s *stubDocStore) StoreParsedLog(ctx context.Context, rawLogID string, templates, eventIDs []string, feats *features.BuildFeatures) (string, error) {
	if s.storeErr != nil {
		return "", s.storeErr
	}
	s.stored++
	return "65f000000000000000000001", nil
}

func (s *stubDocStore) MarkRawLogProcessed(ctx context.Context, rawLogID string) error {
	s.marked = append(s.marked, rawLogID)
	return nil
}

type stubMetricsStore struct {
	inserted int
	err      error
}

func (s *stubMetricsStore) InsertBuildMetrics(ctx context.Context, f *features.BuildFeatures) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.inserted++
	return int64(s.inserted), nil
}

type stubResultStore struct {
	results []*model.AnomalyResult
	raw     []map[string]float64
	err     error
}

func (s *stubResultStore) InsertResult(ctx context.Context, r *model.AnomalyResult, rawFeatures map[string]float64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.results = append(s.results, r)
	s.raw = append(s.raw, rawFeatures)
	return int64(len(s.results)), nil
}

func testMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	return metrics.New(prometheus.NewRegistry(), "test")
}

func newTestParser(t *testing.T, pub *stubPublisher, docs *stubDocStore, tsdb *stubMetricsStore) *Parser {
	t.Helper()
	miner := logprocessing.NewMiner(logprocessing.DefaultConfig())
	extractor := features.NewExtractor(miner, false)
	return NewParser(nil, pub, docs, tsdb, extractor, miner, "raw_logs", "features", testMetrics(t))
}

func rawPayload(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"_meta": map[string]any{
			"request_id": "req-1",
			"mongo_id":   "65f000000000000000000099",
		},
		"build_id":  "build-1",
		"repo_name": "acme/widget",
		"raw_logs":  "Starting build\nCompiling module alpha\nCompiling module beta\nBuild finished",
	})
	require.NoError(t, err)
	return body
}

func TestParserHandleSuccess(t *testing.T) {
	pub := &stubPublisher{}
	docs := &stubDocStore{}
	tsdb := &stubMetricsStore{}
	p := newTestParser(t, pub, docs, tsdb)

	require.NoError(t, p.Handle(context.Background(), rawPayload(t)))

	assert.Equal(t, 1, docs.stored)
	assert.Equal(t, []string{"65f000000000000000000099"}, docs.marked)
	assert.Equal(t, 1, tsdb.inserted)
	assert.Equal(t, int64(1), p.Processed())

	require.Len(t, pub.published, 1)
	assert.Equal(t, "features", pub.queueName)

	msg := pub.published[0].(FeatureMessage)
	assert.Equal(t, "req-1", msg.Meta.RequestID)
	assert.Equal(t, "log-parser", msg.Meta.Source)
	assert.Equal(t, "build-1", msg.Features.BuildID)
	assert.Equal(t, features.Names(), msg.FeatureNames)
	assert.Len(t, msg.FeatureVector, features.NumFeatures)
}

func TestParserHandleMalformedJSON(t *testing.T) {
	pub := &stubPublisher{}
	docs := &stubDocStore{}
	p := newTestParser(t, pub, docs, &stubMetricsStore{})

	err := p.Handle(context.Background(), []byte("not json"))
	require.Error(t, err)
	assert.True(t, queue.IsMalformed(err))
	assert.Zero(t, docs.stored)
	assert.Empty(t, pub.published)
}

func TestParserHandleStoreFailureRequeues(t *testing.T) {
	pub := &stubPublisher{}
	docs := &stubDocStore{storeErr: errors.New("mongo down")}
	p := newTestParser(t, pub, docs, &stubMetricsStore{})

	err := p.Handle(context.Background(), rawPayload(t))
	require.Error(t, err)
	assert.False(t, queue.IsMalformed(err))
	assert.Empty(t, pub.published)
	assert.Zero(t, p.Processed())
}

func TestParserHandleWithoutMongoID(t *testing.T) {
	pub := &stubPublisher{}
	docs := &stubDocStore{}
	p := newTestParser(t, pub, docs, &stubMetricsStore{})

	body, err := json.Marshal(map[string]any{
		"build_id": "build-2",
		"raw_logs": "line one\nline two",
	})
	require.NoError(t, err)

	require.NoError(t, p.Handle(context.Background(), body))
	assert.Empty(t, docs.marked)

	msg := pub.published[0].(FeatureMessage)
	assert.Equal(t, "unknown", msg.Meta.RequestID)
	assert.Empty(t, msg.Meta.MongoID)
}

func trainedTestModel(t *testing.T) *model.Model {
	t.Helper()
	var x [][]float64
	for i := 0; i < 200; i++ {
		f := float64(i % 9)
		x = append(x, []float64{
			100 + f, 500 + 10*f, 80 + f, 2 + f, 5 + f, 8,
			40 + f, 4.5 + 0.1*f, 0, 0, 0, 0,
		})
	}
	m := model.New(model.DefaultOptions())
	_, err := m.Train(x)
	require.NoError(t, err)
	return m
}

func featureBody(t *testing.T, feats *features.BuildFeatures, requestID string) []byte {
	t.Helper()
	body, err := json.Marshal(FeatureMessage{
		Meta:          FeatureMeta{RequestID: requestID, Source: "log-parser"},
		Features:      feats,
		FeatureVector: feats.Vector(),
		FeatureNames:  features.Names(),
	})
	require.NoError(t, err)
	return body
}

func TestDetectorHandleSuccess(t *testing.T) {
	store := &stubResultStore{}
	d := NewDetector(nil, store, trainedTestModel(t), "", "", "features", testMetrics(t))

	feats := &features.BuildFeatures{
		BuildID:         "build-1",
		DurationSeconds: 103,
		LogLineCount:    530,
		CharDensity:     83,
		ErrorCount:      3,
		WarningCount:    6,
		StepCount:       8,
		UniqueTemplates: 43,
		TemplateEntropy: 4.8,
	}

	require.NoError(t, d.Handle(context.Background(), featureBody(t, feats, "req-1")))

	require.Len(t, store.results, 1)
	assert.Equal(t, "build-1", store.results[0].BuildID)
	assert.False(t, store.results[0].IsAnomaly)
	assert.Equal(t, 103.0, store.raw[0]["duration_seconds"])
	assert.Equal(t, int64(1), d.Processed())
	assert.Zero(t, d.Anomalies())
}

func TestDetectorHandleAnomalyCounter(t *testing.T) {
	store := &stubResultStore{}
	d := NewDetector(nil, store, trainedTestModel(t), "", "", "features", testMetrics(t))

	feats := &features.BuildFeatures{
		BuildID:                "build-sus",
		DurationSeconds:        103,
		LogLineCount:           530,
		SuspiciousPatternCount: 3,
	}

	require.NoError(t, d.Handle(context.Background(), featureBody(t, feats, "req-2")))
	assert.Equal(t, int64(1), d.Anomalies())
	assert.True(t, store.results[0].IsAnomaly)
}

func TestDetectorHandleMalformed(t *testing.T) {
	d := NewDetector(nil, &stubResultStore{}, trainedTestModel(t), "", "", "features", testMetrics(t))

	err := d.Handle(context.Background(), []byte("{broken"))
	require.Error(t, err)
	assert.True(t, queue.IsMalformed(err))

	// Missing features object is also undeliverable.
	err = d.Handle(context.Background(), []byte(`{"_meta":{"request_id":"r"}}`))
	require.Error(t, err)
	assert.True(t, queue.IsMalformed(err))
}

func TestDetectorHandleStoreFailureRequeues(t *testing.T) {
	store := &stubResultStore{err: errors.New("postgres down")}
	d := NewDetector(nil, store, trainedTestModel(t), "", "", "features", testMetrics(t))

	err := d.Handle(context.Background(), featureBody(t, &features.BuildFeatures{BuildID: "b"}, "r"))
	require.Error(t, err)
	assert.False(t, queue.IsMalformed(err))
	assert.Zero(t, d.Processed())
}

func TestDetectorHandleUntrainedModelRequeues(t *testing.T) {
	dir := t.TempDir()
	d := NewDetector(nil, &stubResultStore{},
		model.New(model.DefaultOptions()),
		filepath.Join(dir, "model.json"),
		filepath.Join(dir, "missing.csv"),
		"features", testMetrics(t))

	err := d.Handle(context.Background(), featureBody(t, &features.BuildFeatures{BuildID: "b"}, "r"))
	require.Error(t, err)
	assert.False(t, queue.IsMalformed(err))
}

func TestDecodeFeatureMessageBuildIDFallback(t *testing.T) {
	body := []byte(`{"_meta":{"request_id":"req-9"},"features":{"duration_seconds":10}}`)

	feats, err := decodeFeatureMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "req-9", feats.BuildID)

	feats, err = decodeFeatureMessage([]byte(`{"features":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "unknown", feats.BuildID)
}
