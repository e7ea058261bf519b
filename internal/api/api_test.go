package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeops/buildwatch/internal/config"
	"github.com/safeops/buildwatch/internal/model"
	"github.com/safeops/buildwatch/internal/queue"
	"github.com/safeops/buildwatch/internal/storage"
)

type stubStore struct {
	inserted []*model.AnomalyResult
	results  []*storage.ResultRow
	history  []map[string]float64
	lastOnly bool
}

func (s *stubStore) InsertResult(ctx context.Context, r *model.AnomalyResult, raw map[string]float64) (int64, error) {
	s.inserted = append(s.inserted, r)
	return int64(len(s.inserted)), nil
}

func (s *stubStore) RecentResults(ctx context.Context, limit int, anomaliesOnly bool) ([]*storage.ResultRow, error) {
	s.lastOnly = anomaliesOnly
	if limit < len(s.results) {
		return s.results[:limit], nil
	}
	return s.results, nil
}

func (s *stubStore) LatestByBuildID(ctx context.Context, buildID string) (*storage.ResultRow, error) {
	for _, r := range s.results {
		if r.BuildID == buildID {
			return r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *stubStore) Stats(ctx context.Context, hours int) (storage.WindowStats, error) {
	return storage.WindowStats{PeriodHours: hours, TotalBuilds: int64(len(s.results))}, nil
}

func (s *stubStore) TimeSeries(ctx context.Context, interval string, hours int) ([]storage.TimeBucket, error) {
	if !strings.Contains(interval, " ") {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}
	return []storage.TimeBucket{}, nil
}

func (s *stubStore) NormalHistory(ctx context.Context, hours int) ([]map[string]float64, error) {
	return s.history, nil
}

type stubQueue struct {
	info    queue.Info
	pending [][]byte
}

func (q *stubQueue) QueueInfo(queueName string) (queue.Info, error) {
	return q.info, nil
}

func (q *stubQueue) Get(ctx context.Context, queueName string, handler queue.HandlerFunc) (bool, error) {
	if len(q.pending) == 0 {
		return false, nil
	}
	body := q.pending[0]
	q.pending = q.pending[1:]
	_ = handler(ctx, body)
	return true, nil
}

type stubDetector struct {
	processed int64
	anomalies int64
}

func (d *stubDetector) Processed() int64 { return d.processed }
func (d *stubDetector) Anomalies() int64 { return d.anomalies }
func (d *stubDetector) Handle(ctx context.Context, body []byte) error {
	d.processed++
	return nil
}

func trainingMatrix() [][]float64 {
	var x [][]float64
	for i := 0; i < 200; i++ {
		f := float64(i % 9)
		x = append(x, []float64{
			100 + f, 500 + 10*f, 80 + f, 2 + f, 5 + f, 8,
			40 + f, 4.5 + 0.1*f, 0, 0, 0, 0,
		})
	}
	return x
}

func trainedModel(t *testing.T) *model.Model {
	t.Helper()
	m := model.New(model.DefaultOptions())
	_, err := m.Train(trainingMatrix())
	require.NoError(t, err)
	return m
}

func testServer(t *testing.T, m *model.Model, store *stubStore, q *stubQueue, d *stubDetector) *Server {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.ModelPath = filepath.Join(dir, "isolation_forest.json")
	cfg.TrainingDataPath = ""
	var qc QueueClient
	if q != nil {
		qc = q
	}
	var dw DetectorWorker
	if d != nil {
		dw = d
	}
	return New(cfg, m, store, qc, dw, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["model_loaded"])
	assert.Equal(t, "1.0.0", body["version"])
}

func TestStatusIncludesCounters(t *testing.T) {
	d := &stubDetector{processed: 12, anomalies: 3}
	q := &stubQueue{info: queue.Info{Queue: "features", Messages: 4, Consumers: 1}}
	s := testServer(t, trainedModel(t), &stubStore{}, q, d)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	processing := body["processing"].(map[string]any)
	assert.Equal(t, 12.0, processing["total_processed"])
	assert.Equal(t, 3.0, processing["anomalies_detected"])
	assert.NotNil(t, body["model"])
	assert.NotNil(t, body["queue"])
}

func TestPredictRequiresTrainedModel(t *testing.T) {
	s := testServer(t, model.New(model.DefaultOptions()), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/predict", map[string]any{
		"build_id": "b1",
		"features": map[string]any{"duration_seconds": 100},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictMissingFeatures(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/predict", map[string]any{"build_id": "b1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictSavesByDefault(t *testing.T) {
	store := &stubStore{}
	s := testServer(t, trainedModel(t), store, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/predict", map[string]any{
		"build_id": "build-7",
		"features": map[string]any{
			"duration_seconds": 103, "log_line_count": 530, "char_density": 83,
			"error_count": 3, "warning_count": 6, "step_count": 8,
			"unique_templates": 43, "template_entropy": 4.8,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "build-7", body["build_id"])
	assert.Equal(t, false, body["is_anomaly"])
	require.Len(t, store.inserted, 1)
}

func TestPredictSaveFalse(t *testing.T) {
	store := &stubStore{}
	s := testServer(t, trainedModel(t), store, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/predict", map[string]any{
		"build_id": "build-8",
		"features": map[string]any{"duration_seconds": 103},
		"save":     false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.inserted)
}

func TestPredictSecurityOverride(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/predict", map[string]any{
		"build_id": "build-sus",
		"features": map[string]any{
			"duration_seconds":         103,
			"suspicious_pattern_count": 2,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["is_anomaly"])
}

func TestPredictBatch(t *testing.T) {
	store := &stubStore{}
	s := testServer(t, trainedModel(t), store, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/predict/batch", map[string]any{
		"builds": []map[string]any{
			{"build_id": "b1", "features": map[string]any{"duration_seconds": 103, "log_line_count": 530}},
			{"build_id": "b2", "features": map[string]any{"suspicious_pattern_count": 3}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["total"])
	assert.GreaterOrEqual(t, body["anomalies"], 1.0)
	assert.Len(t, store.inserted, 2)
}

func TestPredictBatchMissingBuilds(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/predict/batch", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResults(t *testing.T) {
	store := &stubStore{results: []*storage.ResultRow{
		{ID: 1, BuildID: "b1"},
		{ID: 2, BuildID: "b2", IsAnomaly: true},
	}}
	s := testServer(t, trainedModel(t), store, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/results?limit=10&anomalies_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.lastOnly)

	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["count"])
}

func TestResultByBuildNotFound(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/results/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultByBuildFound(t *testing.T) {
	store := &stubStore{results: []*storage.ResultRow{{ID: 9, BuildID: "b9", IsAnomaly: true}}}
	s := testServer(t, trainedModel(t), store, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/results/b9", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "b9", body["build_id"])
}

func TestStatsPassesWindow(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/stats?hours=48", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, 48.0, body["period_hours"])
}

func TestTimeSeriesNormalizesInterval(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{}, nil, nil)

	// The compact form is expanded before hitting the store.
	rec := doJSON(t, s.Handler(), http.MethodGet, "/timeseries?hours=24&interval=1h", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNormalizeInterval(t *testing.T) {
	tests := map[string]string{
		"":           "1 hour",
		"1h":         "1 hours",
		"30m":        "30 minutes",
		"2d":         "2 days",
		"1 hour":     "1 hour",
		"15 minutes": "15 minutes",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeInterval(in), in)
	}
}

func writeTrainingCSV(t *testing.T, rows int) string {
	t.Helper()
	header := "label,duration_seconds,log_line_count,char_density,error_count,warning_count,step_count,unique_templates,template_entropy,suspicious_pattern_count,external_ip_count,external_url_count,base64_pattern_count"
	var sb strings.Builder
	sb.WriteString(header + "\n")
	for i := 0; i < rows; i++ {
		f := i % 7
		fmt.Fprintf(&sb, "normal,%d,%d,%d,%d,%d,8,%d,4,0,0,0,0\n",
			100+f, 500+10*f, 80+f, 2+i%3, 5+i%4, 40+f)
	}
	path := filepath.Join(t.TempDir(), "training.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func TestTrainEndpoint(t *testing.T) {
	m := model.New(model.DefaultOptions())
	s := testServer(t, m, &stubStore{}, nil, nil)

	// No path configured and none provided.
	rec := doJSON(t, s.Handler(), http.MethodPost, "/model/train", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Provided path does not exist.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/model/train", map[string]any{
		"csv_path": filepath.Join(t.TempDir(), "nope.csv"),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Successful training persists the model artifact.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/model/train", map[string]any{
		"csv_path": writeTrainingCSV(t, 150),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, m.IsTrained())
	assert.FileExists(t, s.cfg.ModelPath)

	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.NotNil(t, body["training_stats"])
}

func uploadRequest(t *testing.T, csvBody string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "training.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csvBody))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/model/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadValidatesColumns(t *testing.T) {
	s := testServer(t, model.New(model.DefaultOptions()), &stubStore{}, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "duration_seconds,log_line_count\n100,500\n"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	missing := body["missing"].([]any)
	assert.Contains(t, missing, "char_density")
	assert.NotContains(t, missing, "duration_seconds")
}

func TestUploadTrains(t *testing.T) {
	m := model.New(model.DefaultOptions())
	s := testServer(t, m, &stubStore{}, nil, nil)

	data, err := os.ReadFile(writeTrainingCSV(t, 150))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, string(data)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, m.IsTrained())
}

func normalHistory(n int) []map[string]float64 {
	out := make([]map[string]float64, n)
	for i := range out {
		f := float64(i % 7)
		out[i] = map[string]float64{
			"duration_seconds": 100 + f, "log_line_count": 500 + 10*f,
			"char_density": 80 + f, "error_count": 2, "warning_count": 5,
			"step_count": 8, "unique_templates": 40 + f, "template_entropy": 4.5,
		}
	}
	return out
}

func TestRetrainFromNormalGuardrail(t *testing.T) {
	m := trainedModel(t)
	before := m.Stats().NSamples

	store := &stubStore{history: normalHistory(10)}
	s := testServer(t, m, store, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/model/retrain-from-normal", map[string]any{
		"min_samples": 100,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, 10.0, body["samples_found"])
	assert.Equal(t, 100.0, body["min_samples_required"])

	// The model was not retrained.
	assert.Equal(t, before, m.Stats().NSamples)
}

func TestRetrainFromNormalSuccess(t *testing.T) {
	m := trainedModel(t)
	store := &stubStore{history: normalHistory(150)}
	s := testServer(t, m, store, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/model/retrain-from-normal", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, 150.0, body["samples_used"])
	assert.Equal(t, 150, m.Stats().NSamples)
}

func TestBackupRequiresTrainedModel(t *testing.T) {
	s := testServer(t, model.New(model.DefaultOptions()), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/model/backup", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackupAndVersions(t *testing.T) {
	m := trainedModel(t)
	s := testServer(t, m, &stubStore{}, nil, nil)
	require.NoError(t, m.Save(s.cfg.ModelPath))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/model/backup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.DirExists(t, body["backup_path"].(string))

	rec = doJSON(t, s.Handler(), http.MethodGet, "/model/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, 2.0, body["count"])
}

func TestQueueInfo(t *testing.T) {
	q := &stubQueue{info: queue.Info{Queue: "features", Messages: 5, Consumers: 2}}
	d := &stubDetector{processed: 9, anomalies: 1}
	s := testServer(t, trainedModel(t), &stubStore{}, q, d)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/queue/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "features", body["queue"])
	assert.Equal(t, 5.0, body["messages"])
	assert.Equal(t, 9.0, body["total_processed"])
}

func TestQueueInfoUnavailable(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{}, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/queue/info", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueProcessCount(t *testing.T) {
	q := &stubQueue{pending: [][]byte{[]byte("{}"), []byte("{}"), []byte("{}")}}
	d := &stubDetector{}
	s := testServer(t, trainedModel(t), &stubStore{}, q, d)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/queue/process", map[string]any{"count": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["processed"])
	assert.Equal(t, int64(2), d.processed)
	assert.Len(t, q.pending, 1)
}

func TestQueueProcessAll(t *testing.T) {
	q := &stubQueue{pending: [][]byte{[]byte("{}"), []byte("{}")}}
	d := &stubDetector{}
	s := testServer(t, trainedModel(t), &stubStore{}, q, d)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/queue/process", map[string]any{"count": "all"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["processed"])
	assert.Empty(t, q.pending)
}

func TestQueueProcessInvalidCount(t *testing.T) {
	s := testServer(t, trainedModel(t), &stubStore{},
		&stubQueue{}, &stubDetector{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/queue/process", map[string]any{"count": "some"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
