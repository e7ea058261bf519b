package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/logging"
	"github.com/safeops/buildwatch/internal/model"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("not found")

// TimeseriesStore persists build metrics and anomaly results in
// Postgres/TimescaleDB.
type TimeseriesStore struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewTimeseriesStore connects to Postgres, verifies the connection, and
// bootstraps the schema.
func NewTimeseriesStore(ctx context.Context, dsn string) (*TimeseriesStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &TimeseriesStore{
		pool:   pool,
		logger: logging.GetLogger("storage.postgres"),
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info("postgres connected")
	return s, nil
}

// ensureSchema creates the tables and indexes. The hypertable conversion is
// attempted but tolerated to fail so the store also works on plain Postgres.
func (s *TimeseriesStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS build_metrics (
			id SERIAL PRIMARY KEY,
			build_id VARCHAR(255) NOT NULL,
			repo_name VARCHAR(255),
			branch VARCHAR(255),
			commit_sha VARCHAR(255),
			duration_seconds DOUBLE PRECISION,
			log_line_count INTEGER,
			char_density DOUBLE PRECISION,
			error_count INTEGER,
			warning_count INTEGER,
			event_distribution JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS anomaly_results (
			id SERIAL,
			build_id VARCHAR(255) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_anomaly BOOLEAN NOT NULL,
			anomaly_score DOUBLE PRECISION NOT NULL,
			prediction INTEGER NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.0,
			anomaly_reasons JSONB,
			top_features JSONB,
			model_version VARCHAR(50),
			raw_features JSONB,
			PRIMARY KEY (id, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomaly_results_build_id
			ON anomaly_results (build_id)`,
		`CREATE INDEX IF NOT EXISTS idx_anomaly_results_is_anomaly
			ON anomaly_results (is_anomaly) WHERE is_anomaly = TRUE`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`SELECT create_hypertable('anomaly_results', 'timestamp', if_not_exists => TRUE)`)
	if err != nil {
		s.logger.WarnWithFields("hypertable conversion skipped",
			logging.Field("error", err.Error()),
		)
	}

	s.logger.Info("database schema initialized")
	return nil
}

// InsertBuildMetrics writes one build_metrics row and returns its ID. The
// template and security counters land in the event_distribution document.
func (s *TimeseriesStore) InsertBuildMetrics(ctx context.Context, f *features.BuildFeatures) (int64, error) {
	dist, err := json.Marshal(map[string]any{
		"unique_templates":    f.UniqueTemplates,
		"template_entropy":    f.TemplateEntropy,
		"suspicious_patterns": f.SuspiciousPatternCount,
		"external_ips":        f.ExternalIPCount,
		"external_urls":       f.ExternalURLCount,
	})
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO build_metrics (
			build_id, repo_name, branch, commit_sha,
			duration_seconds, log_line_count, char_density,
			error_count, warning_count, event_distribution, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING id`,
		f.BuildID, f.RepoName, f.Branch, f.CommitSHA,
		f.DurationSeconds, f.LogLineCount, f.CharDensity,
		f.ErrorCount, f.WarningCount, dist,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting build metrics: %w", err)
	}

	s.logger.DebugWithFields("stored build metrics",
		logging.Field("id", id),
		logging.Field("build_id", f.BuildID),
	)
	return id, nil
}

// InsertResult writes one anomaly result together with the raw feature
// values it was scored on. The raw features feed later retraining.
func (s *TimeseriesStore) InsertResult(ctx context.Context, r *model.AnomalyResult, rawFeatures map[string]float64) (int64, error) {
	reasons, err := json.Marshal(r.AnomalyReasons)
	if err != nil {
		return 0, err
	}
	topFeatures, err := json.Marshal(r.TopContributingFeatures)
	if err != nil {
		return 0, err
	}
	var raw []byte
	if rawFeatures != nil {
		if raw, err = json.Marshal(rawFeatures); err != nil {
			return 0, err
		}
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO anomaly_results (
			build_id, is_anomaly, anomaly_score, prediction,
			confidence, anomaly_reasons, top_features,
			model_version, raw_features
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		r.BuildID, r.IsAnomaly, r.AnomalyScore, r.Prediction,
		r.Confidence, reasons, topFeatures, r.ModelVersion, raw,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting anomaly result: %w", err)
	}

	s.logger.InfoWithFields("saved anomaly result",
		logging.Field("build_id", r.BuildID),
		logging.Field("is_anomaly", r.IsAnomaly),
		logging.Field("score", r.AnomalyScore),
	)
	return id, nil
}

// ResultRow is one stored anomaly result as served by the API.
type ResultRow struct {
	ID             int64                       `json:"id"`
	BuildID        string                      `json:"build_id"`
	Timestamp      time.Time                   `json:"timestamp"`
	IsAnomaly      bool                        `json:"is_anomaly"`
	AnomalyScore   float64                     `json:"anomaly_score"`
	Prediction     int                         `json:"prediction"`
	Confidence     float64                     `json:"confidence"`
	AnomalyReasons []model.Reason              `json:"anomaly_reasons"`
	TopFeatures    []model.FeatureContribution `json:"top_features,omitempty"`
	ModelVersion   string                      `json:"model_version"`
}

const resultColumns = `id, build_id, timestamp, is_anomaly, anomaly_score,
	prediction, confidence, COALESCE(anomaly_reasons, '[]'::jsonb),
	COALESCE(top_features, '[]'::jsonb), COALESCE(model_version, 'unknown')`

func scanResult(row pgx.Row) (*ResultRow, error) {
	var (
		r           ResultRow
		reasons     []byte
		topFeatures []byte
	)
	err := row.Scan(&r.ID, &r.BuildID, &r.Timestamp, &r.IsAnomaly,
		&r.AnomalyScore, &r.Prediction, &r.Confidence,
		&reasons, &topFeatures, &r.ModelVersion)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reasons, &r.AnomalyReasons); err != nil {
		return nil, fmt.Errorf("decoding anomaly reasons: %w", err)
	}
	if err := json.Unmarshal(topFeatures, &r.TopFeatures); err != nil {
		return nil, fmt.Errorf("decoding top features: %w", err)
	}
	return &r, nil
}

// RecentResults returns the newest results, optionally anomalies only.
func (s *TimeseriesStore) RecentResults(ctx context.Context, limit int, anomaliesOnly bool) ([]*ResultRow, error) {
	q := `SELECT ` + resultColumns + ` FROM anomaly_results`
	if anomaliesOnly {
		q += ` WHERE is_anomaly = TRUE`
	}
	q += ` ORDER BY timestamp DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var out []*ResultRow
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestByBuildID returns the most recent result for a build, or ErrNotFound.
func (s *TimeseriesStore) LatestByBuildID(ctx context.Context, buildID string) (*ResultRow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM anomaly_results
		 WHERE build_id = $1
		 ORDER BY timestamp DESC
		 LIMIT 1`, buildID)

	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// WindowStats summarizes results over a trailing window.
type WindowStats struct {
	PeriodHours    int     `json:"period_hours"`
	TotalBuilds    int64   `json:"total_builds"`
	TotalAnomalies int64   `json:"total_anomalies"`
	AnomalyRate    float64 `json:"anomaly_rate"`
	AvgScore       float64 `json:"avg_score"`
	MinScore       float64 `json:"min_score"`
	MaxScore       float64 `json:"max_score"`
	AvgConfidence  float64 `json:"avg_confidence"`
}

// Stats aggregates results from the last N hours.
func (s *TimeseriesStore) Stats(ctx context.Context, hours int) (WindowStats, error) {
	stats := WindowStats{PeriodHours: hours}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_anomaly = TRUE),
			COALESCE(AVG(anomaly_score), 0),
			COALESCE(MIN(anomaly_score), 0),
			COALESCE(MAX(anomaly_score), 0),
			COALESCE(AVG(confidence), 0)
		FROM anomaly_results
		WHERE timestamp > NOW() - $1 * INTERVAL '1 hour'`, hours,
	).Scan(&stats.TotalBuilds, &stats.TotalAnomalies,
		&stats.AvgScore, &stats.MinScore, &stats.MaxScore, &stats.AvgConfidence)
	if err != nil {
		return WindowStats{}, fmt.Errorf("querying stats: %w", err)
	}

	if stats.TotalBuilds > 0 {
		stats.AnomalyRate = float64(stats.TotalAnomalies) / float64(stats.TotalBuilds)
	}
	return stats, nil
}

// TimeBucket is one point of the aggregated series.
type TimeBucket struct {
	Time        time.Time `json:"time"`
	TotalBuilds int64     `json:"total_builds"`
	Anomalies   int64     `json:"anomalies"`
	AvgScore    float64   `json:"avg_score"`
}

var intervalPattern = regexp.MustCompile(`^[0-9]+ (minute|hour|day)s?$`)

// TimeSeries returns per-bucket counts over the trailing window. The interval
// is validated against a small grammar before being passed to time_bucket.
func (s *TimeseriesStore) TimeSeries(ctx context.Context, interval string, hours int) ([]TimeBucket, error) {
	if !intervalPattern.MatchString(interval) {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT
			time_bucket($1::interval, timestamp),
			COUNT(*),
			COUNT(*) FILTER (WHERE is_anomaly = TRUE),
			COALESCE(AVG(anomaly_score), 0)
		FROM anomaly_results
		WHERE timestamp > NOW() - $2 * INTERVAL '1 hour'
		GROUP BY 1
		ORDER BY 1`, interval, hours)
	if err != nil {
		return nil, fmt.Errorf("querying time series: %w", err)
	}
	defer rows.Close()

	var out []TimeBucket
	for rows.Next() {
		var b TimeBucket
		if err := rows.Scan(&b.Time, &b.TotalBuilds, &b.Anomalies, &b.AvgScore); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// NormalHistory returns the raw feature maps of non-anomalous builds from the
// trailing window, newest first. This is the retraining corpus.
func (s *TimeseriesStore) NormalHistory(ctx context.Context, hours int) ([]map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT build_id, raw_features
		FROM anomaly_results
		WHERE is_anomaly = FALSE
		  AND raw_features IS NOT NULL
		  AND timestamp > NOW() - $1 * INTERVAL '1 hour'
		ORDER BY timestamp DESC`, hours)
	if err != nil {
		return nil, fmt.Errorf("querying normal history: %w", err)
	}
	defer rows.Close()

	var out []map[string]float64
	for rows.Next() {
		var (
			buildID string
			raw     []byte
		)
		if err := rows.Scan(&buildID, &raw); err != nil {
			return nil, err
		}
		var m map[string]float64
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.WarnWithFields("skipping unreadable raw features",
				logging.Field("build_id", buildID),
			)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *TimeseriesStore) Close() {
	s.pool.Close()
	s.logger.Info("postgres connection closed")
}
