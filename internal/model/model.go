// Package model implements the anomaly detector: an isolation forest over
// the canonical feature vector, a standard scaler, explicit security
// override rules, and explanation generation. The in-memory model is guarded
// by a read/write lock so predictions never observe a half-swapped
// forest/scaler pair.
package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/logging"
)

// ErrNotTrained is returned by Predict when no model has been trained or
// loaded yet.
var ErrNotTrained = errors.New("model not trained")

// Options configures training.
type Options struct {
	NEstimators   int
	Contamination float64
	RandomState   int64
}

// DefaultOptions mirrors the deployment defaults.
func DefaultOptions() Options {
	return Options{
		NEstimators:   100,
		Contamination: 0.05,
		RandomState:   42,
	}
}

// TrainingStats summarizes a completed training run. Feature means and
// standard deviations feed the z-score explanations at predict time.
type TrainingStats struct {
	NSamples           int                `json:"n_samples"`
	NFeatures          int                `json:"n_features"`
	NAnomaliesDetected int                `json:"n_anomalies_detected"`
	AnomalyRatio       float64            `json:"anomaly_ratio"`
	ScoreMean          float64            `json:"score_mean"`
	ScoreStd           float64            `json:"score_std"`
	FeatureMeans       map[string]float64 `json:"feature_means"`
	FeatureStds        map[string]float64 `json:"feature_stds"`
}

// Reason is one entry of an anomaly explanation.
type Reason struct {
	Feature   string  `json:"feature,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Reason    string  `json:"reason"`
	Severity  string  `json:"severity"`
}

// FeatureContribution reports how far one feature sits from the training
// baseline.
type FeatureContribution struct {
	Feature   string  `json:"feature"`
	Value     float64 `json:"value"`
	ZScore    float64 `json:"z_score"`
	Deviation string  `json:"deviation"`
}

// AnomalyResult is the decision for a single build.
type AnomalyResult struct {
	BuildID                 string                `json:"build_id"`
	IsAnomaly               bool                  `json:"is_anomaly"`
	AnomalyScore            float64               `json:"anomaly_score"`
	Prediction              int                   `json:"prediction"`
	Confidence              float64               `json:"confidence"`
	AnomalyReasons          []Reason              `json:"anomaly_reasons"`
	TopContributingFeatures []FeatureContribution `json:"top_contributing_features"`
	ModelVersion            string                `json:"model_version"`
	ProcessedAt             string                `json:"processed_at"`
}

// Model is the detector's single shared model instance.
type Model struct {
	mu sync.RWMutex

	opts    Options
	forest  *forest
	scaler  *scaler
	offset  float64
	trained bool
	version string
	stats   TrainingStats

	logger *logging.Logger
}

// New creates an untrained model.
func New(opts Options) *Model {
	return &Model{
		opts:    opts,
		version: "1.0.0",
		logger:  logging.GetLogger("model"),
	}
}

// IsTrained reports whether the model can serve predictions.
func (m *Model) IsTrained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trained
}

// Version returns the model version string.
func (m *Model) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Stats returns a copy of the last training statistics.
func (m *Model) Stats() TrainingStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Info describes the model for the /model/info endpoint.
func (m *Model) Info() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"is_trained":    m.trained,
		"model_version": m.version,
		"feature_names": features.Names(),
		"config": map[string]any{
			"n_estimators":  m.opts.NEstimators,
			"contamination": m.opts.Contamination,
		},
		"training_stats": m.stats,
	}
}

// Train fits the scaler and forest on the given samples and swaps them in
// atomically. Each row must have the canonical feature length.
func (m *Model) Train(x [][]float64) (TrainingStats, error) {
	if len(x) == 0 {
		return TrainingStats{}, errors.New("no training samples")
	}
	for i, row := range x {
		if len(row) != features.NumFeatures {
			return TrainingStats{}, fmt.Errorf("sample %d has %d features, want %d", i, len(row), features.NumFeatures)
		}
	}

	m.logger.InfoWithFields("training model",
		logging.Field("samples", len(x)),
		logging.Field("n_estimators", m.opts.NEstimators),
		logging.Field("contamination", m.opts.Contamination),
	)

	scl := fitScaler(x)
	scaled := scl.transformAll(x)
	f := fitForest(scaled, m.opts.NEstimators, m.opts.RandomState)

	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		scores[i] = f.scoreSample(row)
	}
	offset := quantile(scores, m.opts.Contamination)

	// Decision values on the training set drive the reported baseline stats.
	decisions := make([]float64, len(scores))
	anomalies := 0
	for i, s := range scores {
		decisions[i] = s - offset
		if decisions[i] < 0 {
			anomalies++
		}
	}

	stats := TrainingStats{
		NSamples:           len(x),
		NFeatures:          features.NumFeatures,
		NAnomaliesDetected: anomalies,
		AnomalyRatio:       float64(anomalies) / float64(len(x)),
		ScoreMean:          mean(decisions),
		ScoreStd:           populationStd(decisions),
		FeatureMeans:       make(map[string]float64, features.NumFeatures),
		FeatureStds:        make(map[string]float64, features.NumFeatures),
	}
	names := features.Names()
	for j, name := range names {
		col := make([]float64, len(x))
		for i, row := range x {
			col[i] = row[j]
		}
		stats.FeatureMeans[name] = mean(col)
		stats.FeatureStds[name] = sampleStd(col)
	}

	m.mu.Lock()
	m.forest = f
	m.scaler = scl
	m.offset = offset
	m.stats = stats
	m.trained = true
	m.mu.Unlock()

	m.logger.InfoWithFields("training complete",
		logging.Field("samples", stats.NSamples),
		logging.Field("baseline_anomalies", stats.NAnomaliesDetected),
	)
	return stats, nil
}

// Predict scores a build. Security override rules run on the raw feature
// values and can force the anomaly flag regardless of the forest's decision.
func (m *Model) Predict(bf *features.BuildFeatures) (*AnomalyResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, ErrNotTrained
	}

	vector := bf.Vector()
	scaled := m.scaler.transform(vector)
	rawScore := m.forest.scoreSample(scaled) - m.offset

	prediction := 1
	if rawScore < 0 {
		prediction = -1
	}
	isAnomaly := prediction == -1
	confidence := scoreToConfidence(rawScore)

	fm := featureMap(vector)
	overrideReasons := checkSecurityRules(fm)
	if len(overrideReasons) > 0 {
		isAnomaly = true
		if rawScore > 0 {
			rawScore = -0.05
		}
	}

	reasons := generateReasons(fm, isAnomaly)
	if len(overrideReasons) > 0 {
		reasons = append(overrideReasons, reasons...)
	}

	return &AnomalyResult{
		BuildID:                 buildIDOrUnknown(bf.BuildID),
		IsAnomaly:               isAnomaly,
		AnomalyScore:            rawScore,
		Prediction:              prediction,
		Confidence:              confidence,
		AnomalyReasons:          reasons,
		TopContributingFeatures: m.topContributingLocked(fm),
		ModelVersion:            m.version,
		ProcessedAt:             time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func buildIDOrUnknown(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

// scoreToConfidence maps the decision score to 0..1, higher meaning more
// anomalous. Scores typically span -0.5..0.5.
func scoreToConfidence(score float64) float64 {
	c := 0.5 - score
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func featureMap(vector []float64) map[string]float64 {
	fm := make(map[string]float64, features.NumFeatures)
	for i, name := range features.Names() {
		fm[name] = vector[i]
	}
	return fm
}

// topContributingLocked ranks features by |z| against the training baseline
// and returns the top five. Caller holds at least a read lock.
func (m *Model) topContributingLocked(fm map[string]float64) []FeatureContribution {
	if len(m.stats.FeatureMeans) == 0 {
		return nil
	}

	contributions := make([]FeatureContribution, 0, features.NumFeatures)
	for _, name := range features.Names() {
		value := fm[name]
		mean := m.stats.FeatureMeans[name]
		std := m.stats.FeatureStds[name]

		z := 0.0
		if std > 0 {
			z = math.Abs((value - mean) / std)
		}

		deviation := "normal"
		if z > 2 {
			deviation = "high"
		}
		contributions = append(contributions, FeatureContribution{
			Feature:   name,
			Value:     value,
			ZScore:    math.Round(z*100) / 100,
			Deviation: deviation,
		})
	}

	sort.SliceStable(contributions, func(i, j int) bool {
		return contributions[i].ZScore > contributions[j].ZScore
	})
	if len(contributions) > 5 {
		contributions = contributions[:5]
	}
	return contributions
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func populationStd(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mu := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// sampleStd is the n-1 variant used for the per-feature baseline stats.
func sampleStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mu := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
