// Package features turns parsed CI build payloads into the fixed numerical
// vector consumed by the anomaly model. The vector layout is part of the
// model contract: training data, persisted models, and the API all address
// features by this order.
package features

// BuildFeatures is the feature vector for a single build, plus the
// identifying metadata that travels with it through the pipeline.
type BuildFeatures struct {
	BuildID   string `json:"build_id" bson:"build_id"`
	RepoName  string `json:"repo_name" bson:"repo_name"`
	Branch    string `json:"branch" bson:"branch"`
	CommitSHA string `json:"commit_sha" bson:"commit_sha"`

	DurationSeconds float64 `json:"duration_seconds" bson:"duration_seconds"`
	LogLineCount    int     `json:"log_line_count" bson:"log_line_count"`
	CharDensity     float64 `json:"char_density" bson:"char_density"`
	ErrorCount      int     `json:"error_count" bson:"error_count"`
	WarningCount    int     `json:"warning_count" bson:"warning_count"`

	StepCount int `json:"step_count" bson:"step_count"`

	UniqueTemplates int     `json:"unique_templates" bson:"unique_templates"`
	TemplateEntropy float64 `json:"template_entropy" bson:"template_entropy"`

	SuspiciousPatternCount int `json:"suspicious_pattern_count" bson:"suspicious_pattern_count"`
	ExternalIPCount        int `json:"external_ip_count" bson:"external_ip_count"`
	ExternalURLCount       int `json:"external_url_count" bson:"external_url_count"`
	Base64PatternCount     int `json:"base64_pattern_count" bson:"base64_pattern_count"`

	Provider    string `json:"provider" bson:"provider"`
	ProcessedAt string `json:"processed_at" bson:"processed_at"`
}

// Vector returns the numerical features in canonical order.
func (f *BuildFeatures) Vector() []float64 {
	return []float64{
		f.DurationSeconds,
		float64(f.LogLineCount),
		f.CharDensity,
		float64(f.ErrorCount),
		float64(f.WarningCount),
		float64(f.StepCount),
		float64(f.UniqueTemplates),
		f.TemplateEntropy,
		float64(f.SuspiciousPatternCount),
		float64(f.ExternalIPCount),
		float64(f.ExternalURLCount),
		float64(f.Base64PatternCount),
	}
}

// Names returns the feature names in the same order as Vector.
func Names() []string {
	return []string{
		"duration_seconds",
		"log_line_count",
		"char_density",
		"error_count",
		"warning_count",
		"step_count",
		"unique_templates",
		"template_entropy",
		"suspicious_pattern_count",
		"external_ip_count",
		"external_url_count",
		"base64_pattern_count",
	}
}

// NumFeatures is the length of the canonical vector.
const NumFeatures = 12
