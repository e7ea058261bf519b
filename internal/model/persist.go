package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/logging"
)

// FormatTag identifies the on-disk model format. Load refuses anything else.
const FormatTag = "buildwatch-iforest-v1"

type artifactConfig struct {
	NEstimators   int     `json:"n_estimators"`
	Contamination float64 `json:"contamination"`
	RandomState   int64   `json:"random_state"`
}

type forestArtifact struct {
	Format  string         `json:"format"`
	Version string         `json:"version"`
	Offset  float64        `json:"offset"`
	Forest  *forest        `json:"forest"`
	Config  artifactConfig `json:"config"`
}

type metaArtifact struct {
	Version       string         `json:"version"`
	TrainedAt     string         `json:"trained_at"`
	FeatureNames  []string       `json:"feature_names"`
	TrainingStats TrainingStats  `json:"training_stats"`
	Config        artifactConfig `json:"config"`
}

// ScalerPath derives the scaler file path from the model path.
func ScalerPath(path string) string {
	return strings.TrimSuffix(path, ".json") + "_scaler.json"
}

// MetaPath derives the metadata file path from the model path.
func MetaPath(path string) string {
	return strings.TrimSuffix(path, ".json") + "_meta.json"
}

// Save persists the forest, scaler, and metadata triple. Each file is
// written to a temp name and renamed, so readers never see a partial write.
func (m *Model) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return ErrNotTrained
	}

	cfg := artifactConfig{
		NEstimators:   m.opts.NEstimators,
		Contamination: m.opts.Contamination,
		RandomState:   m.opts.RandomState,
	}

	if err := writeJSONAtomic(path, forestArtifact{
		Format:  FormatTag,
		Version: m.version,
		Offset:  m.offset,
		Forest:  m.forest,
		Config:  cfg,
	}); err != nil {
		return fmt.Errorf("writing model: %w", err)
	}

	if err := writeJSONAtomic(ScalerPath(path), m.scaler); err != nil {
		return fmt.Errorf("writing scaler: %w", err)
	}

	if err := writeJSONAtomic(MetaPath(path), metaArtifact{
		Version:       m.version,
		TrainedAt:     time.Now().UTC().Format(time.RFC3339),
		FeatureNames:  features.Names(),
		TrainingStats: m.stats,
		Config:        cfg,
	}); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	m.logger.InfoWithFields("model saved", logging.Field("path", path))
	return nil
}

// Load restores a persisted model. Metadata is optional for forward
// compatibility, but without it the z-score explanations have no baseline.
func (m *Model) Load(path string) error {
	var fa forestArtifact
	if err := readJSON(path, &fa); err != nil {
		return fmt.Errorf("reading model: %w", err)
	}
	if fa.Format != FormatTag {
		return fmt.Errorf("unsupported model format %q, want %q", fa.Format, FormatTag)
	}

	var scl scaler
	if err := readJSON(ScalerPath(path), &scl); err != nil {
		return fmt.Errorf("reading scaler: %w", err)
	}

	var meta metaArtifact
	metaErr := readJSON(MetaPath(path), &meta)

	m.mu.Lock()
	m.forest = fa.Forest
	m.scaler = &scl
	m.offset = fa.Offset
	if fa.Version != "" {
		m.version = fa.Version
	}
	if metaErr == nil {
		m.stats = meta.TrainingStats
	}
	m.trained = true
	m.mu.Unlock()

	m.logger.InfoWithFields("model loaded", logging.Field("path", path))
	return nil
}

// Backup copies the current triple into a timestamped directory next to the
// model and returns its path.
func (m *Model) Backup(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no model to back up: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	backupDir := filepath.Join(filepath.Dir(path), "backups", stamp)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}

	for _, p := range []string{path, ScalerPath(path), MetaPath(path)} {
		if _, err := os.Stat(p); err != nil {
			continue // meta may be absent on older saves
		}
		if err := copyFile(p, filepath.Join(backupDir, filepath.Base(p))); err != nil {
			return "", err
		}
	}

	m.logger.InfoWithFields("model backed up", logging.Field("backup_dir", backupDir))
	return backupDir, nil
}

// VersionInfo describes one persisted model, current or backed up.
type VersionInfo struct {
	Path      string `json:"path"`
	Version   string `json:"version"`
	TrainedAt string `json:"trained_at"`
	Current   bool   `json:"current"`
}

// Versions lists the current model and all backups, newest first.
func Versions(path string) ([]VersionInfo, error) {
	var out []VersionInfo

	if _, err := os.Stat(path); err == nil {
		out = append(out, versionEntry(path, true))
	}

	backupsDir := filepath.Join(filepath.Dir(path), "backups")
	entries, err := os.ReadDir(backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	base := filepath.Base(path)
	for _, name := range names {
		out = append(out, versionEntry(filepath.Join(backupsDir, name, base), false))
	}
	return out, nil
}

func versionEntry(modelPath string, current bool) VersionInfo {
	info := VersionInfo{Path: modelPath, Current: current}
	var meta metaArtifact
	if err := readJSON(MetaPath(modelPath), &meta); err == nil {
		info.Version = meta.Version
		info.TrainedAt = meta.TrainedAt
	}
	return info
}

func writeJSONAtomic(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
