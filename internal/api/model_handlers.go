package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"service":      "anomaly-detector",
		"model_loaded": s.model.IsTrained(),
		"version":      s.model.Version(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"service": "anomaly-detector",
		"model":   s.model.Info(),
	}

	if s.queue != nil {
		if info, err := s.queue.QueueInfo(s.cfg.FeaturesQueue); err == nil {
			resp["queue"] = info
		} else {
			resp["queue"] = map[string]string{"error": err.Error()}
		}
	}
	if s.detector != nil {
		resp["processing"] = map[string]int64{
			"total_processed":    s.detector.Processed(),
			"anomalies_detected": s.detector.Anomalies(),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.model.Info())
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CSVPath string `json:"csv_path"`
	}
	// An empty body means "use the configured training data".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	csvPath := req.CSVPath
	if csvPath == "" {
		csvPath = s.cfg.TrainingDataPath
	}
	if csvPath == "" {
		writeError(w, http.StatusBadRequest, "No training data path specified")
		return
	}
	if _, err := os.Stat(csvPath); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Training file not found: %s", csvPath))
		return
	}

	stats, err := s.model.TrainFromCSV(csvPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistModel()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"message":        "Model trained successfully",
		"training_stats": stats,
	})
}

// handleUpload accepts a multipart CSV, validates its header against the
// canonical feature columns, and trains on it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading upload failed")
		return
	}

	provided, missing, err := validateCSVColumns(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "uploaded CSV is missing required feature columns",
			"required": features.Names(),
			"provided": provided,
			"missing":  missing,
		})
		return
	}

	tmp := filepath.Join(os.TempDir(), "buildwatch-upload.csv")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "storing upload failed")
		return
	}
	defer os.Remove(tmp)

	stats, err := s.model.TrainFromCSV(tmp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistModel()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"message":        "Model trained from uploaded data",
		"training_stats": stats,
	})
}

// validateCSVColumns checks the header row for the canonical feature columns.
func validateCSVColumns(data []byte) (provided, missing []string, err error) {
	reader := csv.NewReader(bytes.NewReader(data))
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("uploaded file is not valid CSV")
	}

	have := make(map[string]bool, len(header))
	for _, col := range header {
		have[col] = true
	}
	for _, name := range features.Names() {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return header, missing, nil
}

func (s *Server) handleRetrainFromNormal(w http.ResponseWriter, r *http.Request) {
	req := struct {
		MinSamples int `json:"min_samples"`
		Hours      int `json:"hours"`
	}{
		MinSamples: s.cfg.MinSamplesForTraining,
		Hours:      168,
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	history, err := s.store.NormalHistory(r.Context(), req.Hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(history) < req.MinSamples {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":                "insufficient normal build history for retraining",
			"samples_found":        len(history),
			"min_samples_required": req.MinSamples,
		})
		return
	}

	stats, err := s.model.Train(model.VectorsFromFeatureMaps(history))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistModel()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"message":        "Model retrained from normal build history",
		"samples_used":   len(history),
		"training_stats": stats,
	})
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := model.Versions(s.cfg.ModelPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(versions),
		"versions": versions,
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if !s.model.IsTrained() {
		writeError(w, http.StatusBadRequest, "no trained model to back up")
		return
	}
	backupDir, err := s.model.Backup(s.cfg.ModelPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"backup_path": backupDir,
	})
}

// persistModel saves the current model to the configured path. Failures are
// logged, not surfaced: the in-memory model already serves predictions.
func (s *Server) persistModel() {
	if s.cfg.ModelPath == "" {
		return
	}
	if err := s.model.Save(s.cfg.ModelPath); err != nil {
		s.logger.ErrorWithErr("saving model after training", err)
	}
}
