package api

import (
	"encoding/json"
	"net/http"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/model"
)

const modelNotTrainedMsg = "Model not trained. POST to /model/train first."

// predictRequest carries one build's features for on-demand scoring.
type predictRequest struct {
	BuildID  string         `json:"build_id"`
	Features map[string]any `json:"features"`
	Save     *bool          `json:"save"`
}

// buildFeatures converts the open feature object into the typed struct the
// model scores. Unknown keys are ignored, missing ones default to zero.
func (p *predictRequest) buildFeatures() (*features.BuildFeatures, error) {
	raw, err := json.Marshal(p.Features)
	if err != nil {
		return nil, err
	}
	var f features.BuildFeatures
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if p.BuildID != "" {
		f.BuildID = p.BuildID
	}
	if f.BuildID == "" {
		f.BuildID = "unknown"
	}
	return &f, nil
}

func rawFeatureMap(f *features.BuildFeatures) map[string]float64 {
	raw := make(map[string]float64, features.NumFeatures)
	vec := f.Vector()
	for i, name := range features.Names() {
		raw[name] = vec[i]
	}
	return raw
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if !s.model.IsTrained() {
		writeError(w, http.StatusServiceUnavailable, modelNotTrainedMsg)
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Features == nil {
		writeError(w, http.StatusBadRequest, "Missing 'features' in request body")
		return
	}

	feats, err := req.buildFeatures()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid feature values")
		return
	}

	result, err := s.model.Predict(feats)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Save == nil || *req.Save {
		if _, err := s.store.InsertResult(r.Context(), result, rawFeatureMap(feats)); err != nil {
			s.logger.ErrorWithErr("saving prediction", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	if !s.model.IsTrained() {
		writeError(w, http.StatusServiceUnavailable, modelNotTrainedMsg)
		return
	}

	var req struct {
		Builds []predictRequest `json:"builds"`
		Save   *bool            `json:"save"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Builds == nil {
		writeError(w, http.StatusBadRequest, "Missing 'builds' in request body")
		return
	}

	results := make([]*model.AnomalyResult, 0, len(req.Builds))
	anomalies := 0
	for _, build := range req.Builds {
		feats, err := build.buildFeatures()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid feature values")
			return
		}
		result, err := s.model.Predict(feats)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if result.IsAnomaly {
			anomalies++
		}
		if req.Save == nil || *req.Save {
			if _, err := s.store.InsertResult(r.Context(), result, rawFeatureMap(feats)); err != nil {
				s.logger.ErrorWithErr("saving batch prediction", err)
			}
		}
		results = append(results, result)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(results),
		"anomalies": anomalies,
		"results":   results,
	})
}
