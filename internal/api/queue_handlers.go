package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxDrainBatch caps a single "process all" request so a flooded queue
// cannot pin the handler forever.
const maxDrainBatch = 1000

func (s *Server) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue client not available")
		return
	}

	info, err := s.queue.QueueInfo(s.cfg.FeaturesQueue)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := map[string]any{
		"queue":     info.Queue,
		"messages":  info.Messages,
		"consumers": info.Consumers,
	}
	if s.detector != nil {
		resp["total_processed"] = s.detector.Processed()
		resp["anomalies_detected"] = s.detector.Anomalies()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueProcess(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil || s.detector == nil {
		writeError(w, http.StatusServiceUnavailable, "queue client not available")
		return
	}

	var req struct {
		Count json.RawMessage `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	count := 1
	if len(req.Count) > 0 {
		var n int
		var all string
		switch {
		case json.Unmarshal(req.Count, &n) == nil && n > 0:
			count = n
		case json.Unmarshal(req.Count, &all) == nil && all == "all":
			count = maxDrainBatch
		default:
			writeError(w, http.StatusBadRequest, `'count' must be a positive number or "all"`)
			return
		}
	}
	if count > maxDrainBatch {
		count = maxDrainBatch
	}

	processed := 0
	for i := 0; i < count; i++ {
		ok, err := s.queue.Get(r.Context(), s.cfg.FeaturesQueue, s.detector.Handle)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if !ok {
			break
		}
		processed++
	}

	resp := map[string]any{"processed": processed}
	if info, err := s.queue.QueueInfo(s.cfg.FeaturesQueue); err == nil {
		resp["queue_status"] = info
	}
	writeJSON(w, http.StatusOK, resp)
}
