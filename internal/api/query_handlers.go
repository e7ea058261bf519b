package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/safeops/buildwatch/internal/storage"
)

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	anomaliesOnly := strings.EqualFold(r.URL.Query().Get("anomalies_only"), "true")

	results, err := s.store.RecentResults(r.Context(), limit, anomaliesOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []*storage.ResultRow{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleResultByBuild(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")

	result, err := s.store.LatestByBuildID(r.Context(), buildID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Build not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)

	stats, err := s.store.Stats(r.Context(), hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	interval := normalizeInterval(r.URL.Query().Get("interval"))

	data, err := s.store.TimeSeries(r.Context(), interval, hours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if data == nil {
		data = []storage.TimeBucket{}
	}
	writeJSON(w, http.StatusOK, data)
}

// normalizeInterval accepts both the long form ("1 hour") and the compact
// form ("1h", "30m", "2d") used by dashboard clients.
func normalizeInterval(interval string) string {
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return "1 hour"
	}
	if len(interval) < 2 {
		return interval
	}

	unit := interval[len(interval)-1]
	count := interval[:len(interval)-1]
	if _, err := strconv.Atoi(count); err != nil {
		return interval
	}

	switch unit {
	case 'm':
		return count + " minutes"
	case 'h':
		return count + " hours"
	case 'd':
		return count + " days"
	default:
		return interval
	}
}
