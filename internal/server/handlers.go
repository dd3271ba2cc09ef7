package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/analytics"
	"github.com/kubilitics/kubilitics-perf/internal/baseline"
	"github.com/kubilitics/kubilitics-perf/internal/db"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

const maxIngestBody = 4 << 20

// baselineView is the per-metric body of the baselines endpoints.
type baselineView struct {
	Name       string             `json:"name"`
	Ready      bool               `json:"ready"`
	Count      int                `json:"count"`
	MinSamples float64            `json:"min_samples"`
	Baseline   *baseline.Snapshot `json:"baseline,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"strategy":  s.engine.StrategyName(),
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["store"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

// handleIngest accepts one JSON sample or an array of samples.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	samples, err := decodeSamples(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, tally := analytics.WithTally(r.Context())
	for _, sample := range samples {
		if err := s.engine.Ingest(ctx, sample); err != nil {
			s.logger.Warn("sample ingest failed", zap.String("metric", sample.Name), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"received":  len(samples),
		"accepted":  tally.Accepted(),
		"rejected":  tally.Rejected(),
		"anomalies": tally.Anomalies(),
	})
}

// handleRecentAnomalies lists the engine's in-memory verdicts, newest first.
// Query: severity (minimum), metric, limit.
func (s *Server) handleRecentAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minRank := models.Severity(q.Get("severity")).Rank()
	metric := q.Get("metric")

	recent := s.engine.RecentAnomalies()
	out := make([]models.AnomalyEvent, 0, len(recent))
	for i := len(recent) - 1; i >= 0 && len(out) < limit; i-- {
		ev := recent[i]
		if ev.Severity.Rank() < minRank {
			continue
		}
		if metric != "" && ev.Metric.Name != metric {
			continue
		}
		out = append(out, ev)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": out,
		"total":     len(out),
	})
}

func (s *Server) handleListBaselines(w http.ResponseWriter, r *http.Request) {
	manager := s.engine.Baselines()
	names := manager.Names()
	out := make([]baselineView, 0, len(names))
	for _, name := range names {
		out = append(out, s.baselineView(name))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"baselines": out,
		"total":     len(out),
	})
}

func (s *Server) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.engine.Baselines().Count(name) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no baseline for %q", name))
		return
	}
	writeJSON(w, http.StatusOK, s.baselineView(name))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handleAnomalyHistory queries the journal.
// Query: metric, severity, type, session, from, to (RFC3339), limit, offset.
func (s *Server) handleAnomalyHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	from, to, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.store.QueryAnomalies(r.Context(), db.AnomalyQuery{
		SessionID:   q.Get("session"),
		Metric:      q.Get("metric"),
		AnomalyType: q.Get("type"),
		Severity:    q.Get("severity"),
		From:        from,
		To:          to,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.logger.Error("query anomalies", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if records == nil {
		records = []*db.AnomalyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": records,
		"total":     len(records),
	})
}

func (s *Server) handleAnomalySummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.store.AnomalySummary(r.Context(), from, to)
	if err != nil {
		s.logger.Error("anomaly summary", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "summary failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"by_severity": summary})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (s *Server) baselineView(name string) baselineView {
	manager := s.engine.Baselines()
	v := baselineView{
		Name:       name,
		Count:      manager.Count(name),
		MinSamples: manager.MinSamples(),
	}
	if snap, ok := manager.Baseline(name); ok {
		v.Ready = true
		v.Baseline = &snap
	}
	return v
}

func decodeSamples(body []byte) ([]models.MetricSample, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var samples []models.MetricSample
		if err := json.Unmarshal(body, &samples); err != nil {
			return nil, fmt.Errorf("invalid sample array: %w", err)
		}
		return samples, nil
	}
	var sample models.MetricSample
	if err := json.Unmarshal(body, &sample); err != nil {
		return nil, fmt.Errorf("invalid sample: %w", err)
	}
	return []models.MetricSample{sample}, nil
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func parseWindow(fromRaw, toRaw string) (from, to time.Time, err error) {
	if fromRaw != "" {
		if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return from, to, fmt.Errorf("invalid from: %w", err)
		}
	}
	if toRaw != "" {
		if to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return from, to, fmt.Errorf("invalid to: %w", err)
		}
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
