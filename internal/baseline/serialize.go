package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/metrics"
)

// snapshotVersion is bumped whenever the encoding changes shape.
const snapshotVersion = 1

// ErrMalformedSnapshot is returned by Restore when the blob cannot be applied.
var ErrMalformedSnapshot = errors.New("malformed baseline snapshot")

// aggregate is the persisted form of one record. The retained window is
// deliberately not part of it.
type aggregate struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	SumSqDev float64 `json:"sum_sq_dev"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

func (a aggregate) finite() bool {
	for _, v := range []float64{a.Mean, a.SumSqDev, a.Min, a.Max} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

type snapshotDoc struct {
	Version int                  `json:"version"`
	Metrics map[string]aggregate `json:"metrics"`
}

// Serialize encodes the aggregates of every record into an opaque string.
// Records whose aggregates overflowed to a non-finite value are left out.
func (m *Manager) Serialize() (string, error) {
	m.mu.RLock()
	doc := snapshotDoc{
		Version: snapshotVersion,
		Metrics: make(map[string]aggregate, len(m.records)),
	}
	var skipped []string
	for name, r := range m.records {
		agg := aggregate{
			Count:    r.count,
			Mean:     r.mean,
			SumSqDev: r.sumSqDev,
			Min:      r.min,
			Max:      r.max,
		}
		if !agg.finite() {
			skipped = append(skipped, name)
			continue
		}
		doc.Metrics[name] = agg
	}
	m.mu.RUnlock()

	if len(skipped) > 0 {
		m.logger.Warn("baseline records with non-finite aggregates not serialized", zap.Strings("metrics", skipped))
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode baseline snapshot: %w", err)
	}
	return string(b), nil
}

// Restore replaces the records named in blob with fresh ones seeded from the
// saved aggregates and an empty window. Records not named in blob are kept.
//
// The blob is fully decoded and validated before any state changes; on error
// the manager is left exactly as it was.
func (m *Manager) Restore(blob string) error {
	restored, err := decodeSnapshot(blob)
	if err != nil {
		metrics.BaselineRestores.WithLabelValues("rejected").Inc()
		m.logger.Warn("baseline restore rejected", zap.Error(err))
		return err
	}

	m.mu.Lock()
	for name, agg := range restored {
		r := m.newRecord()
		r.count = agg.Count
		r.mean = agg.Mean
		r.sumSqDev = agg.SumSqDev
		r.min = agg.Min
		r.max = agg.Max
		m.records[name] = r
	}
	metrics.BaselineMetricsTracked.Set(float64(len(m.records)))
	m.mu.Unlock()

	metrics.BaselineRestores.WithLabelValues("ok").Inc()
	m.logger.Debug("baseline restored", zap.Int("metrics", len(restored)))
	return nil
}

func decodeSnapshot(blob string) (map[string]aggregate, error) {
	var doc snapshotDoc
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedSnapshot, doc.Version)
	}
	if doc.Metrics == nil {
		return nil, fmt.Errorf("%w: missing metrics", ErrMalformedSnapshot)
	}
	for name, agg := range doc.Metrics {
		if name == "" {
			return nil, fmt.Errorf("%w: empty metric name", ErrMalformedSnapshot)
		}
		if agg.Count < 0 {
			return nil, fmt.Errorf("%w: %s: negative count %d", ErrMalformedSnapshot, name, agg.Count)
		}
		if agg.SumSqDev < 0 {
			return nil, fmt.Errorf("%w: %s: negative sum of squared deviations", ErrMalformedSnapshot, name)
		}
		if !agg.finite() {
			return nil, fmt.Errorf("%w: %s: non-finite aggregate", ErrMalformedSnapshot, name)
		}
	}
	return doc.Metrics, nil
}

// Summary is one decoded aggregate with its derived spread.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Inspect decodes a serialized blob without restoring it, applying the same
// validation as Restore.
func Inspect(blob string) (map[string]Summary, error) {
	aggs, err := decodeSnapshot(blob)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Summary, len(aggs))
	for name, agg := range aggs {
		variance := 0.0
		if agg.Count > 1 {
			variance = agg.SumSqDev / float64(agg.Count-1)
		}
		out[name] = Summary{
			Count:  agg.Count,
			Mean:   agg.Mean,
			StdDev: math.Sqrt(variance),
			Min:    agg.Min,
			Max:    agg.Max,
		}
	}
	return out, nil
}
