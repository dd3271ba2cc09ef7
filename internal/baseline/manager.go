package baseline

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/metrics"
	"github.com/kubilitics/kubilitics-perf/internal/ringbuffer"
)

// Package baseline learns a per-metric statistical notion of "normal".
//
// Each metric name owns one record holding:
//   - all-time aggregates maintained with Welford's single-pass update
//     (count, mean, sum of squared deviations, min, max)
//   - a ring buffer of the most recent raw values, used only for percentiles
//
// Percentiles are computed over the retained window, not the full history.
// They are an approximation bounded by the window size; memory per metric is
// constant for the whole session.
//
// A record becomes "ready" once count >= learningPeriodSeconds * sampleRateHz.
// Before that, Baseline returns ok=false and strategies must not judge.

const (
	// DefaultWindowSize is the number of raw values retained per metric.
	DefaultWindowSize = 500

	// DefaultLearningPeriodSeconds is the warm-up duration before judgments.
	DefaultLearningPeriodSeconds = 30

	// DefaultSampleRateHz is the assumed collection frequency.
	DefaultSampleRateHz = 1.0
)

// Snapshot is the derived statistics view of a ready record.
type Snapshot struct {
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	Variance    float64 `json:"variance"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	P50         float64 `json:"p50"`
	P90         float64 `json:"p90"`
	P95         float64 `json:"p95"`
	P99         float64 `json:"p99"`
	SampleCount int     `json:"sample_count"`
}

// record is the per-metric state. Mutated only by Manager.Record and replaced
// wholesale by Manager.Restore.
type record struct {
	recent   *ringbuffer.Buffer[float64]
	count    int
	mean     float64
	sumSqDev float64
	min      float64
	max      float64
}

func (r *record) add(value float64) {
	r.recent.Push(value)
	r.count++
	delta := value - r.mean
	r.mean += delta / float64(r.count)
	r.sumSqDev += delta * (value - r.mean)

	if r.count == 1 || value < r.min {
		r.min = value
	}
	if r.count == 1 || value > r.max {
		r.max = value
	}
}

// Manager owns every baseline record of a session. It is safe for concurrent use.
type Manager struct {
	mu             sync.RWMutex
	records        map[string]*record
	learningPeriod float64 // seconds
	sampleRate     float64 // Hz
	minSamples     float64
	windowSize     int
	logger         *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLearningPeriod sets the warm-up duration in seconds.
func WithLearningPeriod(seconds float64) Option {
	return func(m *Manager) { m.learningPeriod = seconds }
}

// WithSampleRate sets the assumed sample rate in Hz.
func WithSampleRate(hz float64) Option {
	return func(m *Manager) { m.sampleRate = hz }
}

// WithWindowSize sets how many raw values are retained per metric.
func WithWindowSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.windowSize = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager. Without options it waits for 30 samples
// (30 s at 1 Hz) and retains 500 values per metric.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records:        make(map[string]*record),
		learningPeriod: DefaultLearningPeriodSeconds,
		sampleRate:     DefaultSampleRateHz,
		windowSize:     DefaultWindowSize,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.minSamples = m.learningPeriod * m.sampleRate
	return m
}

// Record feeds one observation into the metric's baseline, creating the
// record on first sight. NaN and infinite values are dropped.
func (m *Manager) Record(name string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		metrics.SamplesRejected.WithLabelValues("non_finite").Inc()
		m.logger.Debug("non-finite baseline value dropped", zap.String("metric", name), zap.Float64("value", value))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[name]
	if !ok {
		r = m.newRecord()
		m.records[name] = r
		metrics.BaselineMetricsTracked.Set(float64(len(m.records)))
	}
	r.add(value)
}

// IsReady reports whether the metric has completed its learning period.
func (m *Manager) IsReady(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	return ok && m.ready(r)
}

// MinSamples returns the sample count required before a metric is ready.
func (m *Manager) MinSamples() float64 {
	return m.minSamples
}

// Count returns the number of samples ever recorded for the metric.
func (m *Manager) Count(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[name]; ok {
		return r.count
	}
	return 0
}

// Baseline returns the statistics snapshot of a ready metric. ok is false
// while the metric is unknown or still learning.
func (m *Manager) Baseline(name string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[name]
	if !ok || !m.ready(r) {
		return Snapshot{}, false
	}

	variance := 0.0
	if r.count > 1 {
		variance = r.sumSqDev / float64(r.count-1)
	}

	sorted := r.recent.Values()
	sort.Float64s(sorted)

	return Snapshot{
		Mean:        r.mean,
		StdDev:      math.Sqrt(variance),
		Variance:    variance,
		Min:         r.min,
		Max:         r.max,
		P50:         percentile(sorted, 0.50),
		P90:         percentile(sorted, 0.90),
		P95:         percentile(sorted, 0.95),
		P99:         percentile(sorted, 0.99),
		SampleCount: r.count,
	}, true
}

// Values returns the retained raw window oldest first; empty for unseen metrics.
func (m *Manager) Values(name string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[name]; ok {
		return r.recent.Values()
	}
	return []float64{}
}

// Names returns every tracked metric name in lexical order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (m *Manager) newRecord() *record {
	return &record{recent: ringbuffer.New[float64](m.windowSize)}
}

func (m *Manager) ready(r *record) bool {
	return float64(r.count) >= m.minSamples
}

// percentile picks sorted[floor(n*k)], falling back to 0 on an empty window.
func percentile(sorted []float64, k float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * k))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
