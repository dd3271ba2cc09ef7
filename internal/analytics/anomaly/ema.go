package anomaly

import (
	"fmt"
	"math"
	"sync"

	"github.com/kubilitics/kubilitics-perf/internal/clock"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

const (
	// DefaultEMAAlpha is the smoothing factor of the moving average.
	DefaultEMAAlpha = 0.3

	// DefaultEMADeviationThreshold is the normalised deviation above which a
	// sample counts as drift.
	DefaultEMADeviationThreshold = 2.5
)

// EMA flags samples that depart from the metric's own recent trend.
//
// The moving average is per metric and private to this instance. It is seeded
// to the baseline mean on the first ready observation and only advanced on
// calls that reach a ready baseline with non-zero spread.
type EMA struct {
	alpha     float64
	threshold float64
	clock     clock.Clock

	mu    sync.Mutex
	state map[string]float64
}

// NewEMA creates a trend-deviation strategy. alpha outside (0, 1] and a
// non-positive deviationThreshold fall back to their defaults.
func NewEMA(alpha, deviationThreshold float64, c clock.Clock) *EMA {
	if alpha > 1 {
		alpha = DefaultEMAAlpha
	}
	return &EMA{
		alpha:     orDefault(alpha, DefaultEMAAlpha),
		threshold: orDefault(deviationThreshold, DefaultEMADeviationThreshold),
		clock:     orSystemClock(c),
		state:     make(map[string]float64),
	}
}

func (e *EMA) Name() string { return StrategyEMA }

// Value returns the current moving average for a metric, if seeded.
func (e *EMA) Value(name string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.state[name]
	return v, ok
}

func (e *EMA) Detect(sample models.MetricSample, src BaselineSource) (models.AnomalyEvent, bool) {
	snap, ok := src.Baseline(sample.Name)
	if !ok || snap.StdDev == 0 {
		return models.AnomalyEvent{}, false
	}

	e.mu.Lock()
	prev, seen := e.state[sample.Name]
	if !seen {
		prev = snap.Mean
	}
	ema := e.alpha*sample.Value + (1-e.alpha)*prev
	e.state[sample.Name] = ema
	e.mu.Unlock()

	normalized := math.Abs(sample.Value-ema) / snap.StdDev
	if normalized <= e.threshold {
		return models.AnomalyEvent{}, false
	}

	severity, score := classify(normalized, e.threshold)
	return models.AnomalyEvent{
		Type:     models.AnomalyDrift,
		Severity: severity,
		Metric:   sample,
		Message: fmt.Sprintf("%s = %.2f drifted %.1f std devs from its trend %.2f",
			sample.Name, sample.Value, normalized, ema),
		Baseline:  baselineRef(snap),
		Score:     score,
		Timestamp: e.clock.Now(),
		Context: map[string]interface{}{
			"strategy":             StrategyEMA,
			"ema":                  ema,
			"normalized_deviation": normalized,
			"threshold":            e.threshold,
		},
	}, true
}
