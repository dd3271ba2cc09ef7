package anomaly

import (
	"errors"
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-perf/internal/baseline"
	"github.com/kubilitics/kubilitics-perf/internal/clock"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

// Package anomaly turns a metric sample plus its learned baseline into an
// optional anomaly verdict.
//
// Detection Algorithms:
//
//  1. Z-Score ("zscore")
//     - z = (value - mean) / stdDev against the all-time baseline
//     - verdict when |z| > threshold, critical when |z| > 2*threshold
//     - use case: sudden spikes on roughly normal metrics
//
//  2. EMA trend deviation ("ema")
//     - one exponential moving average per metric, seeded to the baseline
//     mean on the first ready observation
//     - verdict when |value - ema| / stdDev > deviationThreshold
//     - use case: slow drift that moves the all-time mean too little
//
//  3. Interquartile Range ("iqr")
//     - Tukey fences over the retained window: Q1 - k*IQR, Q3 + k*IQR
//     - robust to heavy tails where the z-score misfires
//
//  4. Static threshold ("threshold")
//     - fixed per-metric warning/critical upper limits
//
// Every strategy returns ok=false while the baseline is not ready. Exactly one
// strategy is active per engine, chosen at construction.

// Strategy names accepted by New.
const (
	StrategyZScore    = "zscore"
	StrategyEMA       = "ema"
	StrategyIQR       = "iqr"
	StrategyThreshold = "threshold"
)

// ErrUnknownStrategy is returned by New for an unrecognised strategy name.
var ErrUnknownStrategy = errors.New("unknown anomaly strategy")

// BaselineSource is the read side of the baseline manager a strategy needs.
type BaselineSource interface {
	Baseline(name string) (baseline.Snapshot, bool)
	Values(name string) []float64
}

var _ BaselineSource = (*baseline.Manager)(nil)

// Strategy classifies one sample against its baseline.
type Strategy interface {
	// Name returns the configuration identifier of the strategy.
	Name() string

	// Detect returns a verdict and true when the sample is anomalous.
	Detect(sample models.MetricSample, src BaselineSource) (models.AnomalyEvent, bool)
}

// Limit is a pair of static upper bounds for one metric.
type Limit struct {
	Warning  float64 `json:"warning" yaml:"warning" mapstructure:"warning"`
	Critical float64 `json:"critical" yaml:"critical" mapstructure:"critical"`
}

// Params carries the tunables of every strategy; each one reads only its own.
type Params struct {
	ZScoreThreshold       float64
	EMAAlpha              float64
	EMADeviationThreshold float64
	IQRMultiplier         float64
	Limits                map[string]Limit
	Clock                 clock.Clock
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		ZScoreThreshold:       DefaultZScoreThreshold,
		EMAAlpha:              DefaultEMAAlpha,
		EMADeviationThreshold: DefaultEMADeviationThreshold,
		IQRMultiplier:         DefaultIQRMultiplier,
	}
}

// New builds the strategy registered under name.
func New(name string, p Params) (Strategy, error) {
	switch name {
	case StrategyZScore:
		return NewZScore(p.ZScoreThreshold, p.Clock), nil
	case StrategyEMA:
		return NewEMA(p.EMAAlpha, p.EMADeviationThreshold, p.Clock), nil
	case StrategyIQR:
		return NewIQR(p.IQRMultiplier, p.Clock), nil
	case StrategyThreshold:
		return NewThreshold(p.Limits, p.Clock), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// classify maps a normalised magnitude onto severity and score. The critical
// boundary is strict: exactly 2*threshold is still a warning.
func classify(magnitude, threshold float64) (models.Severity, float64) {
	severity := models.SeverityWarning
	if magnitude > 2*threshold {
		severity = models.SeverityCritical
	}
	return severity, math.Min(1, magnitude/(2*threshold))
}

func orDefault(v, def float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

func orSystemClock(c clock.Clock) clock.Clock {
	if c == nil {
		return clock.New()
	}
	return c
}

func baselineRef(s baseline.Snapshot) models.BaselineRef {
	return models.BaselineRef{Mean: s.Mean, StdDev: s.StdDev}
}
