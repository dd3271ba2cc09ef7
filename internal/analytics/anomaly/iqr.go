package anomaly

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/kubilitics/kubilitics-perf/internal/clock"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

const (
	// DefaultIQRMultiplier is Tukey's k for the inner fences.
	DefaultIQRMultiplier = 1.5

	// minIQRValues is the smallest retained window that yields two halves.
	minIQRValues = 4
)

// IQR flags samples outside Tukey fences computed over the retained window.
//
// Distance beyond the violated fence is measured in IQR units ("excess").
// excess > k means the sample is also past the outer fence Q3 + 2k*IQR (or
// Q1 - 2k*IQR) and is classified critical.
type IQR struct {
	k     float64
	clock clock.Clock
}

// NewIQR creates an interquartile-range strategy. A non-positive multiplier
// falls back to DefaultIQRMultiplier.
func NewIQR(multiplier float64, c clock.Clock) *IQR {
	return &IQR{
		k:     orDefault(multiplier, DefaultIQRMultiplier),
		clock: orSystemClock(c),
	}
}

func (q *IQR) Name() string { return StrategyIQR }

func (q *IQR) Detect(sample models.MetricSample, src BaselineSource) (models.AnomalyEvent, bool) {
	snap, ok := src.Baseline(sample.Name)
	if !ok {
		return models.AnomalyEvent{}, false
	}

	window := src.Values(sample.Name)
	if len(window) < minIQRValues {
		return models.AnomalyEvent{}, false
	}

	quartiles, err := stats.Quartile(stats.Float64Data(window))
	if err != nil {
		return models.AnomalyEvent{}, false
	}
	iqr := quartiles.Q3 - quartiles.Q1
	if iqr <= 0 {
		return models.AnomalyEvent{}, false
	}

	lower := quartiles.Q1 - q.k*iqr
	upper := quartiles.Q3 + q.k*iqr

	var excess float64
	var direction string
	switch {
	case sample.Value > upper:
		excess = (sample.Value - upper) / iqr
		direction = "above"
	case sample.Value < lower:
		excess = (lower - sample.Value) / iqr
		direction = "below"
	default:
		return models.AnomalyEvent{}, false
	}

	severity := models.SeverityWarning
	if excess > q.k {
		severity = models.SeverityCritical
	}

	return models.AnomalyEvent{
		Type:     models.AnomalySpike,
		Severity: severity,
		Metric:   sample,
		Message: fmt.Sprintf("%s = %.2f is %.1f IQR %s fence [%.2f, %.2f]",
			sample.Name, sample.Value, excess, direction, lower, upper),
		Baseline:  baselineRef(snap),
		Score:     math.Min(1, excess/(2*q.k)),
		Timestamp: q.clock.Now(),
		Context: map[string]interface{}{
			"strategy":    StrategyIQR,
			"q1":          quartiles.Q1,
			"q3":          quartiles.Q3,
			"iqr":         iqr,
			"lower_fence": lower,
			"upper_fence": upper,
			"excess":      excess,
		},
	}, true
}
