package anomaly

import (
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-perf/internal/clock"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

// DefaultZScoreThreshold is the |z| above which a sample is a spike.
const DefaultZScoreThreshold = 2.5

// ZScore flags samples far from the all-time mean in standard deviations.
// It is stateless and safe for concurrent use.
type ZScore struct {
	threshold float64
	clock     clock.Clock
}

// NewZScore creates a z-score strategy. A non-positive threshold falls back
// to DefaultZScoreThreshold.
func NewZScore(threshold float64, c clock.Clock) *ZScore {
	return &ZScore{
		threshold: orDefault(threshold, DefaultZScoreThreshold),
		clock:     orSystemClock(c),
	}
}

func (z *ZScore) Name() string { return StrategyZScore }

// Threshold returns the configured |z| threshold.
func (z *ZScore) Threshold() float64 { return z.threshold }

func (z *ZScore) Detect(sample models.MetricSample, src BaselineSource) (models.AnomalyEvent, bool) {
	snap, ok := src.Baseline(sample.Name)
	if !ok || snap.StdDev == 0 {
		return models.AnomalyEvent{}, false
	}

	score := (sample.Value - snap.Mean) / snap.StdDev
	abs := math.Abs(score)
	if abs <= z.threshold {
		return models.AnomalyEvent{}, false
	}

	severity, normalized := classify(abs, z.threshold)
	direction := "above"
	if score < 0 {
		direction = "below"
	}

	return models.AnomalyEvent{
		Type:     models.AnomalySpike,
		Severity: severity,
		Metric:   sample,
		Message: fmt.Sprintf("%s = %.2f is %.1f std devs %s baseline mean %.2f",
			sample.Name, sample.Value, abs, direction, snap.Mean),
		Baseline:  baselineRef(snap),
		Score:     normalized,
		Timestamp: z.clock.Now(),
		Context: map[string]interface{}{
			"strategy":  StrategyZScore,
			"z_score":   score,
			"threshold": z.threshold,
		},
	}, true
}
