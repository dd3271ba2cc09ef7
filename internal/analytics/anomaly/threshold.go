package anomaly

import (
	"fmt"
	"math"
	"strings"

	"github.com/kubilitics/kubilitics-perf/internal/clock"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

// Threshold flags samples above fixed per-metric limits. Metrics without a
// configured limit never produce a verdict.
type Threshold struct {
	limits map[string]Limit
	clock  clock.Clock
}

// NewThreshold creates a static-threshold strategy. The limits map is copied
// and metric names are matched case-insensitively, since configuration keys
// arrive lower-cased.
func NewThreshold(limits map[string]Limit, c clock.Clock) *Threshold {
	copied := make(map[string]Limit, len(limits))
	for name, l := range limits {
		copied[strings.ToLower(name)] = l
	}
	return &Threshold{limits: copied, clock: orSystemClock(c)}
}

func (t *Threshold) Name() string { return StrategyThreshold }

func (t *Threshold) Detect(sample models.MetricSample, src BaselineSource) (models.AnomalyEvent, bool) {
	limit, ok := t.limits[strings.ToLower(sample.Name)]
	if !ok {
		return models.AnomalyEvent{}, false
	}
	snap, ok := src.Baseline(sample.Name)
	if !ok {
		return models.AnomalyEvent{}, false
	}

	var severity models.Severity
	var bound float64
	switch {
	case sample.Value > limit.Critical:
		severity, bound = models.SeverityCritical, limit.Critical
	case sample.Value > limit.Warning:
		severity, bound = models.SeverityWarning, limit.Warning
	default:
		return models.AnomalyEvent{}, false
	}

	score := 0.0
	if limit.Critical > 0 {
		score = math.Max(0, math.Min(1, sample.Value/limit.Critical))
	}

	return models.AnomalyEvent{
		Type:      models.AnomalyThresholdBreach,
		Severity:  severity,
		Metric:    sample,
		Message:   fmt.Sprintf("%s = %.2f exceeds %s limit %.2f", sample.Name, sample.Value, severity, bound),
		Baseline:  baselineRef(snap),
		Score:     score,
		Timestamp: t.clock.Now(),
		Context: map[string]interface{}{
			"strategy":       StrategyThreshold,
			"warning_limit":  limit.Warning,
			"critical_limit": limit.Critical,
		},
	}, true
}
