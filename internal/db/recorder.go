package db

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/eventbus"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

// Recorder journals every verdict published on the anomaly channel.
type Recorder struct {
	store  AnomalyStore
	logger *zap.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store AnomalyStore, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

// Attach subscribes the recorder to the anomaly channel of bus.
func (r *Recorder) Attach(bus *eventbus.Bus) eventbus.Subscription {
	return bus.On(eventbus.TypeAnomaly, r)
}

// HandleEvent converts the envelope payload into an AnomalyRecord and stores it.
func (r *Recorder) HandleEvent(ctx context.Context, env eventbus.Envelope) error {
	var ev models.AnomalyEvent
	switch p := env.Payload.(type) {
	case models.AnomalyEvent:
		ev = p
	case *models.AnomalyEvent:
		if p == nil {
			return nil
		}
		ev = *p
	default:
		r.logger.Debug("recorder ignored payload", zap.String("type", fmt.Sprintf("%T", env.Payload)))
		return nil
	}

	rec, err := RecordFromEvent(env.SessionID, ev)
	if err != nil {
		return err
	}
	if err := r.store.AppendAnomaly(ctx, rec); err != nil {
		return fmt.Errorf("journal anomaly for %q: %w", ev.Metric.Name, err)
	}
	return nil
}

// RecordFromEvent flattens a verdict into its journal row.
func RecordFromEvent(sessionID string, ev models.AnomalyEvent) (*AnomalyRecord, error) {
	ctxJSON := "{}"
	if len(ev.Context) > 0 {
		b, err := json.Marshal(ev.Context)
		if err != nil {
			return nil, fmt.Errorf("encode anomaly context: %w", err)
		}
		ctxJSON = string(b)
	}
	detected := ev.Timestamp
	if detected.IsZero() {
		detected = ev.Metric.Timestamp
	}
	return &AnomalyRecord{
		SessionID:      sessionID,
		Metric:         ev.Metric.Name,
		Value:          ev.Metric.Value,
		AnomalyType:    string(ev.Type),
		Severity:       string(ev.Severity),
		Score:          ev.Score,
		BaselineMean:   ev.Baseline.Mean,
		BaselineStdDev: ev.Baseline.StdDev,
		Message:        ev.Message,
		Context:        ctxJSON,
		DetectedAt:     detected,
	}, nil
}
