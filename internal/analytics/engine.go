package analytics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-perf/internal/baseline"
	"github.com/kubilitics/kubilitics-perf/internal/clock"
	"github.com/kubilitics/kubilitics-perf/internal/eventbus"
	"github.com/kubilitics/kubilitics-perf/internal/metrics"
	"github.com/kubilitics/kubilitics-perf/internal/models"
	"github.com/kubilitics/kubilitics-perf/internal/ringbuffer"
)

// Package analytics wires the baseline manager and the active detection
// strategy onto the event bus.
//
// For every sample arriving on the metric channel the engine:
//  1. records it into the baseline, ready or not
//  2. asks the strategy for a verdict once the baseline is ready
//  3. publishes the verdict on the anomaly channel, then calls the user hook
//
// Exactly one detection attempt is made per accepted sample.

const (
	// DefaultSource is the envelope source of everything the engine emits.
	DefaultSource = "anomaly-engine"

	recentAnomalyLimit = 100
)

// AnomalyCallback is the user hook invoked after a verdict is published.
type AnomalyCallback func(ctx context.Context, ev models.AnomalyEvent)

// BaselineReady is the payload of the baseline.ready event.
type BaselineReady struct {
	Metric   string            `json:"metric"`
	Baseline baseline.Snapshot `json:"baseline"`
}

// Stats summarises engine activity since construction.
type Stats struct {
	Strategy        string `json:"strategy"`
	SamplesAccepted uint64 `json:"samples_accepted"`
	SamplesRejected uint64 `json:"samples_rejected"`
	Detections      uint64 `json:"detections"`
	Anomalies       uint64 `json:"anomalies"`
	ReadyMetrics    int    `json:"ready_metrics"`
}

// Engine is the anomaly orchestrator. It is itself the bus listener for the
// metric channel, so subscribing it twice is harmless.
type Engine struct {
	bus       *eventbus.Bus
	baselines *baseline.Manager
	strategy  anomaly.Strategy

	callback AnomalyCallback
	logger   *zap.Logger
	clock    clock.Clock
	source   string

	mu      sync.Mutex
	sub     eventbus.Subscription
	started bool
	ready   map[string]struct{}
	recent  *ringbuffer.Buffer[models.AnomalyEvent]
	stats   Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithAnomalyCallback installs the user hook. Panics inside it are recovered.
func WithAnomalyCallback(cb AnomalyCallback) Option {
	return func(e *Engine) { e.callback = cb }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the clock used to fill missing sample timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithSource overrides the envelope source of emitted events.
func WithSource(source string) Option {
	return func(e *Engine) {
		if source != "" {
			e.source = source
		}
	}
}

// NewEngine creates an engine. Call Start to subscribe it to the bus.
func NewEngine(bus *eventbus.Bus, baselines *baseline.Manager, strategy anomaly.Strategy, opts ...Option) *Engine {
	e := &Engine{
		bus:       bus,
		baselines: baselines,
		strategy:  strategy,
		logger:    zap.NewNop(),
		clock:     clock.New(),
		source:    DefaultSource,
		ready:     make(map[string]struct{}),
		recent:    ringbuffer.New[models.AnomalyEvent](recentAnomalyLimit),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.stats.Strategy = strategy.Name()
	return e
}

// Start subscribes the engine to the metric channel. Repeated calls are no-ops.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.sub = e.bus.On(eventbus.TypeMetric, e)
	e.started = true
	e.logger.Info("anomaly engine started", zap.String("strategy", e.strategy.Name()))
}

// Stop revokes the subscription. Repeated calls are no-ops.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.bus.Off(e.sub)
	e.sub = eventbus.Subscription{}
	e.started = false
	e.logger.Info("anomaly engine stopped")
}

// Ingest publishes a sample on the metric channel.
func (e *Engine) Ingest(ctx context.Context, sample models.MetricSample) error {
	if err := e.bus.Emit(ctx, eventbus.TypeMetric, e.source, sample); err != nil {
		return fmt.Errorf("ingest %q: %w", sample.Name, err)
	}
	return nil
}

// HandleEvent processes one envelope from the metric channel.
func (e *Engine) HandleEvent(ctx context.Context, env eventbus.Envelope) error {
	tally := tallyFrom(ctx)
	sample, ok := e.decode(env, tally)
	if !ok {
		return nil
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = e.clock.Now()
	}

	e.baselines.Record(sample.Name, sample.Value)
	metrics.SamplesIngested.Inc()

	e.mu.Lock()
	e.stats.SamplesAccepted++
	e.mu.Unlock()
	if tally != nil {
		tally.accepted.Add(1)
	}

	if !e.baselines.IsReady(sample.Name) {
		metrics.DetectionsSkipped.WithLabelValues("not_ready").Inc()
		return nil
	}
	e.announceReady(ctx, sample.Name)

	start := time.Now()
	ev, found := e.strategy.Detect(sample, e.baselines)
	metrics.DetectionDuration.WithLabelValues(e.strategy.Name()).Observe(time.Since(start).Seconds())

	e.mu.Lock()
	e.stats.Detections++
	if found {
		e.stats.Anomalies++
		e.recent.Push(ev)
	}
	e.mu.Unlock()

	if !found {
		return nil
	}
	if tally != nil {
		tally.anomalies.Add(1)
	}

	metrics.AnomaliesDetected.WithLabelValues(string(ev.Type), string(ev.Severity), e.strategy.Name()).Inc()
	e.logger.Debug("anomaly detected",
		zap.String("metric", sample.Name),
		zap.Float64("value", sample.Value),
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.Float64("score", ev.Score),
	)

	if err := e.bus.Emit(ctx, eventbus.TypeAnomaly, e.source, ev); err != nil {
		e.logger.Warn("anomaly not published", zap.String("metric", sample.Name), zap.Error(err))
	}
	e.invokeCallback(ctx, ev)
	return nil
}

// Stats returns a copy of the activity counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.ReadyMetrics = len(e.ready)
	return s
}

// RecentAnomalies returns up to the last 100 verdicts, oldest first.
func (e *Engine) RecentAnomalies() []models.AnomalyEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recent.Values()
}

// Baselines exposes the manager the engine feeds.
func (e *Engine) Baselines() *baseline.Manager { return e.baselines }

// StrategyName returns the identifier of the active strategy.
func (e *Engine) StrategyName() string { return e.strategy.Name() }

// ─── Internal ─────────────────────────────────────────────────────────────────

func (e *Engine) decode(env eventbus.Envelope, tally *Tally) (models.MetricSample, bool) {
	var sample models.MetricSample
	switch p := env.Payload.(type) {
	case models.MetricSample:
		sample = p
	case *models.MetricSample:
		if p == nil {
			return e.reject("bad_payload", env, tally, "nil sample")
		}
		sample = *p
	default:
		return e.reject("bad_payload", env, tally, fmt.Sprintf("unexpected payload %T", env.Payload))
	}

	if sample.Name == "" {
		return e.reject("empty_name", env, tally, "sample without a name")
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return e.reject("non_finite", env, tally, fmt.Sprintf("%s has non-finite value", sample.Name))
	}
	return sample, true
}

func (e *Engine) reject(reason string, env eventbus.Envelope, tally *Tally, detail string) (models.MetricSample, bool) {
	metrics.SamplesRejected.WithLabelValues(reason).Inc()
	e.mu.Lock()
	e.stats.SamplesRejected++
	e.mu.Unlock()
	if tally != nil {
		tally.rejected.Add(1)
	}
	e.logger.Debug("metric sample rejected",
		zap.String("reason", reason),
		zap.String("source", env.Source),
		zap.String("detail", detail),
	)
	return models.MetricSample{}, false
}

// announceReady emits baseline.ready the first time a metric is seen ready.
func (e *Engine) announceReady(ctx context.Context, name string) {
	e.mu.Lock()
	_, seen := e.ready[name]
	if !seen {
		e.ready[name] = struct{}{}
	}
	e.mu.Unlock()
	if seen {
		return
	}

	snap, ok := e.baselines.Baseline(name)
	if !ok {
		return
	}
	if err := e.bus.Emit(ctx, eventbus.TypeBaselineReady, e.source, BaselineReady{Metric: name, Baseline: snap}); err != nil {
		e.logger.Warn("baseline.ready not published", zap.String("metric", name), zap.Error(err))
	}
}

func (e *Engine) invokeCallback(ctx context.Context, ev models.AnomalyEvent) {
	if e.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("anomaly callback panicked",
				zap.String("metric", ev.Metric.Name),
				zap.Any("panic", r),
			)
		}
	}()
	e.callback(ctx, ev)
}
