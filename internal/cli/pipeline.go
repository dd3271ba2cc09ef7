package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/analytics"
	"github.com/kubilitics/kubilitics-perf/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-perf/internal/baseline"
	"github.com/kubilitics/kubilitics-perf/internal/config"
	"github.com/kubilitics/kubilitics-perf/internal/db"
	"github.com/kubilitics/kubilitics-perf/internal/eventbus"
)

// pipeline is one monitored session: bus, baselines, strategy, engine and
// the optional store.
type pipeline struct {
	bus     *eventbus.Bus
	manager *baseline.Manager
	engine  *analytics.Engine
	store   db.Store
	key     string
	logger  *zap.Logger
}

func newPipeline(cfg *config.Config, logger *zap.Logger, opts ...analytics.Option) (*pipeline, error) {
	strategy, err := anomaly.New(cfg.Anomaly.Strategy, cfg.StrategyParams())
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(
		eventbus.WithLogger(logger),
		eventbus.WithHistorySize(cfg.Bus.HistorySize),
		eventbus.WithMaxDepth(cfg.Bus.MaxEmitDepth),
		eventbus.WithSessionID(cfg.Session.ID),
		eventbus.WithPageContext(cfg.Session.PageContext),
	)
	manager := baseline.NewManager(
		baseline.WithLearningPeriod(cfg.Baseline.LearningPeriodSeconds),
		baseline.WithSampleRate(cfg.Baseline.SampleRateHz),
		baseline.WithWindowSize(cfg.Baseline.WindowSize),
		baseline.WithLogger(logger),
	)
	engine := analytics.NewEngine(bus, manager, strategy, append([]analytics.Option{analytics.WithLogger(logger)}, opts...)...)

	p := &pipeline{
		bus:     bus,
		manager: manager,
		engine:  engine,
		key:     cfg.Store.SessionKey,
		logger:  logger,
	}

	if cfg.Store.SQLitePath != "" {
		store, err := db.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		p.store = store
		db.NewRecorder(store, logger).Attach(bus)
	}

	engine.Start()
	logger.Debug("pipeline ready",
		zap.String("session", bus.SessionID()),
		zap.String("strategy", strategy.Name()),
		zap.Bool("store", p.store != nil),
	)
	return p, nil
}

// restore seeds the baselines from the store. A missing or unusable blob
// leaves the session cold; it never fails the caller.
func (p *pipeline) restore(ctx context.Context) {
	if p.store == nil {
		return
	}
	rec, err := p.store.LoadBaseline(ctx, p.key)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			p.logger.Warn("baseline load failed", zap.String("key", p.key), zap.Error(err))
		}
		return
	}
	if err := p.manager.Restore(rec.Blob); err != nil {
		p.logger.Warn("stored baseline ignored", zap.String("key", p.key), zap.Error(err))
		return
	}
	p.logger.Info("baseline restored", zap.String("key", p.key), zap.Int("metrics", len(p.manager.Names())))
}

// save writes the current baselines to the store under the session key.
func (p *pipeline) save(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	blob, err := p.manager.Serialize()
	if err != nil {
		return err
	}
	if err := p.store.SaveBaseline(ctx, p.key, blob); err != nil {
		return err
	}
	p.logger.Debug("baseline saved", zap.String("key", p.key))
	return nil
}

func (p *pipeline) close() {
	p.engine.Stop()
	p.bus.Close()
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn("store close", zap.Error(err))
		}
	}
}
