package config

import (
	"fmt"
	"math"
	"sort"

	"github.com/kubilitics/kubilitics-perf/internal/analytics/anomaly"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateAnomaly()...)
	errs = append(errs, c.validateBaseline()...)
	errs = append(errs, c.validateBus()...)
	errs = append(errs, c.validateLogging()...)

	if c.Store.SQLitePath != "" && c.Store.SessionKey == "" {
		errs = append(errs, &ValidationError{
			Field:   "store.session_key",
			Message: "session_key is required when sqlite_path is set",
		})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	return errs
}

func (c *Config) validateAnomaly() []error {
	var errs []error

	validStrategies := map[string]bool{
		anomaly.StrategyZScore:    true,
		anomaly.StrategyEMA:       true,
		anomaly.StrategyIQR:       true,
		anomaly.StrategyThreshold: true,
	}
	if !validStrategies[c.Anomaly.Strategy] {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.strategy",
			Message: fmt.Sprintf("invalid strategy %q (must be zscore, ema, iqr, or threshold)", c.Anomaly.Strategy),
		})
	}

	if !positive(c.Anomaly.ZScore.Threshold) {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.zscore.threshold",
			Message: fmt.Sprintf("threshold must be > 0, got %v", c.Anomaly.ZScore.Threshold),
		})
	}

	if !positive(c.Anomaly.EMA.Alpha) || c.Anomaly.EMA.Alpha > 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.ema.alpha",
			Message: fmt.Sprintf("alpha must be in (0, 1], got %v", c.Anomaly.EMA.Alpha),
		})
	}

	if !positive(c.Anomaly.EMA.DeviationThreshold) {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.ema.deviation_threshold",
			Message: fmt.Sprintf("deviation_threshold must be > 0, got %v", c.Anomaly.EMA.DeviationThreshold),
		})
	}

	if !positive(c.Anomaly.IQR.Multiplier) {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.iqr.multiplier",
			Message: fmt.Sprintf("multiplier must be > 0, got %v", c.Anomaly.IQR.Multiplier),
		})
	}

	names := make([]string, 0, len(c.Anomaly.Threshold.Limits))
	for name := range c.Anomaly.Threshold.Limits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l := c.Anomaly.Threshold.Limits[name]
		if l.Critical < l.Warning {
			errs = append(errs, &ValidationError{
				Field:   "anomaly.threshold.limits." + name,
				Message: fmt.Sprintf("critical (%v) must be >= warning (%v)", l.Critical, l.Warning),
			})
		}
	}

	if c.Anomaly.Strategy == anomaly.StrategyThreshold && len(c.Anomaly.Threshold.Limits) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.threshold.limits",
			Message: "at least one limit is required when strategy is threshold",
		})
	}

	return errs
}

func (c *Config) validateBaseline() []error {
	var errs []error

	if c.Baseline.LearningPeriodSeconds < 0 || math.IsNaN(c.Baseline.LearningPeriodSeconds) {
		errs = append(errs, &ValidationError{
			Field:   "baseline.learning_period_seconds",
			Message: fmt.Sprintf("learning period must be >= 0, got %v", c.Baseline.LearningPeriodSeconds),
		})
	}

	if !positive(c.Baseline.SampleRateHz) {
		errs = append(errs, &ValidationError{
			Field:   "baseline.sample_rate_hz",
			Message: fmt.Sprintf("sample rate must be > 0, got %v", c.Baseline.SampleRateHz),
		})
	}

	if c.Baseline.WindowSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "baseline.window_size",
			Message: fmt.Sprintf("window size must be >= 1, got %d", c.Baseline.WindowSize),
		})
	}

	return errs
}

func (c *Config) validateBus() []error {
	var errs []error

	if c.Bus.HistorySize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "bus.history_size",
			Message: fmt.Sprintf("history size must be >= 1, got %d", c.Bus.HistorySize),
		})
	}

	if c.Bus.MaxEmitDepth < 1 {
		errs = append(errs, &ValidationError{
			Field:   "bus.max_emit_depth",
			Message: fmt.Sprintf("max emit depth must be >= 1, got %d", c.Bus.MaxEmitDepth),
		})
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format),
		})
	}

	if c.Logging.FilePath != "" && c.Logging.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "logging.max_size_mb",
			Message: fmt.Sprintf("max_size_mb must be >= 1 when file_path is set, got %d", c.Logging.MaxSizeMB),
		})
	}

	return errs
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
