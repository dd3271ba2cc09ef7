package config

import (
	"context"

	"github.com/kubilitics/kubilitics-perf/internal/analytics/anomaly"
)

// Package config provides configuration management for kubilitics-perf.
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (KUBILITICS_PERF_* prefix, "." replaced by "_")
//   3. YAML config file (optional)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Anomaly
//      - strategy: "zscore" | "ema" | "iqr" | "threshold"
//      - zscore.threshold: |z| above which a sample is a spike (default 2.5)
//      - ema.alpha: smoothing factor in (0, 1] (default 0.3)
//      - ema.deviation_threshold: normalised deviation for drift (default 2.5)
//      - iqr.multiplier: Tukey fence multiplier (default 1.5)
//      - threshold.limits: metric -> {warning, critical}
//
//   2. Baseline
//      - learning_period_seconds: warm-up before judgments (default 30)
//      - sample_rate_hz: assumed collection frequency (default 1)
//      - window_size: raw values retained per metric (default 500)
//
//   3. Bus
//      - history_size: envelopes retained (default 1000)
//      - max_emit_depth: nesting bound for re-entrant emits (default 16)
//
//   4. Session
//      - id: stamped on every envelope, generated when empty
//      - page_context: page/context identifier
//
//   5. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//      - file_path: rotating log file, stderr only when empty
//      - max_size_mb, max_backups, max_age_days, compress
//
//   6. Store
//      - sqlite_path: baseline/anomaly store, disabled when empty
//      - session_key: key the baseline blob is saved under
//
//   7. Server
//      - host, port: HTTP listen address

// Config struct contains all configuration fields
type Config struct {
	// Anomaly strategy selection and tunables
	Anomaly struct {
		Strategy string
		ZScore   struct {
			Threshold float64
		}
		EMA struct {
			Alpha              float64
			DeviationThreshold float64
		}
		IQR struct {
			Multiplier float64
		}
		Threshold struct {
			Limits map[string]anomaly.Limit
		}
	}

	// Baseline learning configuration
	Baseline struct {
		LearningPeriodSeconds float64
		SampleRateHz          float64
		WindowSize            int
	}

	// Event bus configuration
	Bus struct {
		HistorySize  int
		MaxEmitDepth int
	}

	// Session identity
	Session struct {
		ID          string
		PageContext string
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Store configuration
	Store struct {
		SQLitePath string
		SessionKey string
	}

	// Server configuration
	Server struct {
		Host string
		Port int
	}
}

// StrategyParams converts the anomaly section into strategy parameters.
func (c *Config) StrategyParams() anomaly.Params {
	return anomaly.Params{
		ZScoreThreshold:       c.Anomaly.ZScore.Threshold,
		EMAAlpha:              c.Anomaly.EMA.Alpha,
		EMADeviationThreshold: c.Anomaly.EMA.DeviationThreshold,
		IQRMultiplier:         c.Anomaly.IQR.Multiplier,
		Limits:                c.Anomaly.Threshold.Limits,
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers every valid reload.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager. An empty path means
// defaults and environment only.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}
