package config

import (
	"github.com/kubilitics/kubilitics-perf/internal/analytics/anomaly"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Anomaly defaults
	cfg.Anomaly.Strategy = anomaly.StrategyZScore
	cfg.Anomaly.ZScore.Threshold = anomaly.DefaultZScoreThreshold
	cfg.Anomaly.EMA.Alpha = anomaly.DefaultEMAAlpha
	cfg.Anomaly.EMA.DeviationThreshold = anomaly.DefaultEMADeviationThreshold
	cfg.Anomaly.IQR.Multiplier = anomaly.DefaultIQRMultiplier
	cfg.Anomaly.Threshold.Limits = map[string]anomaly.Limit{}

	// Baseline defaults
	cfg.Baseline.LearningPeriodSeconds = 30
	cfg.Baseline.SampleRateHz = 1
	cfg.Baseline.WindowSize = 500

	// Bus defaults
	cfg.Bus.HistorySize = 1000
	cfg.Bus.MaxEmitDepth = 16

	// Session defaults
	cfg.Session.ID = "" // generated by the event bus
	cfg.Session.PageContext = ""

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Store defaults
	cfg.Store.SQLitePath = "" // persistence disabled
	cfg.Store.SessionKey = "default"

	// Server defaults
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8090

	return cfg
}
