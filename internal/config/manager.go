package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kubilitics/kubilitics-perf/internal/analytics/anomaly"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "KUBILITICS_PERF"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
	}
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and sends each reload that passes validation.
// Invalid reloads keep the previous configuration. Only the newest pending
// update is buffered. Without a config file the channel never fires.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil || m.configPath == "" {
		return m.watchChan
	}

	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			cfg, err := m.buildConfig()
			if err != nil || len(cfg.Validate()) > 0 {
				return
			}
			m.mu.Lock()
			m.config = cfg
			m.mu.Unlock()
			select {
			case m.watchChan <- *cfg:
			default:
				// Channel full: replace the stale update so the latest wins.
				select {
				case <-m.watchChan:
				default:
				}
				select {
				case m.watchChan <- *cfg:
				default:
				}
			}
		})
		m.viper.WatchConfig()
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// readConfigFile reads the optional YAML file. A missing file is not an error.
func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Anomaly defaults
	m.viper.SetDefault("anomaly.strategy", defaults.Anomaly.Strategy)
	m.viper.SetDefault("anomaly.zscore.threshold", defaults.Anomaly.ZScore.Threshold)
	m.viper.SetDefault("anomaly.ema.alpha", defaults.Anomaly.EMA.Alpha)
	m.viper.SetDefault("anomaly.ema.deviation_threshold", defaults.Anomaly.EMA.DeviationThreshold)
	m.viper.SetDefault("anomaly.iqr.multiplier", defaults.Anomaly.IQR.Multiplier)

	// Baseline defaults
	m.viper.SetDefault("baseline.learning_period_seconds", defaults.Baseline.LearningPeriodSeconds)
	m.viper.SetDefault("baseline.sample_rate_hz", defaults.Baseline.SampleRateHz)
	m.viper.SetDefault("baseline.window_size", defaults.Baseline.WindowSize)

	// Bus defaults
	m.viper.SetDefault("bus.history_size", defaults.Bus.HistorySize)
	m.viper.SetDefault("bus.max_emit_depth", defaults.Bus.MaxEmitDepth)

	// Session defaults
	m.viper.SetDefault("session.id", defaults.Session.ID)
	m.viper.SetDefault("session.page_context", defaults.Session.PageContext)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file_path", defaults.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Store defaults
	m.viper.SetDefault("store.sqlite_path", defaults.Store.SQLitePath)
	m.viper.SetDefault("store.session_key", defaults.Store.SessionKey)

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
}

// unmarshalConfig unmarshals viper config into the current Config.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg, err := m.buildConfig()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// buildConfig reads every key out of viper into a fresh Config.
func (m *viperConfigManager) buildConfig() (*Config, error) {
	cfg := &Config{}

	// Anomaly
	cfg.Anomaly.Strategy = strings.ToLower(m.viper.GetString("anomaly.strategy"))
	cfg.Anomaly.ZScore.Threshold = m.viper.GetFloat64("anomaly.zscore.threshold")
	cfg.Anomaly.EMA.Alpha = m.viper.GetFloat64("anomaly.ema.alpha")
	cfg.Anomaly.EMA.DeviationThreshold = m.viper.GetFloat64("anomaly.ema.deviation_threshold")
	cfg.Anomaly.IQR.Multiplier = m.viper.GetFloat64("anomaly.iqr.multiplier")
	cfg.Anomaly.Threshold.Limits = map[string]anomaly.Limit{}
	if m.viper.IsSet("anomaly.threshold.limits") {
		// Viper lower-cases map keys; the threshold strategy matches names case-insensitively.
		if err := m.viper.UnmarshalKey("anomaly.threshold.limits", &cfg.Anomaly.Threshold.Limits); err != nil {
			return nil, fmt.Errorf("anomaly.threshold.limits: %w", err)
		}
	}

	// Baseline
	cfg.Baseline.LearningPeriodSeconds = m.viper.GetFloat64("baseline.learning_period_seconds")
	cfg.Baseline.SampleRateHz = m.viper.GetFloat64("baseline.sample_rate_hz")
	cfg.Baseline.WindowSize = m.viper.GetInt("baseline.window_size")

	// Bus
	cfg.Bus.HistorySize = m.viper.GetInt("bus.history_size")
	cfg.Bus.MaxEmitDepth = m.viper.GetInt("bus.max_emit_depth")

	// Session
	cfg.Session.ID = m.viper.GetString("session.id")
	cfg.Session.PageContext = m.viper.GetString("session.page_context")

	// Logging
	cfg.Logging.Level = strings.ToLower(m.viper.GetString("logging.level"))
	cfg.Logging.Format = strings.ToLower(m.viper.GetString("logging.format"))
	cfg.Logging.FilePath = m.viper.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Store
	cfg.Store.SQLitePath = m.viper.GetString("store.sqlite_path")
	cfg.Store.SessionKey = m.viper.GetString("store.session_key")

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")

	return cfg, nil
}
