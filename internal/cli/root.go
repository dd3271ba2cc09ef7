package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-perf/internal/config"
	"github.com/kubilitics/kubilitics-perf/internal/logging"
	"github.com/kubilitics/kubilitics-perf/internal/version"
)

type app struct {
	configPath string
	logLevel   string
	storePath  string
	sessionKey string

	cfgMgr config.ConfigManager
	cfg    *config.Config
	logger *logging.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		stdin:  in,
		stdout: out,
		stderr: errOut,
	}

	cmd := &cobra.Command{
		Use:           "kubilitics-perf",
		Short:         "Runtime performance anomaly detection",
		Long:          "kubilitics-perf learns per-metric baselines from a stream of samples and flags spikes, drift and threshold breaches as they happen.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&a.storePath, "store", "", "override store.sqlite_path")
	cmd.PersistentFlags().StringVar(&a.sessionKey, "session-key", "", "override store.session_key")

	cmd.AddCommand(
		newReplayCmd(a),
		newServeCmd(a),
		newBaselineCmd(a),
		newVersionCmd(),
	)

	cmd.SetVersionTemplate(fmt.Sprintf("kubilitics-perf {{.Version}} (commit %s, built %s)\n", version.Commit, version.BuildDate))

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return a.setup(cmd.Context())
	}
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if a.logger != nil {
			_ = a.logger.Close()
		}
	}

	cmd.SetErrPrefix("kubilitics-perf: ")
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	return cmd
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get(ctx)

	if strings.TrimSpace(a.logLevel) != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.storePath != "" {
		cfg.Store.SQLitePath = a.storePath
	}
	if a.sessionKey != "" {
		cfg.Store.SessionKey = a.sessionKey
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Output:     a.stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	a.cfgMgr = mgr
	a.cfg = cfg
	a.logger = logger
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show kubilitics-perf build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "kubilitics-perf %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
			return nil
		},
	}
}
