package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/api/ws"
	"github.com/kubilitics/kubilitics-perf/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		host       string
		port       int
		checkpoint time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sample ingestion, anomaly queries and the live anomaly stream over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if errs := a.cfg.Validate(); len(errs) > 0 {
				return errs[0]
			}

			ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, checkpoint)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "override server.host")
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	cmd.Flags().DurationVar(&checkpoint, "checkpoint-interval", time.Minute, "how often to save the baseline to the store (0 disables)")
	return cmd
}

// serve runs until ctx is cancelled, then shuts down and saves the baseline.
func (a *app) serve(ctx context.Context, checkpoint time.Duration) error {
	logger := a.logger.Logger
	p, err := newPipeline(a.cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()
	p.restore(ctx)

	hub := ws.NewHub(ctx, ws.WithLogger(logger))
	go hub.Run()
	defer hub.Stop()
	hub.Attach(p.bus)

	opts := []server.Option{server.WithHub(hub), server.WithLogger(logger)}
	if p.store != nil {
		opts = append(opts, server.WithStore(p.store))
	}
	srv, err := server.NewServer(&server.Config{Host: a.cfg.Server.Host, Port: a.cfg.Server.Port}, p.engine, opts...)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "listening on http://%s\n", srv.Addr())

	var tick <-chan time.Time
	if checkpoint > 0 && p.store != nil {
		ticker := time.NewTicker(checkpoint)
		defer ticker.Stop()
		tick = ticker.C
	}
	updates := a.cfgMgr.Watch(ctx)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick:
			if err := p.save(ctx); err != nil {
				logger.Warn("baseline checkpoint failed", zap.Error(err))
			}
		case cfg := <-updates:
			if err := a.logger.SetLevel(cfg.Logging.Level); err != nil {
				logger.Warn("config reload ignored", zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("log_level", cfg.Logging.Level))
		}
	}

	if err := srv.Stop(); err != nil {
		logger.Warn("server stop", zap.Error(err))
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.save(saveCtx); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}
