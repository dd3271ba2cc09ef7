package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-perf/internal/eventbus"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

const maxLineBytes = 1 << 20

func newReplayCmd(a *app) *cobra.Command {
	var (
		strategy    string
		learning    float64
		minSeverity string
		strict      bool
		noSave      bool
		summary     bool
	)

	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Feed JSON-lines metric samples through the anomaly engine",
		Long: `Reads one JSON metric sample per line from file, or stdin when file is
omitted or "-", and writes every detected anomaly as one JSON line to stdout.

With a store configured the baseline saved under the session key is restored
first and the updated baseline is saved when the input is exhausted.`,
		Example: `  kubilitics-perf replay samples.jsonl
  cat samples.jsonl | kubilitics-perf replay --strategy ema --min-severity warning`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("strategy") {
				a.cfg.Anomaly.Strategy = strategy
			}
			if cmd.Flags().Changed("learning-period") {
				a.cfg.Baseline.LearningPeriodSeconds = learning
			}
			if errs := a.cfg.Validate(); len(errs) > 0 {
				return errs[0]
			}

			in := a.stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			return a.replay(contextOf(cmd), in, cmd.OutOrStdout(), replayOptions{
				minSeverity: models.Severity(minSeverity),
				strict:      strict,
				save:        !noSave,
				summary:     summary,
				summaryOut:  cmd.ErrOrStderr(),
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", fmt.Sprintf("detection strategy (%s, %s, %s, %s)",
		anomaly.StrategyZScore, anomaly.StrategyEMA, anomaly.StrategyIQR, anomaly.StrategyThreshold))
	cmd.Flags().Float64Var(&learning, "learning-period", 0, "override baseline.learning_period_seconds")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "only print anomalies at or above this severity (info, warning, critical)")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on the first malformed line instead of skipping it")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not save the baseline to the store afterwards")
	cmd.Flags().BoolVar(&summary, "summary", false, "print engine statistics to stderr when done")
	return cmd
}

type replayOptions struct {
	minSeverity models.Severity
	strict      bool
	save        bool
	summary     bool
	summaryOut  io.Writer
}

// anomalyWriter prints verdicts as JSON lines and remembers the first write error.
type anomalyWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	minRank int
	printed int
	err     error
}

func (w *anomalyWriter) HandleEvent(_ context.Context, env eventbus.Envelope) error {
	ev, ok := env.Payload.(models.AnomalyEvent)
	if !ok || ev.Severity.Rank() < w.minRank {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if err := w.enc.Encode(ev); err != nil {
		w.err = fmt.Errorf("write anomaly: %w", err)
		return w.err
	}
	w.printed++
	return nil
}

func (a *app) replay(ctx context.Context, in io.Reader, out io.Writer, opts replayOptions) error {
	logger := a.logger.Logger
	p, err := newPipeline(a.cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()
	p.restore(ctx)

	writer := &anomalyWriter{enc: json.NewEncoder(out), minRank: opts.minSeverity.Rank()}
	p.bus.On(eventbus.TypeAnomaly, writer)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line, skipped := 0, 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		var sample models.MetricSample
		if err := json.Unmarshal(raw, &sample); err != nil {
			if opts.strict {
				return fmt.Errorf("line %d: %w", line, err)
			}
			skipped++
			logger.Warn("skipping malformed sample", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := p.engine.Ingest(ctx, sample); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if writer.err != nil {
			return writer.err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	if opts.save {
		if err := p.save(ctx); err != nil {
			return fmt.Errorf("save baseline: %w", err)
		}
	}

	if opts.summary {
		stats := p.engine.Stats()
		fmt.Fprintf(opts.summaryOut, "lines=%d skipped=%d accepted=%d rejected=%d detections=%d anomalies=%d printed=%d strategy=%s\n",
			line, skipped, stats.SamplesAccepted, stats.SamplesRejected, stats.Detections, stats.Anomalies, writer.printed, stats.Strategy)
	}
	return nil
}
