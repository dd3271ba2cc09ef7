package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-perf/internal/baseline"
	"github.com/kubilitics/kubilitics-perf/internal/db"
)

var errNoStore = errors.New("no store configured: set store.sqlite_path or pass --store")

func newBaselineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Inspect baselines saved in the store",
	}
	cmd.AddCommand(newBaselineShowCmd(a), newBaselineListCmd(a))
	return cmd
}

func newBaselineShowCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show [metric...]",
		Short: "Print the aggregates saved under the session key",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.LoadBaseline(contextOf(cmd), a.cfg.Store.SessionKey)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("no baseline saved under %q", a.cfg.Store.SessionKey)
				}
				return err
			}
			summaries, err := baseline.Inspect(rec.Blob)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				filtered := make(map[string]baseline.Summary, len(args))
				for _, name := range args {
					s, ok := summaries[name]
					if !ok {
						return fmt.Errorf("metric %q not in baseline %q", name, rec.Key)
					}
					filtered[name] = s
				}
				summaries = filtered
			}

			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			case "table", "":
				printSummaries(cmd.OutOrStdout(), summaries)
				return nil
			}
			return fmt.Errorf("unsupported output %q (use table or json)", output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func newBaselineListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session keys with a saved baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListBaselines(contextOf(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-24s %s\n", "KEY", "UPDATED")
			for _, r := range recs {
				fmt.Fprintf(out, "%-24s %s\n", r.Key, r.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}

func (a *app) openStore() (db.Store, error) {
	if a.cfg.Store.SQLitePath == "" {
		return nil, errNoStore
	}
	return db.NewSQLiteStore(a.cfg.Store.SQLitePath)
}

func printSummaries(out io.Writer, summaries map[string]baseline.Summary) {
	names := make([]string, 0, len(summaries))
	for name := range summaries {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "%-24s %8s %12s %12s %12s %12s\n", "METRIC", "COUNT", "MEAN", "STDDEV", "MIN", "MAX")
	for _, name := range names {
		s := summaries[name]
		fmt.Fprintf(out, "%-24s %8d %12.4f %12.4f %12.4f %12.4f\n", name, s.Count, s.Mean, s.StdDev, s.Min, s.Max)
	}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
