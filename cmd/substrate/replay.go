package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/config"
	"github.com/atomize-hq/substrate/internal/daemonrpc"
	"github.com/atomize-hq/substrate/internal/replay"
	"github.com/atomize-hq/substrate/internal/trace"
)

// replayStorePath returns the default location for the persisted replay
// history sqlite database, under the same ~/.substrate directory the
// daemon config lives in.
func replayStorePath() (string, error) {
	dir, err := config.GetUserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "replay_history.db"), nil
}

func replayCmd() *cobra.Command {
	var useWorld bool
	var spanID string
	var persist bool
	cmd := &cobra.Command{
		Use:   "replay [trace-file]",
		Short: "Replay recorded command spans and report divergence from the recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open trace file: %w", err)
			}
			defer f.Close()

			records, err := trace.ParseAll(f)
			if err != nil {
				return fmt.Errorf("parse trace file: %w", err)
			}

			if spanID != "" {
				r, ok := trace.FindSpan(records, spanID)
				if !ok {
					return fmt.Errorf("span %s not found in %s", spanID, args[0])
				}
				records = []trace.Record{r}
			}

			var outcomes []replayOutcomeView
			if persist {
				// Persisting requires direct access to the comparison path
				// (SequenceAndStore) rather than the daemon's non-persisting
				// RPC, so history survives across process restarts per-run.
				storePath, err := replayStorePath()
				if err != nil {
					return err
				}
				store, err := replay.OpenStore(storePath)
				if err != nil {
					return fmt.Errorf("open replay store: %w", err)
				}
				defer store.Close()

				results, err := replay.SequenceAndStore(context.Background(), store, records, replay.Options{
					UseWorld: useWorld,
				})
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}
				for _, r := range results {
					reason := ""
					if r.Divergence != nil {
						reason = r.Divergence.Description
					}
					outcomes = append(outcomes, replayOutcomeView{SpanID: r.SpanID, Command: r.Command, Matched: r.Matched, Reason: reason})
				}
			} else {
				sock, err := daemonSocketPath()
				if err != nil {
					return err
				}
				client := daemonrpc.NewClient(sock)
				res, err := client.Replay(context.Background(), records, useWorld)
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}
				for _, o := range res {
					outcomes = append(outcomes, replayOutcomeView{SpanID: o.SpanID, Command: o.Command, Matched: o.Matched, Reason: o.Reason})
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SPAN\tMATCHED\tCOMMAND\tREASON")
			diverged := 0
			for _, o := range outcomes {
				if !o.Matched {
					diverged++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.SpanID, yesNo(o.Matched), o.Command, o.Reason)
			}
			w.Flush()
			fmt.Printf("%d/%d spans matched\n", len(outcomes)-diverged, len(outcomes))
			if diverged > 0 {
				return fmt.Errorf("%d span(s) diverged from their recording", diverged)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useWorld, "use-world", false, "replay inside an isolated world instead of the host directly")
	cmd.Flags().StringVar(&spanID, "span", "", "replay only the named span")
	cmd.Flags().BoolVar(&persist, "persist", false, "record this run's results to the replay history store for later `substrate replay report`")
	cmd.AddCommand(replayReportCmd())
	return cmd
}

// replayOutcomeView is a daemon-outcome/persisted-result common shape for
// the result table, since the two replay paths return different types.
type replayOutcomeView struct {
	SpanID  string
	Command string
	Matched bool
	Reason  string
}

func replayReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize replay history recorded with --persist across process restarts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storePath, err := replayStorePath()
			if err != nil {
				return err
			}
			store, err := replay.OpenStore(storePath)
			if err != nil {
				return fmt.Errorf("open replay store: %w", err)
			}
			defer store.Close()

			stats, err := store.Aggregate()
			if err != nil {
				return fmt.Errorf("aggregate replay history: %w", err)
			}

			if stats.Total == 0 {
				fmt.Println("no replay history recorded yet; run `substrate replay --persist` first")
				return nil
			}

			fmt.Printf("%d spans recorded, %d matched, %d diverged (%.1f%% non-deterministic), %d critical\n",
				stats.Total, stats.Matched, stats.Diverged, stats.NonDeterministic*100, stats.CriticalFailures)

			if len(stats.ByType) > 0 {
				fmt.Println("\nby divergence type:")
				for _, b := range stats.ByType {
					fmt.Printf("  %-20s %d\n", b.Type, b.Count)
				}
			}
			if len(stats.BySeverity) > 0 {
				fmt.Println("\nby severity:")
				for _, b := range stats.BySeverity {
					fmt.Printf("  %-20s %d\n", b.Severity, b.Count)
				}
			}
			if len(stats.TopProblematic) > 0 {
				fmt.Println("\ntop problematic commands:")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "  COMMAND\tRUNS\tDIVERGED\tRATE")
				for _, c := range stats.TopProblematic {
					fmt.Fprintf(w, "  %s\t%d\t%d\t%.0f%%\n", c.Command, c.Total, c.Diverged, c.FailureRate*100)
				}
				w.Flush()
			}
			return nil
		},
	}
	return cmd
}
