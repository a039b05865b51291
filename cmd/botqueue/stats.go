package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/UniQw/botqueue"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var jsonOutput bool

var statsCmd = &cobra.Command{
	Use:     "stats",
	Aliases: []string{"st"},
	Short:   "Show the job counts of every queue",
	Example: `  botqueue stats
  botqueue stats --json | jq .notification`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, d *botqueue.Dispatcher) error {
			stats := d.Stats(ctx)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the job store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, d *botqueue.Dispatcher) error {
			h := d.HealthCheck(ctx)
			w := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(w, h); err != nil {
					return err
				}
			} else {
				printHealth(w, h)
			}
			if h.Status != botqueue.HealthHealthy {
				return fmt.Errorf("store is %s", h.Status)
			}
			return nil
		})
	},
}

func init() {
	statsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")
	healthCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	rootCmd.AddCommand(statsCmd, healthCmd)
}

func printJSON(w io.Writer, v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStats(out io.Writer, stats map[botqueue.QueueName]botqueue.QueueStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintln(w, "--- 📊 Queue Stats ---")
	labelColor.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED\tSTATE")
	for _, q := range botqueue.AllQueues {
		s := stats[q]
		if s.Error != "" {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t%s\n", q, badColor.Sprint("error: "+s.Error))
			continue
		}
		state := goodColor.Sprint("running")
		if s.Paused {
			state = warnColor.Sprint("paused")
		}
		failed := fmt.Sprint(s.Failed)
		if s.Failed > 0 {
			failed = badColor.Sprint(s.Failed)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n", q, s.Waiting, s.Active, s.Delayed, s.Completed, failed, state)
	}
}

func printHealth(w io.Writer, h botqueue.Health) {
	headerColor.Fprintln(w, "--- 🩺 Health ---")
	if h.Status == botqueue.HealthHealthy {
		goodColor.Fprintln(w, "  ✅ "+h.Status)
	} else {
		badColor.Fprintln(w, "  ❌ "+h.Status)
	}
	labelColor.Fprint(w, "  Store: ")
	if h.StoreConnected {
		goodColor.Fprintln(w, "connected")
	} else {
		badColor.Fprintln(w, "unreachable")
	}
	if h.Delegate != "" {
		labelColor.Fprint(w, "  Compute: ")
		fmt.Fprintln(w, h.Delegate)
	}
	if h.Error != "" {
		labelColor.Fprint(w, "  Error: ")
		fmt.Fprintln(w, h.Error)
	}
}
