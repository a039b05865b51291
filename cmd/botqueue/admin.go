package main

import (
	"context"
	"fmt"

	"github.com/UniQw/botqueue"
	"github.com/spf13/cobra"
)

var cleanState string

var pauseCmd = &cobra.Command{
	Use:   "pause QUEUE",
	Short: "Stop every worker from claiming jobs of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := parseQueueArg(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, d *botqueue.Dispatcher) error {
			if err := d.Pause(ctx, q); err != nil {
				return err
			}
			warnColor.Fprintf(cmd.OutOrStdout(), "⏸️  %s paused\n", q)
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume QUEUE",
	Short: "Let workers claim jobs of a paused queue again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := parseQueueArg(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, d *botqueue.Dispatcher) error {
			if err := d.Resume(ctx, q); err != nil {
				return err
			}
			goodColor.Fprintf(cmd.OutOrStdout(), "▶️  %s resumed\n", q)
			return nil
		})
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean QUEUE",
	Short: "Remove the jobs of a queue in one state",
	Example: `  botqueue clean image --state failed
  botqueue clean notify --state waiting`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := parseQueueArg(args[0])
		if err != nil {
			return err
		}
		state, err := botqueue.ParseState(cleanState)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, d *botqueue.Dispatcher) error {
			n, err := d.Clean(ctx, q, state)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🧹 removed %d %s job(s) from %s\n", n, state, q)
			return nil
		})
	},
}

var jobCmd = &cobra.Command{
	Use:   "job QUEUE ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := parseQueueArg(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, d *botqueue.Dispatcher) error {
			j, err := d.GetJob(ctx, q, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		})
	},
}

func init() {
	cleanCmd.Flags().StringVar(&cleanState, "state", string(botqueue.StateCompleted), "State to clean (waiting, delayed, completed, failed)")
	rootCmd.AddCommand(pauseCmd, resumeCmd, cleanCmd, jobCmd)
}
