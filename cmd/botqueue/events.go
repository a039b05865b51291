package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/events"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var eventsQueue string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail job lifecycle events published by running workers",
	Long: `Subscribes to the events channel and prints every lifecycle event until
interrupted. Workers only publish when events.enabled is set.`,
	Example: `  botqueue events
  botqueue events --queue image --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var only botqueue.QueueName
		if eventsQueue != "" {
			q, err := parseQueueArg(eventsQueue)
			if err != nil {
				return err
			}
			only = q
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rdb, err := newRedis(cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		w := cmd.OutOrStdout()
		headerColor.Fprintf(w, "--- 📡 %s ---\n", events.Channel(cfg.Dispatcher.Prefix))
		err = events.Subscribe(ctx, rdb, cfg.Dispatcher.Prefix, func(e botqueue.Event) {
			if only != "" && e.Queue != only {
				return
			}
			if jsonOutput {
				_ = printJSON(w, e)
				return
			}
			printEvent(w, e)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsQueue, "queue", "", "Only show events of this queue")
	eventsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print raw JSON events")
	rootCmd.AddCommand(eventsCmd)
}

func eventColor(t botqueue.EventType) *color.Color {
	switch t {
	case botqueue.EventCompleted:
		return goodColor
	case botqueue.EventFailed, botqueue.EventStalled:
		return badColor
	case botqueue.EventRetrying, botqueue.EventDelayed:
		return warnColor
	}
	return labelColor
}

func printEvent(w io.Writer, e botqueue.Event) {
	fmt.Fprintf(w, "%s ", e.At.Format(time.TimeOnly))
	eventColor(e.Type).Fprintf(w, "%-9s", e.Type)
	fmt.Fprintf(w, " %s/%s", e.Queue, e.JobID)
	switch {
	case e.Type == botqueue.EventProgress:
		fmt.Fprintf(w, " %d%%", e.Progress)
	case e.Kind != "":
		fmt.Fprintf(w, " attempt=%d %s: %s", e.Attempt, e.Kind, e.Error)
	case e.Duration > 0:
		fmt.Fprintf(w, " in %s", e.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w)
}
