package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/pipeline/text"
	"github.com/spf13/cobra"
)

var (
	submitJobID    string
	submitPriority int
	submitDelay    time.Duration
	submitWait     time.Duration
	submitTest     bool
	submitUser     int64
	submitChat     int64

	textBody string
	textType string

	imageFileID string
	imageURL    string
	imageType   string

	notifyType    string
	notifyTo      []int64
	notifyMessage string
	notifyAt      string
	notifyReplyTo int64
	notifySilent  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to one of the queues",
	Example: `  botqueue submit text --chat 42 --user 7 --text "what is the capital of Peru?"
  botqueue submit image --chat 42 --file-id AgACAgI --type ocr --wait 2m
  botqueue submit notify --type broadcast --to 1,2,3 --message "Round two starts now"`,
}

var submitTextCmd = &cobra.Command{
	Use:   "text",
	Short: "Submit a text-generation job",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := botqueue.TextPayload{
			UserID:      submitUser,
			ChatID:      submitChat,
			Text:        textBody,
			MessageType: textType,
			Test:        submitTest,
		}
		typ := text.MessageType(textType)
		if typ == "" {
			typ = text.Classify(textBody)
		}
		return submitPayload(cmd, p, fmt.Sprintf("%s, expect a reply in %s", typ, text.EstimatedTime(typ)))
	},
}

var submitImageCmd = &cobra.Command{
	Use:   "image",
	Short: "Submit an image-processing job",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := botqueue.ImagePayload{
			UserID:         submitUser,
			ChatID:         submitChat,
			ProcessingType: imageType,
			Test:           submitTest,
		}
		switch {
		case imageURL != "":
			p.Image = &botqueue.ImageRef{URL: imageURL}
		case imageFileID != "":
			p.Photos = []botqueue.PhotoSize{{FileID: imageFileID}}
		}
		return submitPayload(cmd, p, "")
	},
}

var submitNotifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Submit a notification job",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := botqueue.NotificationPayload{
			Type:       botqueue.NotificationType(notifyType),
			Recipients: notifyTo,
			Message:    notifyMessage,
			Options:    botqueue.NotificationOptions{Silent: notifySilent},
			ReplyTo:    notifyReplyTo,
			Test:       submitTest,
		}
		if notifyAt != "" {
			at, err := time.Parse(time.RFC3339, notifyAt)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			p.ScheduledFor = &at
		}
		return submitPayload(cmd, p, "")
	},
}

func init() {
	pf := submitCmd.PersistentFlags()
	pf.StringVar(&submitJobID, "job-id", "", "Explicit job id; a duplicate id is rejected")
	pf.IntVar(&submitPriority, "priority", 0, "Priority override (higher runs first)")
	pf.DurationVar(&submitDelay, "delay", 0, "Delay before the job becomes runnable")
	pf.DurationVar(&submitWait, "wait", 0, "Wait up to this long for the outcome")
	pf.BoolVar(&submitTest, "test", false, "Mark the job as a test job (no user contact)")
	pf.Int64Var(&submitUser, "user", 0, "User id")
	pf.Int64Var(&submitChat, "chat", 0, "Chat id")

	submitTextCmd.Flags().StringVar(&textBody, "text", "", "Message text")
	submitTextCmd.Flags().StringVar(&textType, "type", "", "Message type override (question, greeting, ...)")

	submitImageCmd.Flags().StringVar(&imageFileID, "file-id", "", "Telegram file id of the photo")
	submitImageCmd.Flags().StringVar(&imageURL, "url", "", "Download URL of the image")
	submitImageCmd.Flags().StringVar(&imageType, "type", "", "Processing type")

	submitNotifyCmd.Flags().StringVar(&notifyType, "type", string(botqueue.NotifyImmediate), "Notification type")
	submitNotifyCmd.Flags().Int64SliceVar(&notifyTo, "to", nil, "Recipient chat ids")
	submitNotifyCmd.Flags().StringVar(&notifyMessage, "message", "", "Message text (HTML)")
	submitNotifyCmd.Flags().StringVar(&notifyAt, "at", "", "Delivery time for scheduled notifications (RFC3339)")
	submitNotifyCmd.Flags().Int64Var(&notifyReplyTo, "reply-to", 0, "Chat told when the job fails")
	submitNotifyCmd.Flags().BoolVar(&notifySilent, "silent", false, "Send without a notification sound")

	submitCmd.AddCommand(submitTextCmd, submitImageCmd, submitNotifyCmd)
	rootCmd.AddCommand(submitCmd)
}

func submitOptions() []botqueue.Option {
	var opts []botqueue.Option
	if submitJobID != "" {
		opts = append(opts, botqueue.JobID(submitJobID))
	}
	if submitPriority != 0 {
		opts = append(opts, botqueue.Priority(submitPriority))
	}
	if submitDelay > 0 {
		opts = append(opts, botqueue.Delay(submitDelay))
	}
	return opts
}

func submitPayload(cmd *cobra.Command, p botqueue.Payload, note string) error {
	return withClient(cmd, func(ctx context.Context, d *botqueue.Dispatcher) error {
		h, err := d.Submit(ctx, p, submitOptions()...)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		goodColor.Fprintf(w, "✅ submitted ")
		fmt.Fprintf(w, "%s/%s\n", h.Queue, h.ID)
		if note != "" {
			fmt.Fprintln(w, note)
		}
		if submitWait <= 0 {
			return nil
		}
		wctx, cancel := context.WithTimeout(ctx, submitWait)
		defer cancel()
		o, err := h.Wait(wctx)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		printOutcome(w, o)
		return o.Err()
	})
}

func printOutcome(w io.Writer, o *botqueue.Outcome) {
	switch o.State {
	case botqueue.StateCompleted:
		goodColor.Fprintf(w, "completed")
	default:
		badColor.Fprintf(w, "%s", o.State)
	}
	fmt.Fprintf(w, " after %d attempt(s)\n", o.Attempts)
	if o.Kind != "" {
		labelColor.Fprintf(w, "%s: ", o.Kind)
		fmt.Fprintln(w, o.Error)
	}
	if len(o.Result) > 0 {
		fmt.Fprintln(w, string(o.Result))
	}
}
