package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/archive"
	"github.com/UniQw/botqueue/internal/compute"
	"github.com/UniQw/botqueue/internal/config"
	"github.com/UniQw/botqueue/internal/events"
	"github.com/UniQw/botqueue/internal/fetch"
	"github.com/UniQw/botqueue/internal/logging"
	"github.com/UniQw/botqueue/internal/monitor"
	"github.com/UniQw/botqueue/internal/pipeline/image"
	"github.com/UniQw/botqueue/internal/pipeline/notify"
	"github.com/UniQw/botqueue/internal/pipeline/text"
	"github.com/UniQw/botqueue/internal/sink"
	"github.com/spf13/cobra"
)

var serveQueues []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job workers and the monitoring API",
	Long: `Starts a worker pool for every queue, the stall watchdog and, when
enabled, the monitoring HTTP API. SIGINT or SIGTERM drains in-flight jobs
before exiting.`,
	Example: `  # Run against a local Redis without talking to Telegram
  BOTQ_TELEGRAM_DRY_RUN=true botqueue serve

  # Only process notifications in this process
  botqueue serve --queues notify --config botqueue.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveQueues, "queues", nil, "Queues to process (default: all)")
	rootCmd.AddCommand(serveCmd)
}

// worker is everything serve wires together.
type worker struct {
	dispatcher *botqueue.Dispatcher
	metrics    *monitor.Metrics
	pool       *compute.Pool
	logger     *slog.Logger
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if noColor {
		cfg.Log.NoColor = true
	}
	queues, err := selectQueues(serveQueues)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := buildWorker(ctx, cfg, queues)
	if err != nil {
		return err
	}
	w.dispatcher.Start()

	var srv *monitor.Server
	errc := make(chan error, 1)
	if cfg.HTTP.Enabled {
		deps := monitor.Dependencies{Backend: w.dispatcher, Metrics: w.metrics, Logger: w.logger}
		if w.pool != nil {
			deps.Compute = w.pool
		}
		srv = monitor.New(deps)
		go func() { errc <- srv.ListenAndServe(cfg.HTTP.Addr) }()
	}

	select {
	case <-ctx.Done():
		w.logger.Info("signal received, shutting down")
	case err = <-errc:
		if err != nil {
			w.logger.Error("monitor server failed", slog.Any("error", err))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.DispatcherConfig(nil).ShutdownTimeout+5*time.Second)
	defer cancel()
	if srv != nil {
		if serr := srv.Shutdown(sctx); serr != nil {
			w.logger.Warn("monitor shutdown", slog.Any("error", serr))
		}
	}
	if derr := w.dispatcher.Shutdown(sctx); derr != nil {
		w.logger.Error("dispatcher shutdown", slog.Any("error", derr))
		if err == nil {
			err = derr
		}
	}
	w.logger.Info("stopped")
	return err
}

func selectQueues(names []string) ([]botqueue.QueueName, error) {
	if len(names) == 0 {
		return botqueue.AllQueues, nil
	}
	out := make([]botqueue.QueueName, 0, len(names))
	for _, n := range names {
		q, err := parseQueueArg(n)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// buildWorker creates the sink, the pipelines of queues and the observers,
// and returns a dispatcher that is not started yet.
func buildWorker(ctx context.Context, cfg *config.Config, queues []botqueue.QueueName) (*worker, error) {
	logger := logging.New(cfg.Log)
	blog := botqueue.NewSlogLogger(logger)

	rdb, err := newRedis(cfg)
	if err != nil {
		return nil, err
	}

	var out botqueue.Sink
	if cfg.Telegram.DryRun {
		out = sink.NewLog(blog)
		logger.Warn("telegram dry run: messages are logged, not sent")
	} else {
		out = sink.NewTelegram(sink.TelegramConfig{
			Token:   cfg.Telegram.Token,
			APIBase: cfg.Telegram.APIBase,
			Timeout: cfg.Telegram.Timeout,
		})
	}
	dl := fetch.New(fetch.Config{Timeout: cfg.Image.DownloadTimeout, MaxBytes: cfg.Image.MaxBytes})

	w := &worker{metrics: monitor.NewMetrics(), logger: logger}
	opts := []botqueue.DispatcherOption{botqueue.WithObserver(w.metrics), botqueue.WithTextClassifier(text.Hint)}
	if n := cfg.Dispatcher.MaxResultBytes; n > 0 {
		opts = append(opts, botqueue.WithEncoder(&botqueue.JSONEncoder{MaxResultBytes: n}))
	}
	if cfg.Archive.DSN != "" {
		a, err := archive.Open(ctx, archive.Config{
			DSN:           cfg.Archive.DSN,
			Buffer:        cfg.Archive.Buffer,
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, logger)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		opts = append(opts, botqueue.WithObserver(a))
	}

	mux := botqueue.NewMux()
	var notifier *notify.Pipeline

	for _, q := range queues {
		switch q {
		case botqueue.QueueText:
			mux.Handle(q, text.New(out, text.WithPace(cfg.Text.Pace), text.WithLogger(blog)))
		case botqueue.QueueImage:
			var s image.Strategy
			if cfg.Image.Strategy == config.StrategyBaseline {
				s = image.NewBaseline(out, dl, cfg.Image.Pace)
			} else {
				w.pool = compute.New(compute.Config{
					Workers:       cfg.Compute.Workers,
					MaxConcurrent: cfg.Compute.MaxConcurrent,
					TaskTimeout:   cfg.Compute.TaskTimeout,
					MaxRetries:    cfg.Compute.MaxRetries,
					RetryDelay:    cfg.Compute.RetryDelay,
					Downloader:    dl,
					Logger:        blog,
				})
				s = image.NewOptimized(out, w.pool)
				opts = append(opts, botqueue.WithDelegate(w.pool))
			}
			mux.Handle(q, image.New(out, s, blog))
		case botqueue.QueueNotification:
			notifier = notify.New(out,
				notify.WithLogger(blog),
				notify.WithBatch(cfg.Notify.BatchSize, cfg.Notify.BatchDelay))
			mux.Handle(q, notifier)
		}
	}

	if cfg.Events.Enabled {
		opts = append(opts, botqueue.WithObserver(events.NewPublisher(rdb, cfg.Dispatcher.Prefix, cfg.Events.Buffer, blog)))
	}
	w.dispatcher = botqueue.New(rdb, cfg.DispatcherConfig(blog), mux, opts...)
	if notifier != nil {
		notifier.Bind(w.dispatcher)
	}
	return w, nil
}
