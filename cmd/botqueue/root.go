package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/config"
	"github.com/UniQw/botqueue/internal/pipeline/text"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	redisAddr string
	noColor   bool
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

var rootCmd = &cobra.Command{
	Use:   "botqueue",
	Short: "Background job workers for the party-game bot",
	Long: `botqueue runs the text-generation, image-processing and notification
workers of the bot and lets operators submit jobs, inspect queues and tail
job events.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("BOTQ_CONFIG"), "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address or redis:// URL, overrides the config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")
}

// loadConfig reads the configuration and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	switch {
	case redisAddr == "":
	case strings.HasPrefix(redisAddr, "redis://"), strings.HasPrefix(redisAddr, "rediss://"):
		cfg.Redis.URL = redisAddr
	default:
		cfg.Redis.URL = ""
		cfg.Redis.Addr = redisAddr
	}
	return cfg, nil
}

func newRedis(cfg *config.Config) (*redis.Client, error) {
	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, fmt.Errorf("redis options: %w", err)
	}
	return redis.NewClient(opts), nil
}

// withClient opens a submit-only dispatcher for the duration of fn.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, d *botqueue.Dispatcher) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rdb, err := newRedis(cfg)
	if err != nil {
		return err
	}
	d := botqueue.New(rdb, cfg.DispatcherConfig(botqueue.NopLogger()), nil, botqueue.WithTextClassifier(text.Hint))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	}()
	return fn(cmd.Context(), d)
}

func parseQueueArg(s string) (botqueue.QueueName, error) {
	q, err := botqueue.ParseQueue(s)
	if err != nil {
		return "", fmt.Errorf("%w (want one of text, image, notify)", err)
	}
	return q, nil
}
