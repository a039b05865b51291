package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/stretchr/testify/require"
)

const sample = `
redis:
  addr: redis:6379
  db: 2
log:
  level: debug
  format: json
telegram:
  token: "123:abc"
image:
  strategy: baseline
  pace: 0.5
compute:
  workers: 4
notify:
  batch_size: 10
  batch_delay: 500ms
dispatcher:
  prefix: game
  shutdown_timeout: 10s
queues:
  text:
    concurrency: 8
    timeout: 30s
  notification:
    attempts: 2
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, err := Load(writeFile(t, dir, "botqueue.yaml", sample))
	require.NoError(t, err)

	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, StrategyBaseline, cfg.Image.Strategy)
	require.Equal(t, 500*time.Millisecond, cfg.Notify.BatchDelay)
	require.Equal(t, 4, cfg.Compute.Workers)
	// untouched defaults survive
	require.True(t, cfg.HTTP.Enabled)
	require.Equal(t, ":8080", cfg.HTTP.Addr)

	dc := cfg.DispatcherConfig(botqueue.NopLogger())
	require.Equal(t, "game", dc.Prefix)
	require.Equal(t, 10*time.Second, dc.ShutdownTimeout)
	text := dc.Queue(botqueue.QueueText)
	require.Equal(t, 8, text.Concurrency)
	require.Equal(t, 30*time.Second, text.Timeout)
	require.Equal(t, 3, text.Attempts)
	require.Equal(t, 2, dc.Queue(botqueue.QueueNotification).Attempts)
	require.Equal(t, 2, dc.Queue(botqueue.QueueImage).Concurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, ".env", "BOTQ_TELEGRAM_TOKEN=from-dotenv\nBOTQ_PREFIX=dotenv\n")
	t.Cleanup(func() { os.Unsetenv("BOTQ_TELEGRAM_TOKEN") })
	t.Setenv("BOTQ_PREFIX", "env")
	t.Setenv("BOTQ_REDIS_URL", "redis://:secret@cache:6380/3")
	t.Setenv("BOTQ_HTTP_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", cfg.Telegram.Token)
	// the real environment wins over .env
	require.Equal(t, "env", cfg.Dispatcher.Prefix)
	require.False(t, cfg.HTTP.Enabled)

	opts, err := cfg.RedisOptions()
	require.NoError(t, err)
	require.Equal(t, "cache:6380", opts.Addr)
	require.Equal(t, "secret", opts.Password)
	require.Equal(t, 3, opts.DB)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, dir, "bad.yaml", "redis: [unterminated"))
	require.Error(t, err)

	t.Setenv("BOTQ_HTTP_ENABLED", "maybe")
	_, err = Load("")
	require.ErrorContains(t, err, "BOTQ_HTTP_ENABLED")
}

func TestValidate(t *testing.T) {
	ok := func() *Config {
		c := Default()
		c.Telegram.DryRun = true
		return c
	}
	require.NoError(t, ok().Validate())

	c := ok()
	c.Telegram.DryRun = false
	require.ErrorContains(t, c.Validate(), "telegram.token")

	c = ok()
	c.Image.Strategy = "gpu"
	require.ErrorContains(t, c.Validate(), "image.strategy")

	c = ok()
	c.Queues = map[string]botqueue.QueueConfig{"video": {}}
	require.ErrorIs(t, c.Validate(), botqueue.ErrUnknownQueue)

	c = ok()
	c.Redis = Redis{}
	require.Error(t, c.Validate())

	c = ok()
	c.Log.Format = "xml"
	require.Error(t, c.Validate())
}

func TestLoad_TokenOnlyRequiredByValidate(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("BOTQ_TELEGRAM_TOKEN", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "telegram.token")
}
