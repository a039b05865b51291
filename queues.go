package botqueue

import (
	"fmt"
	"time"
)

// QueueName identifies one job family. It is fixed for a job's lifetime.
type QueueName string

const (
	QueueText         QueueName = "text-generation"
	QueueImage        QueueName = "image-processing"
	QueueNotification QueueName = "notification"
)

// AllQueues lists the job families in a stable order.
var AllQueues = []QueueName{QueueText, QueueImage, QueueNotification}

// ParseQueue accepts a queue name or its short alias (text, image, notify).
func ParseQueue(s string) (QueueName, error) {
	switch s {
	case string(QueueText), "text":
		return QueueText, nil
	case string(QueueImage), "image":
		return QueueImage, nil
	case string(QueueNotification), "notify":
		return QueueNotification, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownQueue, s)
}

// JobName is the name stored on every job of the queue.
func (q QueueName) JobName() string {
	switch q {
	case QueueText:
		return "generate-text"
	case QueueImage:
		return "process-image"
	case QueueNotification:
		return "send-notification"
	}
	return string(q)
}

// QueueConfig holds the per-queue execution and retention policy.
type QueueConfig struct {
	// Concurrency is the number of jobs one process runs at once for the queue.
	Concurrency int `yaml:"concurrency"`
	// Timeout is the wall-clock budget of one attempt. Negative disables it.
	Timeout time.Duration `yaml:"timeout"`
	// RetentionCompleted is how many completed jobs are kept. Negative keeps all.
	RetentionCompleted int `yaml:"retention_completed"`
	// RetentionFailed is how many failed jobs are kept. Negative keeps all.
	RetentionFailed int `yaml:"retention_failed"`
	// Attempts is the total number of attempts, first run included.
	Attempts int `yaml:"attempts"`
	// Backoff is the base delay of the exponential retry schedule.
	Backoff time.Duration `yaml:"backoff"`
	// StallInterval is the lease length; a job that is not renewed within it is stalled.
	StallInterval time.Duration `yaml:"stall_interval"`
	// MaxStalled is how many stalls are tolerated before the job fails.
	MaxStalled int `yaml:"max_stalled"`
}

// DefaultQueueConfig returns the built-in policy of queue q.
func DefaultQueueConfig(q QueueName) QueueConfig {
	c := QueueConfig{StallInterval: 30 * time.Second, MaxStalled: 1}
	switch q {
	case QueueText:
		c.Concurrency, c.Timeout = 5, 60*time.Second
		c.RetentionCompleted, c.RetentionFailed = 25, 50
		c.Attempts, c.Backoff = 3, 2*time.Second
	case QueueImage:
		c.Concurrency, c.Timeout = 2, 120*time.Second
		c.RetentionCompleted, c.RetentionFailed = 15, 30
		c.Attempts, c.Backoff = 2, 3*time.Second
	case QueueNotification:
		c.Concurrency = 10
		c.RetentionCompleted, c.RetentionFailed = 50, 100
		c.Attempts, c.Backoff = 5, time.Second
	}
	return c
}

// merge fills zero fields of c from def. Zero retention means "use default";
// use a negative value to keep every job.
func (c QueueConfig) merge(def QueueConfig) QueueConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.RetentionCompleted == 0 {
		c.RetentionCompleted = def.RetentionCompleted
	}
	if c.RetentionFailed == 0 {
		c.RetentionFailed = def.RetentionFailed
	}
	if c.Attempts <= 0 {
		c.Attempts = def.Attempts
	}
	if c.Backoff <= 0 {
		c.Backoff = def.Backoff
	}
	if c.StallInterval <= 0 {
		c.StallInterval = def.StallInterval
	}
	if c.MaxStalled <= 0 {
		c.MaxStalled = def.MaxStalled
	}
	return c
}

// Config defines the configuration of a Dispatcher.
type Config struct {
	// Queues overrides the policy per queue; missing queues and zero fields use DefaultQueueConfig.
	Queues map[QueueName]QueueConfig
	// Prefix namespaces every Redis key. Defaults to "botq".
	Prefix string
	// ShutdownTimeout bounds how long Shutdown waits for in-flight jobs.
	ShutdownTimeout time.Duration
	// PollInterval is how long an idle worker sleeps between empty claims.
	PollInterval time.Duration
	// MaintenanceInterval drives delayed promotion and the stall watchdog.
	MaintenanceInterval time.Duration
	// Logger is the logger used for dispatcher and worker events.
	Logger Logger
	// Observers receive every lifecycle event.
	Observers []Observer
}

// DefaultConfig returns the built-in configuration of all three queues.
func DefaultConfig() Config {
	qs := make(map[QueueName]QueueConfig, len(AllQueues))
	for _, q := range AllQueues {
		qs[q] = DefaultQueueConfig(q)
	}
	return Config{Queues: qs, ShutdownTimeout: 30 * time.Second}
}

// Queue returns the effective policy of q.
func (c Config) Queue(q QueueName) QueueConfig {
	return c.Queues[q].merge(DefaultQueueConfig(q))
}

// backoff returns the retry delay after the given attempt (1-based).
func (c QueueConfig) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return c.Backoff * time.Duration(1<<(attempt-1))
}
