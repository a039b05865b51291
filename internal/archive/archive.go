// Package archive copies terminal job events into PostgreSQL so they outlive
// the capped Redis retention lists.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_jobs (
	queue        TEXT        NOT NULL,
	job_id       TEXT        NOT NULL,
	state        TEXT        NOT NULL,
	attempt      INTEGER     NOT NULL DEFAULT 0,
	error_kind   TEXT        NOT NULL DEFAULT '',
	error        TEXT        NOT NULL DEFAULT '',
	result       JSONB,
	duration_ms  BIGINT      NOT NULL DEFAULT 0,
	finished_at  TIMESTAMPTZ NOT NULL,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (queue, job_id)
)`

const insertRow = `
INSERT INTO archived_jobs (queue, job_id, state, attempt, error_kind, error, result, duration_ms, finished_at)
VALUES (:queue, :job_id, :state, :attempt, :error_kind, :error, CAST(:result AS JSONB), :duration_ms, :finished_at)
ON CONFLICT (queue, job_id) DO UPDATE SET
	state = EXCLUDED.state,
	attempt = EXCLUDED.attempt,
	error_kind = EXCLUDED.error_kind,
	error = EXCLUDED.error,
	result = EXCLUDED.result,
	duration_ms = EXCLUDED.duration_ms,
	finished_at = EXCLUDED.finished_at,
	archived_at = NOW()`

// Row is one archived job.
type Row struct {
	Queue      string    `db:"queue" json:"queue"`
	JobID      string    `db:"job_id" json:"job_id"`
	State      string    `db:"state" json:"state"`
	Attempt    int       `db:"attempt" json:"attempt"`
	ErrorKind  string    `db:"error_kind" json:"error_kind,omitempty"`
	Error      string    `db:"error" json:"error,omitempty"`
	Result     *string   `db:"result" json:"result,omitempty"`
	DurationMs int64     `db:"duration_ms" json:"duration_ms"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
}

// Config holds the archive settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Buffer is the number of pending rows held in memory (default: 1024).
	Buffer int
	// BatchSize caps the rows of one INSERT (default: 100).
	BatchSize int
	// FlushInterval bounds how long a row waits for its batch (default: 1s).
	FlushInterval time.Duration
}

func (c *Config) defaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 5
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// Archiver is a botqueue.Observer that writes terminal events in batches.
type Archiver struct {
	db     *sqlx.DB
	cfg    Config
	logger *slog.Logger
	rows   chan Row
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

var _ botqueue.Observer = (*Archiver)(nil)

// Open connects to PostgreSQL, creates the table if needed and starts the writer.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Archiver, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect archive: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return start(db, cfg, logger), nil
}

func start(db *sqlx.DB, cfg Config, logger *slog.Logger) *Archiver {
	a := &Archiver{
		db:     db,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "archive")),
		rows:   make(chan Row, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

// rowFrom converts a terminal event; ok is false for every other event.
func rowFrom(e botqueue.Event) (Row, bool) {
	if !e.Terminal() {
		return Row{}, false
	}
	r := Row{
		Queue:      string(e.Queue),
		JobID:      e.JobID,
		State:      string(e.Type),
		Attempt:    e.Attempt,
		ErrorKind:  string(e.Kind),
		Error:      e.Error,
		DurationMs: e.Duration.Milliseconds(),
		FinishedAt: e.At,
	}
	if len(e.Result) > 0 {
		s := string(e.Result)
		r.Result = &s
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	return r, true
}

func (a *Archiver) Observe(e botqueue.Event) {
	row, ok := rowFrom(e)
	if !ok {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.rows <- row:
	default:
		n := a.dropped.Add(1)
		a.logger.Warn("archive buffer full, row dropped", slog.String("job_id", row.JobID), slog.Int64("dropped", n))
	}
}

func (a *Archiver) loop() {
	defer close(a.done)
	t := time.NewTicker(a.cfg.FlushInterval)
	defer t.Stop()
	batch := make([]Row, 0, a.cfg.BatchSize)
	for {
		select {
		case r, ok := <-a.rows:
			if !ok {
				a.flush(batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= a.cfg.BatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-t.C:
			a.flush(batch)
			batch = batch[:0]
		}
	}
}

func (a *Archiver) flush(batch []Row) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Insert(ctx, batch); err != nil {
		a.logger.Error("archive insert failed", slog.Int("rows", len(batch)), slog.Any("error", err))
		return
	}
	a.logger.Debug("archived", slog.Int("rows", len(batch)))
}

// Insert upserts rows in one transaction.
func (a *Archiver) Insert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, insertRow)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r); err != nil {
			return fmt.Errorf("insert archived job %s: %w", r.JobID, err)
		}
	}
	return tx.Commit()
}

// Recent returns the latest archived jobs of queue, newest first. An empty
// queue matches every queue.
func (a *Archiver) Recent(ctx context.Context, queue string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []Row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT queue, job_id, state, attempt, error_kind, error, result::TEXT AS result, duration_ms, finished_at
		FROM archived_jobs
		WHERE $1 = '' OR queue = $1
		ORDER BY finished_at DESC
		LIMIT $2`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("select archived jobs: %w", err)
	}
	return rows, nil
}

// Dropped returns the number of rows lost to a full buffer.
func (a *Archiver) Dropped() int64 { return a.dropped.Load() }

// Close flushes pending rows and closes the database. It is idempotent.
func (a *Archiver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.rows)
	a.mu.Unlock()
	<-a.done
	return a.db.Close()
}
