// Package compute runs heavy image work on a bounded pool of goroutines.
package compute

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned for requests made after Close.
var ErrClosed = botqueue.Errorf(botqueue.KindUpstream, "compute", "pool closed")

// Downloader fetches source bytes for requests that carry a URL.
type Downloader interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Config holds configuration for the compute pool.
type Config struct {
	// Workers is the number of goroutines executing tasks (default: 2).
	Workers int
	// MaxConcurrent bounds the requests in flight, queued ones included (default: 3).
	MaxConcurrent int
	// TaskTimeout bounds one attempt of a request (default: 120s).
	TaskTimeout time.Duration
	// MaxRetries is the number of attempts for transient failures (default: 2).
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between attempts (default: 1s).
	RetryDelay time.Duration
	// Downloader resolves Request.URL; required for URL requests.
	Downloader Downloader
	Logger     botqueue.Logger
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 120 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = botqueue.NopLogger()
	}
}

// Request is one unit of image work. Data wins over URL.
type Request struct {
	ID       string
	Data     []byte
	URL      string
	Features Features
}

// Metrics is a snapshot of the pool counters.
type Metrics struct {
	Processed     int64   `json:"processed"`
	Failed        int64   `json:"failed"`
	Retried       int64   `json:"retried"`
	InFlight      int64   `json:"in_flight"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	Workers       int     `json:"workers"`
	MaxConcurrent int     `json:"max_concurrent"`
	RSSBytes      uint64  `json:"rss_bytes"`
	LastError     string  `json:"last_error,omitempty"`
}

type taskResult struct {
	res *Result
	err error
}

type task struct {
	ctx      context.Context
	data     []byte
	features Features
	done     chan taskResult
}

// Pool is the compute delegate held by the dispatcher.
type Pool struct {
	cfg   Config
	log   botqueue.Logger
	tasks chan *task
	sem   *semaphore.Weighted
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	closed    atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	inflight  atomic.Int64

	mu        sync.Mutex
	durations []time.Duration
	lastErr   string
	proc      *process.Process
}

var _ botqueue.Delegate = (*Pool)(nil)

// New starts a pool with cfg.Workers goroutines.
func New(cfg Config) *Pool {
	cfg.defaults()
	p := &Pool{
		cfg:   cfg,
		log:   cfg.Logger,
		tasks: make(chan *task),
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		quit:  make(chan struct{}),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker()
		}()
	}
	p.log.Infof("compute pool started: workers=%d max_concurrent=%d task_timeout=%s", cfg.Workers, cfg.MaxConcurrent, cfg.TaskTimeout)
	return p
}

// Process runs req, retrying transient failures (download, task timeout).
func (p *Pool) Process(ctx context.Context, req Request) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	start := time.Now()
	for attempt := 1; ; attempt++ {
		res, err := p.attempt(ctx, req)
		if err == nil {
			p.record(time.Since(start), nil)
			return res, nil
		}
		if ctx.Err() != nil {
			p.record(time.Since(start), err)
			return nil, ctx.Err()
		}
		if attempt >= p.cfg.MaxRetries || !transient(err) {
			p.record(time.Since(start), err)
			return nil, err
		}
		p.retried.Add(1)
		delay := p.cfg.RetryDelay * time.Duration(attempt)
		p.log.Warnf("compute retry: id=%s attempt=%d/%d in %s err=%v", req.ID, attempt+1, p.cfg.MaxRetries, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			p.record(time.Since(start), ctx.Err())
			return nil, ctx.Err()
		}
	}
}

func transient(err error) bool {
	switch botqueue.KindOf(err) {
	case botqueue.KindDownload, botqueue.KindTimeout:
		return true
	}
	return false
}

func (p *Pool) attempt(ctx context.Context, req Request) (*Result, error) {
	data := req.Data
	if len(data) == 0 {
		if req.URL == "" {
			return nil, botqueue.Errorf(botqueue.KindValidation, "compute", "request has neither data nor url")
		}
		if p.cfg.Downloader == nil {
			return nil, botqueue.Errorf(botqueue.KindUpstream, "compute", "no downloader configured")
		}
		var err error
		if data, err = p.cfg.Downloader.Get(ctx, req.URL); err != nil {
			return nil, err
		}
	}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()
	t := &task{ctx: tctx, data: data, features: req.Features, done: make(chan taskResult, 1)}
	select {
	case p.tasks <- t:
	case <-p.quit:
		return nil, ErrClosed
	case <-tctx.Done():
		return nil, p.timeoutErr(ctx)
	}
	select {
	case r := <-t.done:
		return r.res, r.err
	case <-tctx.Done():
		// the worker finishes on its own; its result is dropped
		return nil, p.timeoutErr(ctx)
	}
}

func (p *Pool) timeoutErr(parent context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return botqueue.Errorf(botqueue.KindTimeout, "compute", "task exceeded %s", p.cfg.TaskTimeout)
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			t.done <- p.exec(t)
		}
	}
}

func (p *Pool) exec(t *task) (out taskResult) {
	defer func() {
		if r := recover(); r != nil {
			out = taskResult{err: botqueue.Errorf(botqueue.KindUnknown, "compute", "panic: %v", r)}
		}
	}()
	if err := t.ctx.Err(); err != nil {
		return taskResult{err: err}
	}
	res, err := run(t.data, t.features, t.ctx.Err)
	return taskResult{res: res, err: err}
}

func (p *Pool) record(d time.Duration, err error) {
	if err == nil {
		p.processed.Add(1)
	} else {
		p.failed.Add(1)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.durations = append(p.durations, d)
	if len(p.durations) > 100 {
		p.durations = p.durations[1:]
	}
	if err != nil {
		p.lastErr = err.Error()
	}
}

// Metrics returns a snapshot of the pool counters and the process RSS.
func (p *Pool) Metrics() Metrics {
	m := Metrics{
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		InFlight:      p.inflight.Load(),
		Workers:       p.cfg.Workers,
		MaxConcurrent: p.cfg.MaxConcurrent,
	}
	p.mu.Lock()
	if n := len(p.durations); n > 0 {
		var sum time.Duration
		for _, d := range p.durations {
			sum += d
		}
		m.AvgDurationMs = float64(sum.Milliseconds()) / float64(n)
	}
	m.LastError = p.lastErr
	p.mu.Unlock()

	if p.proc != nil {
		if mi, err := p.proc.MemoryInfo(); err == nil {
			m.RSSBytes = mi.RSS
		}
	}
	return m
}

// Health reports ErrClosed after Close, and an error when more than half of
// the finished requests failed.
func (p *Pool) Health(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	processed, failed := p.processed.Load(), p.failed.Load()
	if failed > 0 && failed > processed/2 {
		return fmt.Errorf("compute degraded: %d of %d requests failed", failed, processed+failed)
	}
	return nil
}

// Close stops the workers after their current task. It is idempotent.
func (p *Pool) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.quit)
		p.wg.Wait()
		p.log.Infof("compute pool closed: processed=%d failed=%d", p.processed.Load(), p.failed.Load())
	})
	return nil
}
