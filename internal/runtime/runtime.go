package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/botqueue/internal/hctx"
	"github.com/UniQw/botqueue/internal/store"
)

var (
	// ErrTimeout is returned for an attempt that outlived its queue's time budget.
	ErrTimeout = errors.New("execution exceeded queue time budget")
	// ErrPanic wraps a value recovered from a panicking executor.
	ErrPanic = errors.New("pipeline panic")
	// errAborted marks an attempt cut short by a hard stop; the job is left
	// leased so the watchdog hands it to another worker.
	errAborted = errors.New("aborted by shutdown")
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// QueueConfig parameterizes the pool of one queue.
type QueueConfig struct {
	Name          string
	Concurrency   int
	Timeout       time.Duration // 0 disables the race
	StallInterval time.Duration // lease length; the heartbeat renews at half of it
	MaxStalled    int
	KeepCompleted int
	KeepFailed    int
}

type Config struct {
	Queues []QueueConfig
	// PollInterval is how long an idle worker sleeps after an empty claim.
	PollInterval time.Duration
	// MaintenanceInterval drives the promoter and the stall watchdog.
	MaintenanceInterval time.Duration
	Logger              Logger
}

// Executor runs one attempt of a job and returns its encoded result.
type Executor func(ctx context.Context, rec *store.Record) ([]byte, error)

// Verdict is the outcome of classifying a failed attempt.
type Verdict struct {
	Kind    string
	Message string
	Retry   bool
	Delay   time.Duration
}

// Classifier turns an attempt error into a Verdict. It may report the failure
// to the user before returning.
type Classifier func(ctx context.Context, rec *store.Record, err error) Verdict

type EventType string

const (
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is a lifecycle notification emitted by the runtime.
type Event struct {
	Type     EventType
	Queue    string
	JobID    string
	Attempt  int
	Progress int
	Kind     string
	Error    string
	Result   []byte
	Duration time.Duration
	At       time.Time
}

// Hooks connect the runtime to its owner.
type Hooks struct {
	Classify Classifier
	// Stalled is called for a job the watchdog failed for good, before its
	// failed event is emitted. rec is nil if the record is already gone.
	Stalled func(ctx context.Context, rec *store.Record)
	Observe func(Event)
}

type Runtime struct {
	st    *store.Store
	cfg   Config
	exec  Executor
	hooks Hooks
	log   Logger

	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	claimCtx  context.Context
	stopClaim context.CancelFunc
	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  map[string]*atomic.Int64
}

// New creates a runtime that manages one worker pool per configured queue.
func New(st *store.Store, cfg Config, exec Executor, hooks Hooks) *Runtime {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 200 * time.Millisecond
	}
	inflight := make(map[string]*atomic.Int64, len(cfg.Queues))
	for _, q := range cfg.Queues {
		inflight[q.Name] = new(atomic.Int64)
	}
	return &Runtime{st: st, cfg: cfg, exec: exec, hooks: hooks, log: lg, inflight: inflight}
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.claimCtx, rt.stopClaim = context.WithCancel(context.Background())
	rt.runCtx, rt.cancelRun = context.WithCancel(context.Background())
	rt.mu.Unlock()

	for _, q := range rt.cfg.Queues {
		rt.log.Infof("runtime starting: queue=%s concurrency=%d timeout=%s", q.Name, q.Concurrency, q.Timeout)
		for i := 0; i < q.Concurrency; i++ {
			rt.wg.Add(1)
			go func(q QueueConfig) {
				defer rt.wg.Done()
				rt.workerLoop(q)
			}(q)
		}

		// Delayed promoter: move due jobs from delayed to waiting
		rt.wg.Add(1)
		go func(q QueueConfig) {
			defer rt.wg.Done()
			rt.tick(func() {
				if _, err := rt.st.Promote(rt.runCtx, q.Name, time.Now(), 256); err != nil {
					rt.log.Warnf("promoter: script failed queue=%s err=%v", q.Name, err)
				}
			})
		}(q)

		// Stall watchdog: requeue or fail jobs whose lease expired
		rt.wg.Add(1)
		go func(q QueueConfig) {
			defer rt.wg.Done()
			rt.tick(func() { rt.reclaim(q) })
		}(q)
	}
}

// Stop stops claiming and waits for in-flight attempts. If ctx ends first,
// in-flight attempts are cancelled and left to the stall watchdog.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return nil
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.stopClaim()
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		rt.cancelRun()
		return nil
	case <-ctx.Done():
		rt.log.Warnf("runtime stop: drain deadline reached, aborting in-flight jobs")
		rt.cancelRun()
		<-done
		return ctx.Err()
	}
}

// InFlight returns how many attempts of queue are executing in this process.
func (rt *Runtime) InFlight(queue string) int64 {
	if c, ok := rt.inflight[queue]; ok {
		return c.Load()
	}
	return 0
}

// Queues exposes the configured queues.
func (rt *Runtime) Queues() []QueueConfig { return rt.cfg.Queues }

func (rt *Runtime) tick(fn func()) {
	ticker := time.NewTicker(rt.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.claimCtx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (rt *Runtime) reclaim(q QueueConfig) {
	out, err := rt.st.Reclaim(rt.runCtx, q.Name, time.Now(), q.MaxStalled, q.KeepFailed, 256)
	if err != nil {
		rt.log.Warnf("watchdog: script failed queue=%s err=%v", q.Name, err)
	}
	for _, r := range out {
		if r.Failed {
			rt.log.Errorf("stalled too often, failing: id=%s queue=%s", r.ID, q.Name)
			rt.stalled(q, r.ID)
			rt.emit(Event{Type: EventFailed, Queue: q.Name, JobID: r.ID, Kind: store.KindStalled, Error: "job stalled more than allowable limit"})
			continue
		}
		rt.log.Warnf("stalled, requeued: id=%s queue=%s", r.ID, q.Name)
		rt.emit(Event{Type: EventStalled, Queue: q.Name, JobID: r.ID})
	}
}

func (rt *Runtime) stalled(q QueueConfig, id string) {
	if rt.hooks.Stalled == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := rt.st.Get(ctx, q.Name, id)
	if err != nil {
		rt.log.Warnf("watchdog: load failed job: id=%s queue=%s err=%v", id, q.Name, err)
		rec = nil
	}
	rt.hooks.Stalled(ctx, rec)
}

func (rt *Runtime) workerLoop(q QueueConfig) {
	for {
		select {
		case <-rt.claimCtx.Done():
			return
		default:
		}

		rec, err := rt.st.Claim(rt.runCtx, q.Name, q.StallInterval)
		if err != nil {
			rt.log.Warnf("claim failed: queue=%s err=%v", q.Name, err)
		}
		if rec == nil {
			select {
			case <-rt.claimCtx.Done():
				return
			case <-time.After(rt.cfg.PollInterval):
			}
			continue
		}
		rt.process(q, rec)
	}
}

type attempt struct {
	res []byte
	err error
}

func (rt *Runtime) process(q QueueConfig, rec *store.Record) {
	start := time.Now()
	counter := rt.inflight[q.Name]
	counter.Add(1)
	defer counter.Add(-1)

	rt.log.Debugf("claimed: id=%s queue=%s attempt=%d/%d", rec.ID, q.Name, rec.Attempts, rec.MaxAttempts)
	rt.emit(Event{Type: EventActive, Queue: q.Name, JobID: rec.ID, Attempt: rec.Attempts})

	var st *hctx.State
	st = hctx.New(func(p int) {
		// progress persistence is best effort; the attempt goes on regardless
		ok, err := rt.st.Touch(rt.runCtx, q.Name, rec.ID, rec.Attempts, p, q.StallInterval)
		switch {
		case err != nil:
			rt.log.Warnf("progress persist failed: id=%s queue=%s err=%v", rec.ID, q.Name, err)
		case !ok:
			rt.leaseLost(q, rec, st)
			return
		}
		rt.emit(Event{Type: EventProgress, Queue: q.Name, JobID: rec.ID, Attempt: rec.Attempts, Progress: p})
	})
	base := hctx.WithState(rt.runCtx, st)
	ctx, cancel := context.WithCancel(base)
	if q.Timeout > 0 {
		ctx, cancel = context.WithTimeout(base, q.Timeout)
	}
	defer cancel()

	stopHeartbeat := rt.heartbeat(q, rec, st)
	done := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attempt{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		res, err := rt.exec(ctx, rec)
		done <- attempt{res: res, err: err}
	}()

	var out attempt
	select {
	case out = <-done:
	case <-ctx.Done():
		// The timer wins; whatever the executor returns later is dropped.
		st.Abandon()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("%w (%s)", ErrTimeout, q.Timeout)
		} else {
			out.err = errAborted
		}
	}
	if out.err != nil && rt.runCtx.Err() != nil {
		out.err = errAborted
	}
	stopHeartbeat()
	rt.settle(q, rec, out, time.Since(start))
}

func (rt *Runtime) settle(q QueueConfig, rec *store.Record, out attempt, took time.Duration) {
	if errors.Is(out.err, errAborted) {
		rt.log.Warnf("aborted: id=%s queue=%s; left for the watchdog", rec.ID, q.Name)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if out.err == nil {
		ok, err := rt.st.Complete(ctx, q.Name, rec.ID, rec.Attempts, out.res, q.KeepCompleted)
		if err != nil {
			rt.log.Errorf("complete failed: id=%s queue=%s err=%v", rec.ID, q.Name, err)
			return
		}
		if !ok {
			rt.log.Warnf("lease lost, result discarded: id=%s queue=%s", rec.ID, q.Name)
			return
		}
		rt.log.Debugf("completed: id=%s queue=%s took=%s", rec.ID, q.Name, took)
		rt.emit(Event{Type: EventCompleted, Queue: q.Name, JobID: rec.ID, Attempt: rec.Attempts, Progress: 100, Result: out.res, Duration: took})
		return
	}

	// Classify may tell the user, so a worker that lost the job stops here.
	if held, err := rt.st.Touch(ctx, q.Name, rec.ID, rec.Attempts, -1, q.StallInterval); err == nil && !held {
		rt.log.Warnf("lease lost, failure discarded: id=%s queue=%s err=%v", rec.ID, q.Name, out.err)
		return
	}
	v := Verdict{Kind: "UNKNOWN", Message: out.err.Error()}
	if rt.hooks.Classify != nil {
		v = rt.hooks.Classify(ctx, rec, out.err)
	}
	f := store.Failure{Kind: v.Kind, Message: v.Message}
	if v.Retry {
		f.RetryAt = time.Now().Add(v.Delay)
	}
	state, err := rt.st.Fail(ctx, q.Name, rec.ID, rec.Attempts, f, q.KeepFailed)
	if err != nil {
		rt.log.Errorf("retry/fail transition failed: id=%s queue=%s err=%v", rec.ID, q.Name, err)
		return
	}
	ev := Event{Queue: q.Name, JobID: rec.ID, Attempt: rec.Attempts, Kind: v.Kind, Error: v.Message, Duration: took}
	switch state {
	case store.StateDelayed:
		rt.log.Warnf("attempt failed, retrying in %s: id=%s queue=%s kind=%s err=%s", v.Delay, rec.ID, q.Name, v.Kind, v.Message)
		ev.Type = EventRetrying
	case store.StateFailed:
		rt.log.Errorf("failed: id=%s queue=%s kind=%s attempts=%d err=%s", rec.ID, q.Name, v.Kind, rec.Attempts, v.Message)
		ev.Type = EventFailed
	default:
		rt.log.Warnf("lease lost, failure discarded: id=%s queue=%s", rec.ID, q.Name)
		return
	}
	rt.emit(ev)
}

// leaseLost abandons an attempt whose job was reclaimed, so it can no longer deliver.
func (rt *Runtime) leaseLost(q QueueConfig, rec *store.Record, st *hctx.State) {
	if st.Abandoned() {
		return
	}
	rt.log.Warnf("lease lost, abandoning attempt: id=%s queue=%s attempt=%d", rec.ID, q.Name, rec.Attempts)
	st.Abandon()
}

// heartbeat renews the lease of rec's attempt while it runs. A lost lease
// abandons the attempt.
func (rt *Runtime) heartbeat(q QueueConfig, rec *store.Record, st *hctx.State) func() {
	every := q.StallInterval / 2
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := rt.st.Touch(rt.runCtx, q.Name, rec.ID, rec.Attempts, -1, q.StallInterval)
				if err != nil {
					rt.log.Warnf("heartbeat failed: id=%s queue=%s err=%v", rec.ID, q.Name, err)
				} else if !ok {
					rt.leaseLost(q, rec, st)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (rt *Runtime) emit(ev Event) {
	if rt.hooks.Observe == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	rt.hooks.Observe(ev)
}
