package botqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	rtm "github.com/UniQw/botqueue/internal/runtime"
	"github.com/UniQw/botqueue/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Delegate is a long-lived helper the dispatcher owns, such as the image
// compute pool. It is probed by HealthCheck and closed by Shutdown.
type Delegate interface {
	Health(ctx context.Context) error
	Close() error
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDelegate hands a delegate to the dispatcher.
func WithDelegate(dl Delegate) DispatcherOption {
	return func(d *Dispatcher) { d.delegate = dl }
}

// WithObserver adds an observer on top of Config.Observers.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// TextClassifier sorts a message into a message type and its priority.
type TextClassifier func(text string) (messageType string, priority int)

// WithTextClassifier classifies text jobs submitted with neither a message
// type nor a priority, so their queue position follows the message type.
func WithTextClassifier(c TextClassifier) DispatcherOption {
	return func(d *Dispatcher) { d.textClass = c }
}

// Dispatcher owns the three queues: it accepts submissions, runs one worker
// pool per queue with a registered pipeline and reports stats and health.
type Dispatcher struct {
	rdb       redis.UniversalClient
	st        *store.Store
	rt        *rtm.Runtime
	mux       *Mux
	cfg       Config
	log       Logger
	encoder   Encoder
	delegate  Delegate
	observers []Observer
	textClass TextClassifier
	pollEvery time.Duration

	mu      sync.Mutex
	started bool
	closed  bool

	waitMu  sync.Mutex
	waiters map[string][]chan *Outcome
}

// New creates a dispatcher on rdb. The dispatcher takes ownership of rdb and
// closes it on Shutdown. A nil mux makes a submit-only dispatcher.
func New(rdb redis.UniversalClient, cfg Config, mux *Mux, opts ...DispatcherOption) *Dispatcher {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	if mux == nil {
		mux = NewMux()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	d := &Dispatcher{
		rdb:       rdb,
		st:        store.New(rdb, cfg.Prefix),
		mux:       mux,
		cfg:       cfg,
		log:       l,
		encoder:   &JSONEncoder{},
		observers: append([]Observer(nil), cfg.Observers...),
		pollEvery: 250 * time.Millisecond,
		waiters:   make(map[string][]chan *Outcome),
	}
	for _, opt := range opts {
		opt(d)
	}

	var queues []rtm.QueueConfig
	for _, q := range mux.Queues() {
		qc := cfg.Queue(q)
		queues = append(queues, rtm.QueueConfig{
			Name:          string(q),
			Concurrency:   qc.Concurrency,
			Timeout:       qc.Timeout,
			StallInterval: qc.StallInterval,
			MaxStalled:    qc.MaxStalled,
			KeepCompleted: qc.RetentionCompleted,
			KeepFailed:    qc.RetentionFailed,
		})
	}
	rtc := rtm.Config{
		Queues:              queues,
		PollInterval:        cfg.PollInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
		Logger:              rtLogger{Logger: l},
	}
	d.rt = rtm.New(d.st, rtc, d.execute, rtm.Hooks{Classify: d.classify, Stalled: d.stalled, Observe: d.observe})
	return d
}

// Start launches the worker pools and background maintenance routines.
// It is idempotent and non-blocking.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started || d.closed {
		d.log.Warnf("dispatcher already started or shut down; ignoring Start()")
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	d.log.Infof("starting dispatcher: queues=%v", d.mux.Queues())
	d.rt.Start()
}

// Shutdown stops claiming and waits for in-flight jobs up to
// Config.ShutdownTimeout (or ctx). It then closes observers that implement
// io.Closer and the delegate, and releases the Redis connection.
// Only the first call does any work; later calls return nil.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.started = false
	d.mu.Unlock()
	d.log.Infof("shutting down dispatcher")

	if started {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
		if err := d.rt.Stop(sctx); err != nil {
			d.log.Warnf("drain incomplete, in-flight jobs left to the watchdog: %v", err)
		}
		cancel()
	}

	var errs []error
	for _, o := range d.observers {
		if c, ok := o.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close observer: %w", err))
			}
		}
	}
	if d.delegate != nil {
		if err := d.delegate.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close delegate: %w", err))
		}
	}
	if err := d.rdb.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Handle is returned by Submit; it identifies the job and can wait for its outcome.
type Handle struct {
	ID    string    `json:"id"`
	Queue QueueName `json:"queue"`
	d     *Dispatcher
}

// Submit validates p and stores it as a new job of p's queue. It never waits
// for execution. Invalid payloads fail with a *JobError of kind VALIDATION.
func (d *Dispatcher) Submit(ctx context.Context, p Payload, opts ...Option) (*Handle, error) {
	if d.isClosed() {
		return nil, ErrShutdown
	}
	if p == nil {
		return nil, invalid("payload is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	q := p.Queue()
	qc := d.cfg.Queue(q)
	p = d.classifyText(p)

	o := &options{priority: p.basePriority()}
	var scheduledFor time.Time
	switch np := p.(type) {
	case NotificationPayload:
		scheduledFor = np.notBefore()
	case *NotificationPayload:
		scheduledFor = np.notBefore()
	}
	if !scheduledFor.IsZero() {
		At(scheduledFor)(o)
	}
	for _, opt := range opts {
		opt(o)
	}

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	attempts := o.attempts
	if attempts <= 0 {
		attempts = qc.Attempts
	}
	data, err := d.encoder.Encode(p)
	if err != nil {
		return nil, NewError(KindValidation, "encode payload", err)
	}
	rec := &store.Record{
		ID:          id,
		Queue:       string(q),
		Name:        q.JobName(),
		Payload:     data,
		Priority:    o.priority,
		MaxAttempts: attempts,
		BackoffMs:   qc.Backoff.Milliseconds(),
		Test:        p.IsTest(),
		CreatedAt:   time.Now().UnixMilli(),
	}
	if !scheduledFor.IsZero() {
		rec.ScheduledFor = scheduledFor.UnixMilli()
	}

	if err := d.st.Add(ctx, rec, o.delay); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateJob
		}
		return nil, NewError(KindUpstream, "submit", err)
	}

	ev := Event{Type: EventWaiting, Queue: q, JobID: id}
	if o.delay > 0 {
		ev.Type = EventDelayed
	}
	d.log.Debugf("submitted: id=%s queue=%s priority=%d delay=%s", id, q, o.priority, o.delay)
	d.emit(ev)
	return &Handle{ID: id, Queue: q, d: d}, nil
}

// AddTextGenerationJob submits a text-generation job.
func (d *Dispatcher) AddTextGenerationJob(ctx context.Context, p TextPayload, opts ...Option) (*Handle, error) {
	return d.Submit(ctx, p, opts...)
}

// AddImageProcessingJob submits an image-processing job.
func (d *Dispatcher) AddImageProcessingJob(ctx context.Context, p ImagePayload, opts ...Option) (*Handle, error) {
	return d.Submit(ctx, p, opts...)
}

// AddNotificationJob submits a notification job. A scheduled notification is
// held back until ScheduledFor; one that is already due is rejected with
// ErrScheduledInPast.
func (d *Dispatcher) AddNotificationJob(ctx context.Context, p NotificationPayload, opts ...Option) (*Handle, error) {
	return d.Submit(ctx, p, opts...)
}

// Wait blocks until the job completes or fails for good, or ctx ends.
// It works for jobs run by any process sharing the store.
func (h *Handle) Wait(ctx context.Context) (*Outcome, error) {
	d := h.d
	ch := d.subscribe(h.ID)
	defer d.unsubscribe(h.ID, ch)

	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case o := <-ch:
			return o, nil
		default:
		}
		rec, err := d.st.Get(ctx, string(h.Queue), h.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// trimmed right after finishing; the event may still be on its way
			select {
			case o := <-ch:
				return o, nil
			case <-time.After(d.pollEvery):
				return nil, ErrJobNotFound
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case err != nil:
			return nil, NewError(KindUpstream, "wait", err)
		case State(rec.State).Terminal():
			return outcomeFromRecord(rec), nil
		}
		select {
		case o := <-ch:
			return o, nil
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func outcomeFromRecord(rec *store.Record) *Outcome {
	o := &Outcome{
		JobID:    rec.ID,
		Queue:    QueueName(rec.Queue),
		State:    State(rec.State),
		Attempts: rec.Attempts,
		Kind:     ErrorKind(rec.ErrorKind),
		Error:    rec.LastError,
	}
	if len(rec.Result) > 0 {
		o.Result = json.RawMessage(rec.Result)
	}
	if o.State == StateCompleted {
		o.Kind, o.Error = "", ""
	}
	return o
}

func (d *Dispatcher) subscribe(id string) chan *Outcome {
	ch := make(chan *Outcome, 1)
	d.waitMu.Lock()
	d.waiters[id] = append(d.waiters[id], ch)
	d.waitMu.Unlock()
	return ch
}

func (d *Dispatcher) unsubscribe(id string, ch chan *Outcome) {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	list := d.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.waiters, id)
	} else {
		d.waiters[id] = list
	}
}

func (d *Dispatcher) resolve(ev Event) {
	o := &Outcome{JobID: ev.JobID, Queue: ev.Queue, Attempts: ev.Attempt, Result: ev.Result}
	if ev.Type == EventCompleted {
		o.State = StateCompleted
	} else {
		o.State, o.Kind, o.Error = StateFailed, ev.Kind, ev.Error
	}
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	for _, ch := range d.waiters[ev.JobID] {
		select {
		case ch <- o:
		default:
		}
	}
}

// execute adapts a stored record to the queue's pipeline.
func (d *Dispatcher) execute(ctx context.Context, rec *store.Record) ([]byte, error) {
	job := jobFromRecord(rec)
	p, ok := d.mux.pipeline(job.Queue)
	if !ok {
		return nil, NewError(KindUnknown, "dispatch", ErrNoPipeline)
	}
	res, err := d.mux.wrap(p.Process)(ctx, job)
	if err != nil {
		return nil, err
	}
	b, err := encodeResult(d.encoder, res)
	if err != nil {
		return nil, NewError(KindUnknown, "encode result", err)
	}
	return b, nil
}

func (d *Dispatcher) classifyText(p Payload) Payload {
	if d.textClass == nil {
		return p
	}
	var tp TextPayload
	switch v := p.(type) {
	case TextPayload:
		tp = v
	case *TextPayload:
		tp = *v
	default:
		return p
	}
	if tp.MessageType != "" || tp.Priority != 0 {
		return p
	}
	tp.MessageType, tp.Priority = d.textClass(tp.Text)
	return tp
}

// classify logs a failed attempt, decides on a retry and, when the job is
// done for good, lets the pipeline tell the user.
func (d *Dispatcher) classify(_ context.Context, rec *store.Record, err error) rtm.Verdict {
	je := AsJobError(err)
	retry := je.Kind.Retryable() && rec.Attempts < rec.MaxAttempts
	d.log.Warnf("pipeline error: id=%s queue=%s attempt=%d/%d kind=%s err=%v payload=%s",
		rec.ID, rec.Queue, rec.Attempts, rec.MaxAttempts, je.Kind, je.Err, truncate(rec.Payload, 160))

	if !retry && !rec.Test {
		if p, ok := d.mux.pipeline(QueueName(rec.Queue)); ok {
			if r, ok := p.(FailureReporter); ok {
				d.report(r, jobFromRecord(rec), je)
			}
		}
	}

	qc := QueueConfig{Backoff: time.Duration(rec.BackoffMs) * time.Millisecond}
	if qc.Backoff <= 0 {
		qc.Backoff = d.cfg.Queue(QueueName(rec.Queue)).Backoff
	}
	return rtm.Verdict{Kind: string(je.Kind), Message: je.Error(), Retry: retry, Delay: qc.backoff(rec.Attempts)}
}

// stalled tells the user about a job the watchdog gave up on.
func (d *Dispatcher) stalled(_ context.Context, rec *store.Record) {
	if rec == nil || rec.Test {
		return
	}
	p, ok := d.mux.pipeline(QueueName(rec.Queue))
	if !ok {
		return
	}
	if r, ok := p.(FailureReporter); ok {
		d.report(r, jobFromRecord(rec), NewError(KindStalled, "watchdog", errors.New(rec.LastError)))
	}
}

func (d *Dispatcher) report(r FailureReporter, job *Job, je *JobError) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			d.log.Errorf("failure report panicked: id=%s queue=%s err=%v", job.ID, job.Queue, v)
		}
	}()
	r.ReportFailure(ctx, job, je)
}

func (d *Dispatcher) observe(e rtm.Event) {
	ev := Event{
		Type:     EventType(e.Type),
		Queue:    QueueName(e.Queue),
		JobID:    e.JobID,
		Attempt:  e.Attempt,
		Progress: e.Progress,
		Kind:     ErrorKind(e.Kind),
		Error:    e.Error,
		Duration: e.Duration,
		At:       e.At,
	}
	if len(e.Result) > 0 {
		ev.Result = json.RawMessage(e.Result)
	}
	if ev.Terminal() {
		d.resolve(ev)
	}
	d.emit(ev)
}

func (d *Dispatcher) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, o := range d.observers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					d.log.Errorf("observer panicked: event=%s id=%s err=%v", ev.Type, ev.JobID, v)
				}
			}()
			o.Observe(ev)
		}()
	}
}

// QueueStats is a read-only snapshot of one queue.
type QueueStats struct {
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Delayed   int64  `json:"delayed"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Paused    bool   `json:"paused"`
	Error     string `json:"error,omitempty"`
}

// Stats returns a snapshot of every queue. It never fails: a queue whose
// counts cannot be read carries Error instead.
func (d *Dispatcher) Stats(ctx context.Context) map[QueueName]QueueStats {
	out := make(map[QueueName]QueueStats, len(AllQueues))
	for _, q := range AllQueues {
		c, err := d.st.Counts(ctx, string(q))
		if err != nil {
			out[q] = QueueStats{Error: err.Error()}
			continue
		}
		out[q] = QueueStats{
			Waiting:   c.Waiting,
			Active:    c.Active,
			Delayed:   c.Delayed,
			Completed: c.Completed,
			Failed:    c.Failed,
			Paused:    c.Paused,
		}
	}
	return out
}

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// Health is the result of a health probe.
type Health struct {
	Status         string `json:"status"`
	StoreConnected bool   `json:"store_connected"`
	Delegate       string `json:"delegate,omitempty"`
	Error          string `json:"error,omitempty"`
}

// HealthCheck probes the store and the delegate. It never fails.
func (d *Dispatcher) HealthCheck(ctx context.Context) (h Health) {
	h.Status = HealthDegraded
	defer func() {
		if v := recover(); v != nil {
			h = Health{Status: HealthDegraded, Error: fmt.Sprint(v)}
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.st.Ping(ctx); err != nil {
		h.Error = err.Error()
		return h
	}
	h.StoreConnected = true
	if d.delegate != nil {
		if err := d.delegate.Health(ctx); err != nil {
			h.Delegate = err.Error()
			return h
		}
		h.Delegate = "ok"
	}
	h.Status = HealthHealthy
	return h
}

// Pause stops every process from claiming jobs of q. Submissions are still accepted.
func (d *Dispatcher) Pause(ctx context.Context, q QueueName) error {
	if err := knownQueue(q); err != nil {
		return err
	}
	d.log.Infof("pausing queue=%s", q)
	return d.st.Pause(ctx, string(q))
}

// Resume undoes Pause.
func (d *Dispatcher) Resume(ctx context.Context, q QueueName) error {
	if err := knownQueue(q); err != nil {
		return err
	}
	d.log.Infof("resuming queue=%s", q)
	return d.st.Resume(ctx, string(q))
}

// Clean removes all jobs of q in state and returns how many were removed.
func (d *Dispatcher) Clean(ctx context.Context, q QueueName, state State) (int, error) {
	if err := knownQueue(q); err != nil {
		return 0, err
	}
	n, err := d.st.Clean(ctx, string(q), string(state))
	switch {
	case errors.Is(err, store.ErrActive):
		return 0, ErrActiveState
	case errors.Is(err, store.ErrUnknownState):
		return 0, ErrUnknownState
	}
	if err == nil {
		d.log.Infof("cleaned queue=%s state=%s removed=%d", q, state, n)
	}
	return n, err
}

// GetJob returns a snapshot of a job.
func (d *Dispatcher) GetJob(ctx context.Context, q QueueName, id string) (*Job, error) {
	if err := knownQueue(q); err != nil {
		return nil, err
	}
	rec, err := d.st.Get(ctx, string(q), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobFromRecord(rec), nil
}

// InFlight returns how many jobs of q this process is executing.
func (d *Dispatcher) InFlight(q QueueName) int64 { return d.rt.InFlight(string(q)) }

// Delegate returns the delegate handed over with WithDelegate, if any.
func (d *Dispatcher) Delegate() Delegate { return d.delegate }

// Config returns the dispatcher configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

func knownQueue(q QueueName) error {
	for _, k := range AllQueues {
		if k == q {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
