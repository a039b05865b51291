package botqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = NopLogger()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaintenanceInterval = 20 * time.Millisecond
	for q, qc := range cfg.Queues {
		qc.Backoff = 10 * time.Millisecond
		qc.StallInterval = 2 * time.Second
		cfg.Queues[q] = qc
	}
	return cfg
}

func newTestDispatcher(t *testing.T, cfg Config, mux *Mux, opts ...DispatcherOption) (*Dispatcher, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	d := New(rdb, cfg, mux, opts...)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d, s
}

func waitOutcome(t *testing.T, h *Handle) *Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := h.Wait(ctx)
	require.NoError(t, err)
	return o
}

type reporterPipeline struct {
	fn      ProcessFunc
	mu      sync.Mutex
	reports []*JobError
}

func (p *reporterPipeline) Process(ctx context.Context, j *Job) (any, error) { return p.fn(ctx, j) }

func (p *reporterPipeline) ReportFailure(_ context.Context, _ *Job, err *JobError) {
	p.mu.Lock()
	p.reports = append(p.reports, err)
	p.mu.Unlock()
}

func (p *reporterPipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reports)
}

type fakeDelegate struct {
	err    error
	closed atomic.Int32
}

func (f *fakeDelegate) Health(context.Context) error { return f.err }
func (f *fakeDelegate) Close() error                 { f.closed.Add(1); return nil }

func TestDispatcher_SubmitRejectsInvalidPayload(t *testing.T) {
	d, _ := newTestDispatcher(t, fastConfig(), nil)
	ctx := context.Background()

	_, err := d.AddTextGenerationJob(ctx, TextPayload{ChatID: 1})
	require.Error(t, err)
	require.True(t, IsValidation(err))

	_, err = d.AddNotificationJob(ctx, NotificationPayload{Type: "carrier-pigeon", Recipients: []int64{1}, Message: "x"})
	require.True(t, IsValidation(err))

	require.Equal(t, int64(0), d.Stats(ctx)[QueueText].Waiting)
	require.Equal(t, int64(0), d.Stats(ctx)[QueueNotification].Waiting)
}

func TestDispatcher_ScheduledNotification(t *testing.T) {
	d, _ := newTestDispatcher(t, fastConfig(), nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := d.AddNotificationJob(ctx, NotificationPayload{Type: NotifyScheduled, Recipients: []int64{7}, Message: "m", ScheduledFor: &past})
	require.ErrorIs(t, err, ErrScheduledInPast)
	require.Equal(t, KindValidation, KindOf(err))

	future := time.Now().Add(time.Hour)
	h, err := d.AddNotificationJob(ctx, NotificationPayload{Type: NotifyScheduled, Recipients: []int64{7}, Message: "m", ScheduledFor: &future})
	require.NoError(t, err)

	st := d.Stats(ctx)[QueueNotification]
	require.Equal(t, int64(1), st.Delayed)
	require.Equal(t, int64(0), st.Waiting)

	j, err := d.GetJob(ctx, QueueNotification, h.ID)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, j.State)
	require.Equal(t, "send-notification", j.Name)
	require.WithinDuration(t, future, j.ScheduledFor, time.Millisecond)
}

func TestDispatcher_DuplicateJobID(t *testing.T) {
	d, _ := newTestDispatcher(t, fastConfig(), nil)
	ctx := context.Background()

	_, err := d.AddTextGenerationJob(ctx, TextPayload{ChatID: 1, Text: "hi"}, JobID("same"))
	require.NoError(t, err)
	_, err = d.AddTextGenerationJob(ctx, TextPayload{ChatID: 1, Text: "hi"}, JobID("same"))
	require.ErrorIs(t, err, ErrDuplicateJob)
}

func TestDispatcher_CompletesAndWaits(t *testing.T) {
	var mu sync.Mutex
	var events []EventType
	obs := ObserverFunc(func(e Event) {
		if e.JobID == "" {
			return
		}
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	mux := NewMux()
	mux.HandleFunc(QueueText, func(ctx context.Context, j *Job) (any, error) {
		var p TextPayload
		if err := j.Decode(&p); err != nil {
			return nil, err
		}
		SetProgress(ctx, 50)
		return map[string]string{"reply": "echo: " + p.Text}, nil
	})
	d, _ := newTestDispatcher(t, fastConfig(), mux, WithObserver(obs))
	d.Start()
	d.Start() // second call is a no-op

	h, err := d.AddTextGenerationJob(context.Background(), TextPayload{UserID: 1, ChatID: 2, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, QueueText, h.Queue)

	o := waitOutcome(t, h)
	require.Equal(t, StateCompleted, o.State)
	require.NoError(t, o.Err())
	var res map[string]string
	require.NoError(t, o.Decode(&res))
	require.Equal(t, "echo: hi", res["reply"])

	j, err := d.GetJob(context.Background(), QueueText, h.ID)
	require.NoError(t, err)
	require.Equal(t, 100, j.Progress)
	require.Equal(t, 1, j.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, EventWaiting, events[0])
	require.Contains(t, events, EventActive)
	require.Contains(t, events, EventProgress)
	require.Equal(t, EventCompleted, events[len(events)-1])
}

func TestDispatcher_RetriesRetryableThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	mux := NewMux()
	mux.HandleFunc(QueueText, func(ctx context.Context, j *Job) (any, error) {
		if calls.Add(1) == 1 {
			return nil, Errorf(KindUpstream, "generate", "model offline")
		}
		return "ok", nil
	})
	d, _ := newTestDispatcher(t, fastConfig(), mux)
	d.Start()

	h, err := d.AddTextGenerationJob(context.Background(), TextPayload{ChatID: 2, Text: "hi"})
	require.NoError(t, err)
	o := waitOutcome(t, h)
	require.Equal(t, StateCompleted, o.State)
	require.Equal(t, 2, o.Attempts)
	require.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_NonRetryableFailsOnceAndReports(t *testing.T) {
	var calls atomic.Int32
	p := &reporterPipeline{fn: func(ctx context.Context, j *Job) (any, error) {
		calls.Add(1)
		return nil, Errorf(KindUnsupportedFormat, "decode", "not an image")
	}}
	mux := NewMux()
	mux.Handle(QueueImage, p)
	d, _ := newTestDispatcher(t, fastConfig(), mux)
	d.Start()

	h, err := d.AddImageProcessingJob(context.Background(), ImagePayload{ChatID: 3, Image: &ImageRef{URL: "http://x/y.png"}})
	require.NoError(t, err)
	o := waitOutcome(t, h)
	require.Equal(t, StateFailed, o.State)
	require.Equal(t, KindUnsupportedFormat, o.Kind)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, p.count())

	var je *JobError
	require.True(t, errors.As(o.Err(), &je))
	require.Equal(t, KindUnsupportedFormat, je.Kind)
}

func TestDispatcher_TestJobsAreNeverReported(t *testing.T) {
	p := &reporterPipeline{fn: func(ctx context.Context, j *Job) (any, error) {
		return nil, Errorf(KindValidation, "process", "bad")
	}}
	mux := NewMux()
	mux.Handle(QueueText, p)
	d, _ := newTestDispatcher(t, fastConfig(), mux)
	d.Start()

	h, err := d.AddTextGenerationJob(context.Background(), TextPayload{Text: "hi", Test: true})
	require.NoError(t, err)
	o := waitOutcome(t, h)
	require.Equal(t, StateFailed, o.State)
	require.Equal(t, 0, p.count())
}

func TestDispatcher_TerminalStallIsReported(t *testing.T) {
	p := &reporterPipeline{fn: func(ctx context.Context, j *Job) (any, error) { return "unused", nil }}
	mux := NewMux()
	mux.Handle(QueueText, p)
	d, s := newTestDispatcher(t, fastConfig(), mux)
	ctx := context.Background()

	h, err := d.AddTextGenerationJob(ctx, TextPayload{ChatID: 4, Text: "hello"})
	require.NoError(t, err)
	ht, err := d.AddTextGenerationJob(ctx, TextPayload{Text: "hello", Test: true})
	require.NoError(t, err)

	// both workers died holding the lease after stalling once already
	keys := d.st.Keys(string(QueueText))
	for i := 0; i < 2; i++ {
		rec, err := d.st.Claim(ctx, string(QueueText), -time.Second)
		require.NoError(t, err)
		require.NotNil(t, rec)
		s.HSet(keys.Job(rec.ID), "stalls", "1")
	}
	d.Start()

	o := waitOutcome(t, h)
	require.Equal(t, StateFailed, o.State)
	require.Equal(t, KindStalled, o.Kind)
	require.Equal(t, StateFailed, waitOutcome(t, ht).State)

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, p.count(), "test jobs are not reported")
	p.mu.Lock()
	require.Equal(t, KindStalled, p.reports[0].Kind)
	p.mu.Unlock()
}

func TestDispatcher_TimeoutMarksJob(t *testing.T) {
	cfg := fastConfig()
	qc := cfg.Queues[QueueText]
	qc.Timeout = 50 * time.Millisecond
	qc.Attempts = 1
	cfg.Queues[QueueText] = qc

	mux := NewMux()
	mux.HandleFunc(QueueText, func(ctx context.Context, j *Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d, _ := newTestDispatcher(t, cfg, mux)
	d.Start()

	h, err := d.AddTextGenerationJob(context.Background(), TextPayload{ChatID: 1, Text: "slow"})
	require.NoError(t, err)
	o := waitOutcome(t, h)
	require.Equal(t, StateFailed, o.State)
	require.Equal(t, KindTimeout, o.Kind)
}

func TestDispatcher_PriorityAndStats(t *testing.T) {
	d, _ := newTestDispatcher(t, fastConfig(), nil)
	ctx := context.Background()

	_, err := d.AddTextGenerationJob(ctx, TextPayload{ChatID: 1, Text: "a"})
	require.NoError(t, err)
	h, err := d.AddTextGenerationJob(ctx, TextPayload{ChatID: 1, Text: "b"}, Priority(5))
	require.NoError(t, err)
	_, err = d.AddImageProcessingJob(ctx, ImagePayload{ChatID: 1, Image: &ImageRef{URL: "http://x"}}, Delay(time.Hour))
	require.NoError(t, err)

	j, err := d.GetJob(ctx, QueueText, h.ID)
	require.NoError(t, err)
	require.Equal(t, 5, j.Priority)

	stats := d.Stats(ctx)
	require.Len(t, stats, 3)
	require.Equal(t, int64(2), stats[QueueText].Waiting)
	require.Equal(t, int64(1), stats[QueueImage].Delayed)
	require.Empty(t, stats[QueueNotification].Error)

	require.NoError(t, d.Pause(ctx, QueueText))
	require.True(t, d.Stats(ctx)[QueueText].Paused)
	require.NoError(t, d.Resume(ctx, QueueText))

	n, err := d.Clean(ctx, QueueText, StateWaiting)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	_, err = d.Clean(ctx, QueueText, StateActive)
	require.ErrorIs(t, err, ErrActiveState)
	require.ErrorIs(t, d.Pause(ctx, "nope"), ErrUnknownQueue)

	_, err = d.GetJob(ctx, QueueText, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestDispatcher_StatsReportStoreErrors(t *testing.T) {
	d, s := newTestDispatcher(t, fastConfig(), nil)
	s.Close()

	stats := d.Stats(context.Background())
	require.Len(t, stats, 3)
	for _, q := range AllQueues {
		require.NotEmpty(t, stats[q].Error)
	}
	h := d.HealthCheck(context.Background())
	require.Equal(t, HealthDegraded, h.Status)
	require.False(t, h.StoreConnected)
}

func TestDispatcher_HealthCheck(t *testing.T) {
	dl := &fakeDelegate{}
	d, _ := newTestDispatcher(t, fastConfig(), nil, WithDelegate(dl))

	h := d.HealthCheck(context.Background())
	require.Equal(t, HealthHealthy, h.Status)
	require.True(t, h.StoreConnected)
	require.Equal(t, "ok", h.Delegate)

	dl.err = errors.New("pool closed")
	h = d.HealthCheck(context.Background())
	require.Equal(t, HealthDegraded, h.Status)
	require.Equal(t, "pool closed", h.Delegate)
}

func TestDispatcher_ShutdownIsIdempotent(t *testing.T) {
	dl := &fakeDelegate{}
	mux := NewMux()
	mux.HandleFunc(QueueText, func(ctx context.Context, j *Job) (any, error) { return nil, nil })
	d, _ := newTestDispatcher(t, fastConfig(), mux, WithDelegate(dl))
	d.Start()

	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()))
	require.Equal(t, int32(1), dl.closed.Load())

	_, err := d.AddTextGenerationJob(context.Background(), TextPayload{ChatID: 1, Text: "late"})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestDispatcher_ObserverPanicIsContained(t *testing.T) {
	var seen atomic.Int32
	bad := ObserverFunc(func(Event) { panic("boom") })
	good := ObserverFunc(func(Event) { seen.Add(1) })

	cfg := fastConfig()
	cfg.Observers = []Observer{bad}
	d, _ := newTestDispatcher(t, cfg, nil, WithObserver(good))

	_, err := d.AddTextGenerationJob(context.Background(), TextPayload{ChatID: 1, Text: "x"})
	require.NoError(t, err)
	require.Equal(t, int32(1), seen.Load())
}
