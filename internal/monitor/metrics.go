package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/botqueue"
)

// Counters are the event totals of one queue.
type Counters struct {
	Submitted     int64   `json:"submitted"`
	Started       int64   `json:"started"`
	Completed     int64   `json:"completed"`
	Retried       int64   `json:"retried"`
	Failed        int64   `json:"failed"`
	Stalled       int64   `json:"stalled"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

type queueCounters struct {
	submitted, started, completed, retried, failed, stalled atomic.Int64
	durationMs, timed                                       atomic.Int64
}

// Metrics is a botqueue.Observer that counts lifecycle events per queue.
type Metrics struct {
	since time.Time
	mu    sync.RWMutex
	byQ   map[botqueue.QueueName]*queueCounters
	kinds sync.Map // botqueue.ErrorKind -> *atomic.Int64
}

var _ botqueue.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	return &Metrics{since: time.Now(), byQ: make(map[botqueue.QueueName]*queueCounters)}
}

func (m *Metrics) queue(q botqueue.QueueName) *queueCounters {
	m.mu.RLock()
	c, ok := m.byQ[q]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.byQ[q]; !ok {
		c = &queueCounters{}
		m.byQ[q] = c
	}
	return c
}

func (m *Metrics) Observe(e botqueue.Event) {
	c := m.queue(e.Queue)
	switch e.Type {
	case botqueue.EventWaiting, botqueue.EventDelayed:
		c.submitted.Add(1)
	case botqueue.EventActive:
		c.started.Add(1)
	case botqueue.EventCompleted:
		c.completed.Add(1)
		if e.Duration > 0 {
			c.durationMs.Add(e.Duration.Milliseconds())
			c.timed.Add(1)
		}
	case botqueue.EventRetrying:
		c.retried.Add(1)
		m.kind(e.Kind)
	case botqueue.EventFailed:
		c.failed.Add(1)
		m.kind(e.Kind)
	case botqueue.EventStalled:
		c.stalled.Add(1)
	}
}

func (m *Metrics) kind(k botqueue.ErrorKind) {
	if k == "" {
		k = botqueue.KindUnknown
	}
	v, _ := m.kinds.LoadOrStore(k, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Snapshot is the JSON body of /api/metrics.
type Snapshot struct {
	Since  time.Time                       `json:"since"`
	Queues map[botqueue.QueueName]Counters `json:"queues"`
	Errors map[botqueue.ErrorKind]int64    `json:"errors"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Since:  m.since,
		Queues: make(map[botqueue.QueueName]Counters),
		Errors: make(map[botqueue.ErrorKind]int64),
	}
	m.mu.RLock()
	for q, c := range m.byQ {
		out := Counters{
			Submitted: c.submitted.Load(),
			Started:   c.started.Load(),
			Completed: c.completed.Load(),
			Retried:   c.retried.Load(),
			Failed:    c.failed.Load(),
			Stalled:   c.stalled.Load(),
		}
		if n := c.timed.Load(); n > 0 {
			out.AvgDurationMs = float64(c.durationMs.Load()) / float64(n)
		}
		s.Queues[q] = out
	}
	m.mu.RUnlock()
	m.kinds.Range(func(k, v any) bool {
		s.Errors[k.(botqueue.ErrorKind)] = v.(*atomic.Int64).Load()
		return true
	})
	return s
}
