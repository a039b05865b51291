package botqueue

import (
	"encoding/json"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventDelayed   EventType = "delayed"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is one lifecycle notification. Failed events are only emitted once
// the job will not run again; earlier failed attempts emit EventRetrying.
type Event struct {
	Type     EventType       `json:"type"`
	Queue    QueueName       `json:"queue"`
	JobID    string          `json:"job_id"`
	Attempt  int             `json:"attempt,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Kind     ErrorKind       `json:"kind,omitempty"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`
	At       time.Time       `json:"at"`
}

// Terminal reports whether the event ends the job's life.
func (e Event) Terminal() bool { return e.Type == EventCompleted || e.Type == EventFailed }

// Observer receives every lifecycle event. Observe is called synchronously
// from worker goroutines and must return quickly.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }
