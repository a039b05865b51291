package botqueue

import (
	"encoding/json"
	"time"

	"github.com/UniQw/botqueue/internal/store"
)

// Job is a snapshot of a job record. Pipelines receive one per attempt.
type Job struct {
	// ID is the unique identifier assigned at submission.
	ID string `json:"id"`
	// Queue is the job family; it decides the pool and pipeline.
	Queue QueueName `json:"queue"`
	// Name is the job name of the queue (see QueueName.JobName).
	Name string `json:"name"`
	// Payload is the raw JSON payload; use Decode to read it.
	Payload json.RawMessage `json:"payload"`
	// Priority is the scheduling hint the job was submitted with.
	Priority int `json:"priority"`
	// Attempts counts claims so far, the current one included.
	Attempts int `json:"attempts"`
	// MaxAttempts is the attempt budget.
	MaxAttempts int `json:"max_attempts"`
	// Progress is the last persisted progress (0..100).
	Progress int `json:"progress"`
	// State is the lifecycle state at the time of the snapshot.
	State State `json:"state"`
	// Stalls counts how often the watchdog took the job back from a silent worker.
	Stalls int `json:"stalls,omitempty"`
	// Test marks a synthetic job that must not reach users.
	Test         bool      `json:"test,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ScheduledFor time.Time `json:"scheduled_for,omitzero"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	// LastError and ErrorKind describe the last failed attempt.
	LastError string          `json:"last_error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	var enc Encoder = &JSONEncoder{}
	if err := enc.Decode(j.Payload, v); err != nil {
		return NewError(KindValidation, "decode payload", err)
	}
	return nil
}

func jobFromRecord(rec *store.Record) *Job {
	j := &Job{
		ID:          rec.ID,
		Queue:       QueueName(rec.Queue),
		Name:        rec.Name,
		Payload:     json.RawMessage(rec.Payload),
		Priority:    rec.Priority,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		Progress:    rec.Progress,
		State:       State(rec.State),
		Stalls:      rec.Stalls,
		Test:        rec.Test,
		CreatedAt:   msTime(rec.CreatedAt),
		StartedAt:   msTime(rec.StartedAt),
		FinishedAt:  msTime(rec.FinishedAt),
		LastError:   rec.LastError,
		ErrorKind:   ErrorKind(rec.ErrorKind),
	}
	if rec.ScheduledFor > 0 {
		j.ScheduledFor = msTime(rec.ScheduledFor)
	}
	if len(rec.Result) > 0 {
		j.Result = json.RawMessage(rec.Result)
	}
	return j
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Outcome is the terminal result of a job as seen by its submitter.
type Outcome struct {
	JobID    string          `json:"job_id"`
	Queue    QueueName       `json:"queue"`
	State    State           `json:"state"`
	Attempts int             `json:"attempts"`
	Result   json.RawMessage `json:"result,omitempty"`
	Kind     ErrorKind       `json:"kind,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Err returns the failure as a *JobError, or nil if the job completed.
func (o *Outcome) Err() error {
	if o.State != StateFailed {
		return nil
	}
	return Errorf(o.Kind, "", "%s", o.Error)
}

// Decode unmarshals the result into v.
func (o *Outcome) Decode(v any) error {
	var enc Encoder = &JSONEncoder{}
	return enc.Decode(o.Result, v)
}
