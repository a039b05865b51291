package botqueue

import (
	"context"
	"errors"
	"fmt"
	"image"

	rtm "github.com/UniQw/botqueue/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicateJob is returned when Submit is called with an ID that already exists for the queue.
var ErrDuplicateJob = errors.New("botqueue: duplicate job id")

// ErrJobNotFound is returned when a job with the specified ID is not found (or was trimmed by retention).
var ErrJobNotFound = errors.New("botqueue: job not found")

// ErrUnknownQueue is returned for queue names other than the three job families.
var ErrUnknownQueue = errors.New("botqueue: unknown queue")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("botqueue: unknown state")

// ErrActiveState is returned when an operation is not allowed on the active state.
var ErrActiveState = errors.New("botqueue: operation not allowed on active state")

// ErrNoPipeline is returned when a job reaches a queue without a registered pipeline.
var ErrNoPipeline = errors.New("botqueue: no pipeline for queue")

// ErrScheduledInPast is returned when a scheduled notification is due before submission time.
var ErrScheduledInPast = errors.New("botqueue: scheduled time is in the past")

// ErrShutdown is returned by Submit after Shutdown has been called.
var ErrShutdown = errors.New("botqueue: dispatcher is shut down")

// ErrorKind classifies a job failure. Each pipeline maps kinds to its own user-facing text.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindDownload          ErrorKind = "DOWNLOAD_FAILURE"
	KindUnsupportedFormat ErrorKind = "UNSUPPORTED_FORMAT"
	KindDelivery          ErrorKind = "DELIVERY_FAILURE"
	KindUpstream          ErrorKind = "UPSTREAM_UNAVAILABLE"
	KindStalled           ErrorKind = "STALLED"
	KindUnknown           ErrorKind = "UNKNOWN"
)

// Retryable reports whether another attempt can change the outcome.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindValidation, KindUnsupportedFormat:
		return false
	default:
		return true
	}
}

// JobError is a classified failure.
type JobError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *JobError {
	return &JobError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a JobError from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *JobError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// KindOf classifies any error into the taxonomy. A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var je *JobError
	switch {
	case errors.As(err, &je):
		return je.Kind
	case errors.Is(err, ErrScheduledInPast):
		return KindValidation
	case errors.Is(err, rtm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, image.ErrFormat):
		return KindUnsupportedFormat
	case errors.Is(err, redis.ErrClosed):
		return KindUpstream
	default:
		return KindUnknown
	}
}

// AsJobError returns err as a *JobError, classifying it if needed.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return &JobError{Kind: KindOf(err), Err: err}
}
