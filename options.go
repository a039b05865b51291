package botqueue

import "time"

type options struct {
	id          string
	delay       time.Duration
	priority    int
	prioritySet bool
	attempts    int
}

// Option is a function that configures job behavior during Submit.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, a random UUID will be generated.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Delay keeps the job in the delayed state for d before it can be claimed.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// At delays the job until t. A time in the past means no delay.
func At(t time.Time) Option {
	return func(o *options) {
		if d := time.Until(t); d > 0 {
			o.delay = d
		}
	}
}

// Priority overrides the payload priority. Higher values are claimed first;
// the order is a hint, not a guarantee, under concurrent claiming.
func Priority(n int) Option {
	return func(o *options) {
		o.priority = n
		o.prioritySet = true
	}
}

// Attempts overrides the queue's attempt budget for this job.
func Attempts(n int) Option {
	return func(o *options) {
		o.attempts = n
	}
}
