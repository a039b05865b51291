package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

// DefaultPrefix is used when the dispatcher is not configured with one.
const DefaultPrefix = "botq"

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Waiting   string
	Active    string
	Delayed   string
	Completed string
	Failed    string
	Paused    string
	// JobPrefix is prepended to a job id to build its hash key.
	JobPrefix string
}

// For returns a set of precomputed keys for the provided queue.
// The queue name is wrapped in a hash tag so all keys of one queue share a cluster slot.
func For(prefix, q string) Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	base := prefix + ":{" + q + "}:"
	return Queue{
		Waiting:   base + "waiting",
		Active:    base + "active",
		Delayed:   base + "delayed",
		Completed: base + "completed",
		Failed:    base + "failed",
		Paused:    base + "paused",
		JobPrefix: base + "job:",
	}
}

// Job returns the hash key holding the record of job id.
func (k Queue) Job(id string) string { return k.JobPrefix + id }

// Events returns the Pub/Sub channel used for lifecycle events.
func Events(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":events"
}
