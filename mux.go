package botqueue

import "context"

// ProcessFunc is the function signature for processing one attempt of a job.
// The returned value is encoded as the job result.
type ProcessFunc func(ctx context.Context, job *Job) (any, error)

// Middleware is a function that wraps a ProcessFunc to provide cross-cutting concerns.
type Middleware func(ProcessFunc) ProcessFunc

// Pipeline processes the jobs of one queue.
type Pipeline interface {
	Process(ctx context.Context, job *Job) (any, error)
}

// FailureReporter is implemented by pipelines that tell users about failed
// jobs. It is called once per job, after the last attempt, and never for
// test jobs.
type FailureReporter interface {
	ReportFailure(ctx context.Context, job *Job, err *JobError)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, job *Job) (any, error)

func (f PipelineFunc) Process(ctx context.Context, job *Job) (any, error) { return f(ctx, job) }

// Mux routes jobs to the pipeline of their queue.
type Mux struct {
	pipelines   map[QueueName]Pipeline
	middlewares []Middleware
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{
		pipelines:   make(map[QueueName]Pipeline),
		middlewares: []Middleware{},
	}
}

// Handle registers the pipeline of queue q, replacing any previous one.
func (m *Mux) Handle(q QueueName, p Pipeline) {
	m.pipelines[q] = p
}

// HandleFunc registers a function as the pipeline of queue q.
func (m *Mux) HandleFunc(q QueueName, fn func(context.Context, *Job) (any, error)) {
	m.pipelines[q] = PipelineFunc(fn)
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
}

// Queues returns the queues that have a pipeline, in AllQueues order.
func (m *Mux) Queues() []QueueName {
	var out []QueueName
	for _, q := range AllQueues {
		if _, ok := m.pipelines[q]; ok {
			out = append(out, q)
		}
	}
	return out
}

func (m *Mux) pipeline(q QueueName) (Pipeline, bool) {
	p, ok := m.pipelines[q]
	return p, ok
}

func (m *Mux) wrap(h ProcessFunc) ProcessFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}
