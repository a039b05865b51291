// Package notify delivers notifications to one or many chats.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/pipeline"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize  = 30
	DefaultBatchDelay = time.Second
	defaultParseMode  = "HTML"
	timeLayout        = "2006-01-02 15:04:05 MST"
)

// Delivery states of one recipient.
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
	StatusDeferred = "deferred"
)

// Submitter re-queues a scheduled notification that ran early.
type Submitter interface {
	AddNotificationJob(ctx context.Context, p botqueue.NotificationPayload, opts ...botqueue.Option) (*botqueue.Handle, error)
}

// StatsSource provides the snapshot rendered by queue_status notifications.
type StatsSource interface {
	Stats(ctx context.Context) map[botqueue.QueueName]botqueue.QueueStats
}

// Backend is what a dispatcher offers the pipeline.
type Backend interface {
	Submitter
	StatsSource
}

// Delivery is the outcome for one recipient.
type Delivery struct {
	Recipient int64  `json:"recipient"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Result is returned by a completed notification job.
type Result struct {
	Type            botqueue.NotificationType `json:"type"`
	Status          string                    `json:"status"`
	RecipientsCount int                       `json:"recipients_count"`
	Successful      int                       `json:"successful"`
	Failed          int                       `json:"failed"`
	Details         []Delivery                `json:"details,omitempty"`
	DeferredJobID   string                    `json:"deferred_job_id,omitempty"`
	DeferredUntil   *time.Time                `json:"deferred_until,omitempty"`
	SentAt          time.Time                 `json:"sent_at"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l botqueue.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithBatch overrides the broadcast batch size and the delay between batches.
func WithBatch(size int, delay time.Duration) Option {
	return func(p *Pipeline) {
		if size > 0 {
			p.batchSize = size
		}
		if delay > 0 {
			p.batchDelay = delay
		}
	}
}

// WithBackend sets the submitter and stats source up front. Use Bind when
// the dispatcher is created after the pipeline.
func WithBackend(b Backend) Option {
	return func(p *Pipeline) { p.submit, p.stats = b, b }
}

// Pipeline sends notifications through a sink.
type Pipeline struct {
	sink       botqueue.Sink
	log        botqueue.Logger
	batchSize  int
	batchDelay time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	submit Submitter
	stats  StatsSource
}

var (
	_ botqueue.Pipeline        = (*Pipeline)(nil)
	_ botqueue.FailureReporter = (*Pipeline)(nil)
)

// New creates the notification pipeline.
func New(sink botqueue.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		sink:       sink,
		log:        botqueue.NopLogger(),
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bind attaches the dispatcher that runs this pipeline.
func (p *Pipeline) Bind(b Backend) {
	p.mu.Lock()
	p.submit, p.stats = b, b
	p.mu.Unlock()
}

func (p *Pipeline) backend() (Submitter, StatsSource) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.submit, p.stats
}

func (p *Pipeline) Process(ctx context.Context, job *botqueue.Job) (any, error) {
	var in botqueue.NotificationPayload
	if err := job.Decode(&in); err != nil {
		return nil, err
	}
	// a due scheduled notification is past its time by definition
	if err := in.Validate(); err != nil && !errors.Is(err, botqueue.ErrScheduledInPast) {
		return nil, err
	}
	botqueue.SetProgress(ctx, 10)

	if in.Type == botqueue.NotifyScheduled && in.ScheduledFor != nil && in.ScheduledFor.After(p.now()) {
		return p.deferJob(ctx, job, in)
	}
	botqueue.SetProgress(ctx, 25)

	if in.Test {
		res := p.result(in, StatusSkipped, make([]Delivery, 0, len(in.Recipients)))
		for _, r := range in.Recipients {
			res.Details = append(res.Details, Delivery{Recipient: r, Status: StatusSkipped})
		}
		p.log.Debugf("notify: id=%s test job, %d recipients skipped", job.ID, len(in.Recipients))
		return res, nil
	}

	var (
		res Result
		err error
	)
	switch in.Type {
	case botqueue.NotifyBroadcast:
		res, err = p.broadcast(ctx, in)
	case botqueue.NotifyStatusUpdate:
		in.Message = p.banner("🔄", "Status update", in.Message, "⏰")
		in.Options.ParseMode = defaultParseMode
		res, err = p.immediate(ctx, in)
	case botqueue.NotifyErrorAlert:
		in.Message = p.banner("🚨", "ERROR", in.Message, "⏰")
		in.Options.ParseMode = defaultParseMode
		in.Options.Silent = false
		res, err = p.immediate(ctx, in)
	case botqueue.NotifyCompletionNotice:
		in.Message = p.banner("✅", "Task completed", in.Message, "🏁 Completed:")
		in.Options.ParseMode = defaultParseMode
		res, err = p.immediate(ctx, in)
	case botqueue.NotifyQueueStatus:
		in.Message = p.queueStatus(ctx)
		in.Options.ParseMode = defaultParseMode
		res, err = p.immediate(ctx, in)
	default:
		res, err = p.immediate(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	botqueue.SetProgress(ctx, 95)
	p.log.Infof("notify: id=%s type=%s sent=%d failed=%d", job.ID, in.Type, res.Successful, res.Failed)
	return res, nil
}

func (p *Pipeline) result(in botqueue.NotificationPayload, status string, details []Delivery) Result {
	r := Result{
		Type:            in.Type,
		Status:          status,
		RecipientsCount: len(in.Recipients),
		Details:         details,
		SentAt:          p.now(),
	}
	for _, d := range details {
		switch d.Status {
		case StatusSent:
			r.Successful++
		case StatusFailed:
			r.Failed++
		}
	}
	return r
}

func (p *Pipeline) options(o botqueue.NotificationOptions, preview bool) *botqueue.SendOptions {
	mode := o.ParseMode
	if mode == "" {
		mode = defaultParseMode
	}
	return &botqueue.SendOptions{
		ParseMode:             mode,
		DisableWebPagePreview: preview || o.DisableWebPagePreview,
		DisableNotification:   o.Silent,
	}
}

func (p *Pipeline) send(ctx context.Context, chatID int64, text string, opts *botqueue.SendOptions) Delivery {
	if _, err := p.sink.SendMessage(ctx, chatID, text, opts); err != nil {
		p.log.Warnf("notify: chat=%d delivery failed: %v", chatID, err)
		return Delivery{Recipient: chatID, Status: StatusFailed, Error: err.Error()}
	}
	return Delivery{Recipient: chatID, Status: StatusSent}
}

// immediate sends to each recipient in turn. It fails only when nobody got
// the message.
func (p *Pipeline) immediate(ctx context.Context, in botqueue.NotificationPayload) (Result, error) {
	botqueue.SetProgress(ctx, 30)
	opts := p.options(in.Options, false)
	details := make([]Delivery, 0, len(in.Recipients))
	for _, r := range in.Recipients {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := pipeline.CheckDeliver(ctx); err != nil {
			return Result{}, err
		}
		details = append(details, p.send(ctx, r, in.Message, opts))
	}
	botqueue.SetProgress(ctx, 80)

	res := p.result(in, StatusSent, details)
	if res.Successful == 0 {
		return Result{}, botqueue.Errorf(botqueue.KindDelivery, "notify", "all %d recipients failed, last: %s",
			res.Failed, details[len(details)-1].Error)
	}
	return res, nil
}

// broadcast sends in batches. Batches start no closer than the batch delay
// apart and a batch's deliveries run concurrently.
func (p *Pipeline) broadcast(ctx context.Context, in botqueue.NotificationPayload) (Result, error) {
	size, delay := p.batchSize, p.batchDelay
	if in.Options.BatchSize > 0 {
		size = in.Options.BatchSize
	}
	if in.Options.BatchDelayMs > 0 {
		delay = time.Duration(in.Options.BatchDelayMs) * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	opts := p.options(in.Options, true)

	n := len(in.Recipients)
	details := make([]Delivery, n)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		if err := limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
		if err := pipeline.CheckDeliver(ctx); err != nil {
			return Result{}, err
		}
		botqueue.SetProgress(ctx, 30+start*50/n)

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				details[i] = p.send(ctx, in.Recipients[i], in.Message, opts)
				return nil
			})
		}
		_ = g.Wait()
	}
	botqueue.SetProgress(ctx, 80)

	res := p.result(in, StatusSent, details)
	p.log.Infof("notify: broadcast done: %d sent, %d failed", res.Successful, res.Failed)
	return res, nil
}

// deferJob queues the notification again for the remaining delay.
func (p *Pipeline) deferJob(ctx context.Context, job *botqueue.Job, in botqueue.NotificationPayload) (any, error) {
	submit, _ := p.backend()
	if submit == nil {
		return nil, botqueue.Errorf(botqueue.KindUpstream, "defer", "no submitter bound")
	}
	at := *in.ScheduledFor
	h, err := submit.AddNotificationJob(ctx, in, botqueue.At(at))
	if err != nil {
		if botqueue.KindOf(err) == botqueue.KindValidation {
			return nil, err
		}
		return nil, botqueue.NewError(botqueue.KindUpstream, "defer", err)
	}
	p.log.Infof("notify: id=%s not due until %s, re-queued as %s", job.ID, at.Format(time.RFC3339), h.ID)
	res := p.result(in, StatusDeferred, nil)
	res.DeferredJobID = h.ID
	res.DeferredUntil = &at
	return res, nil
}

func (p *Pipeline) banner(icon, title, body, stamp string) string {
	return fmt.Sprintf("%s <b>%s</b>\n\n%s\n\n%s %s", icon, title, body, stamp, p.now().Format(timeLayout))
}

// queueStatus renders the queue snapshot, or a message saying why it could
// not be read.
func (p *Pipeline) queueStatus(ctx context.Context) (text string) {
	_, stats := p.backend()
	if stats == nil {
		return "❌ Could not read queue statistics: no stats source"
	}
	defer func() {
		if r := recover(); r != nil {
			text = fmt.Sprintf("❌ Could not read queue statistics: %v", r)
		}
	}()
	snap := stats.Stats(ctx)

	var b []byte
	b = append(b, "📊 <b>Queue status:</b>\n\n"...)
	for _, q := range botqueue.AllQueues {
		s, ok := snap[q]
		if !ok {
			continue
		}
		if s.Error != "" {
			b = fmt.Appendf(b, "❌ %s: error - %s\n", q, html.EscapeString(s.Error))
			continue
		}
		b = fmt.Appendf(b, "🔸 <b>%s</b>%s\n", q, pausedMark(s.Paused))
		b = fmt.Appendf(b, "   • Waiting: %d\n   • Active: %d\n   • Delayed: %d\n", s.Waiting, s.Active, s.Delayed)
		b = fmt.Appendf(b, "   • Completed: %d\n   • Failed: %d\n\n", s.Completed, s.Failed)
	}
	b = fmt.Appendf(b, "🕐 Updated: %s", p.now().Format(timeLayout))
	return string(b)
}

func pausedMark(paused bool) string {
	if paused {
		return " (paused)"
	}
	return ""
}

// Message is the text sent to the ReplyTo chat for a failure of kind k.
func Message(k botqueue.ErrorKind) string {
	switch k {
	case botqueue.KindDelivery:
		return "📭 The notification could not be delivered to any recipient."
	case botqueue.KindValidation:
		return "⚠️ The notification was rejected as invalid."
	case botqueue.KindTimeout:
		return "⏱️ The notification timed out."
	}
	return "⚠️ The notification could not be sent."
}

// ReportFailure tells the ReplyTo chat, if any, that the notification failed.
func (p *Pipeline) ReportFailure(ctx context.Context, job *botqueue.Job, err *botqueue.JobError) {
	var in botqueue.NotificationPayload
	if job.Decode(&in) != nil || in.Test || in.ReplyTo == 0 {
		return
	}
	botqueue.DeliverQuietly(ctx, p.sink, p.log, in.ReplyTo,
		fmt.Sprintf("%s\nJob: %s (%s)", Message(err.Kind), job.ID, in.Type), nil)
}
