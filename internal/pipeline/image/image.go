// Package image implements the image-processing pipeline and its two strategies.
package image

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/pipeline"
)

// Strategy does the work between the status message and the final delivery.
type Strategy interface {
	// Name identifies the strategy in results and logs.
	Name() string
	// DefaultType is used when a payload carries no processing type.
	DefaultType() string
	Process(ctx context.Context, job *botqueue.Job, in *botqueue.ImagePayload, typ string) (any, error)
	// Format renders a result as the message shown to the user.
	Format(res any, typ string) (string, error)
}

// Result is returned by a completed image job.
type Result struct {
	Strategy       string    `json:"strategy"`
	ProcessingType string    `json:"processing_type"`
	UserID         int64     `json:"user_id"`
	ChatID         int64     `json:"chat_id"`
	Output         any       `json:"output"`
	Delivered      bool      `json:"delivered"`
	ProcessedAt    time.Time `json:"processed_at"`
}

const fallbackSummary = "✅ Image processed!"

// Pipeline processes images with a strategy and keeps the user informed
// through a status message.
type Pipeline struct {
	sink     botqueue.Sink
	strategy Strategy
	log      botqueue.Logger
}

var (
	_ botqueue.Pipeline        = (*Pipeline)(nil)
	_ botqueue.FailureReporter = (*Pipeline)(nil)
)

// New creates the image pipeline. A nil logger discards output.
func New(sink botqueue.Sink, s Strategy, log botqueue.Logger) *Pipeline {
	if log == nil {
		log = botqueue.NopLogger()
	}
	return &Pipeline{sink: sink, strategy: s, log: log}
}

// NormalizeType lower-cases t and maps dashes to underscores.
func NormalizeType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "-", "_")
}

func (p *Pipeline) Process(ctx context.Context, job *botqueue.Job) (any, error) {
	var in botqueue.ImagePayload
	if err := job.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	typ := NormalizeType(in.ProcessingType)
	if typ == "" {
		typ = p.strategy.DefaultType()
	}
	p.log.Debugf("image: id=%s user=%d strategy=%s type=%s", job.ID, in.UserID, p.strategy.Name(), typ)
	botqueue.SetProgress(ctx, 5)

	var status *botqueue.MessageRef
	if !in.Test {
		status = p.announce(ctx, job, &in, typ)
	}

	out, err := p.strategy.Process(ctx, job, &in, typ)
	if err != nil {
		return nil, err
	}
	botqueue.SetProgress(ctx, 75)

	res := Result{
		Strategy:       p.strategy.Name(),
		ProcessingType: typ,
		UserID:         in.UserID,
		ChatID:         in.ChatID,
		Output:         out,
	}
	if !in.Test {
		if err := pipeline.CheckDeliver(ctx); err != nil {
			return nil, err
		}
		res.Delivered = p.deliver(ctx, job, in.ChatID, status, p.summary(job, out, typ))
	}
	botqueue.SetProgress(ctx, 95)
	res.ProcessedAt = time.Now()
	return res, nil
}

// announce edits the caller's status message, or posts a new one.
func (p *Pipeline) announce(ctx context.Context, job *botqueue.Job, in *botqueue.ImagePayload, typ string) *botqueue.MessageRef {
	text := fmt.Sprintf("🔄 Processing image...\n⚡ Type: %s\n⏱️ Job: %s", typ, job.ID)
	if ref := in.StatusMessage; ref != nil {
		if _, err := p.sink.EditMessageText(ctx, ref.ChatID, ref.MessageID, text, nil); err != nil {
			p.log.Debugf("image: id=%s status edit failed: %v", job.ID, err)
		}
		return ref
	}
	m, err := p.sink.SendMessage(ctx, in.ChatID, text, &botqueue.SendOptions{DisableNotification: true})
	if err != nil || m == nil {
		p.log.Warnf("image: id=%s status message failed: %v", job.ID, err)
		return nil
	}
	return &botqueue.MessageRef{ChatID: m.ChatID, MessageID: m.MessageID}
}

func (p *Pipeline) summary(job *botqueue.Job, out any, typ string) (text string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("image: id=%s formatting panicked: %v", job.ID, r)
			text = fallbackSummary
		}
	}()
	text, err := p.strategy.Format(out, typ)
	if err != nil || text == "" {
		p.log.Warnf("image: id=%s formatting failed: %v", job.ID, err)
		return fallbackSummary
	}
	return text
}

// deliver edits the status message in place and falls back to a new message.
// Failures are logged only.
func (p *Pipeline) deliver(ctx context.Context, job *botqueue.Job, chatID int64, status *botqueue.MessageRef, text string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("image: id=%s delivery panicked: %v", job.ID, r)
			ok = false
		}
	}()
	if status != nil {
		_, err := p.sink.EditMessageText(ctx, status.ChatID, status.MessageID, text, nil)
		if err == nil {
			return true
		}
		p.log.Debugf("image: id=%s result edit failed, sending: %v", job.ID, err)
	}
	if _, err := p.sink.SendMessage(ctx, chatID, text, nil); err != nil {
		p.log.Warnf("image: id=%s result delivery failed: %v", job.ID, err)
		return botqueue.DeliverQuietly(ctx, p.sink, p.log, chatID, fallbackSummary, nil)
	}
	return true
}

// Message is the user-facing text for a failure of kind k.
func Message(k botqueue.ErrorKind) string {
	switch k {
	case botqueue.KindTimeout:
		return "⏱️ Image processing took longer than two minutes. Try a smaller image."
	case botqueue.KindDownload:
		return "📡 Could not download the image. Check your connection and send it again."
	case botqueue.KindUnsupportedFormat:
		return "🖼️ This file format is not supported. Send a JPEG, PNG, GIF, WebP or BMP image."
	case botqueue.KindUpstream, botqueue.KindStalled:
		return "🌐 The image service is temporarily unavailable. Please try again later."
	case botqueue.KindValidation:
		return "⚠️ No image found in your message. Please send a photo."
	}
	return "⚠️ Something went wrong while processing your image."
}

// ReportFailure replaces the status message with the failure text, or sends it.
func (p *Pipeline) ReportFailure(ctx context.Context, job *botqueue.Job, err *botqueue.JobError) {
	var in botqueue.ImagePayload
	if job.Decode(&in) != nil || in.Test {
		return
	}
	text := Message(err.Kind)
	if ref := in.StatusMessage; ref != nil {
		if _, editErr := p.sink.EditMessageText(ctx, ref.ChatID, ref.MessageID, text, nil); editErr == nil {
			return
		}
	}
	botqueue.DeliverQuietly(ctx, p.sink, p.log, in.ChatID, text, nil)
}
