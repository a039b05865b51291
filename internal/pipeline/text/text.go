// Package text implements the text-generation pipeline.
package text

import (
	"context"
	"fmt"
	"html"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/pipeline"
)

// MessageType is the classification of an incoming message.
type MessageType string

const (
	Simple   MessageType = "simple"
	Question MessageType = "question"
	Complex  MessageType = "complex"
	Greeting MessageType = "greeting"
	Normal   MessageType = "normal"
)

var (
	complexStems  = []string{"analy", "detail", "complex", "explain", "elaborat", "анализ", "сложн", "детальн", "подробн", "глубок"}
	questionWords = []string{"what", "how", "why", "where", "when", "who", "which", "как", "что", "где", "когда", "почему", "зачем"}
	greetingWords = []string{"hi", "hello", "hey", "greetings", "привет", "здравствуй", "здравствуйте"}
)

// Classify sorts a message by length and keywords. Rules apply in order:
// complex, question, simple, greeting, normal.
func Classify(text string) MessageType {
	n := utf8.RuneCountInString(text)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	switch {
	case n > 200 || anyWord(words, complexStems, true):
		return Complex
	case strings.Contains(text, "?") || anyWord(words, questionWords, false):
		return Question
	case n < 50:
		return Simple
	case anyWord(words, greetingWords, false):
		return Greeting
	}
	return Normal
}

func anyWord(words, keys []string, prefix bool) bool {
	for _, w := range words {
		for _, k := range keys {
			if w == k || (prefix && strings.HasPrefix(w, k)) {
				return true
			}
		}
	}
	return false
}

// Priority is the scheduling hint of a message type.
func Priority(t MessageType) int {
	switch t {
	case Simple:
		return 2
	case Question:
		return 1
	case Complex:
		return -1
	}
	return 0
}

// Hint classifies text for submission. It fits botqueue.WithTextClassifier.
func Hint(text string) (string, int) {
	t := Classify(text)
	return string(t), Priority(t)
}

// EstimatedTime is the wait announced to the user for a message type.
func EstimatedTime(t MessageType) string {
	switch t {
	case Simple, Greeting:
		return "5-10s"
	case Question:
		return "10-20s"
	case Complex:
		return "20-60s"
	}
	return "10-30s"
}

// Prefix is the symbol a reply of type t starts with.
func Prefix(t MessageType) string {
	switch t {
	case Complex:
		return "🧠"
	case Simple:
		return "✨"
	case Question:
		return "❓"
	case Greeting:
		return "👋"
	}
	return "💬"
}

func baseDelay(t MessageType) time.Duration {
	switch t {
	case Complex:
		return 3000 * time.Millisecond
	case Simple, Greeting:
		return 500 * time.Millisecond
	}
	return 1500 * time.Millisecond
}

// Result is returned by a completed text job.
type Result struct {
	Response      string      `json:"response"`
	MessageType   MessageType `json:"message_type"`
	UserID        int64       `json:"user_id"`
	ChatID        int64       `json:"chat_id"`
	MessageLength int         `json:"message_length"`
	Delivered     bool        `json:"delivered"`
	ProcessedAt   time.Time   `json:"processed_at"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPace scales every simulated delay; 0.01 makes a complex answer take 30ms.
func WithPace(f float64) Option { return func(p *Pipeline) { p.pace = f } }

// WithLogger sets the logger.
func WithLogger(l botqueue.Logger) Option { return func(p *Pipeline) { p.log = l } }

// Pipeline answers text messages through a sink.
type Pipeline struct {
	sink botqueue.Sink
	log  botqueue.Logger
	pace float64
}

var (
	_ botqueue.Pipeline        = (*Pipeline)(nil)
	_ botqueue.FailureReporter = (*Pipeline)(nil)
)

// New creates the text pipeline.
func New(sink botqueue.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{sink: sink, log: botqueue.NopLogger(), pace: 1}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Process(ctx context.Context, job *botqueue.Job) (any, error) {
	var in botqueue.TextPayload
	if err := job.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	typ := MessageType(in.MessageType)
	if typ == "" {
		typ = Classify(in.Text)
	}
	p.log.Debugf("text: id=%s user=%d type=%s len=%d", job.ID, in.UserID, typ, len(in.Text))
	botqueue.SetProgress(ctx, 5)

	// simulated thinking, 18..50 in five steps
	botqueue.SetProgress(ctx, 15)
	step := pipeline.Scale(baseDelay(typ), p.pace) / 5
	for i := 1; i <= 5; i++ {
		if err := pipeline.Sleep(ctx, step); err != nil {
			return nil, err
		}
		botqueue.SetProgress(ctx, 10+i*8)
	}

	reply := generate(in.Text)
	botqueue.SetProgress(ctx, 80)

	res := Result{
		Response:      reply,
		MessageType:   typ,
		UserID:        in.UserID,
		ChatID:        in.ChatID,
		MessageLength: utf8.RuneCountInString(in.Text),
	}
	if !in.Test {
		if err := pipeline.CheckDeliver(ctx); err != nil {
			return nil, err
		}
		msg := Prefix(typ) + " " + reply
		opts := &botqueue.SendOptions{ParseMode: "HTML", DisableWebPagePreview: true}
		if _, err := p.sink.SendMessage(ctx, in.ChatID, msg, opts); err != nil {
			return nil, botqueue.DeliveryError("send reply", in.ChatID, err)
		}
		res.Delivered = true
	} else {
		p.log.Debugf("text: id=%s test job, delivery skipped", job.ID)
	}
	botqueue.SetProgress(ctx, 95)
	res.ProcessedAt = time.Now()
	return res, nil
}

// generate is the stand-in for a language model.
func generate(text string) string {
	quoted := html.EscapeString(text)
	answers := []string{
		fmt.Sprintf("Got your request: %q. Working on it...", quoted),
		fmt.Sprintf("Interesting! Let me think about %q.", quoted),
		fmt.Sprintf("Thanks for the message %q. Here is my answer...", quoted),
		fmt.Sprintf("Analyzed %q. The result is ready!", quoted),
	}
	return answers[rand.IntN(len(answers))]
}

// Message is the user-facing text for a failure of kind k.
func Message(k botqueue.ErrorKind) string {
	switch k {
	case botqueue.KindTimeout:
		return "⏱️ Processing took longer than a minute. Try a shorter or simpler request."
	case botqueue.KindValidation:
		return "⚠️ Your message could not be read. Please send it as plain text."
	case botqueue.KindDelivery:
		return "⚠️ The answer was ready but could not be delivered. Please ask again."
	case botqueue.KindUpstream, botqueue.KindStalled:
		return "🔌 The text service is temporarily unavailable. Please try again in a minute."
	}
	return "⚠️ Something went wrong while processing your request."
}

// ReportFailure tells the user why their message went unanswered.
func (p *Pipeline) ReportFailure(ctx context.Context, job *botqueue.Job, err *botqueue.JobError) {
	var in botqueue.TextPayload
	if job.Decode(&in) != nil || in.Test {
		return
	}
	botqueue.DeliverQuietly(ctx, p.sink, p.log, in.ChatID, Message(err.Kind), nil)
}
