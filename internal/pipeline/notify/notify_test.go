package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	sent   map[int64][]string
	opts   map[int64]*botqueue.SendOptions
	failOn map[int64]bool
}

func (f *fakeSink) SendMessage(_ context.Context, chatID int64, text string, opts *botqueue.SendOptions) (*botqueue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[chatID] {
		return nil, errors.New("Forbidden: bot was blocked by the user")
	}
	if f.sent == nil {
		f.sent = map[int64][]string{}
		f.opts = map[int64]*botqueue.SendOptions{}
	}
	f.sent[chatID] = append(f.sent[chatID], text)
	f.opts[chatID] = opts
	return &botqueue.Message{ChatID: chatID, MessageID: 1, Text: text}, nil
}

func (f *fakeSink) EditMessageText(context.Context, int64, int64, string, *botqueue.SendOptions) (*botqueue.Message, error) {
	return nil, errors.New("not supported")
}

func (f *fakeSink) GetFile(context.Context, string) (*botqueue.File, error) {
	return nil, errors.New("not supported")
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		n += len(m)
	}
	return n
}

type fakeBackend struct {
	stats     map[botqueue.QueueName]botqueue.QueueStats
	submitted []botqueue.NotificationPayload
	err       error
}

func (b *fakeBackend) AddNotificationJob(_ context.Context, p botqueue.NotificationPayload, _ ...botqueue.Option) (*botqueue.Handle, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.submitted = append(b.submitted, p)
	return &botqueue.Handle{ID: "next-1", Queue: botqueue.QueueNotification}, nil
}

func (b *fakeBackend) Stats(context.Context) map[botqueue.QueueName]botqueue.QueueStats {
	return b.stats
}

func notifyJob(t *testing.T, p botqueue.NotificationPayload) *botqueue.Job {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return &botqueue.Job{ID: "n1", Queue: botqueue.QueueNotification, Payload: b, Attempts: 1, MaxAttempts: 5}
}

func TestImmediate_PartialFailure(t *testing.T) {
	sink := &fakeSink{failOn: map[int64]bool{2: true}}
	out, err := New(sink).Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyImmediate, Recipients: []int64{1, 2, 3}, Message: "Round starts in 5 minutes",
	}))
	require.NoError(t, err)

	res := out.(Result)
	require.Equal(t, 2, res.Successful)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []string{StatusSent, StatusFailed, StatusSent},
		[]string{res.Details[0].Status, res.Details[1].Status, res.Details[2].Status})
	require.Contains(t, res.Details[1].Error, "blocked")
	require.Equal(t, "HTML", sink.opts[1].ParseMode)
}

func TestImmediate_AllFailedIsDeliveryFailure(t *testing.T) {
	sink := &fakeSink{failOn: map[int64]bool{1: true, 2: true}}
	_, err := New(sink).Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyImmediate, Recipients: []int64{1, 2}, Message: "hello",
	}))
	require.Equal(t, botqueue.KindDelivery, botqueue.KindOf(err))
}

func TestBroadcast_BatchesArePaced(t *testing.T) {
	sink := &fakeSink{failOn: map[int64]bool{7: true}}
	p := New(sink, WithBatch(4, 30*time.Millisecond))

	recipients := make([]int64, 10)
	for i := range recipients {
		recipients[i] = int64(i + 1)
	}
	start := time.Now()
	out, err := p.Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyBroadcast, Recipients: recipients, Message: "Season finale tonight!",
	}))
	require.NoError(t, err)
	// three batches, two gaps
	require.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)

	res := out.(Result)
	require.Equal(t, 9, res.Successful)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.Details, 10)
	require.Equal(t, int64(7), res.Details[6].Recipient)
	require.Equal(t, StatusFailed, res.Details[6].Status)
	require.True(t, sink.opts[1].DisableWebPagePreview)
}

func TestBroadcast_PayloadOverridesBatching(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, WithBatch(1, time.Hour))
	out, err := p.Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyBroadcast, Recipients: []int64{1, 2, 3}, Message: "hi",
		Options: botqueue.NotificationOptions{BatchSize: 3, BatchDelayMs: 1},
	}))
	require.NoError(t, err)
	require.Equal(t, 3, out.(Result).Successful)
}

func TestBanners(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink)
	for typ, icon := range map[botqueue.NotificationType]string{
		botqueue.NotifyStatusUpdate:     "🔄",
		botqueue.NotifyErrorAlert:       "🚨",
		botqueue.NotifyCompletionNotice: "✅",
	} {
		_, err := p.Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
			Type: typ, Recipients: []int64{1}, Message: "body text",
			Options: botqueue.NotificationOptions{Silent: true},
		}))
		require.NoError(t, err)
		last := sink.sent[1][len(sink.sent[1])-1]
		require.True(t, strings.HasPrefix(last, icon), typ)
		require.Contains(t, last, "body text")
		require.Equal(t, typ != botqueue.NotifyErrorAlert, sink.opts[1].DisableNotification, typ)
	}
}

func TestQueueStatus(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink)
	p.Bind(&fakeBackend{stats: map[botqueue.QueueName]botqueue.QueueStats{
		botqueue.QueueText:         {Waiting: 3, Active: 1, Completed: 40},
		botqueue.QueueImage:        {Error: "connection refused"},
		botqueue.QueueNotification: {Paused: true},
	}})
	_, err := p.Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyQueueStatus, Recipients: []int64{5},
	}))
	require.NoError(t, err)
	msg := sink.sent[5][0]
	require.Contains(t, msg, "Waiting: 3")
	require.Contains(t, msg, "image-processing: error - connection refused")
	require.Contains(t, msg, "(paused)")
}

func TestQueueStatus_NoSource(t *testing.T) {
	sink := &fakeSink{}
	_, err := New(sink).Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyQueueStatus, Recipients: []int64{5},
	}))
	require.NoError(t, err)
	require.Contains(t, sink.sent[5][0], "Could not read queue statistics")
}

func TestScheduled_EarlyRunIsDeferred(t *testing.T) {
	sink := &fakeSink{}
	be := &fakeBackend{}
	p := New(sink, WithBackend(be))
	at := time.Now().Add(time.Hour)

	out, err := p.Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyScheduled, Recipients: []int64{1}, Message: "later", ScheduledFor: &at,
	}))
	require.NoError(t, err)
	res := out.(Result)
	require.Equal(t, StatusDeferred, res.Status)
	require.Equal(t, "next-1", res.DeferredJobID)
	require.Len(t, be.submitted, 1)
	require.Zero(t, sink.count())
}

func TestScheduled_DueIsDelivered(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink)
	at := time.Now().Add(-time.Second)

	out, err := p.Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyScheduled, Recipients: []int64{1, 2}, Message: "now", ScheduledFor: &at,
	}))
	require.NoError(t, err)
	require.Equal(t, StatusSent, out.(Result).Status)
	require.Equal(t, 2, sink.count())
}

func TestScheduled_NoSubmitterIsUpstream(t *testing.T) {
	at := time.Now().Add(time.Hour)
	_, err := New(&fakeSink{}).Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyScheduled, Recipients: []int64{1}, Message: "later", ScheduledFor: &at,
	}))
	require.Equal(t, botqueue.KindUpstream, botqueue.KindOf(err))
}

func TestTestJobsSendNothing(t *testing.T) {
	sink := &fakeSink{}
	out, err := New(sink).Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyBroadcast, Recipients: []int64{1, 2}, Message: "x", Test: true,
	}))
	require.NoError(t, err)
	res := out.(Result)
	require.Equal(t, StatusSkipped, res.Status)
	require.Len(t, res.Details, 2)
	require.Zero(t, sink.count())
}

func TestInvalidPayload(t *testing.T) {
	_, err := New(&fakeSink{}).Process(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: "carrier-pigeon", Recipients: []int64{1}, Message: "x",
	}))
	require.Equal(t, botqueue.KindValidation, botqueue.KindOf(err))
}

func TestReportFailure(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink)
	je := botqueue.Errorf(botqueue.KindDelivery, "notify", "all failed")

	p.ReportFailure(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyImmediate, Recipients: []int64{1}, Message: "x", ReplyTo: 99,
	}), je)
	require.Len(t, sink.sent[99], 1)
	require.Contains(t, sink.sent[99][0], Message(botqueue.KindDelivery))

	// no reply chat, nothing to report
	p.ReportFailure(context.Background(), notifyJob(t, botqueue.NotificationPayload{
		Type: botqueue.NotifyImmediate, Recipients: []int64{1}, Message: "x",
	}), je)
	require.Equal(t, 1, sink.count())
}
