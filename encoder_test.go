package botqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_NotificationPayload(t *testing.T) {
	enc := &JSONEncoder{}
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := NotificationPayload{
		Type:         NotifyScheduled,
		Recipients:   []int64{1, 2},
		Message:      "round starts",
		Options:      NotificationOptions{Silent: true, BatchSize: 10},
		ScheduledFor: &when,
	}
	data, err := enc.Encode(in)
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"scheduled"`)

	var out NotificationPayload
	require.NoError(t, enc.Decode(data, &out))
	require.Equal(t, in.Recipients, out.Recipients)
	require.True(t, when.Equal(*out.ScheduledFor))
	require.Equal(t, 10, out.Options.BatchSize)
}

func TestJSONEncoder_DecodeError(t *testing.T) {
	enc := &JSONEncoder{}
	var out struct{ A int }
	err := enc.Decode([]byte("{"), &out)
	require.Error(t, err, "expected error for invalid JSON")
}

func TestEncodeResult(t *testing.T) {
	enc := &JSONEncoder{}

	b, err := encodeResult(enc, nil)
	require.NoError(t, err)
	require.Nil(t, b)

	b, err = encodeResult(enc, json.RawMessage(`{"sent":2}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"sent":2}`, string(b))

	_, err = encodeResult(enc, json.RawMessage(`{"sent":`))
	require.Error(t, err)

	b, err = encodeResult(enc, map[string]int{"sent": 2})
	require.NoError(t, err)
	require.Equal(t, `{"sent":2}`, string(b))

	enc.MaxResultBytes = 8
	_, err = encodeResult(enc, map[string]string{"text": "a long generated answer"})
	require.ErrorIs(t, err, ErrResultTooLarge)
}

func BenchmarkJSONEncoder_ImagePayload(b *testing.B) {
	enc := &JSONEncoder{}
	p := ImagePayload{
		UserID: 1, ChatID: 2, ProcessingType: "full",
		Photos: []PhotoSize{{FileID: "a", Width: 90, Height: 90}, {FileID: "b", Width: 1280, Height: 960}},
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		data, _ := enc.Encode(p)
		var out ImagePayload
		_ = enc.Decode(data, &out)
	}
}
