package botqueue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrResultTooLarge is returned when an encoded result exceeds MaxResultBytes.
var ErrResultTooLarge = errors.New("result too large")

// Encoder serializes payloads on Submit and pipeline results on completion.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with encoding/json, which keeps field order stable in
// stored records, and decodes with sonic.
type JSONEncoder struct {
	// MaxResultBytes caps a stored result; 0 means no cap.
	MaxResultBytes int
}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// WithEncoder replaces the default JSONEncoder.
func WithEncoder(enc Encoder) DispatcherOption {
	return func(d *Dispatcher) { d.encoder = enc }
}

// encodeResult turns a pipeline result into the bytes stored on the job.
// nil stays empty and json.RawMessage is stored as is once checked.
func encodeResult(enc Encoder, v any) ([]byte, error) {
	var b []byte
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(r) == 0 {
			return nil, nil
		}
		if !sonic.Valid(r) {
			return nil, errors.New("result is not valid JSON")
		}
		b = r
	default:
		var err error
		if b, err = enc.Encode(r); err != nil {
			return nil, err
		}
	}
	if je, ok := enc.(*JSONEncoder); ok && je.MaxResultBytes > 0 && len(b) > je.MaxResultBytes {
		return nil, fmt.Errorf("%w: %d bytes, cap %d", ErrResultTooLarge, len(b), je.MaxResultBytes)
	}
	return b, nil
}
