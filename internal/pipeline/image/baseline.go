package image

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/pipeline"
)

// Baseline processing types. Anything else runs TypeBasic.
const (
	TypeAnalyze     = "analyze"
	TypeEnhance     = "enhance"
	TypeExtractText = "extract_text"
	TypeDetect      = "detect_objects"
	TypeDescribe    = "generate_description"
	TypeBasic       = "basic_analysis"
)

// Downloader fetches image bytes by URL.
type Downloader interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

var mockImage = []byte("mock-image-data-for-testing")

// Operation is the outcome of one baseline operation.
type Operation struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Size    int            `json:"size"`
	Data    map[string]any `json:"data"`
}

type operation struct {
	duration time.Duration
	run      func(size int) Operation
}

// Baseline downloads the image itself and runs simulated operations.
type Baseline struct {
	sink  botqueue.Sink
	fetch Downloader
	pace  float64
	ops   map[string]operation
}

// NewBaseline creates the baseline strategy. pace scales the simulated work.
func NewBaseline(sink botqueue.Sink, fetch Downloader, pace float64) *Baseline {
	return &Baseline{
		sink:  sink,
		fetch: fetch,
		pace:  pace,
		ops: map[string]operation{
			TypeAnalyze:     {2000 * time.Millisecond, analyzeOp},
			TypeEnhance:     {3000 * time.Millisecond, enhanceOp},
			TypeExtractText: {2500 * time.Millisecond, extractTextOp},
			TypeDetect:      {3500 * time.Millisecond, detectOp},
			TypeDescribe:    {4000 * time.Millisecond, describeOp},
			TypeBasic:       {1500 * time.Millisecond, basicOp},
		},
	}
}

func (*Baseline) Name() string        { return "baseline" }
func (*Baseline) DefaultType() string { return TypeAnalyze }

func (b *Baseline) Process(ctx context.Context, job *botqueue.Job, in *botqueue.ImagePayload, typ string) (any, error) {
	var data []byte
	if in.Test {
		data = mockImage
	} else {
		src, err := resolve(ctx, b.sink, in)
		if err != nil {
			return nil, err
		}
		data = src.data
		if data == nil {
			if data, err = b.fetch.Get(ctx, src.url); err != nil {
				return nil, err
			}
		}
		if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
			return nil, botqueue.Errorf(botqueue.KindUnsupportedFormat, "sniff", "content type %s", ct)
		}
	}
	botqueue.SetProgress(ctx, 25)

	op, ok := b.ops[typ]
	if !ok {
		op = b.ops[TypeBasic]
	}
	// ten steps across 30..75
	step := pipeline.Scale(op.duration, b.pace) / 10
	for i := 1; i <= 10; i++ {
		if err := pipeline.Sleep(ctx, step); err != nil {
			return nil, err
		}
		botqueue.SetProgress(ctx, 25+i*5)
	}
	return op.run(len(data)), nil
}

func pick[T any](xs ...T) T { return xs[rand.IntN(len(xs))] }

func analyzeOp(size int) Operation {
	return Operation{Type: TypeAnalyze, Message: "Image analysis complete", Size: size, Data: map[string]any{
		"estimated_objects": rand.IntN(10) + 1,
		"quality":           pick("high", "medium", "low"),
		"colors":            pick("bright", "muted", "monochrome"),
	}}
}

func enhanceOp(size int) Operation {
	return Operation{Type: TypeEnhance, Message: "Image enhanced", Size: size, Data: map[string]any{
		"improvements":  []string{"Sharpened", "Brightness balanced", "Noise reduced"},
		"enhanced_size": size * 6 / 5,
	}}
}

func extractTextOp(size int) Operation {
	return Operation{Type: TypeExtractText, Message: "Text extraction complete", Size: size, Data: map[string]any{
		"text":       pick(`Found text: "Sample text in the image"`, "Found numbers: 12345", "No text found", `Found text: "Hello World"`),
		"confidence": float64(rand.IntN(40)+60) / 100,
	}}
}

func detectOp(size int) Operation {
	labels := []string{"person", "car", "tree", "building", "dog", "cat", "table", "chair", "computer", "phone"}
	n := rand.IntN(5) + 1
	objs := make([]map[string]any, 0, n)
	for range n {
		objs = append(objs, map[string]any{
			"object":     labels[rand.IntN(len(labels))],
			"confidence": float64(rand.IntN(30)+70) / 100,
		})
	}
	return Operation{Type: TypeDetect, Message: fmt.Sprintf("Objects found: %d", n), Size: size, Data: map[string]any{"objects": objs}}
}

func describeOp(size int) Operation {
	return Operation{Type: TypeDescribe, Message: "Description ready", Size: size, Data: map[string]any{
		"description": pick(
			"A landscape with green trees under a blue sky.",
			"A city street with people and traffic.",
			"A room interior with furniture and decorations.",
			"Assorted objects on a table.",
		),
	}}
}

func basicOp(size int) Operation {
	return Operation{Type: TypeBasic, Message: "Basic analysis complete", Size: size, Data: map[string]any{
		"size_kb": fmt.Sprintf("%.2f", float64(size)/1024),
	}}
}

func (*Baseline) Format(res any, _ string) (string, error) {
	op, ok := res.(Operation)
	if !ok {
		return "", fmt.Errorf("unexpected result %T", res)
	}
	var sb strings.Builder
	sb.WriteString("🖼️ Image processing result\n\n")
	fmt.Fprintf(&sb, "✅ %s\n\n", op.Message)
	switch op.Type {
	case TypeAnalyze:
		fmt.Fprintf(&sb, "📊 Analysis:\n• Size: %d bytes\n• Quality: %v\n• Colors: %v\n• Objects: ~%v",
			op.Size, op.Data["quality"], op.Data["colors"], op.Data["estimated_objects"])
	case TypeExtractText:
		fmt.Fprintf(&sb, "📝 Extracted text:\n%v\n🎯 Confidence: %.0f%%", op.Data["text"], op.Data["confidence"].(float64)*100)
	case TypeDetect:
		sb.WriteString("🔍 Detected objects:\n")
		for _, o := range op.Data["objects"].([]map[string]any) {
			fmt.Fprintf(&sb, "• %v (%.0f%%)\n", o["object"], o["confidence"].(float64)*100)
		}
	case TypeDescribe:
		fmt.Fprintf(&sb, "📝 Description:\n%v", op.Data["description"])
	case TypeEnhance:
		sb.WriteString("✨ Improvements:\n")
		for _, s := range op.Data["improvements"].([]string) {
			fmt.Fprintf(&sb, "• %s\n", s)
		}
	default:
		fmt.Fprintf(&sb, "📋 Size: %v KB", op.Data["size_kb"])
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
