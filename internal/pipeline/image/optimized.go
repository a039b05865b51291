package image

import (
	"bytes"
	"context"
	"fmt"
	stdimage "image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/compute"
)

// Optimized processing types. Anything else runs analysis only.
const (
	TypeQuick    = "quick"
	TypeFull     = "full"
	TypeOptimize = "optimize"
	TypeOCR      = "ocr"
	TypeAI       = "ai"
)

// Computer runs compute requests; *compute.Pool implements it.
type Computer interface {
	Process(ctx context.Context, req compute.Request) (*compute.Result, error)
}

// Features maps a processing type to the compute features it requests.
func Features(typ string) compute.Features {
	f := compute.Features{Analysis: true}
	switch typ {
	case TypeFull:
		f.Optimization, f.Thumbnail = true, true
	case TypeAnalyze:
		f.Thumbnail = true
	case TypeOptimize:
		f.Optimization = true
	case TypeOCR:
		f.Thumbnail, f.TextExtraction = true, true
	case TypeAI:
		f.Thumbnail, f.ObjectDetection = true, true
	}
	return f
}

// Optimized hands the image to the compute pool.
type Optimized struct {
	sink     botqueue.Sink
	computer Computer
}

// NewOptimized creates the optimized strategy.
func NewOptimized(sink botqueue.Sink, c Computer) *Optimized {
	return &Optimized{sink: sink, computer: c}
}

func (*Optimized) Name() string        { return "optimized" }
func (*Optimized) DefaultType() string { return TypeQuick }

var sample = sync.OnceValue(func() []byte {
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
})

func (o *Optimized) Process(ctx context.Context, job *botqueue.Job, in *botqueue.ImagePayload, typ string) (any, error) {
	req := compute.Request{ID: job.ID, Features: Features(typ)}
	if in.Test {
		req.Data = sample()
	} else {
		src, err := resolve(ctx, o.sink, in)
		if err != nil {
			return nil, err
		}
		req.Data, req.URL = src.data, src.url
	}
	botqueue.SetProgress(ctx, 25)
	return o.computer.Process(ctx, req)
}

func kb(n int) float64 { return float64(n) / 1024 }

func (*Optimized) Format(res any, _ string) (string, error) {
	r, ok := res.(*compute.Result)
	if !ok || r == nil {
		return "", fmt.Errorf("unexpected result %T", res)
	}
	var sb strings.Builder
	sb.WriteString("✅ Image processed!\n\n")
	if a := r.Analysis; a != nil {
		sb.WriteString("📊 Analysis:\n")
		fmt.Fprintf(&sb, "• Dimensions: %d×%d px\n", a.Width, a.Height)
		fmt.Fprintf(&sb, "• Format: %s\n", strings.ToUpper(a.Format))
		fmt.Fprintf(&sb, "• File size: %.1f KB\n", kb(a.Size))
		fmt.Fprintf(&sb, "• Aspect ratio: %.2f\n", a.AspectRatio)
		fmt.Fprintf(&sb, "• Megapixels: %.1f\n", a.Megapixels)
		if a.QualityScore > 0 {
			fmt.Fprintf(&sb, "• Quality score: %d/100\n", a.QualityScore)
		}
		sb.WriteString("\n")
	}
	if opt := r.Optimization; opt != nil {
		sb.WriteString("⚡ Optimization:\n")
		fmt.Fprintf(&sb, "• Original: %.1f KB\n", kb(opt.OriginalSize))
		fmt.Fprintf(&sb, "• Optimized: %.1f KB\n", kb(opt.OptimizedSize))
		fmt.Fprintf(&sb, "• Saved: %.1f%%\n\n", opt.CompressionRatio)
	}
	fmt.Fprintf(&sb, "⏱️ Processing time: %dms\n", r.Timings.Total)
	if r.Timings.Analysis > 0 {
		fmt.Fprintf(&sb, "• Analysis: %dms\n", r.Timings.Analysis)
	}
	if r.Timings.Optimization > 0 {
		fmt.Fprintf(&sb, "• Optimization: %dms\n", r.Timings.Optimization)
	}
	if t := r.TextExtraction; t != nil {
		sb.WriteString("\n📝 Recognized text:\n")
		if len(t.Text) > 10 {
			text := t.Text
			if len([]rune(text)) > 200 {
				text = string([]rune(text)[:200]) + "..."
			}
			fmt.Fprintf(&sb, "\"%s\"\n• Confidence: %.1f%%\n", text, t.Confidence*100)
		} else {
			sb.WriteString("No text detected\n")
		}
	}
	if d := r.ObjectDetection; d != nil && len(d.Objects) > 0 {
		sb.WriteString("\n🎯 Detected objects:\n")
		for i, obj := range d.Objects {
			if i == 5 {
				break
			}
			fmt.Fprintf(&sb, "• %s (%.1f%%)\n", obj.Description, obj.Confidence*100)
		}
	}
	if a := r.Analysis; a != nil && len(a.Suggestions) > 0 {
		sb.WriteString("\n💡 Suggestions:\n")
		for i, s := range a.Suggestions {
			if i == 2 {
				break
			}
			fmt.Fprintf(&sb, "• %s\n", s)
		}
	}
	sb.WriteString("\n🔧 Processed by the compute pool")
	return sb.String(), nil
}
