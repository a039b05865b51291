package compute

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int, fill func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func stripes(x, _ int) color.Color {
	if x%2 == 0 {
		return color.Black
	}
	return color.White
}

func red(int, int) color.Color { return color.NRGBA{R: 220, G: 20, B: 20, A: 255} }

var all = Features{Analysis: true, Optimization: true, Thumbnail: true, TextExtraction: true, ObjectDetection: true}

func TestRun_AllFeatures(t *testing.T) {
	data := pngBytes(t, 1200, 600, red)
	res, err := run(data, all, func() error { return nil })
	require.NoError(t, err)

	a := res.Analysis
	require.Equal(t, 1200, a.Width)
	require.Equal(t, 600, a.Height)
	require.Equal(t, "png", a.Format)
	require.Equal(t, 2.0, a.AspectRatio)
	require.True(t, a.Colorful)
	require.True(t, a.Landscape)
	require.GreaterOrEqual(t, a.QualityScore, 0)
	require.LessOrEqual(t, a.QualityScore, 100)
	require.NotEmpty(t, a.Suggestions)

	require.Equal(t, 1200, res.Optimization.Width)
	require.NotEmpty(t, res.Optimization.Data)
	require.Equal(t, 512, res.Thumbnail.Width)
	require.Equal(t, 512, res.Thumbnail.Height)

	require.GreaterOrEqual(t, res.TextExtraction.Confidence, 0.0)
	require.LessOrEqual(t, res.TextExtraction.Confidence, 1.0)
	for _, o := range res.ObjectDetection.Objects {
		require.GreaterOrEqual(t, o.Confidence, 0.0)
		require.LessOrEqual(t, o.Confidence, 1.0)
	}
	require.Equal(t, "colored_image", res.ObjectDetection.Objects[0].Type)
}

func TestRun_OptimizeDownscalesLargeImages(t *testing.T) {
	data := pngBytes(t, 4096, 1024, red)
	res, err := run(data, Features{Optimization: true}, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, 2048, res.Optimization.Width)
	require.Equal(t, 512, res.Optimization.Height)
	require.Nil(t, res.Analysis)
}

func TestRun_TextExtractionSeesContrast(t *testing.T) {
	busy, err := run(pngBytes(t, 200, 200, stripes), Features{TextExtraction: true}, func() error { return nil })
	require.NoError(t, err)
	flat, err := run(pngBytes(t, 200, 200, red), Features{TextExtraction: true}, func() error { return nil })
	require.NoError(t, err)

	require.Equal(t, 1.0, busy.TextExtraction.Confidence)
	require.NotEmpty(t, busy.TextExtraction.Text)
	require.Equal(t, 0.0, flat.TextExtraction.Confidence)
	require.Empty(t, flat.TextExtraction.Text)
}

func TestRun_UndecodableIsUnsupportedFormat(t *testing.T) {
	_, err := run([]byte("mock-image-data-for-testing"), all, func() error { return nil })
	require.Equal(t, botqueue.KindUnsupportedFormat, botqueue.KindOf(err))
}

func TestRun_RefusesOversizedImage(t *testing.T) {
	data := pngBytes(t, 1, 1, red)
	// rewrite the IHDR dimensions to 10000x10000 and fix up its checksum
	binary.BigEndian.PutUint32(data[16:], 10000)
	binary.BigEndian.PutUint32(data[20:], 10000)
	binary.BigEndian.PutUint32(data[29:], crc32.ChecksumIEEE(data[12:29]))

	_, err := run(data, all, func() error { return nil })
	require.Equal(t, botqueue.KindUnsupportedFormat, botqueue.KindOf(err))
	require.Contains(t, err.Error(), "10000x10000")
}

func TestRun_StopsWhenCheckFails(t *testing.T) {
	stop := errors.New("stop")
	_, err := run(pngBytes(t, 10, 10, red), all, func() error { return stop })
	require.ErrorIs(t, err, stop)
}

type fakeDownloader struct {
	calls atomic.Int32
	fail  int32
	data  []byte
}

func (f *fakeDownloader) Get(context.Context, string) ([]byte, error) {
	if f.calls.Add(1) <= f.fail {
		return nil, botqueue.Errorf(botqueue.KindDownload, "download", "connection reset")
	}
	return f.data, nil
}

func TestPool_ProcessAndMetrics(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	res, err := p.Process(context.Background(), Request{ID: "1", Data: pngBytes(t, 64, 64, red), Features: Features{Analysis: true}})
	require.NoError(t, err)
	require.Equal(t, 64, res.Analysis.Width)

	m := p.Metrics()
	require.Equal(t, int64(1), m.Processed)
	require.Equal(t, int64(0), m.InFlight)
	require.Equal(t, 3, m.MaxConcurrent)
	require.NoError(t, p.Health(context.Background()))
}

func TestPool_RetriesTransientDownload(t *testing.T) {
	dl := &fakeDownloader{fail: 1, data: pngBytes(t, 8, 8, red)}
	p := New(Config{Downloader: dl, RetryDelay: time.Millisecond})
	defer p.Close()

	res, err := p.Process(context.Background(), Request{URL: "http://img", Features: Features{Analysis: true}})
	require.NoError(t, err)
	require.NotNil(t, res.Analysis)
	require.Equal(t, int32(2), dl.calls.Load())
	require.Equal(t, int64(1), p.Metrics().Retried)
}

func TestPool_DoesNotRetryBadFormat(t *testing.T) {
	dl := &fakeDownloader{data: []byte("not an image")}
	p := New(Config{Downloader: dl, RetryDelay: time.Millisecond, MaxRetries: 3})
	defer p.Close()

	_, err := p.Process(context.Background(), Request{URL: "http://img", Features: all})
	require.Equal(t, botqueue.KindUnsupportedFormat, botqueue.KindOf(err))
	require.Equal(t, int32(1), dl.calls.Load())
	require.Error(t, p.Health(context.Background()))
}

func TestPool_CloseIsIdempotent(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Process(context.Background(), Request{Data: []byte("x")})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, p.Health(context.Background()), ErrClosed)
	require.Equal(t, botqueue.KindUpstream, botqueue.KindOf(ErrClosed))
}

func TestPool_BoundsConcurrentRequests(t *testing.T) {
	p := New(Config{Workers: 1, MaxConcurrent: 1})
	defer p.Close()
	// hold the only slot
	require.NoError(t, p.sem.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Process(ctx, Request{Data: pngBytes(t, 4, 4, red)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	p.sem.Release(1)
}
