package compute

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"time"

	"github.com/UniQw/botqueue"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	maxSide          = 2048
	optimizeQuality  = 85
	thumbSide        = 512
	thumbQuality     = 80
	sampleGrid       = 256
	edgeThreshold    = 48
	colorfulSaturate = 0.15
	maxPixels        = 50_000_000
)

// Features selects the operations of one request.
type Features struct {
	Analysis        bool `json:"analysis"`
	Optimization    bool `json:"optimization"`
	Thumbnail       bool `json:"thumbnail"`
	TextExtraction  bool `json:"text_extraction"`
	ObjectDetection bool `json:"object_detection"`
}

type Analysis struct {
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	Format       string   `json:"format"`
	Size         int      `json:"size"`
	HasAlpha     bool     `json:"has_alpha"`
	Colorful     bool     `json:"colorful"`
	AspectRatio  float64  `json:"aspect_ratio"`
	Megapixels   float64  `json:"megapixels"`
	Landscape    bool     `json:"landscape"`
	Portrait     bool     `json:"portrait"`
	Square       bool     `json:"square"`
	QualityScore int      `json:"quality_score"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

type Optimization struct {
	OriginalSize     int     `json:"original_size"`
	OptimizedSize    int     `json:"optimized_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	Data             []byte  `json:"-"`
}

type Thumbnail struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int    `json:"size"`
	Data   []byte `json:"-"`
}

// TextExtraction is a contrast-based stand-in for OCR.
type TextExtraction struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

type Object struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

type ObjectDetection struct {
	Objects []Object `json:"objects"`
}

// Timings are in milliseconds.
type Timings struct {
	Total           int64 `json:"total"`
	Analysis        int64 `json:"analysis,omitempty"`
	Optimization    int64 `json:"optimization,omitempty"`
	Thumbnail       int64 `json:"thumbnail,omitempty"`
	TextExtraction  int64 `json:"text_extraction,omitempty"`
	ObjectDetection int64 `json:"object_detection,omitempty"`
}

// Result bundles the outputs of the requested features.
type Result struct {
	Analysis        *Analysis        `json:"analysis,omitempty"`
	Optimization    *Optimization    `json:"optimization,omitempty"`
	Thumbnail       *Thumbnail       `json:"thumbnail,omitempty"`
	TextExtraction  *TextExtraction  `json:"text_extraction,omitempty"`
	ObjectDetection *ObjectDetection `json:"object_detection,omitempty"`
	Timings         Timings          `json:"timings"`
}

// decoded is an image plus the statistics shared by several operations.
type decoded struct {
	img    image.Image
	format string
	size   int
	stats  stats
}

type stats struct {
	meanLuma   float64
	saturation float64
	edges      float64
	alpha      bool
}

func decode(data []byte) (*decoded, error) {
	// the header is enough to refuse images too large to hold in memory
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, botqueue.NewError(botqueue.KindUnsupportedFormat, "decode image", err)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > maxPixels {
		return nil, botqueue.Errorf(botqueue.KindUnsupportedFormat, "decode image", "%dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, botqueue.NewError(botqueue.KindUnsupportedFormat, "decode image", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, botqueue.NewError(botqueue.KindUnsupportedFormat, "decode image", image.ErrFormat)
	}
	return &decoded{img: img, format: format, size: len(data), stats: sample(img)}, nil
}

// sample walks at most sampleGrid x sampleGrid pixels.
func sample(img image.Image) stats {
	b := img.Bounds()
	stepX := max(1, b.Dx()/sampleGrid)
	stepY := max(1, b.Dy()/sampleGrid)

	var st stats
	var n, pairs, edges int
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		prev := -1.0
		for x := b.Min.X; x < b.Max.X; x += stepX {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if c.A < 0xff {
				st.alpha = true
			}
			l := luma(c)
			st.meanLuma += l
			st.saturation += saturation(c)
			if prev >= 0 {
				pairs++
				if math.Abs(l-prev) > edgeThreshold {
					edges++
				}
			}
			prev = l
			n++
		}
	}
	if n > 0 {
		st.meanLuma /= float64(n)
		st.saturation /= float64(n)
	}
	if pairs > 0 {
		st.edges = float64(edges) / float64(pairs)
	}
	return st
}

func luma(c color.NRGBA) float64 {
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}

func saturation(c color.NRGBA) float64 {
	hi := max(c.R, c.G, c.B)
	lo := min(c.R, c.G, c.B)
	if hi == 0 {
		return 0
	}
	return float64(hi-lo) / float64(hi)
}

func analyze(d *decoded) *Analysis {
	w, h := d.img.Bounds().Dx(), d.img.Bounds().Dy()
	mp := float64(w*h) / 1e6
	a := &Analysis{
		Width:       w,
		Height:      h,
		Format:      d.format,
		Size:        d.size,
		HasAlpha:    d.stats.alpha,
		Colorful:    d.stats.saturation > colorfulSaturate,
		AspectRatio: round(float64(w)/float64(h), 2),
		Megapixels:  round(mp, 2),
		Landscape:   w > h,
		Portrait:    h > w,
		Square:      abs(w-h) < 10,
	}

	score := 50
	switch {
	case mp > 8:
		score += 20
	case mp > 3:
		score += 15
	case mp > 1:
		score += 10
	default:
		score -= 10
	}
	if a.Colorful {
		score += 10
	}
	if a.HasAlpha {
		score += 5
	}
	a.QualityScore = min(100, max(0, score))

	if w > maxSide || h > maxSide {
		a.Suggestions = append(a.Suggestions, fmt.Sprintf("Downscale to %dpx on the longer side", maxSide))
	}
	if d.format == "png" && !a.HasAlpha {
		a.Suggestions = append(a.Suggestions, "Converting to JPEG would shrink the file considerably")
	}
	if d.format == "bmp" {
		a.Suggestions = append(a.Suggestions, "Converting to JPEG or WebP would shrink the file")
	}
	return a
}

// optimize fits the image into maxSide and re-encodes it as JPEG.
func optimize(d *decoded) (*Optimization, error) {
	src := d.img
	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), maxSide)
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		src = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(src), &jpeg.Options{Quality: optimizeQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	ratio := 0.0
	if d.size > 0 {
		ratio = round((1-float64(buf.Len())/float64(d.size))*100, 1)
	}
	return &Optimization{
		OriginalSize:     d.size,
		OptimizedSize:    buf.Len(),
		CompressionRatio: ratio,
		Width:            w,
		Height:           h,
		Data:             buf.Bytes(),
	}, nil
}

// thumbnail crops the centered square and scales it to thumbSide.
func thumbnail(d *decoded) (*Thumbnail, error) {
	b := d.img.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	crop := image.Rect(x0, y0, x0+side, y0+side)

	out := min(side, thumbSide)
	dst := image.NewRGBA(image.Rect(0, 0, out, out))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), d.img, crop, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(dst), &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return &Thumbnail{Width: out, Height: out, Size: buf.Len(), Data: buf.Bytes()}, nil
}

func extractText(d *decoded) *TextExtraction {
	// dense luminance edges are what glyphs look like at this resolution
	conf := clamp01(d.stats.edges * 4)
	te := &TextExtraction{Confidence: round(conf, 2), Language: "en"}
	if conf >= 0.5 {
		te.Text = "High-contrast glyph-like regions detected; text is likely present"
	}
	return te
}

func detectObjects(d *decoded, a *Analysis) *ObjectDetection {
	if a == nil {
		a = analyze(d)
	}
	var objs []Object
	if a.Colorful {
		objs = append(objs, Object{Type: "colored_image", Description: "Colored image", Confidence: 0.95})
	} else {
		objs = append(objs, Object{Type: "monochrome_image", Description: "Monochrome image", Confidence: 0.85})
	}
	if float64(a.Width) > float64(a.Height)*1.5 {
		objs = append(objs, Object{Type: "landscape", Description: "Landscape orientation", Confidence: 0.9})
	}
	if float64(a.Height) > float64(a.Width)*1.5 {
		objs = append(objs, Object{Type: "portrait", Description: "Portrait orientation", Confidence: 0.9})
	}
	if a.Megapixels > 8 {
		objs = append(objs, Object{Type: "high_resolution", Description: "High resolution image", Confidence: 0.8})
	}
	switch {
	case d.stats.meanLuma < 60:
		objs = append(objs, Object{Type: "dark_scene", Description: "Dark scene", Confidence: 0.7})
	case d.stats.meanLuma > 200:
		objs = append(objs, Object{Type: "bright_scene", Description: "Bright scene", Confidence: 0.7})
	}
	if d.stats.edges > 0.25 {
		objs = append(objs, Object{Type: "detailed_texture", Description: "Busy, detailed content", Confidence: clamp01(0.5 + d.stats.edges/2)})
	}
	return &ObjectDetection{Objects: objs}
}

// run executes the requested features on data.
func run(data []byte, f Features, check func() error) (*Result, error) {
	start := time.Now()
	d, err := decode(data)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	step := func(dst *int64, fn func() error) error {
		if err := check(); err != nil {
			return err
		}
		t := time.Now()
		if err := fn(); err != nil {
			return err
		}
		*dst = time.Since(t).Milliseconds()
		return nil
	}
	if f.Analysis {
		if err := step(&res.Timings.Analysis, func() error { res.Analysis = analyze(d); return nil }); err != nil {
			return nil, err
		}
	}
	if f.Optimization {
		if err := step(&res.Timings.Optimization, func() (err error) { res.Optimization, err = optimize(d); return }); err != nil {
			return nil, err
		}
	}
	if f.Thumbnail {
		if err := step(&res.Timings.Thumbnail, func() (err error) { res.Thumbnail, err = thumbnail(d); return }); err != nil {
			return nil, err
		}
	}
	if f.TextExtraction {
		if err := step(&res.Timings.TextExtraction, func() error { res.TextExtraction = extractText(d); return nil }); err != nil {
			return nil, err
		}
	}
	if f.ObjectDetection {
		if err := step(&res.Timings.ObjectDetection, func() error { res.ObjectDetection = detectObjects(d, res.Analysis); return nil }); err != nil {
			return nil, err
		}
	}
	if err := check(); err != nil {
		return nil, err
	}
	res.Timings.Total = time.Since(start).Milliseconds()
	return res, nil
}

// flatten drops alpha onto white so JPEG output keeps transparent areas light.
func flatten(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.White, image.Point{}, draw.Src)
	draw.Draw(dst, b, src, b.Min, draw.Over)
	return dst
}

func fit(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
