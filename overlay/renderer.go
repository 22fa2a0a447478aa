package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"
	"sync"

	iface "LiveDet/interface"
	"LiveDet/monitor"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultWidth         = 600
	DefaultHeight        = 400
	DefaultMinConfidence = 0.5
	DefaultLineWidth     = 2
	labelOffset          = 5
	labelMinY            = 10
)

var DefaultColor = color.RGBA{R: 0x00, G: 0xFF, B: 0xFF, A: 0xFF}

type Config struct {
	Width         int
	Height        int
	MinConfidence float64
	Color         color.RGBA
	LineWidth     int
}

// ParseHexColor accepts "#RRGGBB" or "RRGGBB".
func ParseHexColor(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(s, "#")
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, nil
}

// Renderer owns the overlay surface. Each Render repaints it completely:
// frame first, then the boxes of the given result, nothing carried over.
type Renderer struct {
	cfg  Config
	face font.Face

	mu      sync.Mutex
	surface *image.RGBA
}

func New(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = DefaultLineWidth
	}
	if cfg.Color == (color.RGBA{}) {
		cfg.Color = DefaultColor
	}
	return &Renderer{
		cfg:     cfg,
		face:    basicfont.Face7x13,
		surface: image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}
}

func (r *Renderer) Size() (int, int) {
	return r.cfg.Width, r.cfg.Height
}

// Render paints frame scaled to the surface and, when res is non-nil, its
// predictions above MinConfidence. Box coordinates are frame pixels.
func (r *Renderer) Render(frame iface.Frame, res *iface.DetectionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bounds := r.surface.Bounds()
	if frame.Image == nil {
		draw.Draw(r.surface, bounds, image.Black, image.Point{}, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(r.surface, bounds, frame.Image, frame.Image.Bounds(), draw.Src, nil)
	}

	if res != nil {
		fw, fh := frameSize(frame)
		sx := float64(r.cfg.Width) / fw
		sy := float64(r.cfg.Height) / fh
		for _, p := range res.Predictions {
			if p.Confidence < r.cfg.MinConfidence {
				continue
			}
			rect := image.Rect(
				int(math.Round(p.Box.X*sx)),
				int(math.Round(p.Box.Y*sy)),
				int(math.Round((p.Box.X+p.Box.Width)*sx)),
				int(math.Round((p.Box.Y+p.Box.Height)*sy)),
			)
			r.strokeRect(rect)
			r.label(rect.Min, fmt.Sprintf("%s (%d%%)", p.Label, int(math.Round(p.Confidence*100))))
		}
	}
	monitor.Renders.Inc()
}

func frameSize(frame iface.Frame) (float64, float64) {
	w, h := frame.Width, frame.Height
	if (w <= 0 || h <= 0) && frame.Image != nil {
		b := frame.Image.Bounds()
		w, h = b.Dx(), b.Dy()
	}
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	return float64(w), float64(h)
}

// strokeRect draws an outline inside rect; draw.Draw clips to the surface.
func (r *Renderer) strokeRect(rect image.Rectangle) {
	lw := r.cfg.LineWidth
	src := image.NewUniform(r.cfg.Color)
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+lw),
		image.Rect(rect.Min.X, rect.Max.Y-lw, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+lw, rect.Max.Y),
		image.Rect(rect.Max.X-lw, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(r.surface, e.Intersect(rect), src, image.Point{}, draw.Src)
	}
}

func (r *Renderer) label(at image.Point, text string) {
	y := at.Y - labelOffset
	if at.Y <= labelMinY {
		y = labelMinY
	}
	// keep the glyphs' ascent inside the surface
	if asc := r.face.Metrics().Ascent.Ceil(); y < asc {
		y = asc
	}
	d := &font.Drawer{
		Dst:  r.surface,
		Src:  image.NewUniform(r.cfg.Color),
		Face: r.face,
		Dot:  fixed.P(at.X, y),
	}
	d.DrawString(text)
}

// Snapshot returns a copy of the surface.
func (r *Renderer) Snapshot() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := image.NewRGBA(r.surface.Bounds())
	copy(out.Pix, r.surface.Pix)
	return out
}

// Clear blanks the surface.
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	draw.Draw(r.surface, r.surface.Bounds(), image.Black, image.Point{}, draw.Src)
}
