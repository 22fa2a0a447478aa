package overlay

import (
	"image"
	"image/color"
	"testing"

	iface "LiveDet/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"
)

var gray = color.RGBA{R: 0x40, G: 0x40, B: 0x40, A: 0xFF}

func grayFrame(w, h int) iface.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(gray), image.Point{}, draw.Src)
	return iface.Frame{Seq: 1, Width: w, Height: h, Image: img}
}

// bilinear scaling may be off by one on a flat field
func assertGray(t *testing.T, c color.RGBA, msgAndArgs ...interface{}) {
	t.Helper()
	near := func(a, b uint8) bool { return a+1 >= b && b+1 >= a }
	assert.True(t, near(c.R, gray.R) && near(c.G, gray.G) && near(c.B, gray.B), msgAndArgs...)
}

func countColor(img *image.RGBA, c color.RGBA, area image.Rectangle) int {
	n := 0
	area = area.Intersect(img.Bounds())
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			if img.RGBAAt(x, y) == c {
				n++
			}
		}
	}
	return n
}

func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#00FFFF")
	require.NoError(t, err)
	assert.Equal(t, DefaultColor, c)

	c, err = ParseHexColor("ff8000")
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0xFF, G: 0x80, A: 0xFF}, c)

	_, err = ParseHexColor("#0FF")
	assert.Error(t, err)
	_, err = ParseHexColor("#GGGGGG")
	assert.Error(t, err)
}

func TestRenderer_All(t *testing.T) {
	r := New(Config{MinConfidence: DefaultMinConfidence})
	w, h := r.Size()
	require.Equal(t, 600, w)
	require.Equal(t, 400, h)

	frame := grayFrame(300, 200)
	res := &iface.DetectionResult{
		FrameSeq: 1,
		Predictions: []iface.Prediction{
			{Label: "person", Confidence: 0.876, Box: iface.BoundingBox{X: 50, Y: 50, Width: 100, Height: 60}},
		},
	}

	t.Run("Test Frame Fills Surface", func(t *testing.T) {
		r.Render(frame, nil)
		snap := r.Snapshot()
		assertGray(t, snap.RGBAAt(0, 0))
		assertGray(t, snap.RGBAAt(599, 399))
		assert.Zero(t, countColor(snap, DefaultColor, snap.Bounds()))
	})

	t.Run("Test Box Scaled To Surface", func(t *testing.T) {
		r.Render(frame, res)
		snap := r.Snapshot()
		// frame (50,50)-(150,110) at 2x is surface (100,100)-(300,220)
		assert.Equal(t, DefaultColor, snap.RGBAAt(100, 100))
		assert.Equal(t, DefaultColor, snap.RGBAAt(101, 150))
		assert.Equal(t, DefaultColor, snap.RGBAAt(299, 219))
		assertGray(t, snap.RGBAAt(102, 150), "outline only")
		assertGray(t, snap.RGBAAt(200, 160))
		// label sits above the box
		assert.NotZero(t, countColor(snap, DefaultColor, image.Rect(100, 80, 300, 98)))
	})

	t.Run("Test Render Idempotent", func(t *testing.T) {
		r.Render(frame, res)
		first := r.Snapshot()
		r.Render(frame, res)
		second := r.Snapshot()
		assert.Equal(t, first.Pix, second.Pix)
	})

	t.Run("Test No Accumulation", func(t *testing.T) {
		r.Render(frame, res)
		moved := &iface.DetectionResult{Predictions: []iface.Prediction{
			{Label: "person", Confidence: 0.9, Box: iface.BoundingBox{X: 200, Y: 120, Width: 20, Height: 20}},
		}}
		r.Render(frame, moved)
		snap := r.Snapshot()
		assertGray(t, snap.RGBAAt(100, 100))
		assert.Equal(t, DefaultColor, snap.RGBAAt(400, 240))

		r.Render(frame, nil)
		assert.Zero(t, countColor(r.Snapshot(), DefaultColor, r.Snapshot().Bounds()))
	})

	t.Run("Test MinConfidence", func(t *testing.T) {
		low := &iface.DetectionResult{Predictions: []iface.Prediction{
			{Label: "cat", Confidence: 0.49, Box: iface.BoundingBox{X: 10, Y: 60, Width: 40, Height: 40}},
		}}
		r.Render(frame, low)
		assert.Zero(t, countColor(r.Snapshot(), DefaultColor, r.Snapshot().Bounds()))
	})

	t.Run("Test Label Near Top Edge", func(t *testing.T) {
		top := &iface.DetectionResult{Predictions: []iface.Prediction{
			{Label: "kite", Confidence: 1, Box: iface.BoundingBox{X: 100, Y: 0, Width: 50, Height: 50}},
		}}
		r.Render(frame, top)
		snap := r.Snapshot()
		// glyphs are drawn inside the box area below its top stroke
		assert.NotZero(t, countColor(snap, DefaultColor, image.Rect(204, 2, 300, 14)))
	})

	t.Run("Test Box Clipped", func(t *testing.T) {
		out := &iface.DetectionResult{Predictions: []iface.Prediction{
			{Label: "car", Confidence: 0.7, Box: iface.BoundingBox{X: 250, Y: 150, Width: 200, Height: 200}},
			{Label: "ghost", Confidence: 0.7, Box: iface.BoundingBox{X: -500, Y: -500, Width: 10, Height: 10}},
		}}
		assert.NotPanics(t, func() { r.Render(frame, out) })
		snap := r.Snapshot()
		assert.Equal(t, DefaultColor, snap.RGBAAt(500, 399))
		assert.Equal(t, DefaultColor, snap.RGBAAt(599, 300), "top stroke kept inside the surface")
	})

	t.Run("Test Clear", func(t *testing.T) {
		r.Clear()
		assert.Equal(t, color.RGBA{A: 0xFF}, r.Snapshot().RGBAAt(10, 10))
	})
}
