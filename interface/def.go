package iface

import (
	"fmt"
	"image"
	"time"
)

// Frame is one decoded image sample published by a FrameSource.
// The Image is never mutated after publication, so a Frame can be shared
// between the scheduler and the renderer without copying. Holders must not
// keep it past the tick in which they obtained it.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Image     image.Image
}

// BoundingBox is expressed in frame pixel coordinates, X/Y being the top-left corner.
// Width and Height are never negative. Backends do not clamp to the frame bounds.
type BoundingBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// NewBoxFromCorners builds a box from two opposite corners in any order.
func NewBoxFromCorners(x1, y1, x2, y2 float64) BoundingBox {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

type Prediction struct {
	Label      string
	Confidence float64
	Box        BoundingBox
}

// DetectionResult is the output of a single detect call, in backend output order.
type DetectionResult struct {
	FrameSeq    uint64
	CapturedAt  time.Time
	Predictions []Prediction
	Latency     time.Duration
}

type ModelState int

const (
	ModelUnloaded ModelState = iota
	ModelLoading
	ModelReady
	ModelFailed
)

func (s ModelState) String() string {
	switch s {
	case ModelUnloaded:
		return "unloaded"
	case ModelLoading:
		return "loading"
	case ModelReady:
		return "ready"
	case ModelFailed:
		return "failed"
	default:
		return fmt.Sprintf("ModelState(%d)", int(s))
	}
}

// Constraints describes the stream requested from a capture device.
type Constraints struct {
	Device string
	Width  int
	Height int
	FPS    float64
}

// StreamInfo is what the device actually granted.
type StreamInfo struct {
	Device string
	Width  int
	Height int
	FPS    float64
}

// BackendInfo mirrors the old CheckConfig output, for logs and the status endpoint.
type BackendInfo struct {
	Kind      string
	ModelPath string
	Target    string
	Names     int
}
