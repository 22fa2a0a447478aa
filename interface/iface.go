package iface

import "context"

// FrameSource owns the camera stream for one pipeline run.
type FrameSource interface {
	Acquire(ctx context.Context, c Constraints) (StreamInfo, error)
	// CurrentFrame returns false until the first frame has been decoded.
	CurrentFrame() (Frame, bool)
	// Release is idempotent and always frees the device.
	Release() error
}

// FaultReporter is implemented by sources that can lose their device mid-run.
type FaultReporter interface {
	Faults() <-chan error
}

// DetectionModel owns the inference model lifecycle.
type DetectionModel interface {
	Load(ctx context.Context) error
	State() ModelState
	Detect(ctx context.Context, frame Frame) (DetectionResult, error)
	Close() error
}

// Backend is the underlying detector a DetectionModel adapts.
// Confidence values must be reported as produced, without thresholding.
type Backend interface {
	Load(ctx context.Context) error
	Detect(ctx context.Context, frame Frame) ([]Prediction, error)
	Close() error
	Info() BackendInfo
}
