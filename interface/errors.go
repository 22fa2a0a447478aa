package iface

import (
	"errors"
	"fmt"
)

type CaptureErrorKind int

const (
	PermissionDenied CaptureErrorKind = iota + 1
	NoDevice
	DeviceBusy
)

func (k CaptureErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case NoDevice:
		return "no device"
	case DeviceBusy:
		return "device busy"
	default:
		return "capture error"
	}
}

type DetectErrorKind int

const (
	InferenceFailed DetectErrorKind = iota + 1
	ModelUnavailable
	ModelNotReady
)

func (k DetectErrorKind) String() string {
	switch k {
	case InferenceFailed:
		return "inference failed"
	case ModelUnavailable:
		return "model unavailable"
	case ModelNotReady:
		return "model not ready"
	default:
		return "detect error"
	}
}

// Sentinels for errors.Is matching against a kind.
var (
	ErrPermissionDenied = &CaptureError{Kind: PermissionDenied}
	ErrNoDevice         = &CaptureError{Kind: NoDevice}
	ErrDeviceBusy       = &CaptureError{Kind: DeviceBusy}

	ErrInferenceFailed  = &DetectError{Kind: InferenceFailed}
	ErrModelUnavailable = &DetectError{Kind: ModelUnavailable}
	ErrModelNotReady    = &DetectError{Kind: ModelNotReady}
)

type CaptureError struct {
	Kind   CaptureErrorKind
	Device string
	Err    error
}

func (e *CaptureError) Error() string {
	msg := "capture: " + e.Kind.String()
	if e.Device != "" {
		msg += fmt.Sprintf(" (device %s)", e.Device)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

func (e *CaptureError) Is(target error) bool {
	var t *CaptureError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

type LoadError struct {
	Backend string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("load %s model failed", e.Backend)
	}
	return fmt.Sprintf("load %s model: %v", e.Backend, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type DetectError struct {
	Kind DetectErrorKind
	Err  error
}

func (e *DetectError) Error() string {
	if e.Err == nil {
		return "detect: " + e.Kind.String()
	}
	return "detect: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *DetectError) Unwrap() error { return e.Err }

func (e *DetectError) Is(target error) bool {
	var t *DetectError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// IsFatal reports whether err must take the pipeline to its Error state.
// Only per-call inference failures are absorbed.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInferenceFailed) && !errors.Is(err, ErrModelNotReady)
}
