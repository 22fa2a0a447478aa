package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	iface "LiveDet/interface"
	"LiveDet/logger"

	"go.uber.org/zap"
)

var errAlreadyLoaded = errors.New("engine: Load may only be called once per detector")

// Detector adapts a Backend to the DetectionModel lifecycle:
// Unloaded -> Loading -> Ready | Failed. Failed is terminal.
type Detector struct {
	backend iface.Backend

	mu       sync.Mutex
	state    iface.ModelState
	failure  error
	loaded   bool // Load was called
	inflight int
	closed   bool
	released bool
}

func New(backend iface.Backend) *Detector {
	return &Detector{backend: backend, state: iface.ModelUnloaded}
}

func (d *Detector) State() iface.ModelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the failure reason once the detector is Failed.
func (d *Detector) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failure
}

func (d *Detector) Info() iface.BackendInfo {
	return d.backend.Info()
}

// Load runs the backend initialisation. It may be slow and is meant to be
// called from its own goroutine. Calling it twice is rejected without
// touching the state machine.
func (d *Detector) Load(ctx context.Context) error {
	d.mu.Lock()
	if d.loaded {
		d.mu.Unlock()
		return errAlreadyLoaded
	}
	d.loaded = true
	if d.closed {
		d.state = iface.ModelFailed
		d.failure = &iface.LoadError{Backend: d.backend.Info().Kind, Err: errors.New("detector closed before load")}
		err := d.failure
		d.mu.Unlock()
		return err
	}
	d.state = iface.ModelLoading
	d.mu.Unlock()

	info := d.backend.Info()
	log := logger.Named("engine")
	start := time.Now()
	err := d.backend.Load(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		var le *iface.LoadError
		if !errors.As(err, &le) {
			err = &iface.LoadError{Backend: info.Kind, Err: err}
		}
		d.state = iface.ModelFailed
		d.failure = err
		if d.closed {
			d.releaseLocked()
		}
		log.Error("model load failed", zap.String("backend", info.Kind), zap.String("model", info.ModelPath), zap.Error(err))
		return err
	}
	if d.closed {
		// Stop raced the load; the instance is already discarded.
		d.state = iface.ModelFailed
		d.failure = &iface.LoadError{Backend: info.Kind, Err: errors.New("detector closed during load")}
		d.releaseLocked()
		return d.failure
	}
	d.state = iface.ModelReady
	log.Info("model ready",
		zap.String("backend", info.Kind),
		zap.String("model", info.ModelPath),
		zap.String("target", info.Target),
		zap.Int("names", info.Names),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Detect runs one inference. It never blocks waiting for Load: before Ready
// it fails with ModelNotReady, after a failure or Close with ModelUnavailable.
func (d *Detector) Detect(ctx context.Context, frame iface.Frame) (iface.DetectionResult, error) {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return iface.DetectionResult{}, &iface.DetectError{Kind: iface.ModelUnavailable, Err: errors.New("detector closed")}
	case d.state == iface.ModelFailed:
		err := d.failure
		d.mu.Unlock()
		return iface.DetectionResult{}, &iface.DetectError{Kind: iface.ModelUnavailable, Err: err}
	case d.state != iface.ModelReady:
		state := d.state
		d.mu.Unlock()
		return iface.DetectionResult{}, &iface.DetectError{Kind: iface.ModelNotReady, Err: fmt.Errorf("model is %s", state)}
	}
	d.inflight++
	d.mu.Unlock()

	start := time.Now()
	preds, err := d.safeDetect(ctx, frame)
	latency := time.Since(start)

	d.mu.Lock()
	d.inflight--
	if d.closed && d.inflight == 0 {
		d.releaseLocked()
	}
	d.mu.Unlock()

	if err != nil {
		var de *iface.DetectError
		if errors.As(err, &de) {
			return iface.DetectionResult{}, err
		}
		return iface.DetectionResult{}, &iface.DetectError{Kind: iface.InferenceFailed, Err: err}
	}
	return iface.DetectionResult{
		FrameSeq:    frame.Seq,
		CapturedAt:  frame.Timestamp,
		Predictions: preds,
		Latency:     latency,
	}, nil
}

// safeDetect 防止 backend 内部 panic 导致整个 pipeline 崩溃
func (d *Detector) safeDetect(ctx context.Context, frame iface.Frame) (preds []iface.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return d.backend.Detect(ctx, frame)
}

// Close discards the detector. Native resources are released immediately,
// or by the last in-flight Detect when one is still running.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.state == iface.ModelLoading {
		// Load owns the backend until it returns.
		return nil
	}
	if d.inflight == 0 {
		return d.releaseLocked()
	}
	return nil
}

func (d *Detector) releaseLocked() error {
	if d.released {
		return nil
	}
	d.released = true
	if err := d.backend.Close(); err != nil {
		logger.Named("engine").Warn("backend close failed", zap.Error(err))
		return err
	}
	return nil
}
