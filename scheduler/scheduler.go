package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	iface "LiveDet/interface"
	"LiveDet/logger"
	"LiveDet/monitor"

	"go.uber.org/zap"
)

// Outcome describes what a single tick did.
type Outcome int

const (
	Started Outcome = iota
	SkippedInFlight
	SkippedNotReady
	SkippedNoFrame
	SkippedInterval
	SkippedStopped
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case SkippedInFlight:
		return monitor.SkipInFlight
	case SkippedNotReady:
		return monitor.SkipNotReady
	case SkippedNoFrame:
		return monitor.SkipNoFrame
	case SkippedInterval:
		return monitor.SkipInterval
	case SkippedStopped:
		return monitor.SkipStopped
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// FrameGetter is the read side of a FrameSource.
type FrameGetter interface {
	CurrentFrame() (iface.Frame, bool)
}

// Sink receives scheduler output. Calls are made from detect goroutines and
// must not call Stop synchronously: Stop waits for an ongoing delivery.
type Sink interface {
	OnResult(res iface.DetectionResult)
	// OnFatal is called at most once per scheduler.
	OnFatal(err error)
}

type Config struct {
	Interval    time.Duration
	MinInterval time.Duration
}

// Scheduler polls the latest frame on a fixed tick and keeps at most one
// detect call in flight. A Scheduler is single-use: after Stop it only skips.
type Scheduler struct {
	cfg    Config
	source FrameGetter
	model  iface.DetectionModel
	sink   Sink
	log    *zap.Logger

	inflight  atomic.Bool
	stopped   atomic.Bool
	reported  atomic.Bool
	lastStart atomic.Int64

	deliverMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(cfg Config, source FrameGetter, model iface.DetectionModel, sink Sink) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Scheduler{
		cfg:    cfg,
		source: source,
		model:  model,
		sink:   sink,
		log:    logger.Named("scheduler"),
	}
}

// Start runs the tick loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped.Load() {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling decision. Start drives it from a ticker; tests
// call it directly.
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	if s.stopped.Load() {
		return s.skip(SkippedStopped)
	}
	if s.inflight.Load() {
		return s.skip(SkippedInFlight)
	}
	switch s.model.State() {
	case iface.ModelReady:
	case iface.ModelFailed:
		s.reportFatal(&iface.DetectError{Kind: iface.ModelUnavailable, Err: errors.New("model failed to load")})
		return Unavailable
	default:
		return s.skip(SkippedNotReady)
	}
	if s.cfg.MinInterval > 0 {
		if last := s.lastStart.Load(); last != 0 && time.Since(time.Unix(0, last)) < s.cfg.MinInterval {
			return s.skip(SkippedInterval)
		}
	}
	frame, ok := s.source.CurrentFrame()
	if !ok {
		return s.skip(SkippedNoFrame)
	}
	if !s.inflight.CompareAndSwap(false, true) {
		return s.skip(SkippedInFlight)
	}

	s.lastStart.Store(time.Now().UnixNano())
	monitor.DetectionsStarted.Inc()
	go s.detect(ctx, frame)
	return Started
}

func (s *Scheduler) skip(o Outcome) Outcome {
	monitor.TicksSkipped.WithLabelValues(o.String()).Inc()
	return o
}

func (s *Scheduler) detect(ctx context.Context, frame iface.Frame) {
	// cleared after delivery so the next tick cannot overtake this result
	defer s.inflight.Store(false)

	res, err := s.model.Detect(ctx, frame)

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.stopped.Load() {
		monitor.ResultsDropped.Inc()
		s.log.Debug("dropping result after stop", zap.Uint64("frame", frame.Seq))
		return
	}
	if err != nil {
		s.handleError(frame, err)
		return
	}
	monitor.InferenceSeconds.Observe(res.Latency.Seconds())
	s.sink.OnResult(res)
}

func (s *Scheduler) handleError(frame iface.Frame, err error) {
	var de *iface.DetectError
	kind := "other"
	if errors.As(err, &de) {
		kind = de.Kind.String()
	}
	monitor.DetectFailures.WithLabelValues(kind).Inc()

	switch {
	case iface.IsFatal(err):
		s.reportFatalLocked(err)
	case errors.Is(err, iface.ErrInferenceFailed):
		s.log.Warn("inference failed", zap.Uint64("frame", frame.Seq), zap.Error(err))
	}
	// ModelNotReady: state changed between the check and the call, try again next tick
}

func (s *Scheduler) reportFatal(err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.stopped.Load() {
		return
	}
	s.reportFatalLocked(err)
}

func (s *Scheduler) reportFatalLocked(err error) {
	if !s.reported.CompareAndSwap(false, true) {
		return
	}
	s.log.Error("model unavailable", zap.Error(err))
	s.sink.OnFatal(err)
}

// InFlight reports whether a detect call is running.
func (s *Scheduler) InFlight() bool {
	return s.inflight.Load()
}

// Stop halts ticking. Results of calls still in flight are dropped, and
// once Stop returns the sink will not be called again. Stop does not wait
// for those calls to finish.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	// barrier: wait out a delivery that passed the stopped check
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}
