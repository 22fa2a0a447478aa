package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	iface "LiveDet/interface"
	"LiveDet/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	acquireErr  error
	acquireGate chan struct{}

	acquires atomic.Int32
	releases atomic.Int32
	released atomic.Bool
	seq      atomic.Uint64
	faults   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{faults: make(chan error, 1)}
}

func (f *fakeSource) Acquire(ctx context.Context, c iface.Constraints) (iface.StreamInfo, error) {
	f.acquires.Add(1)
	if f.acquireGate != nil {
		<-f.acquireGate
	}
	if f.acquireErr != nil {
		return iface.StreamInfo{}, f.acquireErr
	}
	return iface.StreamInfo{Device: c.Device, Width: 32, Height: 24, FPS: 30}, nil
}

func (f *fakeSource) CurrentFrame() (iface.Frame, bool) {
	if f.released.Load() {
		return iface.Frame{}, false
	}
	return iface.Frame{Seq: f.seq.Add(1), Timestamp: time.Now(), Width: 32, Height: 24}, true
}

func (f *fakeSource) Release() error {
	if f.released.CompareAndSwap(false, true) {
		f.releases.Add(1)
	}
	return nil
}

func (f *fakeSource) Faults() <-chan error { return f.faults }

type fakeModel struct {
	loadErr   error
	detectErr error
	gate      chan struct{} // blocks Detect while open

	state   atomic.Int32
	detects atomic.Int32
	closes  atomic.Int32
}

func (m *fakeModel) Load(ctx context.Context) error {
	if m.loadErr != nil {
		m.state.Store(int32(iface.ModelFailed))
		return m.loadErr
	}
	m.state.Store(int32(iface.ModelReady))
	return nil
}

func (m *fakeModel) State() iface.ModelState { return iface.ModelState(m.state.Load()) }

func (m *fakeModel) Detect(ctx context.Context, frame iface.Frame) (iface.DetectionResult, error) {
	m.detects.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.detectErr != nil {
		return iface.DetectionResult{}, m.detectErr
	}
	return iface.DetectionResult{FrameSeq: frame.Seq, Predictions: []iface.Prediction{{Label: "person", Confidence: 0.9}}}, nil
}

func (m *fakeModel) Close() error {
	m.closes.Add(1)
	return nil
}

type countingPainter struct {
	renders     atomic.Int32
	withResults atomic.Int32
}

func (p *countingPainter) Render(frame iface.Frame, res *iface.DetectionResult) {
	p.renders.Add(1)
	if res != nil {
		p.withResults.Add(1)
	}
}

type recorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorder) record(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trs = append(r.trs, tr)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.trs))
	for _, tr := range r.trs {
		out = append(out, tr.To)
	}
	return out
}

type harness struct {
	ctrl    *Controller
	painter *countingPainter
	rec     *recorder

	mu      sync.Mutex
	sources []*fakeSource
	models  []*fakeModel

	sourceTmpl func() *fakeSource
	modelTmpl  func() *fakeModel
}

func newHarness(sourceTmpl func() *fakeSource, modelTmpl func() *fakeModel) *harness {
	h := &harness{painter: &countingPainter{}, rec: &recorder{}, sourceTmpl: sourceTmpl, modelTmpl: modelTmpl}
	cfg := Config{
		Constraints:    iface.Constraints{Device: "0"},
		Scheduler:      scheduler.Config{Interval: 2 * time.Millisecond},
		RedrawInterval: 2 * time.Millisecond,
	}
	h.ctrl = New(cfg, func() iface.FrameSource {
		s := h.sourceTmpl()
		h.mu.Lock()
		h.sources = append(h.sources, s)
		h.mu.Unlock()
		return s
	}, func() iface.DetectionModel {
		m := h.modelTmpl()
		h.mu.Lock()
		h.models = append(h.models, m)
		h.mu.Unlock()
		return m
	}, h.painter)
	h.ctrl.OnTransition(h.rec.record)
	return h
}

func (h *harness) source(i int) *fakeSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sources[i]
}

func (h *harness) model(i int) *fakeModel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.models[i]
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.Status().State == s }, 2*time.Second, time.Millisecond,
		"want state %s, have %s", s, h.ctrl.Status().State)
}

func TestController_All(t *testing.T) {
	ctx := context.Background()
	h := newHarness(newFakeSource, func() *fakeModel { return &fakeModel{} })

	t.Run("Test Initial State", func(t *testing.T) {
		st := h.ctrl.Status()
		assert.Equal(t, Idle, st.State)
		assert.Empty(t, st.RunID)
		require.NoError(t, h.ctrl.Stop())
		assert.Empty(t, h.rec.states())
	})

	t.Run("Test Start", func(t *testing.T) {
		require.NoError(t, h.ctrl.Start(ctx))
		h.waitState(t, Running)
		st := h.ctrl.Status()
		assert.NotEmpty(t, st.RunID)
		assert.Equal(t, 32, st.Stream.Width)
		assert.Equal(t, iface.ModelReady, st.Model)
		require.Eventually(t, func() bool { return h.painter.withResults.Load() > 0 }, 2*time.Second, time.Millisecond)
	})

	t.Run("Test Start While Running", func(t *testing.T) {
		assert.ErrorIs(t, h.ctrl.Start(ctx), ErrBusy)
		assert.Equal(t, int32(1), h.source(0).acquires.Load())
	})

	t.Run("Test Stop", func(t *testing.T) {
		require.NoError(t, h.ctrl.Stop())
		require.NoError(t, h.ctrl.Stop())
		assert.Equal(t, Stopped, h.ctrl.Status().State)
		assert.Equal(t, int32(1), h.source(0).releases.Load())
		assert.Equal(t, int32(1), h.model(0).closes.Load())

		painted := h.painter.renders.Load()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, painted, h.painter.renders.Load(), "no paint after teardown")
	})

	t.Run("Test Restart", func(t *testing.T) {
		first := h.rec.trs[0].RunID
		require.NoError(t, h.ctrl.Start(ctx))
		h.waitState(t, Running)
		assert.NotEqual(t, first, h.ctrl.Status().RunID)
		require.NoError(t, h.ctrl.Stop())
		assert.Equal(t, int32(1), h.source(1).releases.Load())
	})

	t.Run("Test Transitions In Order", func(t *testing.T) {
		assert.Equal(t, []State{
			Starting, Running, Stopping, Stopped,
			Starting, Running, Stopping, Stopped,
		}, h.rec.states())
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		for i := 1; i < len(h.rec.trs); i++ {
			assert.Equal(t, h.rec.trs[i-1].To, h.rec.trs[i].From)
		}
	})
}

func TestController_PartialStartFailure(t *testing.T) {
	h := newHarness(func() *fakeSource {
		s := newFakeSource()
		s.acquireErr = &iface.CaptureError{Kind: iface.PermissionDenied, Device: "0"}
		return s
	}, func() *fakeModel { return &fakeModel{} })

	err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, iface.ErrPermissionDenied)

	st := h.ctrl.Status()
	assert.Equal(t, Error, st.State)
	assert.ErrorIs(t, st.Err, iface.ErrPermissionDenied)
	src := h.source(0)
	assert.Equal(t, src.acquires.Load(), src.releases.Load())
	assert.Equal(t, int32(1), h.model(0).closes.Load())
	assert.Equal(t, []State{Starting, Error}, h.rec.states())
	assert.Zero(t, h.painter.renders.Load())
}

func TestController_LoadFailure(t *testing.T) {
	h := newHarness(newFakeSource, func() *fakeModel {
		return &fakeModel{loadErr: &iface.LoadError{Backend: "dnn", Err: errors.New("no such file")}}
	})
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitState(t, Error)

	var le *iface.LoadError
	assert.ErrorAs(t, h.ctrl.Status().Err, &le)
	assert.Equal(t, int32(1), h.source(0).releases.Load())
	assert.Equal(t, int32(1), h.model(0).closes.Load())
	assert.Equal(t, []State{Starting, Error}, h.rec.states())
}

func TestController_StopMidInference(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(newFakeSource, func() *fakeModel { return &fakeModel{gate: gate} })
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitState(t, Running)
	require.Eventually(t, func() bool { return h.model(0).detects.Load() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.Stop())
	painted := h.painter.renders.Load()
	assert.Zero(t, h.painter.withResults.Load())

	close(gate)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, painted, h.painter.renders.Load())
	assert.Zero(t, h.painter.withResults.Load(), "late result must not be painted")
	assert.Equal(t, int32(1), h.source(0).releases.Load())
	assert.Equal(t, int32(1), h.model(0).detects.Load())
}

func TestController_StopDuringAcquire(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(func() *fakeSource {
		s := newFakeSource()
		s.acquireGate = gate
		return s
	}, func() *fakeModel { return &fakeModel{} })

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Start(context.Background()) }()
	h.waitState(t, Starting)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.sources) == 1 && h.sources[0].acquires.Load() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.Stop())
	close(gate)
	assert.Error(t, <-done)
	assert.Equal(t, Stopped, h.ctrl.Status().State)
	assert.Equal(t, int32(1), h.source(0).releases.Load())
	assert.Zero(t, h.model(0).state.Load(), "model never loaded")
}

func TestController_FatalErrors(t *testing.T) {
	t.Run("Device lost", func(t *testing.T) {
		h := newHarness(newFakeSource, func() *fakeModel { return &fakeModel{} })
		require.NoError(t, h.ctrl.Start(context.Background()))
		h.waitState(t, Running)

		h.source(0).faults <- &iface.CaptureError{Kind: iface.NoDevice, Device: "0"}
		h.waitState(t, Error)
		assert.ErrorIs(t, h.ctrl.Status().Err, iface.ErrNoDevice)
		assert.Equal(t, int32(1), h.source(0).releases.Load())
		assert.Equal(t, int32(1), h.model(0).closes.Load())
		require.NoError(t, h.ctrl.Stop())
		assert.Equal(t, Error, h.ctrl.Status().State)
	})

	t.Run("Model unavailable", func(t *testing.T) {
		h := newHarness(newFakeSource, func() *fakeModel {
			return &fakeModel{detectErr: &iface.DetectError{Kind: iface.ModelUnavailable, Err: errors.New("gone")}}
		})
		require.NoError(t, h.ctrl.Start(context.Background()))
		h.waitState(t, Error)
		assert.ErrorIs(t, h.ctrl.Status().Err, iface.ErrModelUnavailable)
		assert.Equal(t, []State{Starting, Running, Error}, h.rec.states())
	})

	t.Run("Inference failures keep running", func(t *testing.T) {
		h := newHarness(newFakeSource, func() *fakeModel {
			return &fakeModel{detectErr: &iface.DetectError{Kind: iface.InferenceFailed, Err: errors.New("bad frame")}}
		})
		require.NoError(t, h.ctrl.Start(context.Background()))
		h.waitState(t, Running)
		require.Eventually(t, func() bool { return h.model(0).detects.Load() >= 3 }, 2*time.Second, time.Millisecond)
		assert.Equal(t, Running, h.ctrl.Status().State)
		require.NoError(t, h.ctrl.Stop())
	})

	t.Run("Restart after error", func(t *testing.T) {
		var fail atomic.Bool
		fail.Store(true)
		h := newHarness(func() *fakeSource {
			s := newFakeSource()
			if fail.Load() {
				s.acquireErr = &iface.CaptureError{Kind: iface.DeviceBusy}
			}
			return s
		}, func() *fakeModel { return &fakeModel{} })
		require.Error(t, h.ctrl.Start(context.Background()))
		fail.Store(false)
		require.NoError(t, h.ctrl.Start(context.Background()))
		h.waitState(t, Running)
		assert.NoError(t, h.ctrl.Status().Err)
		require.NoError(t, h.ctrl.Stop())
	})
}
