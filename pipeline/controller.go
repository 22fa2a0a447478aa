package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	iface "LiveDet/interface"
	"LiveDet/logger"
	"LiveDet/monitor"
	"LiveDet/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrBusy = errors.New("pipeline: already started")

type Transition struct {
	From  State
	To    State
	Err   error
	RunID string
	At    time.Time
}

type Status struct {
	State     State
	Err       error
	RunID     string
	StartedAt time.Time
	Stream    iface.StreamInfo
	Model     iface.ModelState
}

// Painter is the overlay surface the controller draws to.
type Painter interface {
	Render(frame iface.Frame, res *iface.DetectionResult)
}

type Config struct {
	Constraints    iface.Constraints
	Scheduler      scheduler.Config
	RedrawInterval time.Duration // 0 disables the periodic redraw
}

// Controller runs one camera + model pipeline at a time. It is the only
// component that creates or tears down the per-run source and model.
type Controller struct {
	cfg       Config
	newSource func() iface.FrameSource
	newModel  func() iface.DetectionModel
	painter   Painter
	log       *zap.Logger

	mu        sync.Mutex
	state     State
	err       error
	run       *run
	listeners []func(Transition)
}

func New(cfg Config, newSource func() iface.FrameSource, newModel func() iface.DetectionModel, painter Painter) *Controller {
	return &Controller{
		cfg:       cfg,
		newSource: newSource,
		newModel:  newModel,
		painter:   painter,
		log:       logger.Named("pipeline"),
		state:     Idle,
	}
}

// OnTransition registers fn for every later transition. fn runs with the
// controller lock held, in transition order, and must not call Start or Stop.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Err: c.err}
	if c.run != nil {
		st.RunID = c.run.id
		st.StartedAt = c.run.startedAt
		st.Stream = c.run.info
		st.Model = c.run.model.State()
	}
	return st
}

// Start begins a new run. It returns once the stream is acquired; the model
// loads in the background and the pipeline reaches Running when it is Ready.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Idle, Stopped, Error:
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, state)
	}
	r := c.newRun()
	c.run = r
	c.transitionLocked(Starting, nil)
	c.mu.Unlock()

	info, err := r.source.Acquire(ctx, c.cfg.Constraints)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r || c.state != Starting {
		// stopped while acquiring; Stop has already torn the run down
		_ = r.source.Release()
		if err != nil {
			return err
		}
		return errors.New("pipeline: stopped during start")
	}
	if err != nil {
		c.failLocked(r, err)
		return err
	}
	r.info = info

	if c.cfg.RedrawInterval > 0 {
		go c.redraw(r, c.cfg.RedrawInterval)
	}
	if fr, ok := r.source.(iface.FaultReporter); ok {
		go c.watchFaults(r, fr.Faults())
	}
	go c.load(r)
	return nil
}

func (c *Controller) newRun() *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		id:        uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		source:    c.newSource(),
		model:     c.newModel(),
		painter:   c.painter,
	}
}

func (c *Controller) load(r *run) {
	if err := r.model.Load(r.ctx); err != nil {
		c.fail(r, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r || c.state != Starting {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.sched = scheduler.New(c.cfg.Scheduler, r.source, r.model, runSink{c: c, r: r})
	r.sched.Start(r.ctx)
	r.mu.Unlock()
	c.transitionLocked(Running, nil)
}

func (c *Controller) redraw(r *run, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.paint(nil)
		}
	}
}

func (c *Controller) watchFaults(r *run, faults <-chan error) {
	select {
	case <-r.ctx.Done():
	case err := <-faults:
		c.fail(r, err)
	}
}

// Stop tears the current run down. It is safe to call in any state and
// more than once.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case Starting, Running:
	default:
		c.mu.Unlock()
		return nil
	}
	r := c.run
	c.transitionLocked(Stopping, nil)
	c.mu.Unlock()

	err := r.teardown()
	if err != nil {
		c.log.Warn("teardown reported errors", zap.String("run", r.id), zap.Error(err))
	}

	c.mu.Lock()
	if c.run == r && c.state == Stopping {
		c.transitionLocked(Stopped, nil)
	}
	c.mu.Unlock()
	return err
}

func (c *Controller) fail(r *run, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(r, err)
}

func (c *Controller) failLocked(r *run, err error) {
	if c.run != r {
		return
	}
	switch c.state {
	case Starting, Running:
	default:
		return
	}
	c.log.Error("pipeline failed", zap.String("run", r.id), zap.Error(err))
	if terr := r.teardown(); terr != nil {
		c.log.Warn("teardown reported errors", zap.String("run", r.id), zap.Error(terr))
	}
	c.transitionLocked(Error, err)
}

func (c *Controller) transitionLocked(to State, err error) {
	from := c.state
	c.state = to
	switch to {
	case Error:
		c.err = err
	case Starting:
		c.err = nil
	}
	tr := Transition{From: from, To: to, Err: err, At: time.Now()}
	if c.run != nil {
		tr.RunID = c.run.id
	}
	monitor.PipelineState.Set(float64(to))
	c.log.Info("pipeline transition",
		zap.String("run", tr.RunID),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	for _, fn := range c.listeners {
		fn(tr)
	}
}

// run holds everything owned by one Start..Stop cycle.
type run struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	info      iface.StreamInfo

	source  iface.FrameSource
	model   iface.DetectionModel
	painter Painter

	// mu is the paint gate: once closed is set nothing reaches the painter.
	mu     sync.Mutex
	closed bool
	sched  *scheduler.Scheduler
	latest *iface.DetectionResult
}

// paint draws the current frame with res, or with the last result when res is nil.
func (r *run) paint(res *iface.DetectionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.painter == nil {
		return
	}
	if res != nil {
		r.latest = res
	}
	frame, ok := r.source.CurrentFrame()
	if !ok {
		return
	}
	r.painter.Render(frame, r.latest)
}

func (r *run) teardown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sched := r.sched
	r.latest = nil
	r.mu.Unlock()

	r.cancel()
	if sched != nil {
		sched.Stop()
	}
	return errors.Join(r.source.Release(), r.model.Close())
}

type runSink struct {
	c *Controller
	r *run
}

func (s runSink) OnResult(res iface.DetectionResult) {
	s.r.paint(&res)
}

func (s runSink) OnFatal(err error) {
	// the scheduler is still delivering; teardown waits for that to finish
	go s.c.fail(s.r, err)
}
