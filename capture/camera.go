package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	iface "LiveDet/interface"
	"LiveDet/logger"
	"LiveDet/monitor"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Device is the subset of *gocv.VideoCapture the camera drives.
type Device interface {
	Read(m *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, param float64)
	Get(prop gocv.VideoCaptureProperties) float64
	IsOpened() bool
	Close() error
}

type OpenFunc func(device string) (Device, error)

// Stats are cumulative over the lifetime of one Camera.
type Stats struct {
	FramesCaptured uint64
	ReadFailures   uint64
	LastFrameAt    time.Time
	Resolution     string
	Connected      bool
}

// Camera is a FrameSource over a local capture device or a video URL.
// One Camera serves one pipeline run: after Release it cannot be acquired again.
type Camera struct {
	open            OpenFunc
	probe           func(device string) error
	maxReadFailures int

	mu       sync.Mutex
	device   string
	dev      Device
	acquired bool
	released bool
	latest   iface.Frame
	hasFrame bool
	stop     chan struct{}
	done     chan struct{}
	lastAt   time.Time
	res      string

	seq          atomic.Uint64
	frames       atomic.Uint64
	readFailures atomic.Uint64
	faults       chan error
}

type Option func(*Camera)

// WithOpener replaces gocv.OpenVideoCapture, mainly for tests.
func WithOpener(open OpenFunc) Option {
	return func(c *Camera) { c.open = open }
}

// WithProbe replaces the /dev/videoN permission probe.
func WithProbe(probe func(device string) error) Option {
	return func(c *Camera) { c.probe = probe }
}

// WithMaxReadFailures sets how many consecutive failed reads count as a lost device.
func WithMaxReadFailures(n int) Option {
	return func(c *Camera) {
		if n > 0 {
			c.maxReadFailures = n
		}
	}
}

func New(opts ...Option) *Camera {
	c := &Camera{
		open:            openVideoCapture,
		probe:           probeDevice,
		maxReadFailures: 30,
		faults:          make(chan error, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// videoCapture adapts *gocv.VideoCapture to Device.
type videoCapture struct {
	vc *gocv.VideoCapture
}

func (v videoCapture) Read(m *gocv.Mat) bool { return v.vc.Read(m) }

func (v videoCapture) Set(prop gocv.VideoCaptureProperties, param float64) {
	v.vc.Set(prop, param)
}

func (v videoCapture) Get(prop gocv.VideoCaptureProperties) float64 { return v.vc.Get(prop) }
func (v videoCapture) IsOpened() bool                               { return v.vc.IsOpened() }
func (v videoCapture) Close() error                                 { return v.vc.Close() }

func openVideoCapture(device string) (Device, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(device); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(device)
	}
	if err != nil {
		if vc != nil {
			_ = vc.Close()
		}
		return nil, err
	}
	return videoCapture{vc: vc}, nil
}

// probeDevice maps the OS view of /dev/videoN onto capture error kinds before
// OpenCV gets a chance to collapse every failure into "cannot open".
func probeDevice(device string) error {
	idx, err := strconv.Atoi(device)
	if err != nil || runtime.GOOS != "linux" {
		return nil
	}
	return probePath(device, fmt.Sprintf("/dev/video%d", idx))
}

func probePath(device, path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &iface.CaptureError{Kind: iface.NoDevice, Device: device, Err: err}
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case err == nil:
		_ = f.Close()
		return nil
	case errors.Is(err, fs.ErrPermission):
		return &iface.CaptureError{Kind: iface.PermissionDenied, Device: device, Err: err}
	case errors.Is(err, syscall.EBUSY):
		return &iface.CaptureError{Kind: iface.DeviceBusy, Device: device, Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return &iface.CaptureError{Kind: iface.NoDevice, Device: device, Err: err}
	default:
		return &iface.CaptureError{Kind: iface.DeviceBusy, Device: device, Err: err}
	}
}

func (c *Camera) Acquire(ctx context.Context, cons iface.Constraints) (iface.StreamInfo, error) {
	c.mu.Lock()
	if c.acquired || c.released {
		c.mu.Unlock()
		return iface.StreamInfo{}, errors.New("capture: camera already used")
	}
	c.acquired = true
	c.device = cons.Device
	c.mu.Unlock()

	log := logger.Named("capture")
	if err := ctx.Err(); err != nil {
		return iface.StreamInfo{}, err
	}
	if err := c.probe(cons.Device); err != nil {
		log.Warn("device probe failed", zap.String("device", cons.Device), zap.Error(err))
		return iface.StreamInfo{}, err
	}

	dev, err := c.open(cons.Device)
	if err != nil {
		return iface.StreamInfo{}, &iface.CaptureError{Kind: iface.DeviceBusy, Device: cons.Device, Err: err}
	}
	if !dev.IsOpened() {
		_ = dev.Close()
		return iface.StreamInfo{}, &iface.CaptureError{Kind: iface.DeviceBusy, Device: cons.Device, Err: errors.New("device did not open")}
	}
	if cons.Width > 0 {
		dev.Set(gocv.VideoCaptureFrameWidth, float64(cons.Width))
	}
	if cons.Height > 0 {
		dev.Set(gocv.VideoCaptureFrameHeight, float64(cons.Height))
	}
	if cons.FPS > 0 {
		dev.Set(gocv.VideoCaptureFPS, cons.FPS)
	}
	// 只保留最新一帧，避免延迟累积
	dev.Set(gocv.VideoCaptureBufferSize, 1)

	mat := gocv.NewMat()
	defer mat.Close()
	if !dev.Read(&mat) || mat.Empty() {
		_ = dev.Close()
		return iface.StreamInfo{}, &iface.CaptureError{Kind: iface.DeviceBusy, Device: cons.Device, Err: errors.New("no frame from device")}
	}
	first, err := c.toFrame(&mat)
	if err != nil {
		_ = dev.Close()
		return iface.StreamInfo{}, &iface.CaptureError{Kind: iface.DeviceBusy, Device: cons.Device, Err: err}
	}

	c.mu.Lock()
	if c.released {
		// Release ran while we were opening the device.
		c.mu.Unlock()
		_ = dev.Close()
		return iface.StreamInfo{}, &iface.CaptureError{Kind: iface.DeviceBusy, Device: cons.Device, Err: errors.New("released during acquire")}
	}
	c.dev = dev
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.publishLocked(first)
	go c.readLoop(dev, c.stop, c.done)
	c.mu.Unlock()

	info := iface.StreamInfo{
		Device: cons.Device,
		Width:  first.Width,
		Height: first.Height,
		FPS:    dev.Get(gocv.VideoCaptureFPS),
	}
	log.Info("camera acquired",
		zap.String("device", info.Device),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Float64("fps", info.FPS))
	return info, nil
}

func (c *Camera) toFrame(mat *gocv.Mat) (iface.Frame, error) {
	img, err := mat.ToImage()
	if err != nil {
		return iface.Frame{}, fmt.Errorf("convert frame: %w", err)
	}
	b := img.Bounds()
	return iface.Frame{
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Image:     img,
	}, nil
}

func (c *Camera) publishLocked(f iface.Frame) {
	c.latest = f
	c.hasFrame = true
	c.lastAt = f.Timestamp
	c.res = fmt.Sprintf("%dx%d", f.Width, f.Height)
	c.frames.Add(1)
	monitor.FramesCaptured.Inc()
}

func (c *Camera) readLoop(dev Device, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	mat := gocv.NewMat()
	defer mat.Close()

	failures := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		var frame iface.Frame
		ok := dev.Read(&mat) && !mat.Empty()
		if ok {
			var err error
			frame, err = c.toFrame(&mat)
			ok = err == nil
		}
		if !ok {
			failures++
			c.readFailures.Add(1)
			if failures >= c.maxReadFailures {
				c.fault(&iface.CaptureError{
					Kind:   iface.NoDevice,
					Device: c.device,
					Err:    fmt.Errorf("device lost after %d consecutive read failures", failures),
				})
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		failures = 0

		c.mu.Lock()
		c.publishLocked(frame)
		c.mu.Unlock()
	}
}

func (c *Camera) fault(err error) {
	logger.Named("capture").Error("capture fault", zap.Error(err))
	select {
	case c.faults <- err:
	default:
	}
}

// Faults delivers at most one device-lost error per run.
func (c *Camera) Faults() <-chan error {
	return c.faults
}

func (c *Camera) CurrentFrame() (iface.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.hasFrame
}

func (c *Camera) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	dev, stop, done := c.dev, c.stop, c.done
	c.dev = nil
	c.hasFrame = false
	c.latest = iface.Frame{}
	c.mu.Unlock()

	if dev == nil {
		return nil
	}
	close(stop)
	<-done
	if err := dev.Close(); err != nil {
		return fmt.Errorf("close capture device %s: %w", c.device, err)
	}
	logger.Named("capture").Info("camera released",
		zap.String("device", c.device),
		zap.Uint64("frames", c.frames.Load()),
		zap.Uint64("readFailures", c.readFailures.Load()))
	return nil
}

func (c *Camera) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		FramesCaptured: c.frames.Load(),
		ReadFailures:   c.readFailures.Load(),
		LastFrameAt:    c.lastAt,
		Resolution:     c.res,
		Connected:      c.dev != nil,
	}
}

var _ iface.FrameSource = (*Camera)(nil)
var _ iface.FaultReporter = (*Camera)(nil)
