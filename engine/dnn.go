package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	iface "LiveDet/interface"
	"LiveDet/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// DNNConfig describes an SSD-style detector readable by OpenCV's dnn module
// (Caffe, TensorFlow .pb/.pbtxt, ONNX).
type DNNConfig struct {
	ModelPath  string
	ConfigPath string
	Names      NamesConf
	InputSize  int
	Scale      float64
	Mean       [3]float64
	SwapRB     bool
	UseGPU     bool
	Warmup     int
}

// DNNBackend runs inference in-process through gocv.
type DNNBackend struct {
	cfg DNNConfig

	mu     sync.Mutex
	net    gocv.Net
	names  []string
	ready  bool
	target string
}

func NewDNNBackend(cfg DNNConfig) *DNNBackend {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 300
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1.0
	}
	return &DNNBackend{cfg: cfg, target: "cpu"}
}

func (b *DNNBackend) Info() iface.BackendInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return iface.BackendInfo{
		Kind:      "dnn",
		ModelPath: b.cfg.ModelPath,
		Target:    b.target,
		Names:     len(b.names),
	}
}

func (b *DNNBackend) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	names, err := b.cfg.Names.Resolve()
	if err != nil {
		return err
	}
	net := gocv.ReadNet(b.cfg.ModelPath, b.cfg.ConfigPath)
	if net.Empty() {
		_ = net.Close()
		return fmt.Errorf("failed to load network from %s", b.cfg.ModelPath)
	}
	target := "cpu"
	if b.cfg.UseGPU {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
		target = "cuda"
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	b.mu.Lock()
	b.net = net
	b.names = names
	b.target = target
	b.ready = true
	b.mu.Unlock()

	// The first forward pass allocates the backend buffers; pay for it here
	// instead of on the first scheduler tick.
	if b.cfg.Warmup > 0 {
		blank := iface.Frame{
			Width:  b.cfg.InputSize,
			Height: b.cfg.InputSize,
			Image:  image.NewRGBA(image.Rect(0, 0, b.cfg.InputSize, b.cfg.InputSize)),
		}
		for i := 0; i < b.cfg.Warmup; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := b.detect(blank); err != nil {
				logger.Named("engine").Warn("warmup detect failed", zap.Error(err))
				break
			}
		}
	}
	return nil
}

func (b *DNNBackend) Detect(ctx context.Context, frame iface.Frame) ([]iface.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.detect(frame)
}

func (b *DNNBackend) detect(frame iface.Frame) (preds []iface.Prediction, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil, errors.New("network not loaded")
	}
	if frame.Image == nil {
		return nil, errors.New("frame has no image")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("opencv panic: %v", r)
		}
	}()

	img, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer img.Close()

	size := b.cfg.InputSize
	mean := gocv.NewScalar(b.cfg.Mean[0], b.cfg.Mean[1], b.cfg.Mean[2], 0)
	blob := gocv.BlobFromImage(img, b.cfg.Scale, image.Pt(size, size), mean, b.cfg.SwapRB, false)
	defer blob.Close()

	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()

	// SSD detection_out is [1, 1, N, 7]: image id, class id, score, x1, y1, x2, y2.
	det := gocv.GetBlobChannel(out, 0, 0)
	defer det.Close()
	return decodeSSD(det.Rows(), det.GetFloatAt, frame.Width, frame.Height, b.names), nil
}

// decodeSSD turns normalised SSD rows into frame-pixel predictions.
// Scores are passed through untouched; rows after a negative image id are padding.
func decodeSSD(rows int, at func(row, col int) float32, width, height int, names []string) []iface.Prediction {
	preds := make([]iface.Prediction, 0, rows)
	w, h := float64(width), float64(height)
	for r := 0; r < rows; r++ {
		if at(r, 0) < 0 {
			break
		}
		classID := int(at(r, 1))
		preds = append(preds, iface.Prediction{
			Label:      labelFor(names, classID),
			Confidence: float64(at(r, 2)),
			Box: iface.NewBoxFromCorners(
				float64(at(r, 3))*w,
				float64(at(r, 4))*h,
				float64(at(r, 5))*w,
				float64(at(r, 6))*h,
			),
		})
	}
	return preds
}

func (b *DNNBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil
	}
	b.ready = false
	return b.net.Close()
}
