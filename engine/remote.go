package engine

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net/http"
	"strings"
	"time"

	iface "LiveDet/interface"

	"github.com/go-resty/resty/v2"
)

type RemoteConfig struct {
	URL         string
	Timeout     time.Duration
	JPEGQuality int
}

// RemoteBackend delegates inference to an HTTP detection server.
type RemoteBackend struct {
	cfg    RemoteConfig
	client *resty.Client
}

type pingResponse struct {
	Message string `json:"message"`
}

type remotePrediction struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	BBox  []float64 `json:"bbox"` // x, y, width, height
}

type detectResponse struct {
	Predictions []remotePrediction `json:"predictions"`
}

func NewRemoteBackend(cfg RemoteConfig) *RemoteBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &RemoteBackend{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.Timeout),
	}
}

func (b *RemoteBackend) Info() iface.BackendInfo {
	return iface.BackendInfo{Kind: "remote", ModelPath: b.cfg.URL, Target: "http"}
}

func (b *RemoteBackend) Load(ctx context.Context) error {
	var pong pingResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&pong).
		Get(b.cfg.URL + "/api/ping")
	if err != nil {
		return fmt.Errorf("ping detection server: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("detection server returned %s", resp.Status())
	}
	return nil
}

func (b *RemoteBackend) Detect(ctx context.Context, frame iface.Frame) ([]iface.Prediction, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame has no image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: b.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var out detectResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetBody(buf.Bytes()).
		SetResult(&out).
		Post(b.cfg.URL + "/api/detect")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusGone {
		return nil, &iface.DetectError{Kind: iface.ModelUnavailable, Err: fmt.Errorf("detection server reports model gone")}
	}
	if resp.IsError() {
		return nil, fmt.Errorf("detection server returned %s: %s", resp.Status(), resp.String())
	}

	preds := make([]iface.Prediction, 0, len(out.Predictions))
	for i, p := range out.Predictions {
		if len(p.BBox) != 4 {
			return nil, fmt.Errorf("prediction %d: bbox has %d values, want 4", i, len(p.BBox))
		}
		preds = append(preds, iface.Prediction{
			Label:      p.Class,
			Confidence: p.Score,
			Box:        iface.NewBoxFromCorners(p.BBox[0], p.BBox[1], p.BBox[0]+p.BBox[2], p.BBox[1]+p.BBox[3]),
		})
	}
	return preds, nil
}

func (b *RemoteBackend) Close() error {
	return nil
}
