package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"LiveDet/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Skip reasons used as the "reason" label of TicksSkipped.
const (
	SkipInFlight = "in_flight"
	SkipNotReady = "model_not_ready"
	SkipNoFrame  = "no_frame"
	SkipInterval = "min_interval"
	SkipStopped  = "stopped"
)

var (
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	DetectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livedet_detections_started_total",
		Help: "Detect calls started by the scheduler",
	})
	TicksSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livedet_ticks_skipped_total",
		Help: "Scheduler ticks that did not start a detect call",
	}, []string{"reason"})
	DetectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livedet_detect_failures_total",
		Help: "Detect calls that returned an error, by kind",
	}, []string{"kind"})
	ResultsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livedet_results_dropped_total",
		Help: "Detect results discarded because the scheduler was stopped",
	})
	InferenceSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "livedet_inference_seconds",
		Help:    "Latency of completed detect calls",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2},
	})
	FramesCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livedet_frames_captured_total",
		Help: "Frames decoded from the capture device",
	})
	Renders = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livedet_renders_total",
		Help: "Overlay repaints",
	})
	PipelineState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livedet_pipeline_state",
		Help: "Current pipeline state (0 idle, 1 starting, 2 running, 3 stopping, 4 stopped, 5 error)",
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage,
		DetectionsStarted, TicksSkipped, DetectFailures, ResultsDropped,
		InferenceSeconds, FramesCaptured, Renders, PipelineState)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func checkProcessInfo(p *process.Process) {
	memInfo, err := p.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	cpuPercent, err := p.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage until ctx is done.
// A port <= 0 disables the HTTP listener but keeps sampling.
func StartMon(ctx context.Context, port int) {
	log := logger.Named("monitor")
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Error("process sampler unavailable", zap.Error(err))
		return
	}

	var srv *http.Server
	if port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())
		srv = &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("metrics server listening", zap.Int("port", port))
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			checkProcessInfo(p)
		}
	}
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown", zap.Error(err))
	}
}
