package server

import (
	"errors"
	"net"

	"LiveDet/logger"
	"LiveDet/pipeline"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PipelineService is the health service name that follows the pipeline state.
// The empty service name reports the process itself.
const PipelineService = "livedet.Pipeline"

// Health exposes pipeline transitions over the standard grpc health protocol,
// so clients can Check once or Watch for SERVING / NOT_SERVING changes.
type Health struct {
	hs  *health.Server
	srv *grpc.Server
	log *zap.Logger
}

func NewHealth(initial pipeline.State) *Health {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(PipelineService, servingStatus(initial))

	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return &Health{hs: hs, srv: s, log: logger.Named("health")}
}

// 只有 Running 才算可用
func servingStatus(s pipeline.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == pipeline.Running {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Notify is a pipeline transition listener. It does not block: watchers keep
// only the latest status.
func (h *Health) Notify(tr pipeline.Transition) {
	h.hs.SetServingStatus(PipelineService, servingStatus(tr.To))
}

// Serve blocks until Stop. A stopped server is not an error.
func (h *Health) Serve(lis net.Listener) error {
	h.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := h.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (h *Health) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(lis)
}

// Stop marks every service NOT_SERVING and closes open Watch streams.
func (h *Health) Stop() {
	h.hs.Shutdown()
	// Watch streams never finish on their own, so GracefulStop would wait forever
	h.srv.Stop()
}
