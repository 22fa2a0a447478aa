package server

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	iface "LiveDet/interface"
	"LiveDet/logger"
	"LiveDet/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Pipeline is the controller surface the host drives.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop() error
	Status() pipeline.Status
	OnTransition(fn func(pipeline.Transition))
}

// Surface is the overlay the host displays.
type Surface interface {
	Snapshot() *image.RGBA
}

type StreamView struct {
	Device string  `json:"device"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

type StatusView struct {
	State     string      `json:"state"`
	Error     string      `json:"error,omitempty"`
	RunID     string      `json:"runId,omitempty"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	Model     string      `json:"model"`
	Stream    *StreamView `json:"stream,omitempty"`
}

type TransitionView struct {
	RunID string    `json:"runId,omitempty"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

func NewStatusView(st pipeline.Status) StatusView {
	v := StatusView{
		State: st.State.String(),
		RunID: st.RunID,
		Model: st.Model.String(),
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	if !st.StartedAt.IsZero() {
		at := st.StartedAt
		v.StartedAt = &at
	}
	if st.Stream != (iface.StreamInfo{}) {
		v.Stream = &StreamView{
			Device: st.Stream.Device,
			Width:  st.Stream.Width,
			Height: st.Stream.Height,
			FPS:    st.Stream.FPS,
		}
	}
	return v
}

func NewTransitionView(tr pipeline.Transition) TransitionView {
	v := TransitionView{RunID: tr.RunID, From: tr.From.String(), To: tr.To.String(), At: tr.At}
	if tr.Err != nil {
		v.Error = tr.Err.Error()
	}
	return v
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	ctrl    Pipeline
	surface Surface
	hub     *hub
	engine  *gin.Engine
	log     *zap.Logger

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

func New(ctrl Pipeline, surface Surface) *Server {
	s := &Server{
		ctrl:    ctrl,
		surface: surface,
		hub:     newHub(),
		log:     logger.Named("server"),
	}
	ctrl.OnTransition(func(tr pipeline.Transition) {
		s.hub.broadcast(NewTransitionView(tr))
	})

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/pipeline", s.handleStatus)
	r.POST("/api/pipeline/start", s.handleStart)
	r.POST("/api/pipeline/stop", s.handleStop)
	r.GET("/api/overlay.jpg", s.handleOverlay)
	r.GET("/ws/state", s.handleStateFeed)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": NewStatusView(s.ctrl.Status())})
}

func (s *Server) handleStart(c *gin.Context) {
	err := s.ctrl.Start(c.Request.Context())
	view := NewStatusView(s.ctrl.Status())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"data": view})
	case errors.Is(err, pipeline.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "data": view})
	case errors.Is(err, iface.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "data": view})
	case errors.Is(err, iface.ErrNoDevice), errors.Is(err, iface.ErrDeviceBusy):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "data": view})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "data": view})
	}
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.ctrl.Stop(); err != nil {
		s.log.Warn("stop reported errors", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"data": NewStatusView(s.ctrl.Status())})
}

func (s *Server) handleOverlay(c *gin.Context) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, s.surface.Snapshot(), &jpeg.Options{Quality: 85}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode overlay: " + err.Error()})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
}

func (s *Server) handleStateFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	cl := s.hub.add(conn)
	defer s.hub.remove(cl)

	if err := conn.WriteJSON(gin.H{"status": NewStatusView(s.ctrl.Status())}); err != nil {
		return
	}
	go cl.writeLoop()
	// the feed is one-way; reading only detects the client going away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is not an error.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("http host listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener if one is running. A later ListenAndServe returns at once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}
