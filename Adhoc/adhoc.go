package Adhoc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"LiveDet/logger"
	"LiveDet/pipeline"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

// RegisterRequest is the heartbeat body sent to the registration server.
type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	State     string `json:"state"`
	RunID     string `json:"runId,omitempty"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type StatusFunc func() pipeline.Status

type RegServerConfig struct {
	URL      string
	Interval time.Duration
	IP       string // advertised address; outbound IP when empty
	Port     int
}

// GetOutboundIP 通过 UDP "连接" 得到本机出口 IP，不会真正发包
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// Heartbeat announces this host and its pipeline state to a registration server.
type Heartbeat struct {
	cfg    RegServerConfig
	id     string
	status StatusFunc
	client *resty.Client
	log    *zap.Logger
}

func NewHeartbeat(cfg RegServerConfig, status StatusFunc) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = TimeOutSeconds * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Heartbeat{
		cfg:    cfg,
		id:     uuid.NewString(),
		status: status,
		client: resty.New().SetTimeout(TimeOutSeconds * time.Second), // 总超时
		log:    logger.Named("adhoc"),
	}
}

func (h *Heartbeat) ID() string { return h.id }

// SendAlive posts one heartbeat.
func (h *Heartbeat) SendAlive(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic recovered: %v", r)
		}
	}()
	st := h.status()
	reqBody := RegisterRequest{
		Id:        h.id,
		IP:        h.cfg.IP,
		Port:      h.cfg.Port,
		State:     st.State.String(),
		RunID:     st.RunID,
		TimeStamp: time.Now().Unix(),
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(h.cfg.URL + "/api/register")
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	// 检查 HTTP 状态码
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registration rejected for %s", h.id)
	}
	return nil
}

// Run sends a heartbeat immediately and then every Interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.cfg.IP == "" {
		ip, err := GetOutboundIP()
		if err != nil {
			h.log.Warn("outbound ip unavailable", zap.Error(err))
		}
		h.cfg.IP = ip
	}
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := h.SendAlive(ctx); err != nil {
			h.log.Error("heartbeat failed", zap.String("url", h.cfg.URL), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			h.log.Info("heartbeat context cancelled, exiting goroutine")
			return
		case <-ticker.C:
		}
	}
}
