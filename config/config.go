package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Model     ModelConfig     `yaml:"model"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Registry  RegistryConfig  `yaml:"registry"`
	Log       LogConfig       `yaml:"log"`
}

type CameraConfig struct {
	Device          string  `yaml:"device"` // index ("0") or a file/stream URL
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	FPS             float64 `yaml:"fps"`
	MaxReadFailures int     `yaml:"maxReadFailures"`
}

type ModelConfig struct {
	Backend   string   `yaml:"backend"` // dnn | remote
	ModelPath string   `yaml:"modelPath"`
	Config    string   `yaml:"configPath"`
	NamesFile string   `yaml:"namesFile"`
	Names     []string `yaml:"names"`
	InputSize int      `yaml:"inputSize"`
	Scale     float64  `yaml:"scale"`
	Mean      float64  `yaml:"mean"`
	SwapRB    bool     `yaml:"swapRB"`
	UseGPU    bool     `yaml:"useGPU"`
	Warmup    int      `yaml:"warmup"`

	RemoteURL     string        `yaml:"remoteURL"`
	RemoteTimeout time.Duration `yaml:"remoteTimeout"`
}

type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MinInterval time.Duration `yaml:"minInterval"`
}

type OverlayConfig struct {
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	MinConfidence float64 `yaml:"minConfidence"`
	Color         string  `yaml:"color"`
	LineWidth     int     `yaml:"lineWidth"`
}

type PipelineConfig struct {
	RedrawInterval time.Duration `yaml:"redrawInterval"`
	AutoStart      bool          `yaml:"autoStart"`
}

type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpcPort"` // grpc health service, 0 disables
}

type MetricsConfig struct {
	Port int `yaml:"port"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // empty disables the emitter
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientID"`
	QoS      byte   `yaml:"qos"`
}

type RegistryConfig struct {
	URL      string        `yaml:"url"` // empty disables the heartbeat
	Interval time.Duration `yaml:"interval"`
	IP       string        `yaml:"ip"`
}

type LogConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Device:          "0",
			Width:           640,
			Height:          480,
			FPS:             30,
			MaxReadFailures: 30,
		},
		Model: ModelConfig{
			Backend:       "dnn",
			InputSize:     300,
			Scale:         1.0 / 127.5,
			Mean:          127.5,
			SwapRB:        true,
			Warmup:        1,
			RemoteTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval: 100 * time.Millisecond,
		},
		Overlay: OverlayConfig{
			Width:         600,
			Height:        400,
			MinConfidence: 0.5,
			Color:         "#00FFFF",
			LineWidth:     2,
		},
		Pipeline: PipelineConfig{
			RedrawInterval: 33 * time.Millisecond,
		},
		Server:  ServerConfig{Port: 8080, GRPCPort: 9091},
		Metrics: MetricsConfig{Port: 9090},
		MQTT: MQTTConfig{
			Topic: "livedet/pipeline/state",
			QoS:   1,
		},
		Registry: RegistryConfig{
			Interval: 5 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Callers run Validate before use.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Camera.Device == "" {
		return fmt.Errorf("camera.device is required")
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 || c.Camera.FPS < 0 {
		return fmt.Errorf("camera dimensions and fps must not be negative")
	}
	switch c.Model.Backend {
	case "dnn":
		if c.Model.ModelPath == "" {
			return fmt.Errorf("model.modelPath is required for the dnn backend")
		}
		if c.Model.InputSize <= 0 {
			return fmt.Errorf("model.inputSize must be positive, got %d", c.Model.InputSize)
		}
	case "remote":
		if c.Model.RemoteURL == "" {
			return fmt.Errorf("model.remoteURL is required for the remote backend")
		}
	default:
		return fmt.Errorf("unsupported model backend: %q", c.Model.Backend)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}
	if c.Scheduler.MinInterval < 0 {
		return fmt.Errorf("scheduler.minInterval must not be negative")
	}
	if c.Overlay.Width <= 0 || c.Overlay.Height <= 0 {
		return fmt.Errorf("overlay surface must have positive dimensions, got %dx%d", c.Overlay.Width, c.Overlay.Height)
	}
	if c.Overlay.MinConfidence < 0 || c.Overlay.MinConfidence > 1 {
		return fmt.Errorf("overlay.minConfidence must be between 0.0 and 1.0, got %f", c.Overlay.MinConfidence)
	}
	if c.Pipeline.RedrawInterval < 0 {
		return fmt.Errorf("pipeline.redrawInterval must not be negative")
	}
	if c.Registry.Interval < 0 {
		return fmt.Errorf("registry.interval must not be negative")
	}
	if c.Server.GRPCPort < 0 {
		return fmt.Errorf("server.grpcPort must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}
