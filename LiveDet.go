package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "LiveDet/Adhoc"
	"LiveDet/capture"
	"LiveDet/config"
	"LiveDet/emitter"
	"LiveDet/engine"
	iface "LiveDet/interface"
	"LiveDet/logger"
	"LiveDet/monitor"
	"LiveDet/overlay"
	"LiveDet/pipeline"
	"LiveDet/scheduler"
	"LiveDet/server"

	"go.uber.org/zap"
)

func newBackend(m config.ModelConfig) iface.Backend {
	switch m.Backend {
	case "remote":
		return engine.NewRemoteBackend(engine.RemoteConfig{
			URL:     m.RemoteURL,
			Timeout: m.RemoteTimeout,
		})
	default:
		return engine.NewDNNBackend(engine.DNNConfig{
			ModelPath:  m.ModelPath,
			ConfigPath: m.Config,
			Names:      engine.NamesConf{File: m.NamesFile, List: m.Names},
			InputSize:  m.InputSize,
			Scale:      m.Scale,
			Mean:       [3]float64{m.Mean, m.Mean, m.Mean},
			SwapRB:     m.SwapRB,
			UseGPU:     m.UseGPU,
			Warmup:     m.Warmup,
		})
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("Invalid config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Development, cfg.Log.Level); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("main")

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" Camera:", cfg.Camera.Device)
	fmt.Println(" Backend:", cfg.Model.Backend)
	fmt.Println(" HTTP  Port:", cfg.Server.Port)
	fmt.Println(" gRPC  Port:", cfg.Server.GRPCPort)
	fmt.Println(" Metrics Port:", cfg.Metrics.Port)
	fmt.Println(strings.Repeat("#", 64))

	color, err := overlay.ParseHexColor(cfg.Overlay.Color)
	if err != nil {
		log.Fatal("invalid overlay color", zap.Error(err))
	}
	renderer := overlay.New(overlay.Config{
		Width:         cfg.Overlay.Width,
		Height:        cfg.Overlay.Height,
		MinConfidence: cfg.Overlay.MinConfidence,
		Color:         color,
		LineWidth:     cfg.Overlay.LineWidth,
	})

	ctrl := pipeline.New(pipeline.Config{
		Constraints: iface.Constraints{
			Device: cfg.Camera.Device,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		},
		Scheduler: scheduler.Config{
			Interval:    cfg.Scheduler.Interval,
			MinInterval: cfg.Scheduler.MinInterval,
		},
		RedrawInterval: cfg.Pipeline.RedrawInterval,
	}, func() iface.FrameSource {
		return capture.New(capture.WithMaxReadFailures(cfg.Camera.MaxReadFailures))
	}, func() iface.DetectionModel {
		return engine.New(newBackend(cfg.Model))
	}, renderer)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.Metrics.Port)
	}()

	if cfg.MQTT.Broker != "" {
		em := emitter.NewMQTTEmitter(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
		})
		if err := em.Connect(ctx); err != nil {
			log.Warn("state emitter disabled", zap.Error(err))
		} else {
			ctrl.OnTransition(em.Notify)
			defer em.Close()
		}
	} else {
		fmt.Println("mqtt.broker is empty, skipping state emitter")
	}

	if cfg.Registry.URL != "" {
		hb := adhoc.NewHeartbeat(adhoc.RegServerConfig{
			URL:      cfg.Registry.URL,
			Interval: cfg.Registry.Interval,
			IP:       cfg.Registry.IP,
			Port:     cfg.Server.Port,
		}, ctrl.Status)
		wg.Add(1)
		go func() {
			defer wg.Done()
			hb.Run(ctx)
		}()
	} else {
		fmt.Println("registry.url is empty, skipping registration")
	}

	host := server.New(ctrl, renderer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := host.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			log.Error("http host stopped", zap.Error(err))
		}
	}()

	var hl *server.Health
	if cfg.Server.GRPCPort > 0 {
		hl = server.NewHealth(ctrl.Status().State)
		ctrl.OnTransition(hl.Notify)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hl.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.GRPCPort)); err != nil {
				log.Error("grpc health stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Pipeline.AutoStart {
		if err := ctrl.Start(ctx); err != nil {
			log.Error("auto start failed", zap.Error(err))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	if err := ctrl.Stop(); err != nil {
		log.Warn("pipeline stop", zap.Error(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	if err := host.Shutdown(shutdownCtx); err != nil {
		log.Warn("http host shutdown", zap.Error(err))
	}
	if hl != nil {
		hl.Stop()
	}
	cancel()
	wg.Wait()
	fmt.Println("Safely exited")
}
