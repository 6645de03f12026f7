package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"RicePestDetect/config"
	"RicePestDetect/engine"
	"RicePestDetect/heartbeat"
	iface "RicePestDetect/interface"
	"RicePestDetect/logger"
	"RicePestDetect/monitor"
	"RicePestDetect/pipeline"
	"RicePestDetect/recommend"
	"RicePestDetect/server"
)

func namesConf(cfg config.EngineConfig) (iface.NamesConf, error) {
	if cfg.NamesFile != "" {
		return iface.NamesConf{IsFile: true, Data: cfg.NamesFile}, nil
	}
	if len(cfg.Names) > 0 {
		return iface.NamesConf{IsFile: false, Data: cfg.Names}, nil
	}
	return iface.NamesConf{}, errors.New("engine.names or engine.names_file is required when engine.model_path is set")
}

func main() {
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println("Rice Pest Detection Server")
	CPUNum := runtime.NumCPU()
	runtime.GOMAXPROCS(CPUNum)
	fmt.Printf("CPU Cores: %d\n", CPUNum)

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Failed to load config:", err)
		return
	}
	fmt.Println("   HTTP Port:", cfg.HTTP.Port)
	fmt.Println("Monitor Port:", cfg.MonitorPort)
	fmt.Println("     Backend:", cfg.Engine.Backend)
	fmt.Println(strings.Repeat("#", 64))

	if err := logger.Init(cfg.Environment); err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.StartMon(cfg.MonitorPort, ctx)

	if cfg.Engine.Backend == engine.BackendORT && cfg.Engine.OrtLibPath != "" {
		engine.SetORTLibrary(cfg.Engine.OrtLibPath)
	}
	det, err := engine.New(cfg.Engine.Backend)
	if err != nil {
		logger.S().Fatalw("engine init failed", "err", err)
	}
	det.SetInputSize(cfg.Engine.InputSize)

	if cfg.Engine.ModelPath != "" {
		names, err := namesConf(cfg.Engine)
		if err != nil {
			logger.S().Fatalw("engine config invalid", "err", err)
		}
		if err := det.LoadModel(cfg.Engine.ModelPath, names, cfg.Engine.Conf, cfg.Engine.Iou, cfg.Engine.UseGPU); err != nil {
			logger.S().Fatalw("model load failed", "path", cfg.Engine.ModelPath, "err", err)
		}
		det.Warmup(cfg.Engine.Warmup)
	}

	tables, err := recommend.LoadTables(cfg.TablesPath)
	if err != nil {
		logger.S().Fatalw("pesticide tables load failed", "path", cfg.TablesPath, "err", err)
	}
	rec := recommend.New(tables)

	pipe := pipeline.New(pipeline.Options{
		Backend:   det,
		Conf:      cfg.Engine.Conf,
		QueueSize: cfg.Pipeline.QueueSize,
	})

	srv := server.New(cfg, det, pipe, rec)
	srv.Run(ctx)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.S().Infow("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Fatalw("http server failed", "err", err)
		}
	}()

	var wg sync.WaitGroup
	if cfg.Heartbeat.Enabled {
		ip, err := heartbeat.OutboundIP()
		if err != nil {
			logger.S().Warnw("outbound ip lookup failed", "err", err)
			ip = cfg.HTTP.Host
		}
		status := func() heartbeat.Status {
			return heartbeat.Status{
				State: pipeline.StateName(pipe.State()),
				FPS:   pipe.LastStats().FPS,
			}
		}
		wg.Add(1)
		go heartbeat.SendAliveMessage(cfg.Heartbeat.Endpoint, ip, cfg.HTTP.Port, cfg.Heartbeat.Interval, status, ctx, &wg)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log().Info("shutdown signal received")

	pipe.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.S().Warnw("http shutdown error", "err", err)
	}
	cancel()
	wg.Wait()
	if err := det.Destroy(); err != nil {
		logger.S().Warnw("engine destroy error", "err", err)
	}
	fmt.Println("Safely exited")
}
