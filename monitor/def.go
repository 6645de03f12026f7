package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	PID process.Process

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	// FramesTotal 运行循环处理完成的帧数
	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Total number of frames processed by the pipeline",
	})
	// SnapshotsDropped 因消费不及时被丢弃的最旧快照数
	SnapshotsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshots_dropped_total",
		Help: "Total number of snapshots dropped from the publish queue",
	})
	// DecodeErrors 跳过的解码失败帧数
	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frame_decode_errors_total",
		Help: "Total number of frames skipped due to decode errors",
	})
	// DetectionsTotal 累计检出目标数
	DetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Total number of objects detected",
	})
	// InferenceTotal 推理调用次数 (流式与单图合计)
	InferenceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inference_requests_total",
		Help: "Total number of inference calls",
	})
	// HTTPTotal API 请求次数
	HTTPTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP API requests",
	})
)

var srv *http.Server

func prom(port int) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(memUsage, cpuUsage,
		FramesTotal, SnapshotsDropped, DecodeErrors, DetectionsTotal, InferenceTotal, HTTPTotal)
	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: nil,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("Prometheus server ListenAndServe error: %v\n", err)
		}
	}()
}

func CheckProcessInfo() {
	MemInfo, err := PID.MemoryInfo()
	if err == nil && MemInfo != nil {
		memUsage.Set(float64(MemInfo.RSS / 1024 / 1024))
	}
	CPUPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(CPUPercent*100) / 100)
	}
}

func GotPID() {
	pid := os.Getpid()
	i32Pid := int32(pid)
	PID.Pid = i32Pid
}

func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	go prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Printf("Prometheus server Shutdown error: %v\n", err)
	}
}
