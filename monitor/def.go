package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"RayRelay/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const sampleInterval = 500 * time.Millisecond

// Face outcomes.
const (
	FaceRecognized = "recognized"
	FaceUnknown    = "unknown"
	FaceFailed     = "failed"
)

var (
	PID      process.Process
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rayrelay_frames_received_total",
		Help: "Frames uploaded by the device",
	})
	Detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rayrelay_detections_total",
		Help: "Detections turned into rays, by source",
	}, []string{"source"})
	ParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rayrelay_parse_errors_total",
		Help: "Detections or matrices skipped because they could not be used, by source",
	}, []string{"source"})
	Faces = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rayrelay_faces_total",
		Help: "Faces classified by the recognizer, by outcome",
	}, []string{"outcome"})
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rayrelay_requests_total",
		Help: "Device and control requests, by command",
	}, []string{"command"})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, FramesReceived, Detections, ParseErrors, Faces, Requests,
		collectors.NewGoCollector())
}

// WatchMailbox exports a mailbox' publish and drop counters.
func WatchMailbox(name string, stats func() (published, drops uint64)) {
	labels := prometheus.Labels{"mailbox": name}
	published := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "rayrelay_mailbox_published_total",
		Help:        "Frames published to a mailbox",
		ConstLabels: labels,
	}, func() float64 {
		p, _ := stats()
		return float64(p)
	})
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "rayrelay_mailbox_drops_total",
		Help:        "Frames overwritten before a worker took them",
		ConstLabels: labels,
	}, func() float64 {
		_, d := stats()
		return float64(d)
	})
	for _, c := range []prometheus.Collector{published, dropped} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				logger.Log().Warn("metric registration failed", zap.String("mailbox", name), zap.Error(err))
			}
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

var procMu sync.Mutex

func CheckProcessInfo() {
	procMu.Lock()
	defer procMu.Unlock()
	MemInfo, err := PID.MemoryInfo()
	if err != nil {
		return
	}
	var MemMB = MemInfo.RSS / 1024 / 1024
	CPUPercent, _ := PID.CPUPercent()
	CPUPercentFloat := math.Round(CPUPercent*100) / 100
	memUsage.Set(float64(MemMB))
	cpuUsage.Set(CPUPercentFloat)
}

func GotPID() {
	procMu.Lock()
	defer procMu.Unlock()
	PID = process.Process{Pid: int32(os.Getpid())}
}

// StartMon serves /metrics on port and samples the process until ctx ends.
func StartMon(port int, ctx context.Context) {
	GotPID()
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Log().Info("metrics server listening", zap.Int("port", port))

	ticker := time.NewTicker(sampleInterval)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("metrics server shutdown", zap.Error(err))
	}
}
