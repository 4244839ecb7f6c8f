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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"GroundingDet/logger"
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

	HTTPTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detect_http_requests_total",
		Help: "Total number of API requests handled",
	})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detect_requests_total",
		Help: "Pipeline runs by terminal outcome",
	}, []string{"outcome"})
	StageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detect_stage_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})
	PollAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detect_poll_attempts_total",
		Help: "Status queries issued while polling",
	})
	DetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detect_detections_total",
		Help: "Detections accepted by the confidence filter",
	})
)

var (
	srv     *http.Server
	regOnce sync.Once
	reg     = prometheus.NewRegistry()
)

// Registry 返回注册了本包全部指标的 registry（只注册一次）
func Registry() *prometheus.Registry {
	regOnce.Do(func() {
		reg.MustRegister(memUsage, cpuUsage, HTTPTotal, RequestsTotal, StageSeconds, PollAttempts, DetectionsTotal)
	})
	return reg
}

func prom(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{Registry: Registry()}))
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("prometheus server stopped", zap.Error(err))
		}
	}()
}

// CheckProcessInfo 采样当前进程的内存和 CPU 占用
func CheckProcessInfo() {
	memInfo, err := PID.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	cpuPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon 在 port 上提供 /metrics，并周期采样进程内存/CPU，直到 ctx 结束
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	prom(port)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("prometheus server shutdown", zap.Error(err))
	}
}
