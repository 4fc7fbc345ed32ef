package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"TrackCastServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Frame error stages.
const (
	StageDecode   = "decode"
	StageDetect   = "detect"
	StageValidate = "validate"
	StageEncode   = "encode"
	StagePanic    = "panic"
)

// Metrics holds every collector the service exports. Each instance owns its
// own registry so tests can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	FramesProcessed  prometheus.Counter
	FrameErrors      *prometheus.CounterVec
	FramesDropped    prometheus.Counter
	EncryptFailures  prometheus.Counter
	Broadcasts       prometheus.Counter
	Deliveries       prometheus.Counter
	DeliveryFailures prometheus.Counter
	SlowDrops        prometheus.Counter
	Subscribers      prometheus.Gauge
	ActiveTracks     prometheus.Gauge
	Requests         *prometheus.CounterVec

	memUsage prometheus.Gauge
	cpuUsage prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_processed_total",
			Help: "Frames that went through tracking and broadcast",
		}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frame_errors_total",
			Help: "Frames discarded because of an error, by stage",
		}, []string{"stage"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_dropped_total",
			Help: "Frames rejected because the frame queue was full",
		}),
		EncryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encrypt_failures_total",
			Help: "Envelopes broadcast with the encryption error marker",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcasts_total",
			Help: "Broadcast rounds started",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_deliveries_total",
			Help: "Messages handed to a subscriber",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_delivery_failures_total",
			Help: "Subscribers pruned after a failed delivery",
		}),
		SlowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_slow_drops_total",
			Help: "Messages dropped for a subscriber whose queue was full",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subscribers",
			Help: "Currently connected subscribers",
		}),
		ActiveTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_tracks",
			Help: "Live tracks held by the tracker",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Requests received, by transport and endpoint",
		}, []string{"transport", "endpoint"}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
	}
	m.Registry.MustRegister(
		m.FramesProcessed, m.FrameErrors, m.FramesDropped, m.EncryptFailures,
		m.Broadcasts, m.Deliveries, m.DeliveryFailures, m.SlowDrops,
		m.Subscribers, m.ActiveTracks, m.Requests, m.memUsage, m.cpuUsage,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) checkProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process CPU/RSS until ctx is done.
func StartMon(ctx context.Context, port int, m *Metrics) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Error("monitor: cannot inspect own process", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if p != nil {
				m.checkProcessInfo(p)
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
