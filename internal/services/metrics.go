package services

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks frame processing and WebSocket counters. Counters are plain
// atomics; Prometheus reads them through GaugeFunc collectors on scrape.
type Metrics struct {
	totalFrames   atomic.Int64
	totalAlarms   atomic.Int64
	totalErrors   atomic.Int64
	totalLatency  atomic.Int64
	lastFrameTime atomic.Int64

	wsConnections atomic.Int64
	wsMessages    atomic.Int64
	wsErrors      atomic.Int64

	registry *prometheus.Registry
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registerCollectors()
	return m
}

// GetMetrics returns the process-wide metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics()
	})
	return metricsInstance
}

func (m *Metrics) registerCollectors() {
	gauge := func(name, help string, fn func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help}, fn,
		))
	}

	gauge("awake_frames_processed_total", "Total frames run through the drowsiness tracker",
		func() float64 { return float64(m.totalFrames.Load()) })
	gauge("awake_alarms_total", "Total drowsiness alarms fired",
		func() float64 { return float64(m.totalAlarms.Load()) })
	gauge("awake_errors_total", "Total processing errors",
		func() float64 { return float64(m.totalErrors.Load()) })
	gauge("awake_avg_frame_latency_ms", "Average per-frame processing latency",
		func() float64 { return m.GetAvgLatency() })
	gauge("awake_ws_connections", "Currently connected WebSocket clients",
		func() float64 { return float64(m.wsConnections.Load()) })
	gauge("awake_ws_messages_total", "Total WebSocket messages received",
		func() float64 { return float64(m.wsMessages.Load()) })
	gauge("awake_ws_errors_total", "Total WebSocket errors",
		func() float64 { return float64(m.wsErrors.Load()) })
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementFrames() {
	m.totalFrames.Add(1)
	m.lastFrameTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementAlarms() {
	m.totalAlarms.Add(1)
}

func (m *Metrics) IncrementErrors() {
	m.totalErrors.Add(1)
}

func (m *Metrics) RecordLatency(duration time.Duration) {
	m.totalLatency.Add(duration.Milliseconds())
}

func (m *Metrics) GetTotalFrames() int64 {
	return m.totalFrames.Load()
}

func (m *Metrics) GetTotalAlarms() int64 {
	return m.totalAlarms.Load()
}

func (m *Metrics) GetTotalErrors() int64 {
	return m.totalErrors.Load()
}

func (m *Metrics) GetAvgLatency() float64 {
	frames := m.totalFrames.Load()
	if frames == 0 {
		return 0
	}
	return float64(m.totalLatency.Load()) / float64(frames)
}

func (m *Metrics) GetLastFrameTime() int64 {
	return m.lastFrameTime.Load()
}

func (m *Metrics) IncrementWebSocketConnections() {
	m.wsConnections.Add(1)
}

func (m *Metrics) DecrementWebSocketConnections() {
	m.wsConnections.Add(-1)
}

func (m *Metrics) GetWebSocketConnections() int64 {
	return m.wsConnections.Load()
}

func (m *Metrics) IncrementWebSocketMessages() {
	m.wsMessages.Add(1)
}

func (m *Metrics) IncrementWebSocketErrors() {
	m.wsErrors.Add(1)
}

func (m *Metrics) GetWebSocketErrors() int64 {
	return m.wsErrors.Load()
}

// Snapshot returns the counters in the shape served by /api/metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"total_frames":   m.totalFrames.Load(),
		"total_alarms":   m.totalAlarms.Load(),
		"total_errors":   m.totalErrors.Load(),
		"avg_latency_ms": m.GetAvgLatency(),
		"ws_connections": m.wsConnections.Load(),
		"ws_messages":    m.wsMessages.Load(),
		"ws_errors":      m.wsErrors.Load(),
	}
}
