package live

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

// Metrics 实时识别的运行指标
type Metrics struct {
	FramesSent    atomic.Uint64 // 已发出的推理请求
	FramesDropped atomic.Uint64 // 上一帧未返回时丢弃的帧
	StaleResults  atomic.Uint64 // 因会话过期被丢弃的结果
	Failures      atomic.Uint64 // 单帧失败次数
	Published     atomic.Uint64 // 已发布的结果
	Generation    atomic.Uint64 // 当前会话代数
	LastLatencyMs atomic.Uint64 // 最近一次推理耗时

	registry *prometheus.Registry
}

// NewMetrics 创建指标, 注册到独立的 Registry
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"waste_live_frames_sent_total", "Total frames sent for inference", &m.FramesSent},
		{"waste_live_frames_dropped_total", "Frames dropped while a request was in flight", &m.FramesDropped},
		{"waste_live_stale_results_total", "Results discarded because their session was cancelled", &m.StaleResults},
		{"waste_live_failures_total", "Per-frame inference failures", &m.Failures},
		{"waste_live_published_total", "Results published to the display", &m.Published},
		{"waste_live_generation", "Current live session generation", &m.Generation},
		{"waste_live_last_latency_ms", "Latency of the last published inference in ms", &m.LastLatencyMs},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// Registry 返回 Prometheus Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
