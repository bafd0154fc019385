// Package metrics 语音桥接服务的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_bridge"

// Metrics 服务指标集合，nil 值可安全调用
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions       prometheus.Gauge
	SessionsStarted      prometheus.Counter
	SessionStartFailures prometheus.Counter
	DownstreamFrames     *prometheus.CounterVec
	ClientEvents         *prometheus.CounterVec
	GatedTriggers        prometheus.Counter
	RelayErrors          *prometheus.CounterVec
}

// New 创建独立注册表上的指标集合
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total voice sessions started successfully",
		}),
		SessionStartFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_start_failures_total",
			Help:      "Total voice session start failures",
		}),
		DownstreamFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_frames_total",
			Help:      "Frames exchanged with the voice service",
		}, []string{"direction", "type"}),
		ClientEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_events_total",
			Help:      "Events published to browser clients",
		}, []string{"event"}),
		GatedTriggers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gated_triggers_total",
			Help:      "Response triggers skipped while a response was in progress",
		}),
		RelayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Errors observed by the event relay",
		}, []string{"class"}),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 指标导出 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted 记录会话启动成功
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionStopped 记录活跃会话结束
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// SessionStartFailed 记录会话启动失败
func (m *Metrics) SessionStartFailed() {
	if m == nil {
		return
	}
	m.SessionStartFailures.Inc()
}

// FrameSent 记录发往下游的帧
func (m *Metrics) FrameSent(frameType string) {
	if m == nil {
		return
	}
	m.DownstreamFrames.WithLabelValues("out", frameType).Inc()
}

// FrameReceived 记录来自下游的帧
func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.DownstreamFrames.WithLabelValues("in", frameType).Inc()
}

// ClientEvent 记录推送给客户端的事件
func (m *Metrics) ClientEvent(event string) {
	if m == nil {
		return
	}
	m.ClientEvents.WithLabelValues(event).Inc()
}

// TriggerGated 记录被门控跳过的应答请求
func (m *Metrics) TriggerGated() {
	if m == nil {
		return
	}
	m.GatedTriggers.Inc()
}

// RelayError 记录中继错误，class 取值 malformed/transient/closed
func (m *Metrics) RelayError(class string) {
	if m == nil {
		return
	}
	m.RelayErrors.WithLabelValues(class).Inc()
}
