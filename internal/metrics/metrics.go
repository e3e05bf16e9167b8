// Package metrics 导出客户端的Prometheus指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "speakmate"

// 上行音频帧的处理结果
const (
	FrameSent                = "sent"
	FrameDroppedNotListening = "dropped_not_listening"
	FrameDroppedBackpressure = "dropped_backpressure"
	FrameSendFailed          = "send_failed"
)

// Collector 持有一组指标和独立的registry
// 所有方法对nil接收者安全，未启用指标时直接传nil
type Collector struct {
	registry *prometheus.Registry

	framesTotal       *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	playbackBuffers   prometheus.Counter
	playbackQueue     prometheus.Gauge
	connectionState   prometheus.Gauge
	malformedMessages prometheus.Counter
}

// New 创建指标收集器并注册到新的registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Captured audio frames by outcome",
			},
			[]string{"result"},
		),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Redial attempts after a connection was lost",
		}),
		playbackBuffers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_buffers_total",
			Help:      "Synthesized audio buffers scheduled for output",
		}),
		playbackQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Buffers waiting in the playback queue",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current session state as its numeric value",
		}),
		malformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound messages dropped because they could not be decoded",
		}),
	}

	c.registry.MustRegister(
		c.framesTotal,
		c.reconnectAttempts,
		c.playbackBuffers,
		c.playbackQueue,
		c.connectionState,
		c.malformedMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 返回底层registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 /metrics 的HTTP处理器
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) RecordFrame(result string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
}

func (c *Collector) RecordPlaybackBuffer() {
	if c == nil {
		return
	}
	c.playbackBuffers.Inc()
}

func (c *Collector) SetPlaybackQueueDepth(n int) {
	if c == nil {
		return
	}
	c.playbackQueue.Set(float64(n))
}

func (c *Collector) SetConnectionState(state int) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(state))
}

func (c *Collector) RecordMalformedMessage() {
	if c == nil {
		return
	}
	c.malformedMessages.Inc()
}
