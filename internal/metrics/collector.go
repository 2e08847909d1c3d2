// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 数据通道指标
	eventsDecoded    *prometheus.CounterVec
	payloadsRejected *prometheus.CounterVec

	// 会话指标
	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	sessionDuration prometheus.Histogram

	// 状态机指标
	stateTransitions *prometheus.CounterVec

	// 媒体轨道指标
	activeTracks *prometheus.GaugeVec

	// 凭证指标
	credentialFetches *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 数据通道指标
	c.eventsDecoded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datachannel_events_decoded_total",
			Help:      "Total number of canonical events decoded from the data channel",
		},
		[]string{"event_type", "dialect"},
	)

	c.payloadsRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datachannel_payloads_rejected_total",
			Help:      "Total number of payloads rejected by the decoder",
		},
		[]string{"reason"},
	)

	// 会话指标
	c.sessionsStarted = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of conversation sessions started",
		},
	)

	c.sessionsEnded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of conversation sessions ended",
		},
		[]string{"reason"},
	)

	c.sessionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Conversation session duration in seconds",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1200, 1800},
		},
	)

	// 状态机指标
	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_state_transitions_total",
			Help:      "Total number of conversation state transitions",
		},
		[]string{"from_phase", "to_phase"},
	)

	// 媒体轨道指标
	c.activeTracks = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tracks",
			Help:      "Number of currently retained remote tracks",
		},
		[]string{"kind"},
	)

	// 凭证指标
	c.credentialFetches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_fetches_total",
			Help:      "Total number of access credential fetches",
		},
		[]string{"status"}, // ok, error, stale
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordEventDecoded 记录一次成功解码
func (c *Collector) RecordEventDecoded(eventType, dialect string) {
	c.eventsDecoded.WithLabelValues(eventType, dialect).Inc()
}

// RecordPayloadRejected 记录一次载荷拒绝
func (c *Collector) RecordPayloadRejected(reason string) {
	c.payloadsRejected.WithLabelValues(reason).Inc()
}

// RecordSessionStarted 记录会话开始
func (c *Collector) RecordSessionStarted() {
	c.sessionsStarted.Inc()
}

// RecordSessionEnded 记录会话结束及其时长
func (c *Collector) RecordSessionEnded(reason string, duration time.Duration) {
	c.sessionsEnded.WithLabelValues(reason).Inc()
	if duration > 0 {
		c.sessionDuration.Observe(duration.Seconds())
	}
}

// RecordStateTransition 记录状态机迁移
func (c *Collector) RecordStateTransition(from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// SetActiveTracks 更新活跃轨道数
func (c *Collector) SetActiveTracks(kind string, n int) {
	c.activeTracks.WithLabelValues(kind).Set(float64(n))
}

// RecordCredentialFetch 记录凭证获取结果
func (c *Collector) RecordCredentialFetch(status string) {
	c.credentialFetches.WithLabelValues(status).Inc()
}
