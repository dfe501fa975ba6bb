// Package metrics 提供 Prometheus 指标集合，覆盖 HTTP、熔断、重连、推送与后台任务
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/simgateway/pkg/logger"
)

const namespace = "trading"

// Metrics 指标集合
type Metrics struct {
	service string

	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// 熔断器当前状态：0 closed, 1 half-open, 2 open
	BreakerState *prometheus.GaugeVec
	// 熔断器状态迁移次数
	BreakerTransitions *prometheus.CounterVec
	// 熔断拒绝次数
	BreakerRejections *prometheus.CounterVec

	// 连接尝试次数，按结果区分
	ConnectAttempts *prometheus.CounterVec

	// 推送的更新数，按帧类型区分
	UpdatesSent *prometheus.CounterVec
	// 因队列溢出丢弃的更新数
	UpdatesDropped prometheus.Counter
	// 推送字节数
	BytesSent prometheus.Counter
	// 当前在线的流订阅数
	StreamClients prometheus.Gauge
	// 当前活跃的上游流数
	UpstreamStreams prometheus.Gauge

	// 健康检查失败次数
	HealthCheckFailures prometheus.Counter
	// 清理任务处理的记录数，按类别区分
	ReaperReclaimed *prometheus.CounterVec
	// 清理周期耗时
	ReaperCycleDuration prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		service: serviceName,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"name", "from", "to"}),
		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "breaker_rejections_total",
			Help:      "Calls rejected by an open circuit",
		}, []string{"name"}),

		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "simulator_connect_attempts_total",
			Help:      "Simulator connection attempts by outcome",
		}, []string{"outcome"}),

		UpdatesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "stream_updates_sent_total",
			Help:      "Updates delivered to stream clients by frame type",
		}, []string{"type"}),
		UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "stream_updates_dropped_total",
			Help:      "Updates dropped because a session queue overflowed",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "stream_bytes_sent_total",
			Help:      "Encoded bytes delivered to stream clients",
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "stream_clients",
			Help:      "Number of attached stream clients",
		}),
		UpstreamStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "upstream_streams",
			Help:      "Number of open simulator streams",
		}),

		HealthCheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "health_check_failures_total",
			Help:      "Failed simulator health checks",
		}),
		ReaperReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "reaper_reclaimed_total",
			Help:      "Records reclaimed by the reaper by category",
		}, []string{"category"}),
		ReaperCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "reaper_cycle_duration_seconds",
			Help:      "Reaper cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register 注册所有指标，reg 为空时使用默认注册器
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.ConnectAttempts,
		m.UpdatesSent,
		m.UpdatesDropped,
		m.BytesSent,
		m.StreamClients,
		m.UpstreamStreams,
		m.HealthCheckFailures,
		m.ReaperReclaimed,
		m.ReaperCycleDuration,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// CodecStats 编码器累计统计
type CodecStats struct {
	FullMessages        uint64
	DeltaMessages       uint64
	CompressedMessages  uint64
	CompressionFailures uint64
	SkippedSequences    uint64
	OriginalBytes       uint64
	TransmittedBytes    uint64
}

// RegisterCodecStats 注册编码统计，抓取时调用 stats 读取当前值
func (m *Metrics) RegisterCodecStats(reg prometheus.Registerer, stats func() CodecStats) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, pick func(CodecStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: m.service,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	collectors := []prometheus.Collector{
		counter("codec_full_messages_total", "FULL frames encoded", func(s CodecStats) uint64 { return s.FullMessages }),
		counter("codec_delta_messages_total", "DELTA frames encoded", func(s CodecStats) uint64 { return s.DeltaMessages }),
		counter("codec_compressed_messages_total", "Frames sent compressed", func(s CodecStats) uint64 { return s.CompressedMessages }),
		counter("codec_compression_failures_total", "Compressor errors, frame sent uncompressed", func(s CodecStats) uint64 { return s.CompressionFailures }),
		counter("codec_skipped_sequences_total", "Sequence numbers skipped for dropped updates", func(s CodecStats) uint64 { return s.SkippedSequences }),
		counter("codec_original_bytes_total", "Payload bytes before compression", func(s CodecStats) uint64 { return s.OriginalBytes }),
		counter("codec_transmitted_bytes_total", "Payload bytes after compression", func(s CodecStats) uint64 { return s.TransmittedBytes }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler 返回 Prometheus 抓取端点
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordBreakerTransition 记录熔断器状态迁移
func (m *Metrics) RecordBreakerTransition(name, from, to string, state float64) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(name, from, to).Inc()
	m.BreakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerRejection 记录熔断拒绝
func (m *Metrics) RecordBreakerRejection(name string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(name).Inc()
}

// RecordConnectAttempt 记录一次连接尝试
func (m *Metrics) RecordConnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(outcome).Inc()
}

// RecordUpdateSent 记录一次成功推送
func (m *Metrics) RecordUpdateSent(frameType string, bytes int) {
	if m == nil {
		return
	}
	m.UpdatesSent.WithLabelValues(frameType).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordUpdatesDropped 记录丢弃的更新
func (m *Metrics) RecordUpdatesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UpdatesDropped.Add(float64(n))
}

// AddStreamClients 调整在线订阅数
func (m *Metrics) AddStreamClients(delta int) {
	if m == nil {
		return
	}
	m.StreamClients.Add(float64(delta))
}

// AddUpstreamStreams 调整上游流数
func (m *Metrics) AddUpstreamStreams(delta int) {
	if m == nil {
		return
	}
	m.UpstreamStreams.Add(float64(delta))
}

// RecordHealthFailure 记录健康检查失败
func (m *Metrics) RecordHealthFailure() {
	if m == nil {
		return
	}
	m.HealthCheckFailures.Inc()
}

// RecordReclaimed 记录清理数量
func (m *Metrics) RecordReclaimed(category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReaperReclaimed.WithLabelValues(category).Add(float64(n))
}

// ObserveReaperCycle 记录清理周期耗时
func (m *Metrics) ObserveReaperCycle(seconds float64) {
	if m == nil {
		return
	}
	m.ReaperCycleDuration.Observe(seconds)
}
