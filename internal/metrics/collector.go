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

// Collector 指标收集器。
// 实现 stream.Recorder、attachment.Recorder、llm.ResilienceObserver 与
// database.StatsRecorder，由 cmd 注入。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 分支指标
	branchesTotal   *prometheus.CounterVec
	branchDuration  *prometheus.HistogramVec
	framesTotal     *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	providerErrors  *prometheus.CounterVec

	// 厂商容错指标
	providerRetries *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec

	// 附件与缓存指标
	attachmentsTotal *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建指标收集器并注册到 reg
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 分支指标
	c.branchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_branches_total",
			Help:      "Total number of finished branches by terminal status",
		},
		[]string{"session_type", "status"},
	)

	c.branchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "arena_branch_duration_seconds",
			Help:      "Branch duration from start to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"session_type"},
	)

	c.framesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_frames_total",
			Help:      "Total number of frames handed to clients",
		},
		[]string{"kind"},
	)

	c.persistFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_persist_failures_total",
			Help:      "Total number of failed message store writes",
		},
		[]string{"op"},
	)

	c.providerErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_provider_errors_total",
			Help:      "Total number of provider failures that ended a branch",
		},
		[]string{"provider", "kind"}, // kind: policy, generic
	)

	c.providerRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_provider_retries_total",
			Help:      "Total number of retried provider calls",
		},
		[]string{"provider"},
	)

	c.circuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_provider_circuit_state",
			Help:      "Provider circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	// 附件与缓存指标
	c.attachmentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_attachments_total",
			Help:      "Total number of attachment resolutions by outcome",
		},
		[]string{"kind", "result"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔀 分支指标记录
// =============================================================================

// RecordBranch 记录一个分支的终态与耗时
func (c *Collector) RecordBranch(sessionType, status string, d time.Duration) {
	c.branchesTotal.WithLabelValues(sessionType, status).Inc()
	c.branchDuration.WithLabelValues(sessionType).Observe(d.Seconds())
}

// RecordFrame 记录发给客户端的一帧
func (c *Collector) RecordFrame(kind string) {
	c.framesTotal.WithLabelValues(kind).Inc()
}

// RecordPersistFailure 记录一次存储写入失败
func (c *Collector) RecordPersistFailure(op string) {
	c.persistFailures.WithLabelValues(op).Inc()
}

// RecordProviderError 记录一次导致分支失败的厂商错误
func (c *Collector) RecordProviderError(provider string, policy bool) {
	kind := "generic"
	if policy {
		kind = "policy"
	}
	c.providerErrors.WithLabelValues(provider, kind).Inc()
}

// RecordProviderRetry 记录一次厂商调用重试
func (c *Collector) RecordProviderRetry(provider string) {
	c.providerRetries.WithLabelValues(provider).Inc()
}

// RecordCircuitState 记录熔断器状态
func (c *Collector) RecordCircuitState(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	c.circuitState.WithLabelValues(provider).Set(v)
}

// =============================================================================
// 📎 附件与缓存指标记录
// =============================================================================

// RecordAttachment 记录附件解析结果，同时折算为 attachment 缓存的命中/未命中
func (c *Collector) RecordAttachment(kind, result string) {
	c.attachmentsTotal.WithLabelValues(kind, result).Inc()
	switch result {
	case "metadata_hit", "cache_hit":
		c.RecordCacheHit("attachment")
	case "extracted", "failed":
		c.RecordCacheMiss("attachment")
	}
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
