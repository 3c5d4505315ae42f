package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。
// 每个 Container 持有自己的 registry，所有方法对 nil 接收者安全。
type Monitor struct {
	registry *prometheus.Registry

	// 行情接入
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	ingestLatency    *prometheus.HistogramVec
	wsState          *prometheus.GaugeVec
	wsConnected      *prometheus.GaugeVec
	wsReconnects     *prometheus.CounterVec

	// 缓存
	cacheItems      *prometheus.GaugeVec
	cacheEvictions  *prometheus.CounterVec
	cacheTrimmed    prometheus.Counter
	persistFailures prometheus.Counter
	persistDuration prometheus.Histogram

	// 广播
	subscribers      prometheus.Gauge
	broadcasts       prometheus.Counter
	deliveryFailures prometheus.Counter
	fanoutDrops      prometheus.Counter

	// 查询
	queryRequests *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "bbo",
		Subsystem: "stream",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}

	return &Monitor{
		registry: reg,

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts(opts("messages_received_total", "归一化成功的行情条数")), []string{"symbol"}),
		messagesDropped:  factory.NewCounterVec(prometheus.CounterOpts(opts("messages_dropped_total", "被丢弃的原始消息数")), []string{"reason"}),
		ingestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ingest_latency_ms",
			Help:      "交易所时间到本地接收的延迟（毫秒）",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"symbol"}),
		wsState:      factory.NewGaugeVec(prometheus.GaugeOpts(opts("ws_state", "上游连接状态(0=断开,1=连接中,2=已连接,3=退避,4=停止)")), []string{"symbol"}),
		wsConnected:  factory.NewGaugeVec(prometheus.GaugeOpts(opts("ws_connected", "上游是否已连接")), []string{"symbol"}),
		wsReconnects: factory.NewCounterVec(prometheus.CounterOpts(opts("ws_reconnects_total", "进入退避的次数")), []string{"symbol"}),

		cacheItems:      factory.NewGaugeVec(prometheus.GaugeOpts(opts("cache_items", "每个交易对缓存的记录数")), []string{"symbol"}),
		cacheEvictions:  factory.NewCounterVec(prometheus.CounterOpts(opts("cache_evictions_total", "容量淘汰的记录数")), []string{"symbol"}),
		cacheTrimmed:    factory.NewCounter(prometheus.CounterOpts(opts("cache_trimmed_total", "过期清理的记录数"))),
		persistFailures: factory.NewCounter(prometheus.CounterOpts(opts("persist_failures_total", "落盘失败次数"))),
		persistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "persist_duration_seconds",
			Help:      "一次全量落盘耗时",
			Buckets:   prometheus.DefBuckets,
		}),

		subscribers:      factory.NewGauge(prometheus.GaugeOpts(opts("subscribers", "当前订阅者数量"))),
		broadcasts:       factory.NewCounter(prometheus.CounterOpts(opts("broadcasts_total", "广播 flush 次数"))),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts(opts("delivery_failures_total", "单个订阅者投递失败次数"))),
		fanoutDrops:      factory.NewCounter(prometheus.CounterOpts(opts("fanout_queue_drops_total", "广播输入队列满时丢弃的旧记录数"))),

		queryRequests: factory.NewCounterVec(prometheus.CounterOpts(opts("query_requests_total", "历史查询请求数")), []string{"endpoint", "status"}),
	}
}

// Registry 返回底层 registry（测试与自定义采集器使用）。
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) RecordMessage(symbol string, latencyMs *int64) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(symbol).Inc()
	if latencyMs != nil {
		m.ingestLatency.WithLabelValues(symbol).Observe(float64(*latencyMs))
	}
}

func (m *Monitor) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// SetConnState 记录连接状态；state 为状态机的序号。
func (m *Monitor) SetConnState(symbol string, state int, connected bool) {
	if m == nil {
		return
	}
	m.wsState.WithLabelValues(symbol).Set(float64(state))
	if connected {
		m.wsConnected.WithLabelValues(symbol).Set(1)
	} else {
		m.wsConnected.WithLabelValues(symbol).Set(0)
	}
}

func (m *Monitor) RecordReconnect(symbol string) {
	if m == nil {
		return
	}
	m.wsReconnects.WithLabelValues(symbol).Inc()
}

func (m *Monitor) SetCacheItems(symbol string, n int) {
	if m == nil {
		return
	}
	m.cacheItems.WithLabelValues(symbol).Set(float64(n))
}

func (m *Monitor) RecordEvictions(symbol string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(symbol).Add(float64(n))
}

func (m *Monitor) RecordTrimmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheTrimmed.Add(float64(n))
}

func (m *Monitor) RecordPersist(seconds float64, err error) {
	if m == nil {
		return
	}
	m.persistDuration.Observe(seconds)
	if err != nil {
		m.persistFailures.Inc()
	}
}

func (m *Monitor) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Monitor) RecordBroadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Monitor) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Monitor) RecordFanoutDrop() {
	if m == nil {
		return
	}
	m.fanoutDrops.Inc()
}

func (m *Monitor) RecordQuery(endpoint, status string) {
	if m == nil {
		return
	}
	m.queryRequests.WithLabelValues(endpoint, status).Inc()
}
