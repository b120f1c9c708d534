// Package metrics 提供 Prometheus 指标集合，使用独立 registry 以便测试中重复创建
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求计数与耗时
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 行情拉取
	PriceFetchTotal    *prometheus.CounterVec
	PriceFetchDuration prometheus.Histogram
	PriceSnapshotTime  prometheus.Gauge

	// 推送
	FeedSubscribers prometheus.Gauge
	FeedDropped     prometheus.Counter

	// 交易
	TradesTotal         *prometheus.CounterVec
	TradeConflictsTotal prometheus.Counter
}

// New 创建指标实例并注册到独立 registry
func New(serviceName string) *Metrics {
	constLabels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "papertrading",
			Name:        "http_requests_total",
			Help:        "Total HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "papertrading",
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "path"}),

		PriceFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "papertrading",
			Subsystem:   "marketdata",
			Name:        "price_fetch_total",
			Help:        "Upstream price fetches by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		PriceFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "papertrading",
			Subsystem:   "marketdata",
			Name:        "price_fetch_duration_seconds",
			Help:        "Upstream price fetch duration in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		PriceSnapshotTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "papertrading",
			Subsystem:   "marketdata",
			Name:        "snapshot_timestamp_seconds",
			Help:        "Unix time of the cached price snapshot",
			ConstLabels: constLabels,
		}),

		FeedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "papertrading",
			Subsystem:   "feed",
			Name:        "subscribers",
			Help:        "Number of live price subscribers",
			ConstLabels: constLabels,
		}),
		FeedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "papertrading",
			Subsystem:   "feed",
			Name:        "dropped_subscribers_total",
			Help:        "Subscribers removed after a failed or blocked delivery",
			ConstLabels: constLabels,
		}),

		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "papertrading",
			Subsystem:   "trading",
			Name:        "trades_total",
			Help:        "Trade requests by side and outcome",
			ConstLabels: constLabels,
		}, []string{"side", "outcome"}),
		TradeConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "papertrading",
			Subsystem:   "trading",
			Name:        "portfolio_conflicts_total",
			Help:        "Optimistic lock conflicts on portfolio commit",
			ConstLabels: constLabels,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PriceFetchTotal,
		m.PriceFetchDuration,
		m.PriceSnapshotTime,
		m.FeedSubscribers,
		m.FeedDropped,
		m.TradesTotal,
		m.TradeConflictsTotal,
	)
	return m
}

// Handler 返回 Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
