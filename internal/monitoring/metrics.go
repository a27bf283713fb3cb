package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "waitlist"

// Metrics 监控指标
//
// 所有指标注册到独立的 Registry，测试中可以重复创建。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 订阅业务指标
	SubscriptionsTotal  *prometheus.CounterVec // result: created | refreshed | invalid | rate_limited | error
	VerificationsTotal  *prometheus.CounterVec // result: verified | already_verified | not_found | expired | error
	NotificationsTotal  *prometheus.CounterVec // result: accepted | rate_limited | invalid
	AdminRequestsTotal  *prometheus.CounterVec // result: ok | unauthorized
	RateLimitBlocks     *prometheus.CounterVec // endpoint

	// 邮件指标
	MailSentTotal    *prometheus.CounterVec // kind, status
	MailDroppedTotal *prometheus.CounterVec // kind
	MailSendDuration *prometheus.HistogramVec

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标，附带 Go 运行时与进程指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SubscriptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_total",
				Help:      "Subscribe attempts by result",
			},
			[]string{"result"},
		),

		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_total",
				Help:      "Verify attempts by result",
			},
			[]string{"result"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Owner notify requests by result",
			},
			[]string{"result"},
		),

		AdminRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_requests_total",
				Help:      "Admin summary requests by result",
			},
			[]string{"result"},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_blocks_total",
				Help:      "Requests rejected by the per-client rate limiter",
			},
			[]string{"endpoint"},
		),

		MailSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mail_sent_total",
				Help:      "Outbound mail attempts by kind and status",
			},
			[]string{"kind", "status"},
		),

		MailDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mail_dropped_total",
				Help:      "Outbound mail dropped because the dispatch queue was full",
			},
			[]string{"kind"},
		),

		MailSendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mail_send_duration_seconds",
				Help:      "Time spent handing a message to the mail transport",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
		),
	}
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSubscription 记录订阅结果
func (m *Metrics) RecordSubscription(result string) {
	m.SubscriptionsTotal.WithLabelValues(result).Inc()
}

// RecordVerification 记录验证结果
func (m *Metrics) RecordVerification(result string) {
	m.VerificationsTotal.WithLabelValues(result).Inc()
}

// RecordNotification 记录通知请求结果
func (m *Metrics) RecordNotification(result string) {
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

// RecordAdminRequest 记录管理端请求结果
func (m *Metrics) RecordAdminRequest(result string) {
	m.AdminRequestsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitBlock 记录限流拒绝
func (m *Metrics) RecordRateLimitBlock(endpoint string) {
	m.RateLimitBlocks.WithLabelValues(endpoint).Inc()
}

// RecordMailSent 记录一次发信结果
func (m *Metrics) RecordMailSent(kind, transport string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MailSentTotal.WithLabelValues(kind, status).Inc()
	m.MailSendDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordMailDropped 记录因队列满被丢弃的邮件
func (m *Metrics) RecordMailDropped(kind string) {
	m.MailDroppedTotal.WithLabelValues(kind).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus 抓取端点
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
