package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。每个实例持有独立的注册表，
// 便于在同一进程内多次构建。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 账本指标
	MailStored    prometheus.Counter
	MailFetched   prometheus.Counter
	MailTrashed   prometheus.Counter
	RepliesStored prometheus.Counter

	// 投递指标：按路径（local/peer/gateway/resolve）与结果统计
	DeliveryAttempts *prometheus.CounterVec

	// 用户与通讯指标
	UsersRegistered    prometheus.Counter
	NewslettersCreated prometheus.Counter

	// 接入指标
	SMTPSessions  prometheus.Counter
	WSConnections prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		MailStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmail_mail_stored_total",
			Help: "Total number of mails stored into the ledger",
		}),
		MailFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmail_mail_fetched_total",
			Help: "Total number of mail fetches",
		}),
		MailTrashed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmail_mail_trashed_total",
			Help: "Total number of mails moved to trash",
		}),
		RepliesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmail_replies_stored_total",
			Help: "Total number of thread replies stored",
		}),
		DeliveryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedmail_delivery_attempts_total",
				Help: "Fan-out delivery attempts by path and outcome",
			},
			[]string{"path", "outcome"},
		),
		UsersRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmail_users_registered_total",
			Help: "Total number of registered users",
		}),
		NewslettersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmail_newsletters_created_total",
			Help: "Total number of newsletters created",
		}),
		SMTPSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmail_smtp_sessions_total",
			Help: "Total number of SMTP ingest sessions",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedmail_ws_connections",
			Help: "Current number of websocket connections",
		}),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedmail_errors_total",
				Help: "Total number of errors by type and component",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedmail_panics_total",
			Help: "Total number of recovered panics",
		}),
	}
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDelivery 记录一次投递尝试的路径与结果
func (m *Metrics) RecordDelivery(path string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.DeliveryAttempts.WithLabelValues(path, outcome).Inc()
}

// RecordError 记录一次错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录一次恐慌恢复
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 /metrics 的处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
