package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

// Metrics owns its registry so several instances can coexist in tests. All
// methods are safe on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests       *prometheus.CounterVec
	HTTPLatency        *prometheus.HistogramVec
	PaymentsInitiated  *prometheus.CounterVec
	Verifications      *prometheus.CounterVec
	Materializations   *prometheus.CounterVec
	SettlementFailures *prometheus.CounterVec
	GatewayLatency     *prometheus.HistogramVec
	EventsPublished    *prometheus.CounterVec
}

// New builds the collectors under storefront_<service>_*. Dashes in service
// are not valid in metric names and become underscores.
func New(service string) *Metrics {
	service = strings.ReplaceAll(service, "-", "_")
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "http_requests_total", Help: "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: service,
			Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		PaymentsInitiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "payments_initiated_total", Help: "Payment initiations by gateway and outcome.",
		}, []string{"gateway", "outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "payment_verifications_total", Help: "Verification attempts by gateway and outcome.",
		}, []string{"gateway", "outcome"}),
		Materializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "orders_materialized_total", Help: "Order materializations by outcome.",
		}, []string{"outcome"}),
		SettlementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "settlement_failures_total", Help: "Verified payments that could not become orders.",
		}, []string{"reason"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: service,
			Name: "gateway_request_duration_seconds", Help: "Outbound payment provider latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"gateway", "op", "ok"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "events_published_total", Help: "Events handed to the broker, by topic and outcome.",
		}, []string{"topic", "outcome"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPLatency, m.PaymentsInitiated, m.Verifications,
		m.Materializations, m.SettlementFailures, m.GatewayLatency, m.EventsPublished,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) PaymentInitiated(gw, outcome string) {
	if m == nil {
		return
	}
	m.PaymentsInitiated.WithLabelValues(gw, outcome).Inc()
}

func (m *Metrics) Verification(gw, outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(gw, outcome).Inc()
}

func (m *Metrics) Materialization(outcome string) {
	if m == nil {
		return
	}
	m.Materializations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SettlementFailure(reason string) {
	if m == nil {
		return
	}
	m.SettlementFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventPublished(topic, outcome string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic, outcome).Inc()
}

// GatewayObserver feeds gateway.Deps.Observe.
func (m *Metrics) GatewayObserver() gateway.Observer {
	return func(t gateway.Type, op string, elapsed time.Duration, ok bool) {
		if m == nil {
			return
		}
		m.GatewayLatency.WithLabelValues(string(t), op, strconv.FormatBool(ok)).Observe(elapsed.Seconds())
	}
}
