// Package metrics exports routing telemetry to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ChatObserver implements the routing Observer on Prometheus collectors.
type ChatObserver struct {
	connGauge           prometheus.Gauge
	routedTotal         *prometheus.CounterVec
	undeliveredTotal    prometheus.Counter
	undeliveredDropped  prometheus.Counter
	watchdogDisconnects prometheus.Counter
}

// NewChatObserver registers chat metrics on the registry.
func NewChatObserver(reg *prometheus.Registry) *ChatObserver {
	o := &ChatObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wschat_connections",
			Help: "Current websocket connection count.",
		}),
		routedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wschat_messages_routed_total",
			Help: "Routed messages by delivery result.",
		}, []string{"result"}),
		undeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wschat_undelivered_queued_total",
			Help: "Messages queued for offline recipients.",
		}),
		undeliveredDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wschat_undelivered_dropped_total",
			Help: "Queued messages dropped because a recipient queue was full.",
		}),
		watchdogDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wschat_watchdog_disconnects_total",
			Help: "Connections closed by the watchdog for missing pongs.",
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.routedTotal,
		o.undeliveredTotal,
		o.undeliveredDropped,
		o.watchdogDisconnects,
	)
	return o
}

func (o *ChatObserver) ConnCount(n int) {
	o.connGauge.Set(float64(n))
}

func (o *ChatObserver) MessageRouted(delivered bool) {
	result := "delivered"
	if !delivered {
		result = "queued"
	}
	o.routedTotal.WithLabelValues(result).Inc()
}

func (o *ChatObserver) UndeliveredEnqueued() {
	o.undeliveredTotal.Inc()
}

func (o *ChatObserver) UndeliveredDropped() {
	o.undeliveredDropped.Inc()
}

func (o *ChatObserver) WatchdogDisconnects(n int) {
	o.watchdogDisconnects.Add(float64(n))
}
