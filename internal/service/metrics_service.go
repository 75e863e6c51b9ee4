package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP layer,
// the notification dispatcher, and the realtime subscribers.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	notificationsDispatched   *prometheus.CounterVec
	notificationsDeduplicated *prometheus.CounterVec
	realtimeConnections       prometheus.Gauge
	realtimeEventsHandled     *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	notificationsDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_dispatched_total",
		Help: "Notifications accepted for delivery, by event type",
	}, []string{"type"})

	notificationsDeduplicated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_deduplicated_total",
		Help: "Duplicate notification dispatches suppressed, by event type",
	}, []string{"type"})

	realtimeConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Realtime notification clients currently connected",
	})

	realtimeEventsHandled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_handled_total",
		Help: "Realtime events handled after dedup, by event type",
	}, []string{"type"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal,
		notificationsDispatched, notificationsDeduplicated,
		realtimeConnections, realtimeEventsHandled, goroutines)

	return &MetricsService{
		registry:                  registry,
		handler:                   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:           requestDuration,
		requestTotal:              requestTotal,
		notificationsDispatched:   notificationsDispatched,
		notificationsDeduplicated: notificationsDeduplicated,
		realtimeConnections:       realtimeConnections,
		realtimeEventsHandled:     realtimeEventsHandled,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// NotificationDispatched counts an accepted dispatch.
func (m *MetricsService) NotificationDispatched(eventType string) {
	if m == nil {
		return
	}
	m.notificationsDispatched.WithLabelValues(eventType).Inc()
}

// NotificationDeduplicated counts a suppressed duplicate dispatch.
func (m *MetricsService) NotificationDeduplicated(eventType string) {
	if m == nil {
		return
	}
	m.notificationsDeduplicated.WithLabelValues(eventType).Inc()
}

// RealtimeConnected tracks a client reaching CONNECTED.
func (m *MetricsService) RealtimeConnected() {
	if m == nil {
		return
	}
	m.realtimeConnections.Inc()
}

// RealtimeDisconnected tracks a client leaving CONNECTED.
func (m *MetricsService) RealtimeDisconnected() {
	if m == nil {
		return
	}
	m.realtimeConnections.Dec()
}

// RealtimeEventHandled counts an event processed after dedup.
func (m *MetricsService) RealtimeEventHandled(eventType string) {
	if m == nil {
		return
	}
	m.realtimeEventsHandled.WithLabelValues(eventType).Inc()
}
