package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the wall control plane.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	groupsCreatedTotal   prometheus.Counter
	groupsDeletedTotal   prometheus.Counter
	encodersStartedTotal prometheus.Counter
	conflictsTotal       prometheus.Counter
	activeGroups         prometheus.Gauge
	connectedClients     prometheus.Gauge
	errorsTotal          prometheus.Counter
}

// New creates and registers Prometheus metrics for the control plane.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wall_requests_total",
		Help: "Total number of HTTP requests received",
	})
	groupsCreatedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wall_groups_created_total",
		Help: "Total number of groups created",
	})
	groupsDeletedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wall_groups_deleted_total",
		Help: "Total number of groups deleted",
	})
	encodersStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wall_encoders_started_total",
		Help: "Total number of encoder processes started",
	})
	conflictsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wall_assignment_conflicts_total",
		Help: "Total number of rejected conflicting screen assignments",
	})
	activeGroups := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wall_groups",
		Help: "Number of groups currently known",
	})
	connectedClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wall_connected_clients",
		Help: "Number of registered display clients",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wall_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		groupsCreatedTotal,
		groupsDeletedTotal,
		encodersStartedTotal,
		conflictsTotal,
		activeGroups,
		connectedClients,
		errorsTotal,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		groupsCreatedTotal:   groupsCreatedTotal,
		groupsDeletedTotal:   groupsDeletedTotal,
		encodersStartedTotal: encodersStartedTotal,
		conflictsTotal:       conflictsTotal,
		activeGroups:         activeGroups,
		connectedClients:     connectedClients,
		errorsTotal:          errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncGroupsCreated increments the groups created counter.
func (m *Metrics) IncGroupsCreated() {
	m.groupsCreatedTotal.Inc()
}

// IncGroupsDeleted increments the groups deleted counter.
func (m *Metrics) IncGroupsDeleted() {
	m.groupsDeletedTotal.Inc()
}

// IncEncodersStarted increments the encoders started counter.
func (m *Metrics) IncEncodersStarted() {
	m.encodersStartedTotal.Inc()
}

// IncAssignmentConflicts increments the screen-conflict counter.
func (m *Metrics) IncAssignmentConflicts() {
	m.conflictsTotal.Inc()
}

// SetActiveGroups sets the known-groups gauge.
func (m *Metrics) SetActiveGroups(n int) {
	m.activeGroups.Set(float64(n))
}

// SetConnectedClients sets the registered-clients gauge.
func (m *Metrics) SetConnectedClients(n int) {
	m.connectedClients.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
