package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Aptos API Metrics
	aptosCallsTotal   *prometheus.CounterVec
	aptosCallDuration *prometheus.HistogramVec

	// Aggregation Metrics
	viewLookupsTotal     *prometheus.CounterVec
	aggregationDuration  *prometheus.HistogramVec
	aggregationRecords   *prometheus.GaugeVec
	tokensFilteredTotal  *prometheus.CounterVec
	snapshotRefreshTotal *prometheus.CounterVec

	// Action Metrics
	actionsTotal         *prometheus.CounterVec
	finalityWaitDuration *prometheus.HistogramVec

	// Workflow Metrics
	workflowDuration        *prometheus.HistogramVec
	workflowExecutionsTotal *prometheus.CounterVec
	activityDuration        *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Aptos API Metrics
		aptosCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aptos_calls_total",
				Help: "Total number of Aptos node and indexer calls by method and status",
			},
			[]string{"method", "status"},
		),
		aptosCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aptos_call_duration_seconds",
				Help:    "Duration of Aptos node and indexer calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),

		// Aggregation Metrics
		viewLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_view_lookups_total",
				Help: "Total number of per-token view lookups by field and status",
			},
			[]string{"field", "status"},
		),
		aggregationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credit_aggregation_duration_seconds",
				Help:    "Duration of a full aggregation for one account",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"context"},
		),
		aggregationRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credit_aggregation_records",
				Help: "Number of records produced by the last aggregation",
			},
			[]string{"context"},
		),
		tokensFilteredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_tokens_filtered_total",
				Help: "Total number of owned tokens dropped because they belong to another collection",
			},
			[]string{"context"},
		),
		snapshotRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_snapshot_refresh_total",
				Help: "Total number of snapshot refreshes by status",
			},
			[]string{"status"},
		),

		// Action Metrics
		actionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_actions_total",
				Help: "Total number of marketplace actions by kind and status",
			},
			[]string{"kind", "status"},
		),
		finalityWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credit_finality_wait_seconds",
				Help:    "Time between submission and finality of marketplace transactions",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"kind"},
		),

		// Workflow Metrics
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_duration_seconds",
				Help:    "Duration of workflow executions in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"workflow", "status"},
		),
		workflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of workflow executions",
			},
			[]string{"workflow", "status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activity_duration_seconds",
				Help:    "Duration of workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Aptos API metric helpers

// RecordAptosCall records a node or indexer call with duration.
func (m *Metrics) RecordAptosCall(method, status string, duration float64) {
	m.aptosCallsTotal.WithLabelValues(method, status).Inc()
	m.aptosCallDuration.WithLabelValues(method).Observe(duration)
}

// Aggregation metric helpers

// RecordViewLookup records the outcome of one per-token view lookup.
func (m *Metrics) RecordViewLookup(field, status string) {
	m.viewLookupsTotal.WithLabelValues(field, status).Inc()
}

// RecordAggregation records one Fetch for the given context ("market" or "portfolio").
func (m *Metrics) RecordAggregation(context string, records int, duration float64) {
	m.aggregationDuration.WithLabelValues(context).Observe(duration)
	m.aggregationRecords.WithLabelValues(context).Set(float64(records))
}

// RecordTokensFiltered records tokens skipped by the collection filter.
func (m *Metrics) RecordTokensFiltered(context string, count int) {
	m.tokensFilteredTotal.WithLabelValues(context).Add(float64(count))
}

// RecordSnapshotRefresh records a snapshot refresh.
func (m *Metrics) RecordSnapshotRefresh(status string) {
	m.snapshotRefreshTotal.WithLabelValues(status).Inc()
}

// Action metric helpers

// RecordAction records a marketplace action outcome.
func (m *Metrics) RecordAction(kind, status string) {
	m.actionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordFinalityWait records how long a transaction took to finalize.
func (m *Metrics) RecordFinalityWait(kind string, duration float64) {
	m.finalityWaitDuration.WithLabelValues(kind).Observe(duration)
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(workflow, status string, duration float64) {
	m.workflowDuration.WithLabelValues(workflow, status).Observe(duration)
	m.workflowExecutionsTotal.WithLabelValues(workflow, status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
