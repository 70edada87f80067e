package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Standard metric names recorded by the Service helpers.
const (
	MetricHTTPRequests     = "driveline_http_requests_total"
	MetricHTTPDuration     = "driveline_http_request_duration_seconds"
	MetricDBQueries        = "driveline_db_queries_total"
	MetricDBDuration       = "driveline_db_query_duration_seconds"
	MetricServiceCalls     = "driveline_service_calls_total"
	MetricServiceDuration  = "driveline_service_call_duration_seconds"
	MetricCacheOps         = "driveline_cache_operations_total"
	MetricWSConnections    = "driveline_ws_connections"
	MetricWSMessages       = "driveline_ws_messages_total"
	MetricChatMessages     = "driveline_chat_messages_total"
	MetricSyncRuns         = "driveline_sync_runs_total"
	MetricSyncRecords      = "driveline_sync_records_total"
	MetricSyncDuration     = "driveline_sync_duration_seconds"
	MetricEventsPublished  = "driveline_events_published_total"
	MetricInProgress       = "driveline_operations_in_progress"
	MetricSecurityEvents   = "driveline_security_events_total"
	MetricTokenValidations = "driveline_token_validations_total"
)

// Service bundles the registry with the standard Driveline metric
// families and offers typed recording helpers on top of them.
type Service struct {
	registry   *Registry
	inProgress *InProgressTracker
}

// NewService creates a registry pre-populated with every standard
// metric family.
func NewService() *Service {
	r := NewRegistry()

	durationBuckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	syncBuckets := []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}

	_ = r.RegisterCounter(MetricHTTPRequests, "HTTP requests by method, path and status.", "method", "path", "status")
	_ = r.RegisterHistogram(MetricHTTPDuration, "HTTP request latency.", durationBuckets, "method", "path")
	_ = r.RegisterCounter(MetricDBQueries, "Database queries by operation and table.", "operation", "table", "status")
	_ = r.RegisterHistogram(MetricDBDuration, "Database query latency.", durationBuckets, "operation", "table")
	_ = r.RegisterCounter(MetricServiceCalls, "Internal service calls by outcome.", "service", "method", "status")
	_ = r.RegisterHistogram(MetricServiceDuration, "Internal service call latency.", durationBuckets, "service", "method")
	_ = r.RegisterCounter(MetricCacheOps, "Cache operations by result.", "operation", "result")
	_ = r.RegisterGauge(MetricWSConnections, "Open realtime connections.")
	_ = r.RegisterCounter(MetricWSMessages, "Realtime frames by direction and type.", "direction", "type")
	_ = r.RegisterCounter(MetricChatMessages, "Chat messages stored, by room type.", "room_type")
	_ = r.RegisterCounter(MetricSyncRuns, "Sync runs by kind and final status.", "kind", "status")
	_ = r.RegisterCounter(MetricSyncRecords, "Sync records by kind and outcome.", "kind", "outcome")
	_ = r.RegisterHistogram(MetricSyncDuration, "Sync run duration.", syncBuckets, "kind")
	_ = r.RegisterCounter(MetricEventsPublished, "Events published by topic.", "topic")
	_ = r.RegisterGauge(MetricInProgress, "Operations currently in flight.", "operation")
	_ = r.RegisterCounter(MetricSecurityEvents, "Security events by type.", "type")
	_ = r.RegisterCounter(MetricTokenValidations, "Token validations by outcome.", "success")

	return &Service{
		registry:   r,
		inProgress: NewInProgressTracker(r, MetricInProgress),
	}
}

// Name identifies this service in the registry.
func (s *Service) Name() string { return "metrics" }

// Registry exposes the underlying registry for direct registration of
// component-specific metrics.
func (s *Service) Registry() *Registry { return s.registry }

// InProgress exposes the shared in-flight tracker.
func (s *Service) InProgress() *InProgressTracker { return s.inProgress }

// TrackHTTPRequest records one handled request.
func (s *Service) TrackHTTPRequest(method, path string, status int, duration time.Duration) {
	s.registry.Increment(MetricHTTPRequests, prometheus.Labels{
		"method": method, "path": path, "status": strconv.Itoa(status),
	})
	s.registry.Observe(MetricHTTPDuration, duration.Seconds(), prometheus.Labels{
		"method": method, "path": path,
	})
}

// TrackDBQuery records one database round trip.
func (s *Service) TrackDBQuery(operation, table string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.registry.Increment(MetricDBQueries, prometheus.Labels{
		"operation": operation, "table": table, "status": status,
	})
	s.registry.Observe(MetricDBDuration, duration.Seconds(), prometheus.Labels{
		"operation": operation, "table": table,
	})
}

// TrackServiceCall records one internal service call.
func (s *Service) TrackServiceCall(service, method string, success bool, duration time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	s.registry.Increment(MetricServiceCalls, prometheus.Labels{
		"service": service, "method": method, "status": status,
	})
	s.registry.Observe(MetricServiceDuration, duration.Seconds(), prometheus.Labels{
		"service": service, "method": method,
	})
}

// TrackCacheOperation records a cache hit, miss, set or delete.
func (s *Service) TrackCacheOperation(operation, result string) {
	s.registry.Increment(MetricCacheOps, prometheus.Labels{
		"operation": operation, "result": result,
	})
}

// TrackWSConnection moves the open-connection gauge by delta.
func (s *Service) TrackWSConnection(delta int) {
	s.registry.AddGauge(MetricWSConnections, float64(delta), prometheus.Labels{})
}

// TrackWSMessage counts one realtime frame.
func (s *Service) TrackWSMessage(direction, frameType string) {
	s.registry.Increment(MetricWSMessages, prometheus.Labels{
		"direction": direction, "type": frameType,
	})
}

// TrackChatMessage counts one stored chat message.
func (s *Service) TrackChatMessage(roomType string) {
	s.registry.Increment(MetricChatMessages, prometheus.Labels{"room_type": roomType})
}

// TrackSyncRun records a finished sync run.
func (s *Service) TrackSyncRun(kind, status string, duration time.Duration) {
	s.registry.Increment(MetricSyncRuns, prometheus.Labels{"kind": kind, "status": status})
	s.registry.Observe(MetricSyncDuration, duration.Seconds(), prometheus.Labels{"kind": kind})
}

// TrackSyncRecords adds processed record counts for a sync run.
func (s *Service) TrackSyncRecords(kind string, created, updated, errors int) {
	labels := func(outcome string) prometheus.Labels {
		return prometheus.Labels{"kind": kind, "outcome": outcome}
	}
	s.registry.Add(MetricSyncRecords, float64(created), labels("created"))
	s.registry.Add(MetricSyncRecords, float64(updated), labels("updated"))
	s.registry.Add(MetricSyncRecords, float64(errors), labels("error"))
}

// TrackEvent counts a published event.
func (s *Service) TrackEvent(topic string) {
	s.registry.Increment(MetricEventsPublished, prometheus.Labels{"topic": topic})
}

// TrackSecurityEvent counts a security-relevant occurrence such as a
// rejected token or a lockout.
func (s *Service) TrackSecurityEvent(eventType string) {
	s.registry.Increment(MetricSecurityEvents, prometheus.Labels{"type": eventType})
}

// TrackTokenValidation counts one token check by outcome.
func (s *Service) TrackTokenValidation(success bool) {
	s.registry.Increment(MetricTokenValidations, prometheus.Labels{
		"success": strconv.FormatBool(success),
	})
}

// StartOperation marks an operation in flight and returns the
// completion func. Safe to call the returned func exactly once.
func (s *Service) StartOperation(operation string) func() {
	s.inProgress.Start(operation)
	return func() { s.inProgress.Done(operation) }
}

// Handler returns the Prometheus scrape handler for this registry.
func (s *Service) Handler() http.Handler {
	return s.registry.Handler()
}
