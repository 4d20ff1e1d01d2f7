// Package metrics defines the Prometheus metrics exported by coven-connect.
//
// All metrics are registered against the default Prometheus registry and are
// served by the gateway at GET /metrics when metrics.enabled is true.
//
// # Metric Groups
//
//   - Connector validation outcomes by code, and probe latency
//   - Connector capability query attempts (retries included) and skips
//   - Capability invocations by source kind and outcome, and latency
//   - Confirmation gate transitions by resulting state
//   - HTTP requests by method, ServeMux route pattern, and status
//
// HTTP metrics use the matched route pattern (for example
// "GET /api/connectors/{id}") rather than the raw URL to keep label
// cardinality bounded.
package metrics
