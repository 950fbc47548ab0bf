// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for the schoolgate server.
//
// The Provider wires exporters (Prometheus, OTLP or stdout) into global
// meter and tracer providers. Metrics covers the domain's hot paths: portal
// requests, login flows, cache lookups and tool invocations. The
// AuditLogger records every tool invocation with anonymized user
// identifiers unless PII logging is explicitly enabled.
package instrumentation
