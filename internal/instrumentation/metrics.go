package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrTool      = "tool"
	attrOperation = "operation"
	attrStatus    = "status"
	attrStrategy  = "strategy"
	attrResult    = "result"
)

// Metrics provides methods for recording observability metrics. A nil or
// zero-value Metrics is a no-op recorder, safe to use when instrumentation
// is disabled.
type Metrics struct {
	// Portal traffic
	portalRequestsTotal   metric.Int64Counter
	portalRequestDuration metric.Float64Histogram

	// Authentication lifecycle
	loginFlowsTotal metric.Int64Counter
	activeSessions  metric.Int64UpDownCounter

	// Result cache
	cacheLookupsTotal metric.Int64Counter

	// MCP tool surface
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.portalRequestsTotal, err = meter.Int64Counter(
		"portal_requests_total",
		metric.WithDescription("Total number of requests made to the school portal"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create portal_requests_total counter: %w", err)
	}

	m.portalRequestDuration, err = meter.Float64Histogram(
		"portal_request_duration_seconds",
		metric.WithDescription("School portal request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create portal_request_duration_seconds histogram: %w", err)
	}

	m.loginFlowsTotal, err = meter.Int64Counter(
		"portal_login_flows_total",
		metric.WithDescription("Total number of portal login flows by strategy and result"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create portal_login_flows_total counter: %w", err)
	}

	m.activeSessions, err = meter.Int64UpDownCounter(
		"portal_active_sessions",
		metric.WithDescription("Number of users with a live portal session in this process"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create portal_active_sessions gauge: %w", err)
	}

	m.cacheLookupsTotal, err = meter.Int64Counter(
		"result_cache_lookups_total",
		metric.WithDescription("Total number of result cache lookups by tool and outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create result_cache_lookups_total counter: %w", err)
	}

	m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordPortalRequest records one request to the school portal.
func (m *Metrics) RecordPortalRequest(ctx context.Context, operation, status string, duration time.Duration) {
	if m == nil || m.portalRequestsTotal == nil || m.portalRequestDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}
	m.portalRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.portalRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordLoginFlow records a completed login flow. strategy is "form" or
// "browser"; result is "success", "failure" or "timeout".
func (m *Metrics) RecordLoginFlow(ctx context.Context, strategy, result string) {
	if m == nil || m.loginFlowsTotal == nil {
		return
	}
	m.loginFlowsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrStrategy, strategy),
		attribute.String(attrResult, result),
	))
}

// AddActiveSessions adjusts the live session gauge.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, delta)
}

// RecordCacheLookup records a result cache lookup outcome for one tool.
func (m *Metrics) RecordCacheLookup(ctx context.Context, tool string, hit bool) {
	if m == nil || m.cacheLookupsTotal == nil {
		return
	}
	result := CacheMiss
	if hit {
		result = CacheHit
	}
	m.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrTool, tool),
		attribute.String(attrResult, result),
	))
}

// RecordToolInvocation records an MCP tool invocation with its outcome.
func (m *Metrics) RecordToolInvocation(ctx context.Context, tool, status string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrTool, tool),
		attribute.String(attrStatus, status),
	}
	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
