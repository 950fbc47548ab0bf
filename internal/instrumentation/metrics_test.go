package instrumentation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectedNames(t *testing.T, reader *sdkmetric.ManualReader) map[string]bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := make(map[string]bool)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestMetricsRecording(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m.RecordPortalRequest(ctx, "directory_search", StatusSuccess, 120*time.Millisecond)
	m.RecordLoginFlow(ctx, StrategyBrowser, ResultSuccess)
	m.AddActiveSessions(ctx, 1)
	m.RecordCacheLookup(ctx, "school_events", true)
	m.RecordCacheLookup(ctx, "school_events", false)
	m.RecordToolInvocation(ctx, "portal_login", StatusSuccess, 2*time.Second)

	names := collectedNames(t, reader)
	assert.True(t, names["portal_requests_total"])
	assert.True(t, names["portal_request_duration_seconds"])
	assert.True(t, names["portal_login_flows_total"])
	assert.True(t, names["portal_active_sessions"])
	assert.True(t, names["result_cache_lookups_total"])
	assert.True(t, names["mcp_tool_invocations_total"])
	assert.True(t, names["mcp_tool_duration_seconds"])
}

func TestZeroValueMetricsIsNoop(t *testing.T) {
	ctx := context.Background()
	var m Metrics

	// Must not panic when instrumentation was never initialized.
	m.RecordPortalRequest(ctx, "directory_search", StatusError, time.Second)
	m.RecordLoginFlow(ctx, StrategyForm, ResultFailure)
	m.AddActiveSessions(ctx, -1)
	m.RecordCacheLookup(ctx, "school_events", false)
	m.RecordToolInvocation(ctx, "portal_login", StatusError, time.Second)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := NewProvider(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	require.NotNil(t, p.Metrics())

	p.Metrics().RecordToolInvocation(ctx, "portal_login", StatusSuccess, time.Second)
	assert.NoError(t, p.Shutdown(ctx))
}
