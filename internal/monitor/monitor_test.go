package monitor

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExecution(t *testing.T) {
	m := NewMetrics()
	m.RecordExecution("process", "success", 0.2)
	m.RecordExecution("process", "timeout", 30)
	m.RecordExecution("docker", "timeout", 30)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("process", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExecutionErrors.WithLabelValues("timeout")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ExecutionErrors.WithLabelValues("success")))
}

func TestRecordRedactionAndSecurityEvent(t *testing.T) {
	m := NewMetrics()
	m.RecordRedaction("api_key", 1)
	m.RecordRedaction("api_key", 1)
	m.RecordSecurityEvent("busy_loop")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Redactions.WithLabelValues("api_key")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecurityEvents.WithLabelValues("busy_loop")))
}

func TestMetricsUseDedicatedRegistry(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordExecution("process", "success", 1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ExecutionsTotal.WithLabelValues("process", "success")))

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.Contains(t, f.GetName(), "codemode_")
	}
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := NewTracer().StartSpan(context.Background(), "execute", AttrExecID.String("x"))
	defer span.End()
	assert.Equal(t, span, SpanFromContext(ctx))
}
