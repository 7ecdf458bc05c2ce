package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yuuki/rdmarpc/internal/rdma"
)

func emitAll(h rdma.MetricHook) {
	h.CompletionsPolled(0, 3)
	h.CompletionsPolled(1, 2)
	h.CompletionFailed(rdma.WorkSend, rdma.WCRemoteAccessErr)
	h.OrphanCompletion(rdma.WorkReceive)
	h.BufferExhausted("send")
	h.ConnectionStateChanged(rdma.StateConnected)
	h.ConnectionStateChanged(rdma.StateConnected)
	h.SocketFreed()
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func counterValue(mf *dto.MetricFamily, labels map[string]string) float64 {
	var sum float64
	for _, m := range mf.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestPrometheusHook(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := NewPrometheusHook(PrometheusOptions{
		Registerer:  reg,
		ConstLabels: prometheus.Labels{"node": "n1"},
	})
	require.NoError(t, err)
	emitAll(h)

	mfs := gather(t, reg)
	require.Contains(t, mfs, "rdmarpc_completions_total")
	assert.Equal(t, 5.0, counterValue(mfs["rdmarpc_completions_total"], nil))
	assert.Equal(t, 3.0, counterValue(mfs["rdmarpc_completions_total"], map[string]string{"cc": "0"}))
	assert.Equal(t, 1.0, counterValue(mfs["rdmarpc_completion_failures_total"], map[string]string{"work": "send"}))
	assert.Equal(t, 1.0, counterValue(mfs["rdmarpc_orphan_completions_total"], map[string]string{"work": "receive"}))
	assert.Equal(t, 1.0, counterValue(mfs["rdmarpc_buffer_exhausted_total"], map[string]string{"pool": "send"}))
	assert.Equal(t, 2.0, counterValue(mfs["rdmarpc_connection_state_transitions_total"], map[string]string{"state": rdma.StateConnected.String()}))
	assert.Equal(t, 1.0, counterValue(mfs["rdmarpc_sockets_freed_total"], nil))

	for _, m := range mfs["rdmarpc_sockets_freed_total"].GetMetric() {
		require.Len(t, m.GetLabel(), 1)
		assert.Equal(t, "n1", m.GetLabel()[0].GetValue())
	}
}

func TestPrometheusHookReRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusHook(PrometheusOptions{Registerer: reg})
	require.NoError(t, err)
	second, err := NewPrometheusHook(PrometheusOptions{Registerer: reg})
	require.NoError(t, err)

	first.SocketFreed()
	second.SocketFreed()
	assert.Equal(t, 2.0, counterValue(gather(t, reg)["rdmarpc_sockets_freed_total"], nil))
}

func TestOTelHook(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	h, err := NewOTelHook(provider.Meter(MeterName))
	require.NoError(t, err)
	emitAll(h)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", m.Name)
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		"rdmarpc.completions":                  5,
		"rdmarpc.completion_failures":          1,
		"rdmarpc.orphan_completions":           1,
		"rdmarpc.buffer_exhausted":             1,
		"rdmarpc.connection_state_transitions": 2,
		"rdmarpc.sockets_freed":                1,
	}, totals)
}

type countingHook struct {
	rdma.NopMetricHook
	freed int
}

func (c *countingHook) SocketFreed() { c.freed++ }

func TestMulti(t *testing.T) {
	a, b := &countingHook{}, &countingHook{}
	m := Multi(a, b)
	emitAll(m)
	assert.Equal(t, 1, a.freed)
	assert.Equal(t, 1, b.freed)
}

func TestExporterTarget(t *testing.T) {
	tests := []struct {
		addr     string
		scheme   string
		endpoint string
		wantErr  bool
	}{
		{addr: "localhost:4317", scheme: "grpc", endpoint: "localhost:4317"},
		{addr: "127.0.0.1:4317", scheme: "grpc", endpoint: "127.0.0.1:4317"},
		{addr: "grpc://collector:4317", scheme: "grpc", endpoint: "collector:4317"},
		{addr: "HTTPS://collector:4318", scheme: "https", endpoint: "collector:4318"},
		{addr: "/just/a/path", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			scheme, endpoint, err := exporterTarget(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.endpoint, endpoint)
		})
	}

	_, err := newExporter(context.Background(), "ftp://collector:21")
	assert.Error(t, err)
}
