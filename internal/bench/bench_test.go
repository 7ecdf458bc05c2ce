package bench

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmarpc/internal/config"
	"github.com/yuuki/rdmarpc/internal/node"
	"github.com/yuuki/rdmarpc/internal/rdma"
	"github.com/yuuki/rdmarpc/internal/rpc"
)

const endpoint = "10.0.0.1:7471"

// startNode opens a sim node serving Handler on endpoint.
func startNode(t *testing.T) *node.Node {
	t.Helper()
	l := rdma.DefaultLimits()
	l.RecvBuffers = 64
	l.SendBuffers = 64
	l.BufferSize = 2048
	l.IdleCycles = 10
	l.CQDepth = 512
	l.CompletionContexts = 2
	cfg := &config.Config{
		NodeID:     uuid.NewString(),
		LogLevel:   "error",
		Backend:    "sim",
		Limits:     l,
		FiberCache: 16,
		BatchCount: 8,
	}
	n, err := node.New(context.Background(), cfg, "bench-test")
	require.NoError(t, err)

	srv := rpc.NewServer(n.Device(), Handler, rpc.Options{BatchCount: cfg.BatchCount})
	require.NoError(t, srv.Listen(endpoint, 16))
	t.Cleanup(func() {
		require.Eventually(t, func() bool { return srv.Connections() == 0 }, 5*time.Second, time.Millisecond)
		assert.NoError(t, srv.Close())
		assert.NoError(t, n.Close())
	})
	return n
}

func loadConfig(mode string) LoadConfig {
	return LoadConfig{
		Endpoint:    endpoint,
		Connections: 3,
		Requests:    100,
		Window:      8,
		PayloadSize: 64,
		Mode:        mode,
		Options:     rpc.Options{BatchCount: 8},
	}
}

func TestRunLoad(t *testing.T) {
	for _, mode := range []string{ModeSync, ModeAsync} {
		t.Run(mode, func(t *testing.T) {
			n := startNode(t)
			cfg := loadConfig(mode)
			reg := prometheus.NewRegistry()
			cfg.Registerer = reg

			rep, err := RunLoad(context.Background(), n, cfg)
			require.NoError(t, err)
			assert.Equal(t, 100, rep.Requests)
			assert.Zero(t, rep.Errors)
			assert.EqualValues(t, 100, rep.Messages)
			assert.NotZero(t, rep.Batches)
			assert.LessOrEqual(t, rep.Min, rep.P50)
			assert.LessOrEqual(t, rep.P50, rep.P99)
			assert.LessOrEqual(t, rep.P99, rep.Max)
			assert.Positive(t, rep.Throughput())

			mfs, err := reg.Gather()
			require.NoError(t, err)
			require.Len(t, mfs, 1)
			assert.Equal(t, "rdmarpc_client_call_duration_seconds", mfs[0].GetName())
			assert.EqualValues(t, 100, mfs[0].GetMetric()[0].GetHistogram().GetSampleCount())
		})
	}
}

func TestRunLoadYieldingHandler(t *testing.T) {
	n := startNode(t)
	cfg := loadConfig(ModeSync)
	cfg.Type = TypeYield
	cfg.PayloadSize = 4
	cfg.Rate = 10000

	rep, err := RunLoad(context.Background(), n, cfg)
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Requests)
}

func TestRunLoadUnknownType(t *testing.T) {
	n := startNode(t)
	cfg := loadConfig(ModeAsync)
	cfg.Type = 99
	cfg.Connections = 1
	cfg.Requests = 5

	rep, err := RunLoad(context.Background(), n, cfg)
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrorCodeUnknownType, re.Code)
	assert.Equal(t, 5, rep.Errors)
	assert.Zero(t, rep.Requests)
}

func TestRunLoadConnectFailure(t *testing.T) {
	n := startNode(t)
	cfg := loadConfig(ModeSync)
	cfg.Endpoint = "10.0.0.9:1"

	_, err := RunLoad(context.Background(), n, cfg)
	assert.Error(t, err)
}

func TestLoadConfigValidate(t *testing.T) {
	cfg := LoadConfig{Mode: "bulk", Window: 0, Connections: 0, Requests: -1, Rate: -1, PayloadSize: -1}
	err := cfg.validate()
	require.Error(t, err)
	for _, want := range []string{"endpoint", "connections", "requests", "rate", "window", "payload size", "mode"} {
		assert.ErrorContains(t, err, want)
	}

	good := loadConfig(ModeAsync)
	assert.NoError(t, good.validate())
}

func TestSummarize(t *testing.T) {
	a := &connStats{latencies: []time.Duration{5, 1, 3}}
	b := &connStats{latencies: []time.Duration{2, 4}, errors: 2}
	rep := summarize([]*connStats{a, b}, time.Second)

	assert.Equal(t, 5, rep.Requests)
	assert.Equal(t, 2, rep.Errors)
	assert.Equal(t, time.Duration(1), rep.Min)
	assert.Equal(t, time.Duration(5), rep.Max)
	assert.Equal(t, time.Duration(3), rep.Mean)
	assert.Equal(t, time.Duration(3), rep.P50)
	assert.Equal(t, time.Duration(5), rep.P99)
	assert.Equal(t, 5.0, rep.Throughput())

	assert.Zero(t, summarize(nil, 0).Throughput())
}
