package node

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmarpc/internal/config"
	"github.com/yuuki/rdmarpc/internal/fiber"
	"github.com/yuuki/rdmarpc/internal/rdma"
	"github.com/yuuki/rdmarpc/internal/rpc"
)

const testTimeout = 5 * time.Second

func testConfig() *config.Config {
	l := rdma.DefaultLimits()
	l.RecvBuffers = 32
	l.SendBuffers = 32
	l.BufferSize = 1024
	l.IdleCycles = 10
	l.CQDepth = 256
	l.CompletionContexts = 2
	return &config.Config{
		NodeID:     uuid.NewString(),
		LogLevel:   "error",
		Backend:    "sim",
		ListenAddr: "10.0.0.1:7471",
		Limits:     l,
		FiberCache: 8,
		BatchCount: 8,
	}
}

func TestNewAndClose(t *testing.T) {
	n, err := New(context.Background(), testConfig(), "test")
	require.NoError(t, err)

	assert.Equal(t, "sim0", n.Device().Name())
	assert.Nil(t, n.MeterProvider())

	cc := n.Device().CompletionContext(0)
	assert.Same(t, n.Pool(cc), n.Pool(cc))
	assert.NotSame(t, n.Pool(cc), n.Pool(n.Device().CompletionContext(1)))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Backend = "carrier-pigeon"
	_, err := New(context.Background(), cfg, "test")
	assert.ErrorIs(t, err, rdma.ErrBackendNotFound)
}

func TestRunContextReturnsMainError(t *testing.T) {
	n, err := New(context.Background(), testConfig(), "test")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = n.RunContext(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRunContextStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = "127.0.0.1:0"
	n, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.RunContext(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("RunContext did not return after cancel")
	}
}

func TestLoopbackEchoWithMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = "127.0.0.1:0"
	n, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)

	echo := func(_ *fiber.Fiber, req rpc.Request) (uint32, []byte, error) {
		return req.Type, req.Payload, nil
	}

	var metrics string
	err = n.RunContext(context.Background(), func(ctx context.Context) error {
		opts := rpc.Options{BatchCount: cfg.BatchCount, FiberCache: cfg.FiberCache}
		server := rpc.NewServer(n.Device(), echo, opts)
		if err := server.Listen(cfg.ListenAddr, 8); err != nil {
			return err
		}
		defer server.Close()

		client := rpc.NewClient(n.Device(), nil, opts)
		pool := n.Pool(client.CompletionContext())
		done := make(chan error, 1)
		err := client.Post(func() {
			err := pool.Go(func(f *fiber.Fiber) {
				if _, err := client.Connect(f, cfg.ListenAddr, nil); err != nil {
					done <- err
					return
				}
				resp, err := client.Call(f, 3, []byte("ping"))
				if err == nil && string(resp.Payload) != "ping" {
					err = errors.New("unexpected echo payload")
				}
				done <- err
			})
			if err != nil {
				done <- err
			}
		})
		if err != nil {
			return err
		}
		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-time.After(testTimeout):
			return errors.New("loopback call timed out")
		}
		if err := client.Close(); err != nil {
			return err
		}
		deadline := time.Now().Add(testTimeout)
		for server.Connections() > 0 {
			if time.Now().After(deadline) {
				return errors.New("server kept the connection")
			}
			time.Sleep(time.Millisecond)
		}

		resp, err := http.Get("http://" + n.MetricsAddr() + "/metrics")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		metrics = string(body)
		return err
	})
	require.NoError(t, err)
	assert.Contains(t, metrics, "rdmarpc_completions_total")
	assert.Contains(t, metrics, `node="`+cfg.NodeID+`"`)
}
