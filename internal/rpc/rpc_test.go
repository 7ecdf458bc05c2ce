package rpc

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmarpc/internal/fiber"
	"github.com/yuuki/rdmarpc/internal/rdma"
)

const (
	testTimeout  = 5 * time.Second
	testEndpoint = "10.0.0.1:7000"
)

func testLimits() rdma.Limits {
	l := rdma.DefaultLimits()
	l.RecvBuffers = 32
	l.SendBuffers = 32
	l.BufferSize = 1024
	l.IdleCycles = 10
	l.CQDepth = 256
	return l
}

type env struct {
	backend *rdma.SimBackend
	srvDev  *rdma.DeviceContext
	cliDev  *rdma.DeviceContext
	server  *Server
	client  *Client
	pool    *fiber.Pool
}

func openDevice(t *testing.T, b rdma.Backend, name string) *rdma.DeviceContext {
	t.Helper()
	d, err := rdma.OpenDevice(b, name, testLimits())
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() { assert.NoError(t, d.Close()) })
	return d
}

func newEnv(t *testing.T, h HandlerFunc, opts Options) *env {
	t.Helper()
	b := rdma.NewSimBackend()
	require.NoError(t, b.Init())
	e := &env{backend: b}
	e.srvDev = openDevice(t, b, "sim0")
	e.cliDev = openDevice(t, b, "sim1")

	e.server = NewServer(e.srvDev, h, opts)
	require.NoError(t, e.server.Listen(testEndpoint, 16))
	t.Cleanup(func() { _ = e.server.Close() })

	e.client = NewClient(e.cliDev, nil, opts)
	e.pool = fiber.NewPool(e.client.CompletionContext(), 16)
	t.Cleanup(func() { _ = e.client.Close() })
	return e
}

// do runs fn on a client fiber and waits for it to return.
func (e *env) do(t *testing.T, fn func(f *fiber.Fiber)) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, e.client.Post(func() {
		err := e.pool.Go(func(f *fiber.Fiber) {
			defer close(done)
			fn(f)
		})
		if err != nil {
			t.Errorf("start fiber: %v", err)
			close(done)
		}
	}))
	wait(t, done)
}

// onCC runs fn on the client's completion context and waits for it.
func (e *env) onCC(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, e.client.Post(func() {
		fn()
		close(done)
	}))
	wait(t, done)
}

func (e *env) connect(t *testing.T) {
	t.Helper()
	e.do(t, func(f *fiber.Fiber) {
		_, err := e.client.Connect(f, testEndpoint, []byte("hi"))
		assert.NoError(t, err)
	})
	require.Eventually(t, func() bool { return e.server.Connections() == 1 }, testTimeout, time.Millisecond)
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out")
	}
}

func echo(_ *fiber.Fiber, req Request) (uint32, []byte, error) {
	return req.Type + 1, req.Payload, nil
}

func TestCallEcho(t *testing.T) {
	e := newEnv(t, echo, Options{})
	e.connect(t)

	e.do(t, func(f *fiber.Fiber) {
		resp, err := e.client.Call(f, 7, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, uint32(8), resp.Type)
		assert.Equal(t, []byte("hello"), resp.Payload)

		resp, err = e.client.Call(f, 1, nil)
		require.NoError(t, err)
		assert.Empty(t, resp.Payload)
	})
}

func TestPipelinedSyncCallsResolveInOrder(t *testing.T) {
	const n = 5
	// Later requests finish first on the server.
	h := func(f *fiber.Fiber, req Request) (uint32, []byte, error) {
		for i := 0; i < n-int(req.Payload[0]); i++ {
			if err := f.Yield(); err != nil {
				return 0, nil, err
			}
		}
		return req.Type, req.Payload, nil
	}
	e := newEnv(t, h, Options{})
	e.connect(t)

	type result struct {
		want, got byte
		err       error
	}
	results := make(chan result, n)
	e.onCC(t, func() {
		for i := 0; i < n; i++ {
			i := byte(i)
			require.NoError(t, e.pool.Go(func(f *fiber.Fiber) {
				resp, err := e.client.Call(f, 3, []byte{i})
				r := result{want: i, err: err}
				if err == nil {
					r.got = resp.Payload[0]
				}
				results <- r
			}))
		}
		assert.Equal(t, n, e.client.Pending())
	})
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			assert.Equal(t, r.want, r.got)
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for responses")
		}
	}
	e.onCC(t, func() {
		assert.Zero(t, e.client.Pending())
		assert.Equal(t, BatchStats{Messages: n, Batches: 1}, e.client.Stats())
	})
}

func TestAsyncCallsAndBatching(t *testing.T) {
	e := newEnv(t, echo, Options{BatchCount: 4})
	e.connect(t)

	got := make(chan uint32, 16)
	e.onCC(t, func() {
		for i := 0; i < 10; i++ {
			payload := []byte{byte(i)}
			require.NoError(t, e.client.CallAsync(uint32(i), payload, func(resp Response, err error) {
				assert.NoError(t, err)
				assert.Equal(t, payload, resp.Payload)
				got <- resp.Type
			}))
		}
	})
	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		select {
		case typ := <-got:
			seen[typ] = true
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for async responses")
		}
	}
	for i := uint32(1); i <= 10; i++ {
		assert.True(t, seen[i], "missing response type %d", i)
	}
	e.onCC(t, func() {
		assert.Equal(t, BatchStats{Messages: 10, Batches: 3}, e.client.Stats())
	})
}

func TestRemoteErrors(t *testing.T) {
	h := func(_ *fiber.Fiber, req Request) (uint32, []byte, error) {
		switch req.Type {
		case 1:
			return 0, nil, &RemoteError{Code: 42}
		case 2:
			return 0, nil, errors.New("handler failed")
		}
		return req.Type, nil, nil
	}
	e := newEnv(t, h, Options{})
	e.connect(t)

	e.do(t, func(f *fiber.Fiber) {
		_, err := e.client.Call(f, 1, nil)
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, uint64(42), re.Code)

		_, err = e.client.Call(f, 2, nil)
		require.ErrorAs(t, err, &re)
		assert.Equal(t, ErrorCodeInternal, re.Code)

		_, err = e.client.Call(f, 3, nil)
		assert.NoError(t, err)
	})
}

func TestCallBeforeConnect(t *testing.T) {
	e := newEnv(t, echo, Options{})
	e.do(t, func(f *fiber.Fiber) {
		_, err := e.client.Call(f, 1, nil)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.ErrorIs(t, e.client.CallAsync(1, nil, nil), ErrNotConnected)

		_, err = e.client.Connect(f, "10.0.0.9:1", nil)
		assert.ErrorIs(t, err, rdma.ErrConnectFailed)
		_, err = e.client.Call(f, 1, nil)
		assert.ErrorIs(t, err, ErrConnectionAborted)
	})
}

func TestMessageTooLarge(t *testing.T) {
	e := newEnv(t, echo, Options{})
	e.connect(t)
	e.do(t, func(f *fiber.Fiber) {
		_, err := e.client.Call(f, 1, make([]byte, 1024))
		assert.ErrorIs(t, err, ErrMessageTooLarge)
		_, err = e.client.Call(f, 1, make([]byte, 1024-HeaderSize))
		assert.NoError(t, err)
	})
}

func TestDisconnectAbortsPendingCalls(t *testing.T) {
	var (
		mu     sync.Mutex
		parked []*fiber.Fiber
		count  atomic.Int32
	)
	h := func(f *fiber.Fiber, req Request) (uint32, []byte, error) {
		mu.Lock()
		parked = append(parked, f)
		mu.Unlock()
		count.Add(1)
		_ = f.Wait()
		return req.Type, nil, nil
	}
	e := newEnv(t, h, Options{})
	e.connect(t)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range parked {
			_ = f.Unblock()
		}
	})

	aborted := make(chan string, 16)
	e.onCC(t, func() {
		for i := 0; i < 4; i++ {
			require.NoError(t, e.pool.Go(func(f *fiber.Fiber) {
				_, err := e.client.Call(f, 1, nil)
				if errors.Is(err, ErrConnectionAborted) {
					aborted <- "sync"
				}
			}))
			require.NoError(t, e.client.CallAsync(2, nil, func(_ Response, err error) {
				if errors.Is(err, ErrConnectionAborted) {
					aborted <- "async"
				}
			}))
		}
	})
	require.Eventually(t, func() bool { return count.Load() == 8 }, testTimeout, time.Millisecond)

	require.NoError(t, e.client.Close())
	kinds := map[string]int{}
	for i := 0; i < 8; i++ {
		select {
		case k := <-aborted:
			kinds[k]++
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for aborted calls")
		}
	}
	assert.Equal(t, map[string]int{"sync": 4, "async": 4}, kinds)

	select {
	case k := <-aborted:
		t.Fatalf("call aborted twice (%s)", k)
	case <-time.After(50 * time.Millisecond):
	}
	e.onCC(t, func() { assert.Zero(t, e.client.Pending()) })
	require.Eventually(t, func() bool { return e.server.Connections() == 0 }, testTimeout, time.Millisecond)
}

// rawPeer is a bare socket handler used to feed the server invalid frames.
type rawPeer struct {
	rdma.BaseHandler
	connected    chan error
	disconnected chan struct{}
}

func (p *rawPeer) OnConnected(_ []byte, err error) { p.connected <- err }
func (p *rawPeer) OnDisconnected()                 { close(p.disconnected) }

func TestServerDropsMalformedConnection(t *testing.T) {
	e := newEnv(t, echo, Options{})

	peer := &rawPeer{connected: make(chan error, 1), disconnected: make(chan struct{})}
	sock := e.cliDev.NewSocket(peer)
	require.NoError(t, sock.Connect(testEndpoint, nil, nil))
	select {
	case err := <-peer.connected:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timed out connecting")
	}

	buf, err := sock.AcquireSendBuffer(HeaderSize)
	require.NoError(t, err)
	w := NewBatchWriter(buf.Data)
	require.NoError(t, w.Append(NewCorrelationID(1, false), 1, []byte("abcdefgh")))
	// Truncate inside the payload.
	require.NoError(t, sock.Send(buf, HeaderSize+4, 1))

	wait(t, peer.disconnected)
	require.Eventually(t, func() bool { return e.server.Connections() == 0 }, testTimeout, time.Millisecond)
	require.NoError(t, sock.Close())
}
