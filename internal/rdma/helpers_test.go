package rdma

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func testLimits() Limits {
	l := DefaultLimits()
	l.RecvBuffers = 16
	l.SendBuffers = 16
	l.BufferSize = 256
	l.IdleCycles = 10
	l.CQDepth = 64
	return l
}

func openTestDevice(t *testing.T, b Backend, name string) *DeviceContext {
	t.Helper()
	d, err := OpenDevice(b, name, testLimits())
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("close %s: %v", name, err)
		}
	})
	return d
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

// recorder captures every handler callback.
type recorder struct {
	connected    chan connectResult
	received     chan []byte
	sent         chan uint32
	sendErrs     chan error
	reads        chan uint32
	writes       chan uint32
	immediates   chan uint32
	disconnect   atomic.Int32
	disconnected atomic.Int32
	done         chan struct{}
	doneOnce     sync.Once
}

type connectResult struct {
	data []byte
	err  error
}

func newRecorder() *recorder {
	return &recorder{
		connected:  make(chan connectResult, 4),
		received:   make(chan []byte, 64),
		sent:       make(chan uint32, 64),
		sendErrs:   make(chan error, 64),
		reads:      make(chan uint32, 16),
		writes:     make(chan uint32, 16),
		immediates: make(chan uint32, 16),
		done:       make(chan struct{}),
	}
}

func (r *recorder) OnConnected(data []byte, err error) {
	r.connected <- connectResult{data: append([]byte(nil), data...), err: err}
}

func (r *recorder) OnReceive(buf *Buffer, n int, err error) {
	if err != nil {
		return
	}
	r.received <- append([]byte(nil), buf.Data[:n]...)
}

func (r *recorder) OnSend(userID uint32, err error) {
	if err != nil {
		r.sendErrs <- err
		return
	}
	r.sent <- userID
}

func (r *recorder) OnRead(userID uint32, _ uint16, err error) {
	if err == nil {
		r.reads <- userID
	}
}

func (r *recorder) OnWrite(userID uint32, _ uint16, err error) {
	if err == nil {
		r.writes <- userID
	}
}

func (r *recorder) OnImmediate(v uint32) { r.immediates <- v }
func (r *recorder) OnDisconnect()        { r.disconnect.Add(1) }

func (r *recorder) OnDisconnected() {
	r.disconnected.Add(1)
	r.doneOnce.Do(func() { close(r.done) })
}

// acceptor is a listening handler that accepts or rejects every request.
type acceptor struct {
	BaseHandler
	reply    []byte
	reject   bool
	accepted chan *Socket
	peers    chan *recorder
	requests chan []byte
}

func newAcceptor() *acceptor {
	return &acceptor{
		accepted: make(chan *Socket, 4),
		peers:    make(chan *recorder, 4),
		requests: make(chan []byte, 4),
	}
}

func (a *acceptor) OnConnectRequest(req *Socket, data []byte) {
	a.requests <- append([]byte(nil), data...)
	if a.reject {
		_ = req.Reject(a.reply)
		_ = req.Close()
		return
	}
	rec := newRecorder()
	req.SetHandler(rec)
	if err := req.Accept(a.reply, nil); err != nil {
		panic(err)
	}
	a.accepted <- req
	a.peers <- rec
}

type testPair struct {
	backend  *SimBackend
	server   *DeviceContext
	client   *DeviceContext
	listener *Socket
	acceptor *acceptor
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	b := NewSimBackend()
	require.NoError(t, b.Init())
	p := &testPair{backend: b, acceptor: newAcceptor()}
	p.server = openTestDevice(t, b, "sim0")
	p.client = openTestDevice(t, b, "sim1")

	p.listener = p.server.NewSocket(p.acceptor)
	require.NoError(t, p.listener.Open())
	require.NoError(t, p.listener.Bind("10.0.0.1:7471"))
	require.NoError(t, p.listener.Listen(8))
	return p
}

// connect dials the listener and waits until both ends are established.
func (p *testPair) connect(t *testing.T, data []byte) (cli *Socket, cliRec *recorder, srv *Socket, srvRec *recorder) {
	t.Helper()
	cliRec = newRecorder()
	cli = p.client.NewSocket(cliRec)
	require.NoError(t, cli.Open())
	require.NoError(t, cli.Connect("10.0.0.1:7471", data, nil))

	srv = recv(t, p.acceptor.accepted)
	srvRec = recv(t, p.acceptor.peers)
	res := recv(t, cliRec.connected)
	require.NoError(t, res.err)
	res = recv(t, srvRec.connected)
	require.NoError(t, res.err)
	require.Eventually(t, func() bool { return srv.State() == StateConnected }, testTimeout, time.Millisecond)
	require.Equal(t, StateConnected, cli.State())
	return cli, cliRec, srv, srvRec
}
