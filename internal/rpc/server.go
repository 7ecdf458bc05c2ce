package rpc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmarpc/internal/fiber"
	"github.com/yuuki/rdmarpc/internal/rdma"
)

// ErrorCodeInternal is sent for handler errors that are not a *RemoteError.
const ErrorCodeInternal uint64 = 1

// Request is an incoming call.
type Request struct {
	ID      uint64
	Type    uint32
	Payload []byte
	Async   bool
}

// HandlerFunc serves one request on its own fiber. It may suspend f. A
// returned *RemoteError is sent with its code, any other error with
// ErrorCodeInternal.
type HandlerFunc func(f *fiber.Fiber, req Request) (typ uint32, payload []byte, err error)

// Server accepts connections on a listening socket and runs a fiber per
// request. Synchronous replies leave in request order even when handlers
// finish out of order; asynchronous replies are sent as soon as they are
// ready.
type Server struct {
	rdma.BaseHandler

	dev      *rdma.DeviceContext
	handler  HandlerFunc
	opts     Options
	listener *rdma.Socket

	mu     sync.Mutex
	pools  map[*rdma.CompletionContext]*fiber.Pool
	conns  map[*serverConn]struct{}
	closed bool
}

// NewServer returns a server dispatching requests to h. Listen starts it.
func NewServer(dev *rdma.DeviceContext, h HandlerFunc, opts Options) *Server {
	return &Server{
		dev:     dev,
		handler: h,
		opts:    opts.withDefaults(),
		pools:   make(map[*rdma.CompletionContext]*fiber.Pool),
		conns:   make(map[*serverConn]struct{}),
	}
}

// Listen binds endpoint and starts accepting connections.
func (s *Server) Listen(endpoint string, backlog int) error {
	s.listener = s.dev.NewSocket(s)
	if err := s.listener.Open(); err != nil {
		return err
	}
	if err := s.listener.Bind(endpoint); err != nil {
		_ = s.listener.Close()
		return err
	}
	if err := s.listener.Listen(backlog); err != nil {
		_ = s.listener.Close()
		return err
	}
	return nil
}

// OnConnectRequest accepts every request on the next completion context.
func (s *Server) OnConnectRequest(req *rdma.Socket, _ []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = req.Reject(nil)
		_ = req.Close()
		return
	}
	cc := s.dev.NextCompletionContext()
	c := &serverConn{
		srv:     s,
		sock:    req,
		pool:    s.poolLocked(cc),
		replies: queue.New(),
	}
	c.batch = newBatcher(req, s.opts.BatchCount, c.fail)
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	req.SetHandler(c)
	if err := req.Accept(nil, cc); err != nil {
		log.Error().Err(err).Msg("Failed to accept connection")
		s.forget(c)
		_ = req.Close()
	}
}

func (s *Server) poolLocked(cc *rdma.CompletionContext) *fiber.Pool {
	p, ok := s.pools[cc]
	if !ok {
		p = fiber.NewPool(cc, s.opts.FiberCache)
		s.pools[cc] = p
	}
	return p
}

func (s *Server) forget(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Connections counts accepted connections that have not yet disconnected.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops listening and disconnects every connection. Fiber pools are
// closed; handlers still suspended are reported.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	pools := make([]*fiber.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	var errs []error
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
	}
	for _, c := range conns {
		errs = append(errs, c.sock.Close())
	}
	for _, p := range pools {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

type pendingReply struct {
	id      uint64
	typ     uint32
	payload []byte
	ready   bool
}

// serverConn is the handler of one accepted socket. It runs on the
// socket's completion context.
type serverConn struct {
	rdma.BaseHandler

	srv     *Server
	sock    *rdma.Socket
	pool    *fiber.Pool
	batch   *batcher
	replies *queue.Queue
	closed  bool
}

func (c *serverConn) OnConnected(_ []byte, err error) {
	if err != nil {
		c.closed = true
		c.srv.forget(c)
		_ = c.sock.Close()
		return
	}
	log.Debug().Str("remote", c.sock.RemoteEndpoint()).Uint32("qpn", c.sock.QPN()).Msg("RPC connection established")
}

func (c *serverConn) OnReceive(buf *rdma.Buffer, n int, err error) {
	if err != nil {
		if !c.closed {
			log.Warn().Err(err).Uint32("qpn", c.sock.QPN()).Msg("Receive failed")
		}
		return
	}
	r := NewBatchReader(buf.Data[:n])
	for {
		m, err := r.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			c.fail(err)
			return
		}
		c.serve(m)
	}
}

func (c *serverConn) serve(m Message) {
	_, async := ParseCorrelationID(m.ID)
	req := Request{
		ID:      m.ID,
		Type:    m.Type,
		Payload: append([]byte(nil), m.Payload...),
		Async:   async,
	}
	var r *pendingReply
	if !async {
		r = &pendingReply{id: m.ID}
		c.replies.Add(r)
	}
	err := c.pool.Go(func(f *fiber.Fiber) {
		typ, payload, err := c.srv.handler(f, req)
		if err != nil {
			typ, payload = ErrorMessageType, encodeErrorPayload(errorCode(err))
		}
		if c.closed {
			return
		}
		if async {
			c.send(req.ID, typ, payload)
			return
		}
		r.typ, r.payload, r.ready = typ, payload, true
		c.releaseReplies()
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to start request fiber")
		if r != nil {
			r.typ, r.payload, r.ready = ErrorMessageType, encodeErrorPayload(ErrorCodeInternal), true
			c.releaseReplies()
		}
	}
}

func errorCode(err error) uint64 {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrorCodeInternal
}

// releaseReplies sends the synchronous replies that are ready, stopping at
// the first one still being served.
func (c *serverConn) releaseReplies() {
	for c.replies.Length() > 0 {
		r := c.replies.Peek().(*pendingReply)
		if !r.ready {
			return
		}
		c.replies.Remove()
		c.send(r.id, r.typ, r.payload)
	}
}

func (c *serverConn) send(id uint64, typ uint32, payload []byte) {
	if err := c.batch.enqueue(id, typ, payload); err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			log.Warn().Err(err).Uint64("id", id).Msg("Reply too large, sending error")
			err = c.batch.enqueue(id, ErrorMessageType, encodeErrorPayload(ErrorCodeInternal))
		}
		if err != nil {
			c.fail(fmt.Errorf("queue reply: %w", err))
		}
	}
}

func (c *serverConn) OnSend(_ uint32, err error) {
	if err != nil && !c.closed {
		c.fail(fmt.Errorf("send batch: %w", err))
	}
}

func (c *serverConn) fail(err error) {
	if c.closed {
		return
	}
	log.Error().Err(err).Uint32("qpn", c.sock.QPN()).Str("remote", c.sock.RemoteEndpoint()).Msg("RPC connection failed")
	if derr := c.sock.Disconnect(); derr != nil && !errors.Is(derr, rdma.ErrNotConnected) {
		log.Warn().Err(derr).Msg("Disconnect after protocol error failed")
	}
}

func (c *serverConn) OnDisconnect() {
	c.batch.discard()
}

func (c *serverConn) OnDisconnected() {
	c.closed = true
	c.batch.discard()
	c.replies = queue.New()
	c.srv.forget(c)
	_ = c.sock.Close()
}
