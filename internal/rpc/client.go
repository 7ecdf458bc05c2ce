package rpc

import (
	"errors"
	"fmt"
	"io"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmarpc/internal/fiber"
	"github.com/yuuki/rdmarpc/internal/rdma"
)

var (
	ErrConnectionAborted = errors.New("connection aborted")
	ErrNotConnected      = errors.New("rpc client not connected")
	ErrCorrelationInUse  = errors.New("asynchronous request id still pending")
	ErrUnexpectedReply   = errors.New("response without pending request")
)

// Response is a reply to a request.
type Response struct {
	Type    uint32
	Payload []byte
}

// ResponseFunc receives the outcome of an asynchronous call.
type ResponseFunc func(Response, error)

type pendingCall struct {
	fiber *fiber.Fiber
	cb    ResponseFunc
	resp  Response
	err   error
}

// Options tunes clients and servers.
type Options struct {
	// BatchCount caps the messages per send buffer.
	BatchCount int
	// FiberCache is the number of idle fibers kept per completion context.
	FiberCache int
}

func (o Options) withDefaults() Options {
	if o.BatchCount <= 0 {
		o.BatchCount = DefaultBatchCount
	}
	if o.FiberCache <= 0 {
		o.FiberCache = fiber.DefaultCacheSize
	}
	return o
}

// Client issues requests over one connection. Apart from Post, Close and
// Stats, its methods must run on the completion context the client was
// created with, typically inside a fiber from that context's pool.
//
// Synchronous calls are matched to responses in the order they were sent.
// Asynchronous calls carry a 32-bit id drawn from a counter that wraps
// after 2^32 calls; a call whose id is still pending after a wrap fails
// with ErrCorrelationInUse.
type Client struct {
	rdma.BaseHandler

	cc    *rdma.CompletionContext
	sock  *rdma.Socket
	batch *batcher

	connected bool
	aborted   bool
	onConnect func(data []byte, err error)

	nextID uint32
	sync   *queue.Queue
	async  map[uint32]*pendingCall
}

// NewClient creates an unconnected client bound to cc.
func NewClient(dev *rdma.DeviceContext, cc *rdma.CompletionContext, opts Options) *Client {
	opts = opts.withDefaults()
	if cc == nil {
		cc = dev.NextCompletionContext()
	}
	c := &Client{
		cc:    cc,
		sync:  queue.New(),
		async: make(map[uint32]*pendingCall),
	}
	c.sock = dev.NewSocket(c)
	c.batch = newBatcher(c.sock, opts.BatchCount, c.protocolError)
	return c
}

// Post runs task on the client's completion context.
func (c *Client) Post(task func()) error { return c.cc.Post(task) }

// Socket returns the underlying connection.
func (c *Client) Socket() *rdma.Socket                       { return c.sock }
func (c *Client) CompletionContext() *rdma.CompletionContext { return c.cc }

// Connect dials endpoint and suspends f until the connection is
// established or fails. It returns the private data sent by the server.
func (c *Client) Connect(f *fiber.Fiber, endpoint string, privateData []byte) ([]byte, error) {
	var (
		reply []byte
		cerr  error
	)
	err := c.ConnectAsync(endpoint, privateData, func(data []byte, err error) {
		reply, cerr = data, err
		_ = f.Resume()
	})
	if err != nil {
		return nil, err
	}
	if err := f.Wait(); err != nil {
		return nil, err
	}
	return reply, cerr
}

// ConnectAsync dials endpoint and reports the outcome to cb on the
// completion context.
func (c *Client) ConnectAsync(endpoint string, privateData []byte, cb func(data []byte, err error)) error {
	c.onConnect = cb
	if err := c.sock.Connect(endpoint, privateData, c.cc); err != nil {
		c.onConnect = nil
		return err
	}
	return nil
}

// Call sends a synchronous request and suspends f until its response
// arrives.
func (c *Client) Call(f *fiber.Fiber, typ uint32, payload []byte) (Response, error) {
	if err := c.ready(); err != nil {
		return Response{}, err
	}
	if err := c.batch.enqueue(NewCorrelationID(c.next(), false), typ, payload); err != nil {
		return Response{}, err
	}
	p := &pendingCall{fiber: f}
	c.sync.Add(p)
	if err := f.Wait(); err != nil {
		return Response{}, err
	}
	return p.resp, p.err
}

// CallAsync sends an asynchronous request. cb runs on the completion
// context with the response, a *RemoteError or ErrConnectionAborted.
func (c *Client) CallAsync(typ uint32, payload []byte, cb ResponseFunc) error {
	if err := c.ready(); err != nil {
		return err
	}
	id := c.next()
	if _, busy := c.async[id]; busy {
		return fmt.Errorf("%w: %d", ErrCorrelationInUse, id)
	}
	if err := c.batch.enqueue(NewCorrelationID(id, true), typ, payload); err != nil {
		return err
	}
	c.async[id] = &pendingCall{cb: cb}
	return nil
}

// Flush sends the batch being built without waiting for the end of the
// poll round.
func (c *Client) Flush() { c.batch.flush() }

// Pending counts requests awaiting a response.
func (c *Client) Pending() int { return c.sync.Length() + len(c.async) }

// Stats is safe only on the completion context.
func (c *Client) Stats() BatchStats { return c.batch.stats }

// Close disconnects and releases the socket. Pending calls fail with
// ErrConnectionAborted.
func (c *Client) Close() error { return c.sock.Close() }

func (c *Client) ready() error {
	if c.aborted {
		return ErrConnectionAborted
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) next() uint32 {
	c.nextID++
	return c.nextID
}

// OnConnected implements rdma.Handler.
func (c *Client) OnConnected(data []byte, err error) {
	if err == nil {
		c.connected = true
	} else {
		c.aborted = true
	}
	if cb := c.onConnect; cb != nil {
		c.onConnect = nil
		cb(append([]byte(nil), data...), err)
	}
}

// OnReceive completes the calls answered in the received batch.
func (c *Client) OnReceive(buf *rdma.Buffer, n int, err error) {
	if err != nil {
		if !c.aborted {
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
			c.protocolError(err)
			return
		}
		if err := c.resolve(m); err != nil {
			c.protocolError(err)
			return
		}
	}
}

func (c *Client) resolve(m Message) error {
	resp := Response{Type: m.Type}
	var rerr error
	if m.Type == ErrorMessageType {
		re, err := decodeErrorPayload(m.Payload)
		if err != nil {
			return err
		}
		rerr = re
	} else {
		resp.Payload = append([]byte(nil), m.Payload...)
	}

	userID, async := ParseCorrelationID(m.ID)
	if async {
		p, ok := c.async[userID]
		if !ok {
			return fmt.Errorf("%w: asynchronous id %d", ErrUnexpectedReply, userID)
		}
		delete(c.async, userID)
		p.cb(resp, rerr)
		return nil
	}
	if c.sync.Length() == 0 {
		return fmt.Errorf("%w: synchronous id %d", ErrUnexpectedReply, userID)
	}
	p := c.sync.Remove().(*pendingCall)
	p.resp, p.err = resp, rerr
	return p.fiber.Resume()
}

func (c *Client) OnSend(_ uint32, err error) {
	if err != nil && !c.aborted {
		c.protocolError(fmt.Errorf("send batch: %w", err))
	}
}

// protocolError tears the connection down. Pending calls are aborted once
// the socket has drained.
func (c *Client) protocolError(err error) {
	if c.aborted {
		return
	}
	log.Error().Err(err).Uint32("qpn", c.sock.QPN()).Str("remote", c.sock.RemoteEndpoint()).Msg("RPC connection failed")
	if derr := c.sock.Disconnect(); derr != nil && !errors.Is(derr, rdma.ErrNotConnected) {
		log.Warn().Err(derr).Msg("Disconnect after protocol error failed")
	}
}

func (c *Client) OnDisconnect() {
	c.batch.discard()
}

// OnDisconnected fails every call still in flight.
func (c *Client) OnDisconnected() {
	if c.aborted {
		return
	}
	c.aborted = true
	c.connected = false
	c.batch.discard()

	async := c.async
	c.async = make(map[uint32]*pendingCall)
	var waiting []*pendingCall
	for c.sync.Length() > 0 {
		waiting = append(waiting, c.sync.Remove().(*pendingCall))
	}
	log.Debug().
		Int("sync", len(waiting)).
		Int("async", len(async)).
		Str("remote", c.sock.RemoteEndpoint()).
		Msg("Aborting pending calls")
	for _, p := range waiting {
		p.err = ErrConnectionAborted
		if err := p.fiber.Resume(); err != nil {
			log.Error().Err(err).Msg("Failed to resume aborted call")
		}
	}
	for _, p := range async {
		p.cb(Response{}, ErrConnectionAborted)
	}
}
