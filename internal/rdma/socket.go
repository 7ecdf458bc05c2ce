package rdma

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrAlreadyOpen is returned by Open on a socket that already has a cm id.
var ErrAlreadyOpen = errors.New("socket already open")

// Socket is one reliable connected endpoint. Connection manager events and
// completions for a socket are delivered to its Handler on the goroutine of
// the completion context it was connected or accepted on.
//
// A socket holds one reference for the application, released by Close, and
// one for the completion context while its queue pair is registered. Native
// resources are freed when both are gone.
type Socket struct {
	dev     *DeviceContext
	handler Handler
	id      CMID
	opened  bool
	qpn     uint32

	cc    atomic.Pointer[CompletionContext]
	state atomic.Int32
	refs  atomic.Int32

	// pending counts completions dispatched but not yet handled.
	pending atomic.Int32

	registered     bool
	closeRequested atomic.Bool
	freed          atomic.Bool

	localEndpoint  string
	remoteEndpoint string
	connectData    []byte
}

// NewSocket creates a socket in state OPEN. h may be nil and set later
// with SetHandler.
func (d *DeviceContext) NewSocket(h Handler) *Socket {
	if h == nil {
		h = BaseHandler{}
	}
	s := &Socket{dev: d, handler: h}
	s.refs.Store(1)
	return s
}

// SetHandler replaces the event handler. It must be called before Connect
// or Accept.
func (s *Socket) SetHandler(h Handler) {
	if h == nil {
		h = BaseHandler{}
	}
	s.handler = h
}

// State returns the current connection state.
func (s *Socket) State() State { return State(s.state.Load()) }

// QPN returns the queue pair number once the socket is connecting.
func (s *Socket) QPN() uint32 { return s.qpn }

// LocalEndpoint is the address given to Bind.
func (s *Socket) LocalEndpoint() string { return s.localEndpoint }

// RemoteEndpoint is the address given to Connect, or the peer of an
// accepted socket.
func (s *Socket) RemoteEndpoint() string { return s.remoteEndpoint }

// CompletionContext returns the context the socket is bound to, or nil
// before Connect or Accept.
func (s *Socket) CompletionContext() *CompletionContext { return s.cc.Load() }

func (s *Socket) Device() *DeviceContext { return s.dev }

// Open creates the connection manager id.
func (s *Socket) Open() error {
	if s.opened {
		log.Error().Msg("Socket opened twice")
		return ErrAlreadyOpen
	}
	id, err := s.dev.backend.CreateID(s.dev.cmChannel)
	if err != nil {
		return fmt.Errorf("create cm id: %w", err)
	}
	s.id = id
	s.opened = true
	s.dev.track(s)
	return nil
}

// Bind sets the local address an open socket listens on.
func (s *Socket) Bind(endpoint string) error {
	if !s.opened || s.State() != StateOpen {
		return ErrInvalidState
	}
	if err := s.dev.backend.BindAddr(s.id, endpoint); err != nil {
		return fmt.Errorf("bind %s: %w", endpoint, err)
	}
	s.localEndpoint = endpoint
	return nil
}

// Listen starts accepting connection requests. The socket's handler should
// implement ConnectRequestHandler; requests are rejected otherwise.
func (s *Socket) Listen(backlog int) error {
	if !s.opened || !s.state.CompareAndSwap(int32(StateOpen), int32(StateListening)) {
		return ErrInvalidState
	}
	if err := s.dev.backend.Listen(s.id, backlog); err != nil {
		s.state.Store(int32(StateOpen))
		return fmt.Errorf("listen on %s: %w", s.localEndpoint, err)
	}
	log.Info().Str("device", s.dev.name).Str("endpoint", s.localEndpoint).Msg("Listening for connections")
	return nil
}

// Connect starts an active connection to endpoint. Completion is reported
// through Handler.OnConnected on cc, or on the next context in round-robin
// order when cc is nil.
func (s *Socket) Connect(endpoint string, privateData []byte, cc *CompletionContext) error {
	if !s.opened {
		if err := s.Open(); err != nil {
			return err
		}
	}
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateConnecting)) {
		return ErrInvalidState
	}
	if cc == nil {
		cc = s.dev.NextCompletionContext()
	}
	s.cc.Store(cc)
	s.remoteEndpoint = endpoint
	s.connectData = append([]byte(nil), privateData...)
	s.dev.hook.ConnectionStateChanged(StateConnecting)
	if err := s.dev.backend.ResolveAddr(s.id, endpoint, s.dev.limits.ResolveTimeout); err != nil {
		s.state.Store(int32(StateOpen))
		return fmt.Errorf("resolve %s: %w", endpoint, err)
	}
	return nil
}

// Accept answers a connection request delivered by OnConnectRequest.
func (s *Socket) Accept(privateData []byte, cc *CompletionContext) error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateConnecting)) {
		return ErrInvalidState
	}
	if cc == nil {
		cc = s.dev.NextCompletionContext()
	}
	s.cc.Store(cc)
	s.dev.hook.ConnectionStateChanged(StateConnecting)
	data := append([]byte(nil), privateData...)
	return cc.Post(func() {
		if err := s.setupQP(); err != nil {
			_ = s.dev.backend.Reject(s.id, nil)
			s.connectFailed(nil, err)
			return
		}
		if err := s.dev.backend.Accept(s.id, data); err != nil {
			s.connectFailed(nil, fmt.Errorf("accept: %w", err))
		}
	})
}

// Reject refuses a connection request. The socket must still be closed.
func (s *Socket) Reject(privateData []byte) error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateDisconnected)) {
		return ErrInvalidState
	}
	if err := s.dev.backend.Reject(s.id, privateData); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	return nil
}

// Disconnect begins teardown of a connected socket. Handler.OnDisconnect
// and, once drained, Handler.OnDisconnected follow.
func (s *Socket) Disconnect() error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	return s.cc.Load().Post(s.beginDisconnect)
}

// Close releases the application's reference, disconnecting first when
// connected.
func (s *Socket) Close() error {
	if !s.closeRequested.CompareAndSwap(false, true) {
		return nil
	}
	switch st := s.State(); st {
	case StateOpen, StateListening:
		s.state.Store(int32(StateDisconnected))
	case StateConnected:
		if err := s.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
			log.Warn().Err(err).Uint32("qpn", s.qpn).Msg("Disconnect on close failed")
		}
	}
	s.release()
	return nil
}

// AcquireSendBuffer takes a buffer from the device's send pool.
func (s *Socket) AcquireSendBuffer(length int) (*Buffer, error) {
	return s.dev.sendBuffers.Acquire(length)
}

// ReleaseSendBuffer returns a buffer that was never sent, or was sent
// unsignaled.
func (s *Socket) ReleaseSendBuffer(b *Buffer) error {
	return s.dev.sendBuffers.Release(b)
}

// Send posts a signaled send of the first length bytes of buf. Ownership of
// buf passes to the socket when Send returns nil; it is released after
// OnSend.
func (s *Socket) Send(buf *Buffer, length int, userID uint32) error {
	return s.send(buf, length, userID, true)
}

// SendUnsignaled posts a send without requesting a completion. The caller
// keeps ownership of buf and may only reuse it after a later signaled
// operation on this socket has completed.
func (s *Socket) SendUnsignaled(buf *Buffer, length int, userID uint32) error {
	return s.send(buf, length, userID, false)
}

func (s *Socket) send(buf *Buffer, length int, userID uint32, signaled bool) error {
	if err := checkLength(length, len(buf.Data)); err != nil {
		return err
	}
	bufID := buf.ID
	if !signaled {
		bufID = InvalidBufferID
	}
	return s.post(&SendWR{
		WRID:     WorkID{UserID: userID, BufferID: bufID, Type: WorkSend}.Encode(),
		Opcode:   OpSend,
		SGList:   []SGE{buf.SGE(length)},
		Signaled: signaled,
	})
}

// Read fetches length bytes at offset within remote into local. OnRead
// reports completion; local stays owned by the caller.
func (s *Socket) Read(remote RemoteRegion, offset uint64, local *Buffer, length int, userID uint32) error {
	if err := remote.check(offset, length); err != nil {
		return err
	}
	if err := checkLength(length, len(local.Data)); err != nil {
		return err
	}
	return s.post(&SendWR{
		WRID:       WorkID{UserID: userID, BufferID: local.ID, Type: WorkRead}.Encode(),
		Opcode:     OpRDMARead,
		SGList:     []SGE{local.SGE(length)},
		Signaled:   true,
		RemoteAddr: remote.Addr + offset,
		RKey:       remote.RKey,
	})
}

// Write stores the first length bytes of local at offset within remote.
// OnWrite reports completion; local stays owned by the caller.
func (s *Socket) Write(local *Buffer, length int, remote RemoteRegion, offset uint64, userID uint32) error {
	return s.write(local, length, remote, offset, userID, OpRDMAWrite, 0)
}

// WriteWithImmediate is Write followed by delivery of imm to the peer's
// OnImmediate.
func (s *Socket) WriteWithImmediate(local *Buffer, length int, remote RemoteRegion, offset uint64, userID, imm uint32) error {
	return s.write(local, length, remote, offset, userID, OpRDMAWriteWithImm, imm)
}

func (s *Socket) write(local *Buffer, length int, remote RemoteRegion, offset uint64, userID uint32, op SendOpcode, imm uint32) error {
	if err := remote.check(offset, length); err != nil {
		return err
	}
	if err := checkLength(length, len(local.Data)); err != nil {
		return err
	}
	return s.post(&SendWR{
		WRID:       WorkID{UserID: userID, BufferID: local.ID, Type: WorkWrite}.Encode(),
		Opcode:     op,
		SGList:     []SGE{local.SGE(length)},
		Signaled:   true,
		RemoteAddr: remote.Addr + offset,
		RKey:       remote.RKey,
		ImmData:    imm,
	})
}

func (s *Socket) post(wr *SendWR) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if err := s.dev.backend.PostSend(s.id, wr); err != nil {
		return fmt.Errorf("post send on qp 0x%x: %w", s.qpn, err)
	}
	return nil
}

// deliverCM routes a connection manager event to the socket's completion
// context, or handles it inline before one is assigned.
func (s *Socket) deliverCM(ev CMEvent) {
	cc := s.cc.Load()
	if cc == nil {
		s.handleCM(ev)
		return
	}
	if err := cc.Post(func() { s.handleCM(ev) }); err != nil {
		log.Debug().Err(err).Stringer("event", ev.Type).Msg("Dropped connection event")
	}
}

func (s *Socket) handleCM(ev CMEvent) {
	if s.freed.Load() {
		return
	}
	log.Debug().
		Str("device", s.dev.name).
		Uint32("qpn", s.qpn).
		Stringer("event", ev.Type).
		Stringer("state", s.State()).
		Msg("Connection event")

	switch ev.Type {
	case CMEventAddrResolved:
		if err := s.dev.backend.ResolveRoute(s.id, s.dev.limits.ResolveTimeout); err != nil {
			s.connectFailed(nil, fmt.Errorf("resolve route: %w", err))
		}
	case CMEventRouteResolved:
		if err := s.setupQP(); err != nil {
			s.connectFailed(nil, err)
			return
		}
		if err := s.dev.backend.Connect(s.id, s.connectData); err != nil {
			s.connectFailed(nil, fmt.Errorf("connect: %w", err))
		}
	case CMEventAddrError, CMEventRouteError, CMEventConnectError, CMEventUnreachable, CMEventRejected:
		s.connectFailed(ev.PrivateData, &ConnectError{Event: ev.Type, Status: ev.Status})
	case CMEventEstablished:
		if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
			log.Warn().Uint32("qpn", s.qpn).Stringer("state", s.State()).Msg("Established event in unexpected state")
			return
		}
		s.dev.hook.ConnectionStateChanged(StateConnected)
		s.handler.OnConnected(ev.PrivateData, nil)
		if s.closeRequested.Load() {
			s.beginDisconnect()
		}
	case CMEventDisconnected, CMEventDeviceRemoval:
		if s.State() == StateConnecting {
			s.connectFailed(nil, &ConnectError{Event: ev.Type, Status: ev.Status})
			return
		}
		s.beginDisconnect()
	case CMEventTimewaitExit:
		if s.State() == StateConnected {
			s.beginDisconnect()
		}
		if s.registered && s.State() == StateDisconnecting {
			s.cc.Load().scheduleDrain(s)
		}
	default:
		log.Debug().Stringer("event", ev.Type).Msg("Ignoring connection event")
	}
}

// setupQP creates the queue pair and registers it with the completion
// context. It runs on that context's goroutine.
func (s *Socket) setupQP() error {
	cc := s.cc.Load()
	l := s.dev.limits
	qpn, err := s.dev.backend.CreateQP(s.id, s.dev.pd, cc.cq, s.dev.srq, QPCap{
		MaxSendWR:  uint32(l.SendQueueDepth),
		MaxSendSGE: uint32(l.MaxSGE),
		MaxRecvSGE: uint32(l.MaxSGE),
	})
	if err != nil {
		return fmt.Errorf("create queue pair: %w", err)
	}
	s.qpn = qpn
	s.refs.Add(1)
	cc.register(s)
	s.registered = true
	log.Debug().Str("device", s.dev.name).Uint32("qpn", qpn).Int("cc", cc.index).Msg("Queue pair created")
	return nil
}

func (s *Socket) connectFailed(privateData []byte, err error) {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected)) {
		return
	}
	s.dev.hook.ConnectionStateChanged(StateDisconnected)
	log.Warn().Err(err).Str("remote", s.remoteEndpoint).Msg("Connection attempt failed")
	s.handler.OnConnected(privateData, err)
	if s.registered {
		s.teardownQP()
		s.release()
	}
}

func (s *Socket) beginDisconnect() {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		return
	}
	s.dev.hook.ConnectionStateChanged(StateDisconnecting)
	s.handler.OnDisconnect()
	if err := s.dev.backend.Disconnect(s.id); err != nil {
		log.Warn().Err(err).Uint32("qpn", s.qpn).Msg("rdma disconnect failed")
	}
}

func (s *Socket) teardownQP() {
	if !s.registered {
		return
	}
	s.cc.Load().unregister(s)
	s.registered = false
	if err := s.dev.backend.DestroyQP(s.id); err != nil {
		log.Warn().Err(err).Uint32("qpn", s.qpn).Msg("Failed to destroy queue pair")
	}
}

// dispatch invokes the handler for one completion.
func (s *Socket) dispatch(wid WorkID, wc *WorkCompletion) {
	err := wcError(wc, wid.Type)
	switch wid.Type {
	case WorkReceive:
		buf, ok := s.dev.recvBuffers.Buffer(wid.BufferID)
		if !ok {
			log.Error().Stringer("work", wid).Msg("Receive completion for unknown buffer")
			return
		}
		if err == nil && wc.HasImm {
			s.handler.OnImmediate(wc.ImmData)
			if wc.ByteLen > 0 {
				s.handler.OnReceive(buf, int(wc.ByteLen), nil)
			}
		} else {
			s.handler.OnReceive(buf, int(wc.ByteLen), err)
		}
		s.dev.repostRecv(wid.BufferID)
	case WorkSend:
		s.handler.OnSend(wid.UserID, err)
		if wid.BufferID != InvalidBufferID {
			_ = s.dev.sendBuffers.ReleaseID(wid.BufferID)
		}
	case WorkRead:
		s.handler.OnRead(wid.UserID, wid.BufferID, err)
	case WorkWrite:
		s.handler.OnWrite(wid.UserID, wid.BufferID, err)
	default:
		log.Warn().Uint64("wr_id", wc.WRID).Uint32("qpn", s.qpn).Msg("Completion with unknown work type")
	}
}

// release drops one reference and frees native resources on the last.
func (s *Socket) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	if !s.freed.CompareAndSwap(false, true) {
		return
	}
	if st := s.State(); st != StateDisconnected {
		s.state.Store(int32(StateDisconnected))
	}
	if s.opened {
		s.dev.untrack(s)
		if err := s.dev.backend.DestroyID(s.id); err != nil {
			log.Warn().Err(err).Msg("Failed to destroy cm id")
		}
	}
	s.dev.freed.Add(1)
	s.dev.hook.SocketFreed()
}

// Freed reports whether native resources have been released.
func (s *Socket) Freed() bool { return s.freed.Load() }
