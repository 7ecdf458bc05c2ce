package rdma

import (
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
)

func init() {
	RegisterBackend("sim", func() Backend { return NewSimBackend() })
}

// Connection-manager status codes reported by the simulated fabric.
const (
	simStatusHostUnreachable = -113
	simStatusInvalidService  = 8
	simStatusConsumerReject  = 28
)

// SimBackend is an in-process RDMA fabric. Every device opened on the same
// SimBackend can reach listeners bound on any other device of that backend.
// Data movement happens synchronously inside PostSend; completions are
// delivered through completion queues exactly as a NIC would.
type SimBackend struct {
	mu          sync.Mutex
	devices     []DeviceInfo
	initialized bool
	nextHandle  uintptr
	nextQPN     uint32
	nextKey     uint32

	contexts    map[ContextHandle]string
	pds         map[PDHandle]ContextHandle
	mrs         map[MRHandle]*simMR
	keys        map[uint32]*simMR
	cqs         map[CQHandle]*simCQ
	srqs        map[SRQHandle]*simSRQ
	channels    map[ChannelHandle]*simChannel
	ids         map[CMID]*simID
	listeners   map[string]*simID
	unreachable map[string]bool
}

type simMR struct {
	handle MRHandle
	pd     PDHandle
	buf    []byte
	addr   uint64
	key    uint32
	access AccessFlag
}

type simCQ struct {
	depth    int
	entries  []WorkCompletion
	armed    bool
	fd       int
	overflow bool
}

type simSRQ struct {
	pd     PDHandle
	maxWR  int
	posted []RecvWR
	parked []simDelivery
}

// simDelivery is a send waiting for a receive buffer on the peer's SRQ.
type simDelivery struct {
	from    *simID
	deliver func(RecvWR)
	flush   func()
}

type simChannel struct {
	events []CMEvent
	fd     int
}

type simID struct {
	handle       CMID
	ch           *simChannel
	local        string
	remote       string
	listening    bool
	qp           *simQP
	peer         *simID
	connected    bool
	disconnected bool
	connectData  []byte
}

type simQP struct {
	qpn uint32
	pd  PDHandle
	cq  *simCQ
	srq *simSRQ
	cap QPCap
}

// NewSimBackend creates a simulated fabric exposing the named devices, or
// "sim0" and "sim1" when none are given.
func NewSimBackend(devices ...string) *SimBackend {
	if len(devices) == 0 {
		devices = []string{"sim0", "sim1"}
	}
	b := &SimBackend{nextQPN: 0x100, nextKey: 0x1000}
	for i, name := range devices {
		b.devices = append(b.devices, DeviceInfo{
			Name:        name,
			GUID:        0x0002c90300000000 | uint64(i+1),
			VendorID:    0x02c9,
			PhysPortCnt: 1,
			FWVersion:   "sim",
		})
	}
	b.reset()
	return b
}

func (b *SimBackend) reset() {
	b.contexts = make(map[ContextHandle]string)
	b.pds = make(map[PDHandle]ContextHandle)
	b.mrs = make(map[MRHandle]*simMR)
	b.keys = make(map[uint32]*simMR)
	b.cqs = make(map[CQHandle]*simCQ)
	b.srqs = make(map[SRQHandle]*simSRQ)
	b.channels = make(map[ChannelHandle]*simChannel)
	b.ids = make(map[CMID]*simID)
	b.listeners = make(map[string]*simID)
	b.unreachable = make(map[string]bool)
}

func (b *SimBackend) Name() string { return "sim" }

// Init resets the fabric, dropping every object created so far.
func (b *SimBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	return nil
}

func (b *SimBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cq := range b.cqs {
		closeFD(cq.fd)
	}
	for _, ch := range b.channels {
		closeFD(ch.fd)
	}
	b.reset()
	b.initialized = false
	return nil
}

// SetUnreachable makes address resolution of host fail.
func (b *SimBackend) SetUnreachable(host string, unreachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable[host] = unreachable
}

func (b *SimBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func (b *SimBackend) GetDeviceList() ([]DeviceInfo, error) {
	out := make([]DeviceInfo, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *SimBackend) OpenDevice(name string) (ContextHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.Name == name {
			h := ContextHandle(b.handle())
			b.contexts[h] = name
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

func (b *SimBackend) CloseDevice(ctx ContextHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contexts[ctx]; !ok {
		return ErrInvalidHandle
	}
	delete(b.contexts, ctx)
	return nil
}

func (b *SimBackend) AllocPD(ctx ContextHandle) (PDHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrInvalidHandle
	}
	h := PDHandle(b.handle())
	b.pds[h] = ctx
	return h, nil
}

func (b *SimBackend) DeallocPD(pd PDHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pds[pd]; !ok {
		return ErrInvalidHandle
	}
	for _, mr := range b.mrs {
		if mr.pd == pd {
			return fmt.Errorf("dealloc pd: memory region 0x%x still registered", mr.key)
		}
	}
	delete(b.pds, pd)
	return nil
}

func (b *SimBackend) RegMR(pd PDHandle, buf []byte, access AccessFlag) (MRInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pds[pd]; !ok {
		return MRInfo{}, ErrInvalidHandle
	}
	if len(buf) == 0 {
		return MRInfo{}, fmt.Errorf("register empty memory region")
	}
	b.nextKey++
	mr := &simMR{
		handle: MRHandle(b.handle()),
		pd:     pd,
		buf:    buf,
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		key:    b.nextKey,
		access: access,
	}
	b.mrs[mr.handle] = mr
	b.keys[mr.key] = mr
	return MRInfo{Handle: mr.handle, Addr: mr.addr, Length: len(buf), LKey: mr.key, RKey: mr.key}, nil
}

func (b *SimBackend) DeregMR(h MRHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mr, ok := b.mrs[h]
	if !ok {
		return ErrInvalidHandle
	}
	delete(b.mrs, h)
	delete(b.keys, mr.key)
	return nil
}

func (b *SimBackend) CreateCQ(ctx ContextHandle, depth int) (CQHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrInvalidHandle
	}
	fd, err := newEventFD()
	if err != nil {
		return 0, err
	}
	h := CQHandle(b.handle())
	b.cqs[h] = &simCQ{depth: depth, fd: fd}
	return h, nil
}

// DestroyCQ fails with ErrResourceBusy while a queue pair is attached.
func (b *SimBackend) DestroyCQ(h CQHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cq, ok := b.cqs[h]
	if !ok {
		return ErrInvalidHandle
	}
	for _, id := range b.ids {
		if id.qp != nil && id.qp.cq == cq {
			return fmt.Errorf("destroy cq: %w: queue pair 0x%x attached", ErrResourceBusy, id.qp.qpn)
		}
	}
	closeFD(cq.fd)
	delete(b.cqs, h)
	return nil
}

func (b *SimBackend) PollCQ(h CQHandle, wc []WorkCompletion) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cq, ok := b.cqs[h]
	if !ok {
		return -1, ErrInvalidHandle
	}
	n := copy(wc, cq.entries)
	cq.entries = cq.entries[n:]
	if len(cq.entries) == 0 {
		cq.entries = nil
	}
	return n, nil
}

func (b *SimBackend) CQWakeFD(h CQHandle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cq, ok := b.cqs[h]; ok {
		return cq.fd
	}
	return -1
}

func (b *SimBackend) ReqNotifyCQ(h CQHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cq, ok := b.cqs[h]
	if !ok {
		return ErrInvalidHandle
	}
	cq.armed = true
	return nil
}

func (b *SimBackend) AckCQEvents(h CQHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cq, ok := b.cqs[h]
	if !ok {
		return ErrInvalidHandle
	}
	drainEventFD(cq.fd)
	return nil
}

func (cq *simCQ) push(wc WorkCompletion) {
	if len(cq.entries) >= cq.depth && !cq.overflow {
		cq.overflow = true
		log.Warn().Int("depth", cq.depth).Msg("Simulated completion queue overflow")
	}
	cq.entries = append(cq.entries, wc)
	if cq.armed {
		cq.armed = false
		if err := signalEventFD(cq.fd); err != nil {
			log.Error().Err(err).Msg("Failed to signal completion queue")
		}
	}
}

func (b *SimBackend) CreateSRQ(pd PDHandle, maxWR, maxSGE int) (SRQHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pds[pd]; !ok {
		return 0, ErrInvalidHandle
	}
	h := SRQHandle(b.handle())
	b.srqs[h] = &simSRQ{pd: pd, maxWR: maxWR}
	return h, nil
}

// DestroySRQ fails with ErrResourceBusy while a queue pair is attached.
func (b *SimBackend) DestroySRQ(h SRQHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.srqs[h]; !ok {
		return ErrInvalidHandle
	}
	for _, id := range b.ids {
		if id.qp != nil && id.qp.srq == b.srqs[h] {
			return fmt.Errorf("destroy srq: %w: queue pair 0x%x attached", ErrResourceBusy, id.qp.qpn)
		}
	}
	delete(b.srqs, h)
	return nil
}

func (b *SimBackend) PostSRQRecv(h SRQHandle, wr *RecvWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	srq, ok := b.srqs[h]
	if !ok {
		return ErrInvalidHandle
	}
	rwr := RecvWR{WRID: wr.WRID, SGList: append([]SGE(nil), wr.SGList...)}
	if len(srq.parked) > 0 {
		d := srq.parked[0]
		srq.parked = srq.parked[1:]
		d.deliver(rwr)
		return nil
	}
	if len(srq.posted) >= srq.maxWR {
		return fmt.Errorf("post srq recv: queue full (%d)", srq.maxWR)
	}
	srq.posted = append(srq.posted, rwr)
	return nil
}

func (b *SimBackend) CreateEventChannel() (ChannelHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd, err := newEventFD()
	if err != nil {
		return 0, err
	}
	h := ChannelHandle(b.handle())
	b.channels[h] = &simChannel{fd: fd}
	return h, nil
}

func (b *SimBackend) DestroyEventChannel(h ChannelHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[h]
	if !ok {
		return ErrInvalidHandle
	}
	for _, id := range b.ids {
		if id.ch == ch {
			return fmt.Errorf("destroy event channel: cm id %d still attached", id.handle)
		}
	}
	closeFD(ch.fd)
	delete(b.channels, h)
	return nil
}

func (b *SimBackend) EventChannelFD(h ChannelHandle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[h]; ok {
		return ch.fd
	}
	return -1
}

func (b *SimBackend) GetCMEvent(h ChannelHandle) (CMEvent, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[h]
	if !ok {
		return CMEvent{}, false, ErrInvalidHandle
	}
	if len(ch.events) == 0 {
		drainEventFD(ch.fd)
		return CMEvent{}, false, nil
	}
	ev := ch.events[0]
	ch.events = ch.events[1:]
	return ev, true, nil
}

func (ch *simChannel) push(ev CMEvent) {
	ch.events = append(ch.events, ev)
	if err := signalEventFD(ch.fd); err != nil {
		log.Error().Err(err).Msg("Failed to signal event channel")
	}
}

func (b *SimBackend) CreateID(h ChannelHandle) (CMID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[h]
	if !ok {
		return 0, ErrInvalidHandle
	}
	return b.newID(ch).handle, nil
}

func (b *SimBackend) newID(ch *simChannel) *simID {
	id := &simID{handle: CMID(b.handle()), ch: ch}
	b.ids[id.handle] = id
	return id
}

func (b *SimBackend) DestroyID(h CMID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	if id.listening && b.listeners[id.local] == id {
		delete(b.listeners, id.local)
	}
	if peer := id.peer; peer != nil {
		switch {
		case id.connected:
			b.disconnect(id)
		case !peer.connected && !peer.disconnected:
			// Pending connection request that was never answered.
			peer.ch.push(CMEvent{Type: CMEventRejected, ID: peer.handle, Status: simStatusConsumerReject})
		}
		peer.peer = nil
	}
	delete(b.ids, h)
	return nil
}

func validateEndpoint(endpoint string) (string, error) {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return host, nil
}

func (b *SimBackend) BindAddr(h CMID, endpoint string) error {
	if _, err := validateEndpoint(endpoint); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	id.local = endpoint
	return nil
}

func (b *SimBackend) Listen(h CMID, backlog int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	if id.local == "" {
		return fmt.Errorf("listen: cm id is not bound")
	}
	if other, taken := b.listeners[id.local]; taken && other != id {
		return fmt.Errorf("%w: %s", ErrAddressInUse, id.local)
	}
	id.listening = true
	b.listeners[id.local] = id
	return nil
}

// ResolveAddr completes at once; the timeout is ignored.
func (b *SimBackend) ResolveAddr(h CMID, endpoint string, _ time.Duration) error {
	host, err := validateEndpoint(endpoint)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	id.remote = endpoint
	if b.unreachable[host] {
		id.ch.push(CMEvent{Type: CMEventAddrError, ID: h, Status: simStatusHostUnreachable})
		return nil
	}
	id.ch.push(CMEvent{Type: CMEventAddrResolved, ID: h})
	return nil
}

func (b *SimBackend) ResolveRoute(h CMID, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	if id.remote == "" {
		return fmt.Errorf("resolve route: address not resolved")
	}
	id.ch.push(CMEvent{Type: CMEventRouteResolved, ID: h})
	return nil
}

func (b *SimBackend) CreateQP(h CMID, pd PDHandle, cqh CQHandle, srqh SRQHandle, cap QPCap) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return 0, ErrInvalidHandle
	}
	if id.qp != nil {
		return 0, fmt.Errorf("create qp: cm id already has queue pair 0x%x", id.qp.qpn)
	}
	cq, ok := b.cqs[cqh]
	if !ok {
		return 0, fmt.Errorf("create qp: %w: completion queue", ErrInvalidHandle)
	}
	srq, ok := b.srqs[srqh]
	if !ok {
		return 0, fmt.Errorf("create qp: %w: shared receive queue", ErrInvalidHandle)
	}
	b.nextQPN++
	id.qp = &simQP{qpn: b.nextQPN, pd: pd, cq: cq, srq: srq, cap: cap}
	return id.qp.qpn, nil
}

func (b *SimBackend) DestroyQP(h CMID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok || id.qp == nil {
		return ErrInvalidHandle
	}
	b.flushParked(id)
	id.qp = nil
	return nil
}

// Connect delivers a connect request to the listener bound to the
// resolved endpoint.
func (b *SimBackend) Connect(h CMID, privateData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	if id.qp == nil {
		return fmt.Errorf("connect: cm id has no queue pair")
	}
	lst, ok := b.listeners[id.remote]
	if !ok {
		id.ch.push(CMEvent{Type: CMEventRejected, ID: h, Status: simStatusInvalidService})
		return nil
	}
	srv := b.newID(lst.ch)
	srv.local = lst.local
	srv.remote = id.local
	srv.peer = id
	srv.connectData = append([]byte(nil), privateData...)
	id.peer = srv
	lst.ch.push(CMEvent{
		Type:        CMEventConnectRequest,
		ID:          srv.handle,
		ListenID:    lst.handle,
		PrivateData: append([]byte(nil), privateData...),
	})
	return nil
}

func (b *SimBackend) Accept(h CMID, privateData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	srv, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	if srv.qp == nil {
		return fmt.Errorf("accept: cm id has no queue pair")
	}
	cli := srv.peer
	if cli == nil || cli.connected || cli.disconnected {
		return fmt.Errorf("accept: no pending connection request")
	}
	srv.connected = true
	cli.connected = true
	cli.ch.push(CMEvent{Type: CMEventEstablished, ID: cli.handle, PrivateData: append([]byte(nil), privateData...)})
	srv.ch.push(CMEvent{Type: CMEventEstablished, ID: srv.handle, PrivateData: srv.connectData})
	return nil
}

func (b *SimBackend) Reject(h CMID, privateData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	srv, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	cli := srv.peer
	if cli == nil || cli.connected {
		return fmt.Errorf("reject: no pending connection request")
	}
	cli.ch.push(CMEvent{
		Type:        CMEventRejected,
		ID:          cli.handle,
		Status:      simStatusConsumerReject,
		PrivateData: append([]byte(nil), privateData...),
	})
	cli.peer = nil
	srv.peer = nil
	return nil
}

// Disconnect ends the connection on both sides and flushes sends parked
// on either queue pair.
func (b *SimBackend) Disconnect(h CMID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	if id.disconnected {
		return nil
	}
	if !id.connected {
		return fmt.Errorf("disconnect: cm id is not connected")
	}
	b.disconnect(id)
	return nil
}

// disconnect tears down both ends of a connection. Each side observes
// DISCONNECTED followed by TIMEWAIT_EXIT.
func (b *SimBackend) disconnect(id *simID) {
	ends := []*simID{id}
	if id.peer != nil {
		ends = append(ends, id.peer)
	}
	for _, e := range ends {
		b.flushParked(e)
	}
	for _, e := range ends {
		if e.disconnected {
			continue
		}
		e.connected = false
		e.disconnected = true
		e.ch.push(CMEvent{Type: CMEventDisconnected, ID: e.handle})
	}
	for _, e := range ends {
		if _, live := b.ids[e.handle]; live {
			e.ch.push(CMEvent{Type: CMEventTimewaitExit, ID: e.handle})
		}
	}
}

// flushParked fails sends from id still waiting for a receive buffer.
func (b *SimBackend) flushParked(id *simID) {
	if id.peer == nil || id.peer.qp == nil {
		return
	}
	srq := id.peer.qp.srq
	kept := srq.parked[:0]
	for _, d := range srq.parked {
		if d.from == id {
			d.flush()
			continue
		}
		kept = append(kept, d)
	}
	srq.parked = kept
}

// PostSend executes the request against the peer immediately. A send
// with no receive posted on the peer is parked until one is.
func (b *SimBackend) PostSend(h CMID, req *SendWR) error {
	// The work request may complete after PostSend returns.
	wr := &SendWR{}
	*wr = *req
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[h]
	if !ok {
		return ErrInvalidHandle
	}
	qp := id.qp
	if qp == nil {
		return fmt.Errorf("post send: cm id has no queue pair")
	}
	if id.disconnected {
		qp.cq.push(WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: sendWCOpcode(wr.Opcode), QPN: qp.qpn})
		return nil
	}
	if !id.connected || id.peer == nil || id.peer.qp == nil {
		return fmt.Errorf("post send: queue pair 0x%x is not ready to send", qp.qpn)
	}

	complete := func(status WCStatus, n int) {
		if status == WCSuccess && !wr.Signaled {
			return
		}
		qp.cq.push(WorkCompletion{WRID: wr.WRID, Status: status, Opcode: sendWCOpcode(wr.Opcode), ByteLen: uint32(n), QPN: qp.qpn})
	}

	switch wr.Opcode {
	case OpSend:
		payload, status := b.gather(wr.SGList)
		if status != WCSuccess {
			complete(status, 0)
			return nil
		}
		b.deliver(id, wr, payload, complete)
	case OpRDMAWrite, OpRDMAWriteWithImm:
		payload, status := b.gather(wr.SGList)
		if status != WCSuccess {
			complete(status, 0)
			return nil
		}
		dst, ok := b.remote(wr.RKey, wr.RemoteAddr, len(payload), AccessRemoteWrite)
		if !ok {
			complete(WCRemoteAccessErr, 0)
			return nil
		}
		copy(dst, payload)
		if wr.Opcode == OpRDMAWriteWithImm {
			b.deliver(id, wr, nil, complete)
			return nil
		}
		complete(WCSuccess, len(payload))
	case OpRDMARead:
		total := 0
		for _, sge := range wr.SGList {
			total += int(sge.Length)
		}
		src, ok := b.remote(wr.RKey, wr.RemoteAddr, total, AccessRemoteRead)
		if !ok {
			complete(WCRemoteAccessErr, 0)
			return nil
		}
		if _, status := b.scatter(wr.SGList, src); status != WCSuccess {
			complete(status, 0)
			return nil
		}
		complete(WCSuccess, total)
	default:
		return fmt.Errorf("post send: unsupported opcode %d", wr.Opcode)
	}
	return nil
}

// deliver consumes a receive on the peer's SRQ, parking the send until a
// buffer is posted when none is available.
func (b *SimBackend) deliver(from *simID, wr *SendWR, payload []byte, complete func(WCStatus, int)) {
	peer := from.peer
	peerQP := peer.qp
	withImm := wr.Opcode == OpRDMAWriteWithImm
	imm := wr.ImmData
	d := simDelivery{
		from: from,
		deliver: func(rwr RecvWR) {
			rwc := WorkCompletion{WRID: rwr.WRID, Opcode: WCOpRecv, QPN: peerQP.qpn}
			if withImm {
				rwc.Opcode = WCOpRecvRDMAWithImm
				rwc.ImmData = imm
				rwc.HasImm = true
			} else {
				n, status := b.scatter(rwr.SGList, payload)
				rwc.Status = status
				rwc.ByteLen = uint32(n)
				if status != WCSuccess {
					peerQP.cq.push(rwc)
					complete(WCRemoteInvalidReqErr, 0)
					return
				}
			}
			peerQP.cq.push(rwc)
			complete(WCSuccess, len(payload))
		},
		flush: func() { complete(WCWRFlushErr, 0) },
	}
	srq := peerQP.srq
	if len(srq.posted) == 0 {
		srq.parked = append(srq.parked, d)
		return
	}
	rwr := srq.posted[0]
	srq.posted = srq.posted[1:]
	d.deliver(rwr)
}

func (b *SimBackend) local(sge SGE) ([]byte, bool) {
	mr, ok := b.keys[sge.LKey]
	if !ok {
		return nil, false
	}
	return mr.slice(sge.Addr, int(sge.Length))
}

func (b *SimBackend) remote(rkey uint32, addr uint64, length int, need AccessFlag) ([]byte, bool) {
	mr, ok := b.keys[rkey]
	if !ok || mr.access&need == 0 {
		return nil, false
	}
	return mr.slice(addr, length)
}

func (mr *simMR) slice(addr uint64, length int) ([]byte, bool) {
	if addr < mr.addr || addr+uint64(length) > mr.addr+uint64(len(mr.buf)) {
		return nil, false
	}
	off := int(addr - mr.addr)
	return mr.buf[off : off+length], true
}

func (b *SimBackend) gather(sgl []SGE) ([]byte, WCStatus) {
	var out []byte
	for _, sge := range sgl {
		src, ok := b.local(sge)
		if !ok {
			return nil, WCLocalProtErr
		}
		out = append(out, src...)
	}
	return out, WCSuccess
}

func (b *SimBackend) scatter(sgl []SGE, data []byte) (int, WCStatus) {
	n := 0
	for _, sge := range sgl {
		if n == len(data) {
			break
		}
		dst, ok := b.local(sge)
		if !ok {
			return n, WCLocalProtErr
		}
		n += copy(dst, data[n:])
	}
	if n < len(data) {
		return n, WCLocalLenErr
	}
	return n, WCSuccess
}

func sendWCOpcode(op SendOpcode) WCOpcode {
	switch op {
	case OpRDMAWrite, OpRDMAWriteWithImm:
		return WCOpRDMAWrite
	case OpRDMARead:
		return WCOpRDMARead
	default:
		return WCOpSend
	}
}
