package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Limits sizes the resources of a DeviceContext.
type Limits struct {
	RecvBuffers        int
	SendBuffers        int
	BufferSize         int
	SendQueueDepth     int
	MaxSGE             int
	CQDepth            int
	IdleCycles         int
	PollBatch          int
	CompletionContexts int
	ResolveTimeout     time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		RecvBuffers:        512,
		SendBuffers:        512,
		BufferSize:         16384,
		SendQueueDepth:     128,
		MaxSGE:             1,
		CQDepth:            1024,
		IdleCycles:         1000,
		PollBatch:          16,
		CompletionContexts: 1,
		ResolveTimeout:     10 * time.Millisecond,
	}
}

func (l Limits) validate() error {
	switch {
	case l.RecvBuffers <= 0 || l.RecvBuffers > MaxBuffersPerPool:
		return fmt.Errorf("receive buffer count %d out of range", l.RecvBuffers)
	case l.SendBuffers <= 0 || l.SendBuffers > MaxBuffersPerPool:
		return fmt.Errorf("send buffer count %d out of range", l.SendBuffers)
	case l.BufferSize <= 0:
		return fmt.Errorf("invalid buffer size %d", l.BufferSize)
	case l.SendQueueDepth <= 0 || l.MaxSGE <= 0 || l.CQDepth <= 0:
		return fmt.Errorf("queue sizes must be positive")
	case l.PollBatch <= 0:
		return fmt.Errorf("invalid poll batch %d", l.PollBatch)
	case l.CompletionContexts <= 0:
		return fmt.Errorf("at least one completion context is required")
	}
	return nil
}

// Option configures a DeviceContext.
type Option func(*DeviceContext)

// WithMetricHook routes runtime events to h.
func WithMetricHook(h MetricHook) Option {
	return func(d *DeviceContext) {
		if h != nil {
			d.hook = h
		}
	}
}

// DeviceContext owns the per-device verbs resources: protection domain,
// shared receive queue, send and receive buffer pools, completion contexts
// and the connection manager event channel.
type DeviceContext struct {
	backend Backend
	name    string
	limits  Limits
	hook    MetricHook

	ctx         ContextHandle
	pd          PDHandle
	srq         SRQHandle
	recvBuffers *BufferManager
	sendBuffers *BufferManager
	contexts    []*CompletionContext
	cmChannel   ChannelHandle
	cmProc      *EventProcessor

	mu      sync.Mutex
	sockets map[CMID]*Socket
	regions map[*MemoryRegion]struct{}

	next    atomic.Uint32
	freed   atomic.Int64
	closing atomic.Bool
	closed  bool
}

// OpenDevice opens the named device, or the first one the backend reports
// when name is empty, and allocates every resource sized by limits.
func OpenDevice(backend Backend, name string, limits Limits, opts ...Option) (*DeviceContext, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}
	if name == "" {
		devices, err := backend.GetDeviceList()
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		if len(devices) == 0 {
			return nil, ErrDeviceNotFound
		}
		name = devices[0].Name
	}

	d := &DeviceContext{
		backend: backend,
		name:    name,
		limits:  limits,
		hook:    NopMetricHook{},
		sockets: make(map[CMID]*Socket),
		regions: make(map[*MemoryRegion]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.init(); err != nil {
		d.abandon()
		return nil, err
	}
	log.Info().
		Str("device", name).
		Str("backend", backend.Name()).
		Int("completion_contexts", limits.CompletionContexts).
		Int("recv_buffers", limits.RecvBuffers).
		Int("send_buffers", limits.SendBuffers).
		Int("buffer_size", limits.BufferSize).
		Msg("Device context opened")
	return d, nil
}

func (d *DeviceContext) init() error {
	var err error
	if d.ctx, err = d.backend.OpenDevice(d.name); err != nil {
		return fmt.Errorf("open device %s: %w", d.name, err)
	}
	if d.pd, err = d.backend.AllocPD(d.ctx); err != nil {
		return fmt.Errorf("alloc protection domain: %w", err)
	}
	if d.recvBuffers, err = NewBufferManager("recv", d.backend, d.pd, d.limits.RecvBuffers, d.limits.BufferSize, AccessLocalWrite, d.hook); err != nil {
		return err
	}
	if d.sendBuffers, err = NewBufferManager("send", d.backend, d.pd, d.limits.SendBuffers, d.limits.BufferSize, AccessLocalWrite, d.hook); err != nil {
		return err
	}
	if d.srq, err = d.backend.CreateSRQ(d.pd, d.limits.RecvBuffers, d.limits.MaxSGE); err != nil {
		return fmt.Errorf("create shared receive queue: %w", err)
	}
	for i := 0; i < d.limits.RecvBuffers; i++ {
		b, err := d.recvBuffers.Acquire(d.limits.BufferSize)
		if err != nil {
			return fmt.Errorf("prepare receive buffer %d: %w", i, err)
		}
		if err := d.postRecv(b); err != nil {
			return err
		}
	}

	if d.cmChannel, err = d.backend.CreateEventChannel(); err != nil {
		return fmt.Errorf("create event channel: %w", err)
	}
	if d.cmProc, err = NewEventProcessor(d.name+"/cm", d.limits.IdleCycles); err != nil {
		return err
	}
	if err := d.cmProc.RegisterSource(d.backend.EventChannelFD(d.cmChannel), cmSource{d}); err != nil {
		return err
	}

	for i := 0; i < d.limits.CompletionContexts; i++ {
		cc, err := newCompletionContext(d, i)
		if err != nil {
			return err
		}
		d.contexts = append(d.contexts, cc)
	}
	return nil
}

// abandon releases whatever init managed to create.
func (d *DeviceContext) abandon() {
	for _, cc := range d.contexts {
		_ = cc.stop()
	}
	if d.cmProc != nil {
		d.cmProc.Stop()
	}
	if d.cmChannel != 0 {
		_ = d.backend.DestroyEventChannel(d.cmChannel)
	}
	if d.srq != 0 {
		_ = d.backend.DestroySRQ(d.srq)
	}
	if d.sendBuffers != nil {
		_ = d.sendBuffers.Close()
	}
	if d.recvBuffers != nil {
		_ = d.recvBuffers.Close()
	}
	if d.pd != 0 {
		_ = d.backend.DeallocPD(d.pd)
	}
	if d.ctx != 0 {
		_ = d.backend.CloseDevice(d.ctx)
	}
}

// Start launches the connection manager and completion processors.
func (d *DeviceContext) Start() {
	d.cmProc.Start()
	for _, cc := range d.contexts {
		cc.proc.Start()
	}
}

// Name is the device name the context was opened with.
func (d *DeviceContext) Name() string     { return d.name }
func (d *DeviceContext) Backend() Backend { return d.backend }
func (d *DeviceContext) Limits() Limits   { return d.limits }

// SendBuffers is the pool send buffers are acquired from.
func (d *DeviceContext) SendBuffers() *BufferManager { return d.sendBuffers }

// RecvBuffers backs the shared receive queue.
func (d *DeviceContext) RecvBuffers() *BufferManager { return d.recvBuffers }

// FreedSockets counts sockets whose native resources have been released.
func (d *DeviceContext) FreedSockets() int64 { return d.freed.Load() }

// CompletionContexts returns the number of completion contexts.
func (d *DeviceContext) CompletionContexts() int { return len(d.contexts) }

// CompletionContext returns the context at index.
func (d *DeviceContext) CompletionContext(index int) *CompletionContext {
	if index < 0 || index >= len(d.contexts) {
		return nil
	}
	return d.contexts[index]
}

// NextCompletionContext picks contexts round-robin.
func (d *DeviceContext) NextCompletionContext() *CompletionContext {
	i := d.next.Add(1) - 1
	return d.contexts[int(i)%len(d.contexts)]
}

// RegisterMemoryRegion registers buf for local and remote access. buf must
// not move or be freed while registered.
func (d *DeviceContext) RegisterMemoryRegion(buf []byte, access AccessFlag) (*MemoryRegion, error) {
	return d.register(buf, access, false)
}

// AllocateMemoryRegion maps and registers size bytes.
func (d *DeviceContext) AllocateMemoryRegion(size int, access AccessFlag) (*MemoryRegion, error) {
	buf, err := mapArena(size)
	if err != nil {
		return nil, err
	}
	mr, err := d.register(buf, access, true)
	if err != nil {
		_ = unmapArena(buf)
		return nil, err
	}
	return mr, nil
}

func (d *DeviceContext) register(buf []byte, access AccessFlag, mapped bool) (*MemoryRegion, error) {
	if d.closing.Load() {
		return nil, ErrDeviceClosed
	}
	info, err := d.backend.RegMR(d.pd, buf, access)
	if err != nil {
		return nil, fmt.Errorf("register memory region: %w", err)
	}
	mr := &MemoryRegion{dev: d, buf: buf, info: info, mapped: mapped}
	d.mu.Lock()
	d.regions[mr] = struct{}{}
	d.mu.Unlock()
	return mr, nil
}

func (d *DeviceContext) forgetRegion(mr *MemoryRegion) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[mr]; !ok {
		return false
	}
	delete(d.regions, mr)
	return true
}

func (d *DeviceContext) postRecv(b *Buffer) error {
	wr := RecvWR{
		WRID:   WorkID{BufferID: b.ID, Type: WorkReceive}.Encode(),
		SGList: []SGE{b.SGE(len(b.Data))},
	}
	if err := d.backend.PostSRQRecv(d.srq, &wr); err != nil {
		return fmt.Errorf("post receive buffer %d: %w", b.ID, err)
	}
	return nil
}

// repostRecv hands a consumed receive buffer back to the shared receive
// queue.
func (d *DeviceContext) repostRecv(id uint16) {
	if d.closing.Load() {
		return
	}
	b, ok := d.recvBuffers.Buffer(id)
	if !ok {
		log.Error().Uint16("buffer_id", id).Msg("Repost of unknown receive buffer")
		return
	}
	if err := d.postRecv(b); err != nil {
		log.Error().Err(err).Msg("Failed to repost receive buffer")
	}
}

func (d *DeviceContext) track(s *Socket) {
	d.mu.Lock()
	d.sockets[s.id] = s
	d.mu.Unlock()
}

func (d *DeviceContext) untrack(s *Socket) {
	d.mu.Lock()
	if cur, ok := d.sockets[s.id]; ok && cur == s {
		delete(d.sockets, s.id)
	}
	d.mu.Unlock()
}

func (d *DeviceContext) lookup(id CMID) *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[id]
}

// cmSource polls the connection manager event channel.
type cmSource struct{ d *DeviceContext }

// Poll drains the connection manager channel.
func (c cmSource) Poll() bool {
	worked := false
	for {
		ev, ok, err := c.d.backend.GetCMEvent(c.d.cmChannel)
		if err != nil {
			if !c.d.closing.Load() {
				log.Error().Err(err).Str("device", c.d.name).Msg("Failed to read connection event")
			}
			return worked
		}
		if !ok {
			return worked
		}
		worked = true
		c.d.handleCMEvent(ev)
	}
}

func (d *DeviceContext) handleCMEvent(ev CMEvent) {
	if ev.Type == CMEventConnectRequest {
		d.handleConnectRequest(ev)
		return
	}
	s := d.lookup(ev.ID)
	if s == nil {
		log.Debug().Stringer("event", ev.Type).Msg("Connection event for unknown cm id")
		return
	}
	s.deliverCM(ev)
}

func (d *DeviceContext) handleConnectRequest(ev CMEvent) {
	lst := d.lookup(ev.ListenID)
	if lst == nil || lst.State() != StateListening {
		log.Warn().Msg("Connection request without listener, rejecting")
		_ = d.backend.Reject(ev.ID, nil)
		_ = d.backend.DestroyID(ev.ID)
		return
	}
	req := d.NewSocket(nil)
	req.id = ev.ID
	req.opened = true
	req.localEndpoint = lst.localEndpoint
	d.track(req)

	h, ok := lst.handler.(ConnectRequestHandler)
	if !ok {
		log.Warn().Str("endpoint", lst.localEndpoint).Msg("Listener cannot accept connections, rejecting")
		_ = req.Reject(nil)
		_ = req.Close()
		return
	}
	h.OnConnectRequest(req, ev.PrivateData)
}

// Close tears down the device in strict order: completion contexts (their
// processors, then queue pairs and cm ids of sockets still open, then the
// completion queues), the connection manager channel, the shared receive
// queue, memory registrations, the protection domain and finally the
// device. The first failure aborts the sequence.
func (d *DeviceContext) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.closing.Store(true)

	for _, cc := range d.contexts {
		cc.halt()
	}
	d.cmProc.Stop()

	d.mu.Lock()
	leftover := make([]*Socket, 0, len(d.sockets))
	for _, s := range d.sockets {
		leftover = append(leftover, s)
	}
	d.sockets = make(map[CMID]*Socket)
	regions := make([]*MemoryRegion, 0, len(d.regions))
	for mr := range d.regions {
		regions = append(regions, mr)
	}
	d.mu.Unlock()

	for _, s := range leftover {
		log.Warn().Uint32("qpn", s.qpn).Stringer("state", s.State()).Msg("Destroying socket still open at device close")
		if s.registered {
			s.registered = false
			if err := d.backend.DestroyQP(s.id); err != nil {
				return fmt.Errorf("destroy queue pair 0x%x: %w", s.qpn, err)
			}
		}
		if err := d.backend.DestroyID(s.id); err != nil {
			return fmt.Errorf("destroy cm id: %w", err)
		}
		s.freed.Store(true)
	}
	for _, cc := range d.contexts {
		if err := cc.destroy(); err != nil {
			return err
		}
	}
	if err := d.backend.DestroyEventChannel(d.cmChannel); err != nil {
		return fmt.Errorf("destroy event channel: %w", err)
	}
	if err := d.backend.DestroySRQ(d.srq); err != nil {
		return fmt.Errorf("destroy shared receive queue: %w", err)
	}
	for _, mr := range regions {
		if err := mr.Close(); err != nil {
			return err
		}
	}
	if err := d.sendBuffers.Close(); err != nil {
		return err
	}
	if err := d.recvBuffers.Close(); err != nil {
		return err
	}
	if err := d.backend.DeallocPD(d.pd); err != nil {
		return fmt.Errorf("dealloc protection domain: %w", err)
	}
	if err := d.backend.CloseDevice(d.ctx); err != nil {
		return fmt.Errorf("close device %s: %w", d.name, err)
	}
	log.Info().Str("device", d.name).Msg("Device context closed")
	return nil
}
