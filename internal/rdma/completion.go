package rdma

import (
	"fmt"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// CompletionStats is a snapshot of a completion context's counters.
type CompletionStats struct {
	Polled     uint64
	Dispatched uint64
	Failed     uint64
	Orphaned   uint64
	Finalized  uint64
	Sockets    int
}

// CompletionContext owns one completion queue and the event processor that
// polls it. The QPN table and drain queue are only touched on that
// processor's goroutine.
type CompletionContext struct {
	index     int
	dev       *DeviceContext
	backend   Backend
	cq        CQHandle
	proc      *EventProcessor
	pollBatch int
	wcs       []WorkCompletion
	hook      MetricHook

	sockets  map[uint32]*Socket
	draining *queue.Queue
	stopping atomic.Bool

	polled     atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
	orphaned   atomic.Uint64
	finalized  atomic.Uint64
	live       atomic.Int64
}

func newCompletionContext(dev *DeviceContext, index int) (*CompletionContext, error) {
	cq, err := dev.backend.CreateCQ(dev.ctx, dev.limits.CQDepth)
	if err != nil {
		return nil, fmt.Errorf("create completion queue %d: %w", index, err)
	}
	proc, err := NewEventProcessor(fmt.Sprintf("%s/cc-%d", dev.name, index), dev.limits.IdleCycles)
	if err != nil {
		_ = dev.backend.DestroyCQ(cq)
		return nil, err
	}
	cc := &CompletionContext{
		index:     index,
		dev:       dev,
		backend:   dev.backend,
		cq:        cq,
		proc:      proc,
		pollBatch: dev.limits.PollBatch,
		wcs:       make([]WorkCompletion, dev.limits.PollBatch),
		hook:      dev.hook,
		sockets:   make(map[uint32]*Socket),
		draining:  queue.New(),
	}
	if err := proc.RegisterSource(dev.backend.CQWakeFD(cq), cc); err != nil {
		proc.Stop()
		_ = dev.backend.DestroyCQ(cq)
		return nil, err
	}
	return cc, nil
}

// Index is the position of cc within its device.
func (cc *CompletionContext) Index() int { return cc.index }

// Processor returns the event processor running this context. Tasks posted
// to it run on the same goroutine as the socket callbacks.
func (cc *CompletionContext) Processor() *EventProcessor { return cc.proc }

// Post runs task on this context's goroutine.
func (cc *CompletionContext) Post(task func()) error { return cc.proc.Post(task) }

// Stats returns a snapshot of the context's counters.
func (cc *CompletionContext) Stats() CompletionStats {
	return CompletionStats{
		Polled:     cc.polled.Load(),
		Dispatched: cc.dispatched.Load(),
		Failed:     cc.failed.Load(),
		Orphaned:   cc.orphaned.Load(),
		Finalized:  cc.finalized.Load(),
		Sockets:    int(cc.live.Load()),
	}
}

// Poll implements Source. It first advances sockets waiting to drain, then
// polls the completion queue up to pollBatch times, returning after the
// first batch that yielded completions.
func (cc *CompletionContext) Poll() bool {
	worked := cc.advanceDraining()
	for i := 0; i < cc.pollBatch; i++ {
		n, err := cc.backend.PollCQ(cc.cq, cc.wcs)
		if err != nil || n < 0 {
			if cc.stopping.Load() {
				return worked
			}
			log.Fatal().Err(err).Int("cc", cc.index).Int("ret", n).Msg("Completion queue poll failed")
		}
		if n == 0 {
			continue
		}
		cc.polled.Add(uint64(n))
		cc.hook.CompletionsPolled(cc.index, n)
		for j := 0; j < n; j++ {
			cc.handle(cc.wcs[j])
		}
		return true
	}
	return worked
}

// Arm implements Armable.
func (cc *CompletionContext) Arm() error { return cc.backend.ReqNotifyCQ(cc.cq) }

// Ack implements Armable.
func (cc *CompletionContext) Ack() {
	if err := cc.backend.AckCQEvents(cc.cq); err != nil && !cc.stopping.Load() {
		log.Error().Err(err).Int("cc", cc.index).Msg("Failed to acknowledge completion events")
	}
}

func (cc *CompletionContext) handle(wc WorkCompletion) {
	wid := DecodeWorkID(wc.WRID)
	if wc.Status != WCSuccess {
		cc.failed.Add(1)
		cc.hook.CompletionFailed(wid.Type, wc.Status)
		log.Debug().
			Int("cc", cc.index).
			Uint32("qpn", wc.QPN).
			Stringer("work", wid).
			Stringer("status", wc.Status).
			Msg("Work completion failed")
	}

	s, ok := cc.sockets[wc.QPN]
	if !ok {
		cc.orphan(wid, wc.QPN)
		return
	}
	s.pending.Add(1)
	err := cc.proc.Post(func() {
		s.dispatch(wid, &wc)
		cc.dispatched.Add(1)
		cc.complete(s)
	})
	if err != nil {
		s.pending.Add(-1)
		cc.orphan(wid, wc.QPN)
	}
}

// complete retires one pending completion of s. The last one to retire
// while the socket drains finalizes it.
func (cc *CompletionContext) complete(s *Socket) {
	if s.pending.Add(-1) == 0 && s.state.CompareAndSwap(int32(StateDraining), int32(StateDisconnected)) {
		cc.finalize(s)
	}
}

// orphan recycles the buffer of a completion whose socket is gone.
func (cc *CompletionContext) orphan(wid WorkID, qpn uint32) {
	cc.orphaned.Add(1)
	cc.hook.OrphanCompletion(wid.Type)
	log.Debug().Int("cc", cc.index).Uint32("qpn", qpn).Stringer("work", wid).Msg("Completion for unknown queue pair")
	switch wid.Type {
	case WorkReceive:
		cc.dev.repostRecv(wid.BufferID)
	case WorkSend, WorkRead, WorkWrite:
		if wid.BufferID != InvalidBufferID {
			_ = cc.dev.sendBuffers.ReleaseID(wid.BufferID)
		}
	}
}

func (cc *CompletionContext) register(s *Socket) {
	cc.sockets[s.qpn] = s
	cc.live.Add(1)
}

func (cc *CompletionContext) unregister(s *Socket) {
	if cur, ok := cc.sockets[s.qpn]; ok && cur == s {
		delete(cc.sockets, s.qpn)
		cc.live.Add(-1)
	}
}

// scheduleDrain queues s to be drained on the next poll cycle.
func (cc *CompletionContext) scheduleDrain(s *Socket) {
	cc.draining.Add(s)
}

func (cc *CompletionContext) advanceDraining() bool {
	n := cc.draining.Length()
	for i := 0; i < n; i++ {
		s := cc.draining.Remove().(*Socket)
		if !s.state.CompareAndSwap(int32(StateDisconnecting), int32(StateDraining)) {
			continue
		}
		s.dev.hook.ConnectionStateChanged(StateDraining)
		if s.pending.Load() == 0 && s.state.CompareAndSwap(int32(StateDraining), int32(StateDisconnected)) {
			cc.finalize(s)
		}
	}
	return n > 0
}

// finalize runs exactly once per connected socket, after every completion
// for it has been dispatched.
func (cc *CompletionContext) finalize(s *Socket) {
	cc.finalized.Add(1)
	cc.hook.ConnectionStateChanged(StateDisconnected)
	s.teardownQP()
	log.Debug().Int("cc", cc.index).Uint32("qpn", s.qpn).Msg("Socket disconnected")
	s.handler.OnDisconnected()
	s.release()
}

func (cc *CompletionContext) stop() error {
	cc.halt()
	return cc.destroy()
}

// halt stops polling. Completions still queued stay in the CQ.
func (cc *CompletionContext) halt() {
	cc.stopping.Store(true)
	cc.proc.Stop()
}

// destroy releases the CQ. Every queue pair attached to it must be gone.
func (cc *CompletionContext) destroy() error {
	if err := cc.backend.DestroyCQ(cc.cq); err != nil {
		return fmt.Errorf("destroy completion queue %d: %w", cc.index, err)
	}
	return nil
}
