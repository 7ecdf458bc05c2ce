package rdma

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// Source is polled on every cycle of an EventProcessor. Poll must not block
// and reports whether it found work.
type Source interface {
	Poll() bool
}

// Armable sources need preparation before the processor sleeps on their
// wake descriptor, and acknowledgement after it fires.
type Armable interface {
	Arm() error
	Ack()
}

type registeredSource struct {
	fd  int
	src Source
}

// EventProcessor runs a single goroutine locked to an OS thread that
// alternates between running posted tasks and polling registered sources.
// After IdleCycles consecutive cycles without work it sleeps until a wake
// descriptor fires or a task is posted.
type EventProcessor struct {
	name       string
	idleCycles int

	mu      sync.Mutex
	tasks   *queue.Queue
	sources atomic.Pointer[[]registeredSource]
	srcMu   sync.Mutex

	waiter   *waiter
	sleeping atomic.Bool
	stopping atomic.Bool
	started  atomic.Bool
	done     chan struct{}
}

// NewEventProcessor creates a stopped processor.
func NewEventProcessor(name string, idleCycles int) (*EventProcessor, error) {
	w, err := newWaiter()
	if err != nil {
		return nil, fmt.Errorf("create waiter for %s: %w", name, err)
	}
	if idleCycles <= 0 {
		idleCycles = 1
	}
	p := &EventProcessor{
		name:       name,
		idleCycles: idleCycles,
		tasks:      queue.New(),
		waiter:     w,
		done:       make(chan struct{}),
	}
	empty := []registeredSource{}
	p.sources.Store(&empty)
	return p, nil
}

func (p *EventProcessor) Name() string { return p.name }

// RegisterSource adds src to the polling set. When fd is not negative the
// processor also sleeps on it.
func (p *EventProcessor) RegisterSource(fd int, src Source) error {
	if fd >= 0 {
		if err := p.waiter.add(fd); err != nil {
			return fmt.Errorf("register source on %s: %w", p.name, err)
		}
	}
	p.srcMu.Lock()
	defer p.srcMu.Unlock()
	cur := *p.sources.Load()
	next := make([]registeredSource, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, registeredSource{fd: fd, src: src})
	p.sources.Store(&next)
	return nil
}

// DeregisterSource removes src. Failures to drop its descriptor are logged.
func (p *EventProcessor) DeregisterSource(src Source) {
	p.srcMu.Lock()
	defer p.srcMu.Unlock()
	cur := *p.sources.Load()
	next := make([]registeredSource, 0, len(cur))
	for _, rs := range cur {
		if rs.src == src {
			if rs.fd >= 0 {
				if err := p.waiter.remove(rs.fd); err != nil {
					log.Warn().Err(err).Str("processor", p.name).Msg("Failed to deregister source descriptor")
				}
			}
			continue
		}
		next = append(next, rs)
	}
	p.sources.Store(&next)
}

// Post enqueues task to run on the processor goroutine. Tasks run in FIFO
// order. It is safe to call from any goroutine, including the processor's.
func (p *EventProcessor) Post(task func()) error {
	if p.stopping.Load() {
		return ErrProcessorStopped
	}
	p.mu.Lock()
	p.tasks.Add(task)
	p.mu.Unlock()
	if p.sleeping.Load() {
		if err := p.waiter.wake(); err != nil {
			log.Error().Err(err).Str("processor", p.name).Msg("Failed to wake event processor")
		}
	}
	return nil
}

// Start launches the processor goroutine.
func (p *EventProcessor) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

// Stop asks the loop to exit after its current cycle and waits for it.
// Tasks still queued are discarded.
func (p *EventProcessor) Stop() {
	if !p.stopping.CompareAndSwap(false, true) {
		if p.started.Load() {
			<-p.done
		}
		return
	}
	if p.started.Load() {
		_ = p.waiter.wake()
		<-p.done
	}
	p.waiter.close()
	p.mu.Lock()
	dropped := p.tasks.Length()
	p.tasks = queue.New()
	p.mu.Unlock()
	if dropped > 0 {
		log.Debug().Str("processor", p.name).Int("tasks", dropped).Msg("Discarded pending tasks on stop")
	}
}

func (p *EventProcessor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	log.Debug().Str("processor", p.name).Msg("Event processor started")
	idle := 0
	for !p.stopping.Load() {
		worked := p.runTasks()
		if p.pollSources() {
			worked = true
		}
		if worked {
			idle = 0
			continue
		}
		idle++
		if idle < p.idleCycles {
			continue
		}
		p.sleep()
		idle = 0
	}
	log.Debug().Str("processor", p.name).Msg("Event processor stopped")
}

// runTasks drains the tasks present at entry. Tasks posted while running
// wait for the next cycle so sources are not starved.
func (p *EventProcessor) runTasks() bool {
	p.mu.Lock()
	n := p.tasks.Length()
	if n == 0 {
		p.mu.Unlock()
		return false
	}
	batch := make([]func(), n)
	for i := range batch {
		batch[i] = p.tasks.Remove().(func())
	}
	p.mu.Unlock()

	for _, task := range batch {
		task()
	}
	return true
}

func (p *EventProcessor) pollSources() bool {
	worked := false
	for _, rs := range *p.sources.Load() {
		if rs.src.Poll() {
			worked = true
		}
	}
	return worked
}

func (p *EventProcessor) sleep() {
	p.sleeping.Store(true)
	defer p.sleeping.Store(false)

	sources := *p.sources.Load()
	for _, rs := range sources {
		if a, ok := rs.src.(Armable); ok {
			if err := a.Arm(); err != nil {
				log.Error().Err(err).Str("processor", p.name).Msg("Failed to arm source")
			}
		}
	}
	// Completions that raced with arming would not fire the descriptor.
	if p.pollSources() || p.pendingTasks() || p.stopping.Load() {
		return
	}
	if err := p.waiter.wait(-1); err != nil {
		log.Error().Err(err).Str("processor", p.name).Msg("Event processor wait failed")
	}
	for _, rs := range sources {
		if a, ok := rs.src.(Armable); ok {
			a.Ack()
		}
	}
}

func (p *EventProcessor) pendingTasks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length() > 0
}
