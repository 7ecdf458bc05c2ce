// Package fiber runs blocking-style code cooperatively on an event
// processor. A fiber executes on its own goroutine, but control is handed
// back and forth with the processor goroutine so that at most one of them
// runs at a time. Code inside a fiber may therefore touch state owned by the
// processor without locking.
package fiber

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var (
	ErrFiberBusy       = errors.New("fiber is already executing")
	ErrFiberClosed     = errors.New("fiber closed")
	ErrNotRunning      = errors.New("fiber is not running")
	ErrNotSuspended    = errors.New("fiber is not suspended")
	ErrFibersSuspended = errors.New("fibers still suspended")
	ErrWaitersParked   = errors.New("fibers still parked on condition variable")
)

// Processor runs tasks one at a time on a single goroutine.
// *rdma.EventProcessor and *rdma.CompletionContext satisfy it.
type Processor interface {
	Post(task func()) error
}

// State is the scheduling state of a fiber.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateWaiting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var nextID atomic.Uint64

// Fiber is a resumable unit of work bound to one Processor.
//
// Execute, Resume and the scheduled resumptions run on the processor
// goroutine. Wait and Yield are called from inside the fiber. Unblock may be
// called from any goroutine.
type Fiber struct {
	id   uint64
	proc Processor
	pool *Pool

	mu     sync.Mutex
	state  State
	woken  bool
	closed bool

	fn       func(*Fiber)
	finished bool
	resumeFn func()

	resume chan struct{}
	yield  chan struct{}
}

// New starts an idle fiber bound to proc. Call Close to stop it when it is
// not obtained from a Pool.
func New(proc Processor) *Fiber {
	f := &Fiber{
		id:     nextID.Add(1),
		proc:   proc,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
	f.resumeFn = f.scheduled
	go f.loop()
	return f
}

// ID is unique within the fiber's pool.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Execute starts fn on the fiber and returns once fn first suspends or
// returns. It must be called on the processor goroutine.
func (f *Fiber) Execute(fn func(*Fiber)) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFiberClosed
	}
	if f.state != StateIdle {
		st := f.state
		f.mu.Unlock()
		log.Error().Uint64("fiber", f.id).Stringer("state", st).Msg("Execute on busy fiber")
		return ErrFiberBusy
	}
	f.state = StateRunning
	f.woken = false
	f.fn = fn
	f.mu.Unlock()
	f.switchTo()
	return nil
}

// Wait suspends the fiber until Resume or Unblock. A wakeup delivered while
// the fiber was still running is consumed and Wait returns at once.
func (f *Fiber) Wait() error { return f.park(nil) }

// park is Wait with enqueue called once the fiber is committed to
// suspending. A pending wakeup returns at once without calling enqueue.
func (f *Fiber) park(enqueue func()) error {
	f.mu.Lock()
	if f.state != StateRunning {
		st := f.state
		f.mu.Unlock()
		log.Error().Uint64("fiber", f.id).Stringer("state", st).Msg("Wait outside of running fiber")
		return ErrNotRunning
	}
	if f.woken {
		f.woken = false
		f.mu.Unlock()
		return nil
	}
	f.state = StateWaiting
	if enqueue != nil {
		enqueue()
	}
	f.mu.Unlock()
	f.suspend()
	return nil
}

// Yield reschedules the fiber behind the processor's queued tasks and
// suspends it.
func (f *Fiber) Yield() error {
	f.mu.Lock()
	if f.state != StateRunning {
		st := f.state
		f.mu.Unlock()
		log.Error().Uint64("fiber", f.id).Stringer("state", st).Msg("Yield outside of running fiber")
		return ErrNotRunning
	}
	f.state = StateReady
	f.mu.Unlock()
	if err := f.proc.Post(f.resumeFn); err != nil {
		f.mu.Lock()
		f.state = StateRunning
		f.mu.Unlock()
		return fmt.Errorf("yield: %w", err)
	}
	f.suspend()
	return nil
}

// Unblock schedules a waiting fiber for resumption on its processor. It is
// safe from any goroutine. Unblocking a running fiber makes its next Wait
// return immediately.
func (f *Fiber) Unblock() error {
	f.mu.Lock()
	switch f.state {
	case StateWaiting:
		f.state = StateReady
		f.mu.Unlock()
		if err := f.proc.Post(f.resumeFn); err != nil {
			return fmt.Errorf("unblock: %w", err)
		}
		return nil
	case StateRunning:
		f.woken = true
		f.mu.Unlock()
		return nil
	default:
		st := f.state
		f.mu.Unlock()
		log.Error().Uint64("fiber", f.id).Stringer("state", st).Msg("Unblock of fiber that is not waiting")
		return ErrNotSuspended
	}
}

// Resume switches to a waiting fiber immediately. It must be called on the
// processor goroutine and fails for fibers that are running, already
// scheduled or idle.
func (f *Fiber) Resume() error {
	f.mu.Lock()
	if f.state != StateWaiting {
		st := f.state
		f.mu.Unlock()
		log.Error().Uint64("fiber", f.id).Stringer("state", st).Msg("Resume of fiber that is not waiting")
		return ErrNotSuspended
	}
	f.state = StateRunning
	f.mu.Unlock()
	f.switchTo()
	return nil
}

// Close stops the goroutine of an idle fiber.
func (f *Fiber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateIdle {
		return ErrFibersSuspended
	}
	if !f.closed {
		f.closed = true
		close(f.resume)
	}
	return nil
}

func (f *Fiber) scheduled() {
	f.mu.Lock()
	if f.state != StateReady {
		st := f.state
		f.mu.Unlock()
		log.Error().Uint64("fiber", f.id).Stringer("state", st).Msg("Scheduled resumption of fiber that is not ready")
		return
	}
	f.state = StateRunning
	f.mu.Unlock()
	f.switchTo()
}

// switchTo hands control to the fiber and blocks until it suspends or
// finishes.
func (f *Fiber) switchTo() {
	f.resume <- struct{}{}
	<-f.yield
	if !f.finished {
		return
	}
	f.finished = false
	f.fn = nil
	f.mu.Lock()
	f.state = StateIdle
	f.woken = false
	f.mu.Unlock()
	if f.pool != nil {
		f.pool.recycle(f)
	}
}

func (f *Fiber) suspend() {
	f.yield <- struct{}{}
	<-f.resume
}

func (f *Fiber) loop() {
	for range f.resume {
		f.run()
		f.finished = true
		f.yield <- struct{}{}
	}
}

func (f *Fiber) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Uint64("fiber", f.id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Fiber panicked")
		}
	}()
	f.fn(f)
}
