package fiber

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// DefaultCacheSize is the number of idle fibers a Pool keeps for reuse.
const DefaultCacheSize = 64

// Pool hands out fibers bound to one processor and recycles them when their
// function returns.
type Pool struct {
	proc      Processor
	cacheSize int

	mu      sync.Mutex
	cache   *queue.Queue
	live    map[*Fiber]struct{}
	created uint64
	closed  bool
}

// NewPool returns a pool whose fibers are resumed on proc. Up to cacheSize
// finished fibers are kept for reuse.
func NewPool(proc Processor, cacheSize int) *Pool {
	if cacheSize < 0 {
		cacheSize = 0
	}
	return &Pool{
		proc:      proc,
		cacheSize: cacheSize,
		cache:     queue.New(),
		live:      make(map[*Fiber]struct{}),
	}
}

// Get returns an idle fiber, reusing a cached one when available.
func (p *Pool) Get() (*Fiber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrFiberClosed
	}
	var f *Fiber
	if p.cache.Length() > 0 {
		f = p.cache.Remove().(*Fiber)
	} else {
		f = New(p.proc)
		f.pool = p
		p.created++
	}
	p.live[f] = struct{}{}
	return f, nil
}

// Go runs fn on a pooled fiber. Like Execute it returns once fn first
// suspends or finishes, and must be called on the processor goroutine.
func (p *Pool) Go(fn func(*Fiber)) error {
	f, err := p.Get()
	if err != nil {
		return err
	}
	return f.Execute(fn)
}

func (p *Pool) recycle(f *Fiber) {
	p.mu.Lock()
	delete(p.live, f)
	keep := !p.closed && p.cache.Length() < p.cacheSize
	if keep {
		p.cache.Add(f)
	}
	p.mu.Unlock()
	if !keep {
		_ = f.Close()
	}
}

// Active counts fibers handed out and not yet finished.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Cached counts idle fibers kept for reuse.
func (p *Pool) Cached() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Length()
}

// Created counts fibers the pool has started.
func (p *Pool) Created() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Close stops cached fibers. Fibers still suspended are reported; they can
// never be resumed once their processor is gone.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := make([]*Fiber, 0, p.cache.Length())
	for p.cache.Length() > 0 {
		idle = append(idle, p.cache.Remove().(*Fiber))
	}
	suspended := len(p.live)
	p.mu.Unlock()

	for _, f := range idle {
		_ = f.Close()
	}
	if suspended > 0 {
		log.Error().Int("fibers", suspended).Msg("Fiber pool closed with suspended fibers")
		return fmt.Errorf("%w: %d", ErrFibersSuspended, suspended)
	}
	return nil
}
