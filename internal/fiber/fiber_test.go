package fiber

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loop is a minimal processor running tasks on one goroutine.
type loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

func newLoop(t *testing.T) *loop {
	l := &loop{tasks: make(chan func(), 1024), done: make(chan struct{})}
	go func() {
		for {
			select {
			case task := <-l.tasks:
				task()
			case <-l.done:
				return
			}
		}
	}()
	t.Cleanup(l.stop)
	return l
}

var errStopped = errors.New("loop stopped")

func (l *loop) Post(task func()) error {
	select {
	case <-l.done:
		return errStopped
	default:
	}
	l.tasks <- task
	return nil
}

func (l *loop) stop() { l.once.Do(func() { close(l.done) }) }

// do runs fn on the loop and waits for it.
func (l *loop) do(t *testing.T, fn func()) {
	t.Helper()
	ran := make(chan struct{})
	require.NoError(t, l.Post(func() {
		fn()
		close(ran)
	}))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestExecuteReturnsAtFirstSuspension(t *testing.T) {
	l := newLoop(t)
	f := New(l)
	defer f.Close()

	var trace []string
	l.do(t, func() {
		require.NoError(t, f.Execute(func(f *Fiber) {
			trace = append(trace, "start")
			_ = f.Wait()
			trace = append(trace, "resumed")
		}))
		trace = append(trace, "returned")
	})
	assert.Equal(t, []string{"start", "returned"}, trace)
	assert.Equal(t, StateWaiting, f.State())

	l.do(t, func() { require.NoError(t, f.Resume()) })
	assert.Equal(t, []string{"start", "returned", "resumed"}, trace)
	assert.Equal(t, StateIdle, f.State())
}

func TestYieldInterleavesFibers(t *testing.T) {
	l := newLoop(t)
	pool := NewPool(l, 4)
	defer pool.Close()

	var (
		trace []string
		wg    sync.WaitGroup
	)
	worker := func(name string) func(*Fiber) {
		return func(f *Fiber) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				trace = append(trace, name)
				require.NoError(t, f.Yield())
			}
		}
	}
	wg.Add(2)
	l.do(t, func() {
		require.NoError(t, pool.Go(worker("a")))
		require.NoError(t, pool.Go(worker("b")))
	})
	wg.Wait()
	l.do(t, func() {})
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, trace)
	assert.Zero(t, pool.Active())
}

func TestUnblockFromAnotherGoroutine(t *testing.T) {
	l := newLoop(t)
	f := New(l)
	defer f.Close()

	parked := make(chan struct{})
	done := make(chan struct{})
	l.do(t, func() {
		require.NoError(t, f.Execute(func(f *Fiber) {
			close(parked)
			_ = f.Wait()
			close(done)
		}))
	})
	<-parked
	go func() { assert.NoError(t, f.Unblock()) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fiber was not resumed")
	}
}

func TestUnblockBeforeWait(t *testing.T) {
	l := newLoop(t)
	f := New(l)
	defer f.Close()

	var waited bool
	l.do(t, func() {
		require.NoError(t, f.Execute(func(f *Fiber) {
			require.NoError(t, f.Unblock())
			require.NoError(t, f.Wait())
			waited = true
		}))
	})
	assert.True(t, waited)
	assert.Equal(t, StateIdle, f.State())
}

func TestResumeDiscipline(t *testing.T) {
	l := newLoop(t)
	f := New(l)
	defer f.Close()

	body := func(f *Fiber) { _ = f.Wait() }

	// Resuming a running fiber from inside itself fails.
	l.do(t, func() {
		require.NoError(t, f.Execute(func(f *Fiber) {
			assert.ErrorIs(t, f.Resume(), ErrNotSuspended)
		}))
	})

	// A second resume for the same suspension fails.
	l.do(t, func() {
		require.NoError(t, f.Execute(body))
		require.NoError(t, f.Resume())
		assert.ErrorIs(t, f.Resume(), ErrNotSuspended)
	})

	// Once scheduled by Unblock, neither Resume nor another Unblock may
	// race the pending resumption.
	l.do(t, func() {
		require.NoError(t, f.Execute(body))
		require.NoError(t, f.Unblock())
		assert.Equal(t, StateReady, f.State())
		assert.ErrorIs(t, f.Resume(), ErrNotSuspended)
		assert.ErrorIs(t, f.Unblock(), ErrNotSuspended)
	})
	l.do(t, func() {})
	assert.Equal(t, StateIdle, f.State())

	assert.ErrorIs(t, f.Wait(), ErrNotRunning)
	assert.ErrorIs(t, f.Yield(), ErrNotRunning)
}

func TestExecuteBusyFiber(t *testing.T) {
	l := newLoop(t)
	f := New(l)

	l.do(t, func() {
		require.NoError(t, f.Execute(func(f *Fiber) { _ = f.Wait() }))
		assert.ErrorIs(t, f.Execute(func(*Fiber) {}), ErrFiberBusy)
	})
	assert.ErrorIs(t, f.Close(), ErrFibersSuspended)
	l.do(t, func() { require.NoError(t, f.Resume()) })
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Execute(func(*Fiber) {}), ErrFiberClosed)
}

func TestPanicRecyclesFiber(t *testing.T) {
	l := newLoop(t)
	pool := NewPool(l, 1)
	defer pool.Close()

	l.do(t, func() {
		require.NoError(t, pool.Go(func(*Fiber) { panic("boom") }))
	})
	assert.Zero(t, pool.Active())
	assert.Equal(t, 1, pool.Cached())

	var again bool
	l.do(t, func() {
		require.NoError(t, pool.Go(func(*Fiber) { again = true }))
	})
	assert.True(t, again)
	assert.Equal(t, uint64(1), pool.Created())
}

func TestPoolCacheBound(t *testing.T) {
	l := newLoop(t)
	pool := NewPool(l, 2)

	var fibers []*Fiber
	l.do(t, func() {
		for i := 0; i < 4; i++ {
			require.NoError(t, pool.Go(func(f *Fiber) {
				fibers = append(fibers, f)
				_ = f.Wait()
			}))
		}
	})
	assert.Equal(t, 4, pool.Active())
	assert.Equal(t, uint64(4), pool.Created())

	l.do(t, func() {
		for _, f := range fibers {
			require.NoError(t, f.Resume())
		}
	})
	assert.Zero(t, pool.Active())
	assert.Equal(t, 2, pool.Cached())
	require.NoError(t, pool.Close())
}

func TestPoolCloseReportsSuspended(t *testing.T) {
	l := newLoop(t)
	pool := NewPool(l, 2)

	l.do(t, func() {
		require.NoError(t, pool.Go(func(f *Fiber) { _ = f.Wait() }))
	})
	err := pool.Close()
	assert.ErrorIs(t, err, ErrFibersSuspended)
	_, err = pool.Get()
	assert.ErrorIs(t, err, ErrFiberClosed)
}
