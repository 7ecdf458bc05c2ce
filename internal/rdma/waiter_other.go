//go:build !linux

package rdma

import "time"

// Without epoll, sources are re-polled on a short nap.
const napInterval = time.Millisecond

type waiter struct {
	wakeCh chan struct{}
	fds    int
}

func newWaiter() (*waiter, error) {
	return &waiter{wakeCh: make(chan struct{}, 1)}, nil
}

func (w *waiter) add(int) error    { w.fds++; return nil }
func (w *waiter) remove(int) error { w.fds--; return nil }

func (w *waiter) wait(timeout time.Duration) error {
	if timeout < 0 || timeout > napInterval {
		timeout = napInterval
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.wakeCh:
	case <-t.C:
	}
	return nil
}

func (w *waiter) wake() error {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (w *waiter) close() {}

func newEventFD() (int, error) { return -1, nil }
func signalEventFD(int) error  { return nil }
func drainEventFD(int)         {}
func closeFD(int)              {}
