//go:build linux

package rdma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// waiter blocks an event processor until a registered descriptor becomes
// readable or wake is called.
type waiter struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func newWaiter() (*waiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := newEventFD()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	w := &waiter{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, 16)}
	if err := w.add(wakefd); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

func (w *waiter) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (w *waiter) remove(fd int) error {
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// wait blocks for at most timeout, or indefinitely when timeout is negative.
func (w *waiter) wait(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(w.epfd, w.events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		if int(w.events[i].Fd) == w.wakefd {
			drainEventFD(w.wakefd)
		}
	}
	return nil
}

func (w *waiter) wake() error { return signalEventFD(w.wakefd) }

func (w *waiter) close() {
	unix.Close(w.wakefd)
	unix.Close(w.epfd)
}

func newEventFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}
	return fd, nil
}

func signalEventFD(fd int) error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(fd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func drainEventFD(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
