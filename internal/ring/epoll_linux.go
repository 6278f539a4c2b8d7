package ring

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// epollReactor is the default Reactor: a single epoll instance serviced by
// one goroutine, dispatching readiness callbacks as registered fds wake up.
// The teacher has no iothread package of its own for a block backend to
// borrow, so this is a small concrete loop grounded on the same "register
// fd, get called back on readiness" shape. The ring Backend does not use it.
type epollReactor struct {
	epfd int

	mu  sync.Mutex
	cbs map[int]func()

	closeCh chan struct{}
	doneCh  chan struct{}
}

// NewEpollReactor creates and starts a default Reactor backed by epoll.
func NewEpollReactor() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	r := &epollReactor{
		epfd:    epfd,
		cbs:     make(map[int]func()),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *epollReactor) Add(fd int, cb func()) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	r.mu.Lock()
	r.cbs[fd] = cb
	r.mu.Unlock()
	return nil
}

func (r *epollReactor) Del(fd int) error {
	r.mu.Lock()
	_, ok := r.cbs[fd]
	delete(r.cbs, fd)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

func (r *epollReactor) Close() error {
	close(r.closeCh)
	<-r.doneCh
	return unix.Close(r.epfd)
}

func (r *epollReactor) loop() {
	defer close(r.doneCh)
	events := make([]unix.EpollEvent, 32)
	for {
		select {
		case <-r.closeCh:
			return
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			r.mu.Lock()
			cb := r.cbs[fd]
			r.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}
