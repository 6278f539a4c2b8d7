// Package ring implements the single-threaded, io_uring-submitted backend
// (C5): requests are handed to a *giouring.Ring instead of a worker pool,
// and the overlap interlock's bst_block mode is forced off because a ring
// serializes requests in submission order on its own.
package ring

// Reactor is a readiness-notification contract ("tell me when fd is
// readable"), mirroring the teacher's iothread_add coupling in spirit;
// NewEpollReactor provides one implementation. The ring Backend does not
// take or use a Reactor: it submits and reaps from its own goroutine (see
// Backend.loop), and no caller can register the ring's fd with one.
type Reactor interface {
	// Add registers fd for readability notifications, invoking cb each
	// time the fd becomes readable.
	Add(fd int, cb func()) error
	// Del unregisters fd. Safe to call even if Add was never called for
	// it.
	Del(fd int) error
}

// NoopLocker is a zero-method-body sync.Locker. Nothing in this module uses
// it: the ring backend's reqqueue.Queue is shared between Submit callers and
// the backend's own goroutine, and keeps its real mutex.
type NoopLocker struct{}

func (NoopLocker) Lock()   {}
func (NoopLocker) Unlock() {}
