package threadpool

import (
	"sync"
	"testing"
	"time"

	"github.com/blockif-go/blockif/internal/reqqueue"
)

type memBackend struct {
	mu   sync.Mutex
	data []byte
}

func newMemBackend(size int) *memBackend { return &memBackend{data: make([]byte, size)} }

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(p, m.data[off:]), nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.data[off:], p), nil
}

func (m *memBackend) Size() int64  { return int64(len(m.data)) }
func (m *memBackend) Close() error { return nil }
func (m *memBackend) Flush() error { return nil }

func TestWriteThenReadRoundTrip(t *testing.T) {
	q := reqqueue.NewQueue(8, true)
	be := newMemBackend(4096)
	tp := NewBackend(be, q, 512, false, nil, nil)
	defer tp.Close()

	payload := []byte("hello, block device")
	writeDone := make(chan error, 1)
	slot, ok := tp.Submit(Request{
		Op:     reqqueue.OpWrite,
		Offset: 0,
		Buf:    payload,
		Done:   func(n int, err error) { writeDone <- err },
	})
	if !ok || slot == nil {
		t.Fatal("Submit(write) failed")
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("write failed: %v", err)
	}

	readBuf := make([]byte, len(payload))
	readDone := make(chan error, 1)
	_, ok = tp.Submit(Request{
		Op:     reqqueue.OpRead,
		Offset: 0,
		Buf:    readBuf,
		Done:   func(n int, err error) { readDone <- err },
	})
	if !ok {
		t.Fatal("Submit(read) failed")
	}
	if err := <-readDone; err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(readBuf) != string(payload) {
		t.Errorf("read back %q, want %q", readBuf, payload)
	}
}

// TestCancelWhileBlockedReturnsCancelled relies on the overlap interlock to
// get a deterministic "still pending, never dispatched" window: a second
// write chained directly off an in-flight first write's end (second's
// offset == first's block_key) is parked in StatusBlock and can't be picked
// up by any worker until the first completes, so cancelling it races
// nothing.
func TestCancelWhileBlockedReturnsCancelled(t *testing.T) {
	q := reqqueue.NewQueue(8, true)
	be := newMemBackend(4096)
	releaseFirst := make(chan struct{})
	tp := NewBackend(&gatedBackend{memBackend: be, release: releaseFirst}, q, 512, false, nil, nil)
	defer tp.Close()

	firstDone := make(chan error, 1)
	_, ok := tp.Submit(Request{
		Op:     reqqueue.OpWrite,
		Offset: 0,
		Buf:    make([]byte, 512),
		Done:   func(n int, err error) { firstDone <- err },
	})
	if !ok {
		t.Fatal("Submit(first) failed")
	}

	secondDone := make(chan error, 1)
	second, ok := tp.Submit(Request{
		Op:     reqqueue.OpWrite,
		Offset: 512,
		Buf:    make([]byte, 512),
		Done:   func(n int, err error) { secondDone <- err },
	})
	if !ok {
		t.Fatal("Submit(second) failed")
	}

	tp.Cancel(second.Index)
	close(releaseFirst)

	if err := <-firstDone; err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	select {
	case err := <-secondDone:
		if err != errCancelled {
			t.Errorf("got err=%v, want errCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled completion")
	}
}

type gatedBackend struct {
	*memBackend
	release chan struct{}
}

func (g *gatedBackend) WriteAt(p []byte, off int64) (int, error) {
	<-g.release
	return g.memBackend.WriteAt(p, off)
}
