// Package reqqueue implements the free/pending/busy request-slot queue and
// its overlap interlock: a later request whose start offset equals the end
// offset of one already pending or in flight waits rather than racing it.
package reqqueue

import (
	"sync"
	"sync/atomic"
)

// Op identifies the kind of work a Slot carries.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
)

// Status mirrors the BST_* slot states from the source this queue was
// distilled from: a slot moves Free -> (Pend|Block) -> Busy -> Free.
// StatusDone is defined, and Complete accepts it, but no code in this module
// sets it.
type Status int

const (
	StatusFree Status = iota
	StatusPend
	StatusBlock
	StatusBusy
	StatusDone
)

// Slot is one fixed, reusable request-tracking record. Queue preallocates
// MaxRequests of these; they're never individually freed.
type Slot struct {
	Index  int
	Status Status
	Op     Op
	Offset int64
	Length int64

	// blockKey is the end-offset heuristic used to detect candidate
	// overlap: a new request whose start offset equals this slot's end
	// offset (Offset+Length) is treated as touching it, exactly as the
	// source's block_key does.
	blockKey int64

	// Result is set by the worker that completes this slot, and read by
	// whatever goroutine is waiting on it via Dequeue's caller.
	Err error

	next, prev int // intrusive list links (index into Queue.slots, or -1)
}

const listEnd = -1

// list is an intrusive doubly-linked list over Queue.slots, identical in
// spirit to the three TAILQs (freeq/pendq/busyq) the source keeps.
type list struct {
	head, tail int
	len        int
}

func newList() list { return list{head: listEnd, tail: listEnd} }

func (q *Queue) listPushTail(l *list, idx int) {
	s := &q.slots[idx]
	s.next = listEnd
	s.prev = l.tail
	if l.tail != listEnd {
		q.slots[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.len++
}

func (q *Queue) listRemove(l *list, idx int) {
	s := &q.slots[idx]
	if s.prev != listEnd {
		q.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != listEnd {
		q.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.next, s.prev = listEnd, listEnd
	l.len--
}

func (q *Queue) listPopFront(l *list) (int, bool) {
	if l.head == listEnd {
		return 0, false
	}
	idx := l.head
	q.listRemove(l, idx)
	return idx, true
}

// Queue is one device queue's slot arena plus free/pend/busy bookkeeping.
// bstBlock enables the overlap interlock; the ring backend runs with it
// forced off since a single-threaded reactor already serializes everything.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots []Slot
	free  list
	pend  list
	busy  list

	bstBlock bool
	closing  bool
	inFlight atomic.Int64
}

// NewQueue allocates a queue with the given number of slots, all starting
// on the free list.
func NewQueue(maxReq int, bstBlock bool) *Queue {
	q := &Queue{
		slots:    make([]Slot, maxReq),
		free:     newList(),
		pend:     newList(),
		busy:     newList(),
		bstBlock: bstBlock,
	}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.slots {
		q.slots[i] = Slot{Index: i, Status: StatusFree, next: listEnd, prev: listEnd}
		q.listPushTail(&q.free, i)
	}
	return q
}

// Enqueue claims a free slot for a new request and places it on the pend
// list, applying the overlap interlock when enabled. The returned Status is
// StatusPend (runnable immediately) or StatusBlock (parked behind an
// overlapping in-flight request) — tri-state, resolving the ambiguity in
// the source this was distilled from where a single boolean return can't
// tell "no free slot" apart from "slot created but blocked". ok is false
// only when the queue has no free slot (QUEUE_FULL) or is closing.
func (q *Queue) Enqueue(op Op, offset, length int64) (slot *Slot, status Status, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closing {
		return nil, StatusFree, false
	}

	idx, has := q.listPopFront(&q.free)
	if !has {
		return nil, StatusFree, false
	}

	s := &q.slots[idx]
	s.Op = op
	s.Offset = offset
	s.Length = length
	s.Err = nil

	blockKey := blockKeyFor(op, offset, length)
	s.blockKey = blockKey
	s.Status = StatusPend

	if q.bstBlock {
		if q.overlaps(&q.pend, offset) || q.overlaps(&q.busy, offset) {
			s.Status = StatusBlock
		}
	}

	q.listPushTail(&q.pend, idx)
	if s.Status == StatusPend {
		q.cond.Broadcast()
	}

	return s, s.Status, true
}

// blockKeyFor computes the end-offset heuristic the overlap scan keys on.
// Flush/Discard requests (which don't carry a single contiguous range the
// same way) use an offset far outside any real device's address space, so
// they never spuriously collide with a read/write's blockKey.
func blockKeyFor(op Op, offset, length int64) int64 {
	switch op {
	case OpRead, OpWrite:
		return offset + length
	default:
		return int64(1) << 62
	}
}

// overlaps reports whether any slot in l has a blockKey equal to offset,
// i.e. this request's start abuts an already pending/busy request's end.
func (q *Queue) overlaps(l *list, offset int64) bool {
	for idx := l.head; idx != listEnd; idx = q.slots[idx].next {
		if q.slots[idx].blockKey == offset {
			return true
		}
	}
	return false
}

// Dequeue hands the next runnable (StatusPend) slot to a worker, moving it
// to the busy list. Blocks until one becomes available or the queue closes.
func (q *Queue) Dequeue() (*Slot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if idx, ok := q.firstPend(); ok {
			q.listRemove(&q.pend, idx)
			s := &q.slots[idx]
			s.Status = StatusBusy
			q.listPushTail(&q.busy, idx)
			q.inFlight.Add(1)
			return s, true
		}
		if q.closing {
			return nil, false
		}
		q.cond.Wait()
	}
}

func (q *Queue) firstPend() (int, bool) {
	for idx := q.pend.head; idx != listEnd; idx = q.slots[idx].next {
		if q.slots[idx].Status == StatusPend {
			return idx, true
		}
	}
	return 0, false
}

// Complete returns a slot (found via busy or still-pend, e.g. a cancelled
// request) to the free list, unblocking any pend-list slot whose Offset
// equals its blockKey.
func (q *Queue) Complete(s *Slot, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := s.Index
	if s.Status == StatusDone || s.Status == StatusBusy {
		q.listRemove(&q.busy, idx)
		q.inFlight.Add(-1)
	} else {
		q.listRemove(&q.pend, idx)
	}

	if q.bstBlock {
		for i := q.pend.head; i != listEnd; i = q.slots[i].next {
			if q.slots[i].Offset == s.blockKey {
				q.slots[i].Status = StatusPend
			}
		}
	}

	s.Err = err
	s.Status = StatusFree
	q.listPushTail(&q.free, idx)
	q.cond.Broadcast()
}

// CancelPending moves every still-pending (not yet dispatched to a worker)
// slot straight to free, without running it, recording cancelErr on each
// and returning how many it freed. The backends' Close paths do not call
// it; they cancel slot by slot through CancelSlot.
func (q *Queue) CancelPending(cancelErr error) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for {
		idx, ok := q.listPopFront(&q.pend)
		if !ok {
			break
		}
		s := &q.slots[idx]
		s.Err = cancelErr
		s.Status = StatusFree
		q.listPushTail(&q.free, idx)
		n++
	}
	q.cond.Broadcast()
	return n
}

// CancelSlot frees one specific still-pending slot without running it,
// unblocking anything chained behind its blockKey exactly as Complete does.
// Returns false if idx isn't currently in pend (already dispatched to a
// worker, already completed, or unknown).
func (q *Queue) CancelSlot(idx int, cancelErr error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := &q.slots[idx]
	if s.Status != StatusPend && s.Status != StatusBlock {
		return false
	}
	q.listRemove(&q.pend, idx)

	if q.bstBlock {
		for i := q.pend.head; i != listEnd; i = q.slots[i].next {
			if q.slots[i].Offset == s.blockKey {
				q.slots[i].Status = StatusPend
			}
		}
	}

	s.Err = cancelErr
	s.Status = StatusFree
	q.listPushTail(&q.free, idx)
	q.cond.Broadcast()
	return true
}

// FindBusy returns the busy-list slot with the given index, or nil. Used by
// a cancellation path that needs to signal an in-flight worker directly.
func (q *Queue) FindBusy(index int) *Slot {
	q.mu.Lock()
	defer q.mu.Unlock()
	for idx := q.busy.head; idx != listEnd; idx = q.slots[idx].next {
		if idx == index {
			return &q.slots[idx]
		}
	}
	return nil
}

// Close marks the queue closing and wakes every blocked Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Depth returns the configured slot count (MaxRequests).
func (q *Queue) Depth() int { return len(q.slots) }

// InFlight returns the number of slots currently on the busy list.
func (q *Queue) InFlight() int64 { return q.inFlight.Load() }

// BlockedCount returns the number of slots parked in StatusBlock, i.e.
// waiting on the overlap interlock rather than runnable or in flight.
func (q *Queue) BlockedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for idx := q.pend.head; idx != listEnd; idx = q.slots[idx].next {
		if q.slots[idx].Status == StatusBlock {
			n++
		}
	}
	return n
}
