package reqqueue

import (
	"errors"
	"testing"
)

func TestEnqueueDequeueComplete(t *testing.T) {
	q := NewQueue(4, true)

	slot, status, ok := q.Enqueue(OpWrite, 0, 512)
	if !ok || status != StatusPend {
		t.Fatalf("Enqueue = (%v, %v), want (StatusPend, true)", status, ok)
	}

	got, ok := q.Dequeue()
	if !ok || got != slot {
		t.Fatalf("Dequeue did not return the enqueued slot")
	}

	q.Complete(got, nil)
	if q.free.len != 4 {
		t.Fatalf("free list len = %d, want 4 after Complete", q.free.len)
	}
}

func TestQueueFullReturnsNotOK(t *testing.T) {
	q := NewQueue(2, false)

	_, _, ok1 := q.Enqueue(OpRead, 0, 512)
	_, _, ok2 := q.Enqueue(OpRead, 512, 512)
	_, _, ok3 := q.Enqueue(OpRead, 1024, 512)

	if !ok1 || !ok2 {
		t.Fatal("expected first two enqueues to succeed")
	}
	if ok3 {
		t.Fatal("expected third enqueue against a 2-slot queue to fail with QUEUE_FULL semantics")
	}
}

func TestOverlapInterlockBlocksThenUnblocks(t *testing.T) {
	q := NewQueue(4, true)

	first, status1, ok := q.Enqueue(OpWrite, 0, 4096)
	if !ok || status1 != StatusPend {
		t.Fatalf("first enqueue: got (%v, %v)", status1, ok)
	}

	// second write starts exactly where the first ends (offset 4096 ==
	// first's block_key of 0+4096); this is the chained-write case the
	// interlock exists for.
	second, status2, ok := q.Enqueue(OpWrite, 4096, 4096)
	if !ok {
		t.Fatal("second enqueue should still get a free slot")
	}
	if status2 != StatusBlock {
		t.Fatalf("status2 = %v, want StatusBlock for a chained range", status2)
	}

	busy, ok := q.Dequeue()
	if !ok || busy != first {
		t.Fatal("Dequeue should hand back the first (runnable) slot")
	}

	q.Complete(busy, nil)

	if second.Status != StatusPend {
		t.Fatalf("second.Status = %v, want StatusPend after the blocking slot completed", second.Status)
	}
}

// TestCancelSlotUnblocksChainedSlot cancels a slot that's itself blocking a
// chained successor, confirming CancelSlot unblocks the same way Complete
// does rather than leaving the successor stuck in StatusBlock forever.
func TestCancelSlotUnblocksChainedSlot(t *testing.T) {
	q := NewQueue(4, true)
	cancelErr := errors.New("cancelled")

	first, status1, ok := q.Enqueue(OpWrite, 0, 4096)
	if !ok || status1 != StatusPend {
		t.Fatalf("first enqueue: got (%v, %v)", status1, ok)
	}
	second, status2, ok := q.Enqueue(OpWrite, 4096, 4096)
	if !ok || status2 != StatusBlock {
		t.Fatalf("second enqueue: got (%v, %v), want StatusBlock", status2, ok)
	}

	if !q.CancelSlot(first.Index, cancelErr) {
		t.Fatal("CancelSlot on a still-pending slot should succeed")
	}
	if first.Status != StatusFree || first.Err != cancelErr {
		t.Fatalf("first after CancelSlot: status=%v err=%v", first.Status, first.Err)
	}
	if second.Status != StatusPend {
		t.Fatalf("second.Status = %v, want StatusPend once its blocker is cancelled", second.Status)
	}
}

// TestCancelSlotRejectsBusySlot confirms CancelSlot refuses a slot already
// dispatched to a worker — FindBusy is the caller's signal to fall back to
// an in-flight cancellation gate instead.
func TestCancelSlotRejectsBusySlot(t *testing.T) {
	q := NewQueue(4, false)

	slot, _, ok := q.Enqueue(OpRead, 0, 512)
	if !ok {
		t.Fatal("enqueue failed")
	}
	if _, ok := q.Dequeue(); !ok {
		t.Fatal("dequeue failed")
	}

	if q.FindBusy(slot.Index) == nil {
		t.Fatal("FindBusy should find the dequeued slot on the busy list")
	}
	if q.CancelSlot(slot.Index, errors.New("cancelled")) {
		t.Fatal("CancelSlot should refuse a slot already on the busy list")
	}
}

func TestCancelPendingFreesSlotsWithError(t *testing.T) {
	q := NewQueue(3, false)
	cancelErr := errors.New("cancelled")

	slot, _, ok := q.Enqueue(OpRead, 0, 512)
	if !ok {
		t.Fatal("enqueue failed")
	}

	n := q.CancelPending(cancelErr)
	if n != 1 {
		t.Fatalf("CancelPending freed %d slots, want 1", n)
	}
	if slot.Status != StatusFree || slot.Err != cancelErr {
		t.Fatalf("slot after cancel: status=%v err=%v", slot.Status, slot.Err)
	}
}
