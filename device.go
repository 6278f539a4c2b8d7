// Package blockif provides the public API for a virtualized block-device
// I/O engine: open a backing file or block device, submit read/write/
// flush/discard requests against it through one of two pluggable
// backends, and get back ordering and alignment guarantees a real block
// device's driver would give a guest.
package blockif

import (
	"github.com/blockif-go/blockif/internal/backend"
	"github.com/blockif-go/blockif/internal/constants"
	"github.com/blockif-go/blockif/internal/device"
	"github.com/blockif-go/blockif/internal/reqqueue"
	"github.com/blockif-go/blockif/internal/ring"
	"github.com/blockif-go/blockif/internal/threadpool"
)

// Op identifies the kind of request a caller submits.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
)

func (op Op) toInternal() reqqueue.Op {
	switch op {
	case OpRead:
		return reqqueue.OpRead
	case OpWrite:
		return reqqueue.OpWrite
	case OpFlush:
		return reqqueue.OpFlush
	case OpDiscard:
		return reqqueue.OpDiscard
	default:
		return reqqueue.OpRead
	}
}

// Request is one unit of work a caller submits to a Device queue.
type Request struct {
	// Queue selects which queue (0..queueNum-1, the queues opened at
	// construction) this request is serialized against.
	Queue int
	// Offset is the byte offset into the device.
	Offset int64
	// Buf is the I/O buffer: filled on a read completion, the source
	// data for a write, or for a discard either a packed array of
	// {sector,num_sectors,flags} records (when IovCnt == 1) or ignored
	// (the range comes from Offset/len(Buf) instead).
	Buf []byte
	// IovCnt mirrors a caller's iovcnt: for a discard request, exactly 1
	// selects the multi-range record-array convention; any other value
	// selects the single-range convention derived from Offset/len(Buf).
	// Ignored for read/write/flush.
	IovCnt int
	// Done is invoked exactly once when the request completes
	// (successfully, with an error, or cancelled): on a backend goroutine,
	// or, for a request cancelled before it was dispatched, on the
	// goroutine that calls Cancel.
	Done func(n int, err error)

	slotIdx int
	queue   int
	handle  queueBackend
	pending bool
}

// queueBackend is the minimal contract both concrete backends (thread-pool
// and ring) expose to Device, letting it dispatch a Request without caring
// which one is driving a given queue.
type queueBackend interface {
	submit(op reqqueue.Op, offset int64, buf []byte, iovCnt int, done func(int, error)) (*reqqueue.Slot, bool)
	cancel(idx int) bool
	close()
}

type tpHandle struct{ b *threadpool.Backend }

func (h tpHandle) submit(op reqqueue.Op, offset int64, buf []byte, iovCnt int, done func(int, error)) (*reqqueue.Slot, bool) {
	return h.b.Submit(threadpool.Request{Op: op, Offset: offset, Buf: buf, IovCnt: iovCnt, Done: done})
}
func (h tpHandle) cancel(idx int) bool { return h.b.Cancel(idx) }
func (h tpHandle) close()              { h.b.Close() }

type ringHandle struct{ b *ring.Backend }

func (h ringHandle) submit(op reqqueue.Op, offset int64, buf []byte, iovCnt int, done func(int, error)) (*reqqueue.Slot, bool) {
	return h.b.Submit(ring.Request{Op: op, Offset: offset, Buf: buf, IovCnt: iovCnt, Done: done})
}
func (h ringHandle) cancel(idx int) bool { return h.b.Cancel(idx) }
func (h ringHandle) close()              { h.b.Close() }

// Device is a virtualized block device: a backing descriptor plus one
// queueBackend per queue.
type Device struct {
	desc     *device.Descriptor
	handles  []queueBackend
	metrics  *Metrics
	observer Observer
	logger   Logger
}

// Open parses optstr (the §4.3 option-string grammar — "path[,opt=val...]")
// and opens queueNum independent queues against it, each driven by either
// a thread-pool or a ring backend depending on the "aio=" option.
func Open(optstr string, queueNum int, logger Logger, observer Observer) (*Device, error) {
	desc, err := device.Open(optstr, queueNum)
	if err != nil {
		return nil, WrapError("Open", err)
	}

	if observer == nil {
		observer = &NoOpObserver{}
	}

	d := &Device{
		desc:     desc,
		handles:  make([]queueBackend, queueNum),
		metrics:  NewMetrics(),
		observer: observer,
		logger:   logger,
	}

	be := desc.AsBackend()
	obs := &metricsBackendObserver{m: d.metrics, o: observer}

	for i, q := range desc.Queues {
		switch desc.AIOMode() {
		case constants.AIORing:
			fd := int(desc.File().Fd())
			rb, err := ring.NewBackend(fd, be, q, desc.SectorSize(), desc.BypassHostCache(), desc.WCE, obs)
			if err != nil {
				d.closeOpenedHandles(i)
				desc.Close()
				return nil, NewQueueError("Open", i, ErrCodeFatal, err.Error())
			}
			d.handles[i] = ringHandle{b: rb}
		default:
			tb := threadpool.NewBackend(be, q, desc.SectorSize(), desc.BypassHostCache(), loggerAdapter{logger}, obs)
			d.handles[i] = tpHandle{b: tb}
		}
	}

	return d, nil
}

func (d *Device) closeOpenedHandles(upTo int) {
	for i := 0; i < upTo; i++ {
		if d.handles[i] != nil {
			d.handles[i].close()
		}
	}
}

// Submit dispatches req against req.Queue's backend, returning a
// *Error(ErrCodeQueueFull) if that queue has no free slot. req.Done fires
// asynchronously once the request completes; Submit itself never blocks
// on I/O.
func (d *Device) Submit(req *Request, op Op) error {
	if req.Queue < 0 || req.Queue >= len(d.handles) {
		return NewQueueError("Submit", req.Queue, ErrCodeInvalid, "queue index out of range")
	}
	handle := d.handles[req.Queue]

	slot, ok := handle.submit(op.toInternal(), req.Offset, req.Buf, req.IovCnt, req.Done)
	if !ok {
		return NewQueueError("Submit", req.Queue, ErrCodeQueueFull, "no free request slot")
	}
	req.slotIdx = slot.Index
	req.queue = req.Queue
	req.handle = handle
	req.pending = true
	return nil
}

// Cancel best-effort cancels a previously Submitted, still in-flight
// request. A request whose backend call has already started still runs to
// completion; Done still fires, just not with ErrCodeBusyCancelled in that
// case.
func (d *Device) Cancel(req *Request) error {
	if !req.pending || req.handle == nil {
		return NewQueueError("Cancel", req.queue, ErrCodeInvalid, "request is not pending")
	}
	if !req.handle.cancel(req.slotIdx) {
		return NewQueueError("Cancel", req.queue, ErrCodeNotFound, "slot already completed or unknown")
	}
	return nil
}

// Close shuts every queue's backend down and closes the backing
// descriptor.
func (d *Device) Close() error {
	for _, h := range d.handles {
		if h != nil {
			h.close()
		}
	}
	return d.desc.Close()
}

// FlushAll fsyncs the backing file directly, bypassing every queue. This is
// the unconditional flush a caller issues around a snapshot or pause point,
// as opposed to a per-request OpFlush that goes through the normal queue
// ordering.
func (d *Device) FlushAll() error {
	return d.desc.File().Sync()
}

// CHS returns the cylinder/head/sector geometry a legacy guest BIOS needs,
// computed by the same algorithm as a VHD footer's.
func (d *Device) CHS() (cylinders uint16, heads uint8, sectorsPerTrack uint8) {
	return d.desc.CHS()
}

func (d *Device) Size() int64                      { return d.desc.Size() }
func (d *Device) LogicalSectorSize() uint32         { return d.desc.SectorSize() }
func (d *Device) PhysicalSectorSize() uint32        { return d.desc.PhysSectorSize() }
func (d *Device) PhysicalSectorOffset() uint32      { return d.desc.PhysSectorOffset() }
func (d *Device) QueueDepth() int                   { return d.desc.QueueDepth() }
func (d *Device) ReadOnly() bool                    { return d.desc.ReadOnly() }
func (d *Device) CanDiscard() bool                  { return d.desc.CanDiscard() }
func (d *Device) MaxDiscardSectors() int64          { return d.desc.MaxDiscardSectors() }
func (d *Device) MaxDiscardSegments() int64         { return d.desc.MaxDiscardSeg() }
func (d *Device) DiscardSectorAlignment() int64     { return d.desc.DiscardSectorAlignment() }
func (d *Device) WriteCacheEnabled() bool           { return d.desc.WCE() }
func (d *Device) SetWriteCacheEnabled(enabled bool) { d.desc.SetWCE(enabled) }
func (d *Device) Metrics() MetricsSnapshot          { return d.metrics.Snapshot() }

// loggerAdapter satisfies internal/backend.Logger against the root Logger
// interface, tolerating a nil Logger (no logging configured).
type loggerAdapter struct{ l Logger }

func (a loggerAdapter) Printf(format string, args ...interface{}) {
	if a.l != nil {
		a.l.Printf(format, args...)
	}
}

func (a loggerAdapter) Debugf(format string, args ...interface{}) {
	if a.l != nil {
		a.l.Debugf(format, args...)
	}
}

// metricsBackendObserver fans every internal/backend.Observer callback out
// to both this Device's own Metrics counters and the caller-supplied
// Observer, so MetricsSnapshot stays authoritative regardless of whether
// the caller wired a custom Observer.
type metricsBackendObserver struct {
	m *Metrics
	o Observer
}

func (b *metricsBackendObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	b.m.RecordRead(bytes, latencyNs, success)
	b.o.ObserveRead(bytes, latencyNs, success)
}
func (b *metricsBackendObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	b.m.RecordWrite(bytes, latencyNs, success)
	b.o.ObserveWrite(bytes, latencyNs, success)
}
func (b *metricsBackendObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	b.m.RecordDiscard(bytes, latencyNs, success)
	b.o.ObserveDiscard(bytes, latencyNs, success)
}
func (b *metricsBackendObserver) ObserveFlush(latencyNs uint64, success bool) {
	b.m.RecordFlush(latencyNs, success)
	b.o.ObserveFlush(latencyNs, success)
}
func (b *metricsBackendObserver) ObserveQueueDepth(depth uint32) {
	b.m.RecordQueueDepth(depth)
	b.o.ObserveQueueDepth(depth)
}
func (b *metricsBackendObserver) ObserveCancel() {
	b.m.RecordCancel()
	b.o.ObserveCancel()
}
func (b *metricsBackendObserver) ObserveBlockedSlots(n int64) {
	b.m.SetBlockedSlots(n)
	b.o.ObserveBlockedSlots(n)
}

var _ backend.Observer = (*metricsBackendObserver)(nil)

// Logger is the minimal logging contract Open accepts; *logging.Logger
// satisfies it.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	default:
		return "unknown"
	}
}
