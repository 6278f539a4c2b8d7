// Package constants collects the tunables shared across the queue,
// device-descriptor, and backend packages.
package constants

// NumThreads is the number of worker goroutines the thread-pool backend runs
// per queue (BLOCKIF_NUMTHR in the source this was distilled from).
const NumThreads = 8

// MaxRequests is the fixed number of slots allocated per queue
// (BLOCKIF_MAXREQ = 64 + NUMTHR). Queue depth, as reported to callers, is
// MaxRequests-1, but Enqueue hands out all MaxRequests slots before it
// reports the queue full.
const MaxRequests = 64 + NumThreads

// DefaultLogicalBlockSize is the default logical sector size in bytes.
const DefaultLogicalBlockSize = 512

// DefaultMaxIOSize is a request-size default exported for callers; no code
// in this module enforces it on a read/write request.
const DefaultMaxIOSize = 1 << 20

// DefaultDiscardAlignment and DefaultDiscardGranularity are discard defaults
// exported for callers; Open does not apply them (a discard alignment not
// given in the option string stays 0).
const (
	DefaultDiscardAlignment   = 4096
	DefaultDiscardGranularity = 4096
)

// DefaultMaxDiscardSectors and MaxDiscardSegment are per-request discard
// limits (total sectors, number of ranges). Open does not use them: it
// derives its own limits from the device size and options; MaxDiscardSegment
// is the segment limit of the in-memory and mock backends.
const (
	DefaultMaxDiscardSectors = 0xffffffff
	MaxDiscardSegment        = 256
)

// AutoAssignQueueNum is the queue count a caller passes when it has no
// explicit count; Open treats it, like any value <= 0, as a single queue.
const AutoAssignQueueNum = -1

// IOBufferSizePerSlot is a per-slot buffer size exported for callers; no
// per-slot scratch buffer exists, and every bounce buffer comes from mcache.
const IOBufferSizePerSlot = 64 * 1024

// AIOMode selects which backend a Descriptor's queues are driven by.
type AIOMode int

const (
	// AIOThreads drives queues with the goroutine worker-pool backend.
	AIOThreads AIOMode = iota
	// AIORing drives queues with the io_uring-submitted backend.
	AIORing
)
