package blockif

import "github.com/blockif-go/blockif/internal/constants"

// Re-exported tunables. Kept as a thin alias layer so callers outside this
// module never need to import internal/constants directly.
const (
	NumThreads                = constants.NumThreads
	MaxRequests               = constants.MaxRequests
	DefaultLogicalBlockSize   = constants.DefaultLogicalBlockSize
	DefaultMaxIOSize          = constants.DefaultMaxIOSize
	DefaultDiscardAlignment   = constants.DefaultDiscardAlignment
	DefaultDiscardGranularity = constants.DefaultDiscardGranularity
	DefaultMaxDiscardSectors  = constants.DefaultMaxDiscardSectors
	MaxDiscardSegment         = constants.MaxDiscardSegment
	AutoAssignQueueNum        = constants.AutoAssignQueueNum
)

// AIOMode selects which backend drives a Descriptor's queues.
type AIOMode = constants.AIOMode

const (
	AIOThreads = constants.AIOThreads
	AIORing    = constants.AIORing
)
