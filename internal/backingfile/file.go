// Package backingfile provides an in-memory backend.Backend implementation,
// useful as a benchmark target and as the backing store for tests that
// don't want to touch a real file or block device.
package backingfile

import (
	"fmt"
	"sync"

	"github.com/blockif-go/blockif/internal/backend"
	"github.com/blockif-go/blockif/internal/constants"
)

// ShardSize is the size of each memory shard. Locking per-shard instead of
// per-backend lets concurrent I/O from independent queues actually run in
// parallel as long as their ranges land in different shards.
const ShardSize = 64 * 1024

// Memory is a RAM-backed backend.Backend/DiscardBackend.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a zero-filled memory backend of the given size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

func (m *Memory) Size() int64  { return m.size }
func (m *Memory) Close() error { m.data = nil; return nil }
func (m *Memory) Flush() error { return nil }

// Discard zero-fills [offset, offset+length) under the covering shards'
// write locks, same locking discipline as WriteAt.
func (m *Memory) Discard(offset, length int64) error {
	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}

	startShard, endShard := m.shardRange(offset, end-offset)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// MaxDiscardSegments reports how many ranges a single multi-range discard
// request against this backend may carry. A RAM backend has no hardware
// segment limit, so it reports constants.MaxDiscardSegment (the descriptor
// package's own fallback, when its options give no segment count, is 1).
func (m *Memory) MaxDiscardSegments() int64 { return constants.MaxDiscardSegment }

// ValidateDiscardRange checks one resolved range against this backend's
// size; a RAM backend has no sector-alignment or max-sectors tunable.
func (m *Memory) ValidateDiscardRange(offset, length int64) error {
	if length == 0 || offset+length > m.size {
		return fmt.Errorf("discard range [%d,%d) exceeds device bounds", offset, offset+length)
	}
	return nil
}

var (
	_ backend.Backend        = (*Memory)(nil)
	_ backend.DiscardBackend = (*Memory)(nil)
)
