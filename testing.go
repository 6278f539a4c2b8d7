package blockif

import (
	"sync"

	"github.com/blockif-go/blockif/internal/backend"
	"github.com/blockif-go/blockif/internal/constants"
)

// MockBackend is an in-memory backend.Backend/DiscardBackend implementation
// for unit tests, tracking call counts so a test can assert which
// operations the code under test actually issued.
type MockBackend struct {
	mu     sync.Mutex
	data   []byte
	size   int64
	closed bool

	readCalls    int
	writeCalls   int
	flushCalls   int
	discardCalls int
}

// NewMockBackend creates a mock backend of the given size, zero-filled.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{data: make([]byte, size), size: size}
}

func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++

	if m.closed {
		return 0, NewError("ReadAt", ErrCodeNotFound, "backend is closed")
	}
	if off < 0 || off >= m.size {
		return 0, nil
	}

	avail := m.size - off
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++

	if m.closed {
		return 0, NewError("WriteAt", ErrCodeNotFound, "backend is closed")
	}
	if off < 0 || off >= m.size {
		return 0, NewError("WriteAt", ErrCodeInvalid, "offset out of range")
	}

	avail := m.size - off
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

func (m *MockBackend) Size() int64 { return m.size }

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

// Discard zero-fills [offset, offset+length), clamped to the backend's
// size, matching what BLKDISCARD/FALLOC_FL_PUNCH_HOLE do to real storage.
func (m *MockBackend) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardCalls++

	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// MaxDiscardSegments reports how many ranges a single multi-range discard
// request against this mock backend may carry.
func (m *MockBackend) MaxDiscardSegments() int64 { return constants.MaxDiscardSegment }

// ValidateDiscardRange checks one resolved range against this mock's size.
func (m *MockBackend) ValidateDiscardRange(offset, length int64) error {
	if length == 0 || offset+length > m.size {
		return NewError("ValidateDiscardRange", ErrCodeInvalid, "discard range exceeds device bounds")
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (m *MockBackend) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts reports how many times each operation has been issued, for
// assertions like "exactly one flush went through".
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"read":    m.readCalls,
		"write":   m.writeCalls,
		"flush":   m.flushCalls,
		"discard": m.discardCalls,
	}
}

var (
	_ backend.Backend        = (*MockBackend)(nil)
	_ backend.DiscardBackend = (*MockBackend)(nil)
)
