// Package align computes, and carries out, the aligned-bounce-buffer
// conversion a request needs when the backing file was opened O_DIRECT and
// the request's offset/length/buffer don't already satisfy the device's
// alignment requirement.
package align

import "github.com/bytedance/gopkg/lang/mcache"

// Info describes how (and whether) a request must be bounced through an
// aligned scratch buffer before hitting an O_DIRECT-opened backend.
//
//	|<------------------------------- BouncedSize -------------------------->|
//	|<---- Alignment --->|                                 |<---- Alignment --->|
//	|<-- Head -->|<----------------- OrgSize ------------------>|<-- Tail -->|
//	|            |                                                |           |
//	*------------$--------------------- ... ---------------------$-----------*
//	|            |                                                |           |
//	|          start                                             end          |
//	AlignedDnStart                                              AlignedDnEnd
//
// Head is non-zero when start isn't a multiple of Alignment; Tail is
// non-zero when end isn't. When both the offset and every buffer segment
// are already aligned, NeedConversion is false and BounceBuf stays nil.
type Info struct {
	Alignment uint32

	Head uint32
	Tail uint32

	OrgSize     int64
	BouncedSize int64

	AlignedDnStart int64
	AlignedDnEnd   int64

	IsOffsetAligned  bool
	IsIovBaseAligned bool
	IsIovLenAligned  bool
	NeedConversion   bool

	// BounceBuf is the single contiguous scratch buffer used for the
	// aligned READ/WRITE, sized BouncedSize and allocated from mcache.
	// Nil unless NeedConversion is true.
	BounceBuf []byte
}

// iovIsLenAligned reports whether every segment's length is a multiple of
// alignment — only the last segment is allowed to be short in principle,
// but block_if.c's is_iov_len_aligned checks every one, so this does too.
func iovIsLenAligned(iov [][]byte, alignment uint32) bool {
	for _, seg := range iov {
		if len(seg)%int(alignment) != 0 {
			return false
		}
	}
	return true
}

func iovTotalLen(iov [][]byte) int64 {
	var n int64
	for _, seg := range iov {
		n += int64(len(seg))
	}
	return n
}

// ComputeInfo derives alignment bookkeeping for a request whose data lives
// in iov — an ordered vector of scatter/gather segments, exactly as a
// caller's iov[]/iovcnt pair would be represented — starting at the given
// absolute offset, against a backend opened with O_DIRECT (bypassHostCache)
// and the given sector-size alignment.
func ComputeInfo(offset int64, iov [][]byte, alignment uint32, bypassHostCache bool) *Info {
	info := &Info{Alignment: alignment}

	if !bypassHostCache {
		info.NeedConversion = false
		return info
	}

	info.IsOffsetAligned = offset%int64(alignment) == 0
	info.IsIovBaseAligned = true // no portable base-address check without unsafe
	info.IsIovLenAligned = iovIsLenAligned(iov, alignment)
	info.OrgSize = iovTotalLen(iov)

	allAligned := info.IsOffsetAligned && info.IsIovBaseAligned && info.IsIovLenAligned
	if allAligned {
		info.NeedConversion = false
		return info
	}
	info.NeedConversion = true

	head := offset % int64(alignment)
	info.Head = uint32(head)
	info.AlignedDnStart = offset - head

	end := offset + info.OrgSize
	endRmd := end % int64(alignment)
	if endRmd == 0 {
		info.Tail = 0
	} else {
		info.Tail = uint32(int64(alignment) - endRmd)
	}
	info.AlignedDnEnd = end - endRmd

	info.BouncedSize = int64(info.Head) + info.OrgSize + int64(info.Tail)

	return info
}

// AlignedReader reads exactly len(p) bytes at an aligned offset, used to
// fetch the head/tail areas that straddle a request's own span.
type AlignedReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// AllocateBounce allocates Info.BounceBuf, sized BouncedSize. No-op if
// NeedConversion is false.
func (info *Info) AllocateBounce() {
	if !info.NeedConversion {
		return
	}
	info.BounceBuf = mcache.Malloc(int(info.BouncedSize))
}

// Release returns BounceBuf to the pool. Safe to call on an Info that never
// allocated one.
func (info *Info) Release() {
	if info.BounceBuf == nil {
		return
	}
	mcache.Free(info.BounceBuf)
	info.BounceBuf = nil
}

// FillForWrite constructs the bounced write buffer: head-area and tail-area
// data read from the backend (via r) flanking the caller's own iov segments,
// copied in contiguously in order. Must be called after AllocateBounce,
// before the aligned write is issued.
func (info *Info) FillForWrite(r AlignedReader, iov [][]byte) error {
	if !info.NeedConversion {
		return nil
	}

	done := 0
	if info.Head != 0 {
		headArea := make([]byte, info.Alignment)
		if _, err := r.ReadAt(headArea, info.AlignedDnStart); err != nil {
			return err
		}
		copy(info.BounceBuf[:info.Head], headArea[:info.Head])
		done += int(info.Head)
	}

	for _, seg := range iov {
		copy(info.BounceBuf[done:done+len(seg)], seg)
		done += len(seg)
	}

	if info.Tail != 0 {
		tailArea := make([]byte, info.Alignment)
		if _, err := r.ReadAt(tailArea, info.AlignedDnEnd); err != nil {
			return err
		}
		copy(info.BounceBuf[done:done+int(info.Tail)], tailArea[info.Alignment-info.Tail:])
	}

	return nil
}

// DrainForRead fans the aligned-read result back out into the caller's
// original iov segments, in order, skipping the Head bytes of head-area
// padding.
func (info *Info) DrainForRead(iov [][]byte) {
	if !info.NeedConversion {
		return
	}
	pos := info.Head
	for _, seg := range iov {
		n := copy(seg, info.BounceBuf[pos:pos+uint32(len(seg))])
		pos += uint32(n)
	}
}
