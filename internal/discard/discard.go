// Package discard resolves a discard Request's buffer into the concrete
// byte ranges to punch, implementing the dual convention
// blockif_process_discard supports: a single iov carrying a packed array of
// sector ranges (the virtio-blk convention), or one range derived from the
// request's own offset/length (the AHCI convention).
package discard

import (
	"encoding/binary"
	"fmt"
)

const (
	devBlockSize = 512
	recordSize   = 16 // uint64 sector + uint32 num_sectors + uint32 flags, no padding
)

// Range is one resolved [Offset, Offset+Length) byte span to discard.
type Range struct {
	Offset int64
	Length int64
}

// Validator checks one resolved range against a backend's bounds and
// tunables (size, max_discard_sectors, discard_sector_alignment).
type Validator func(offset, length int64) error

// Resolve turns a discard Request's (iovCnt, offset, buf) into the ranges to
// punch. iovCnt == 1 selects the multi-range convention: buf is a packed
// array of {sector uint64; num_sectors uint32; flags uint32} records, one
// per range. Any other iovCnt selects the single-range convention: one range
// derived directly from offset/len(buf).
//
// Every candidate range is validated before any is returned, mirroring
// blockif_process_discard's two-pass structure: a later record failing
// validation must abort the whole request before an earlier valid range is
// ever punched.
func Resolve(iovCnt int, offset int64, buf []byte, maxSegments int64, validate Validator) ([]Range, error) {
	if iovCnt == 1 {
		return resolveMultiRange(buf, maxSegments, validate)
	}
	r := Range{Offset: offset, Length: int64(len(buf))}
	if err := validate(r.Offset, r.Length); err != nil {
		return nil, err
	}
	return []Range{r}, nil
}

// resolveMultiRange parses buf as a packed array of discard records (the
// virtio-blk convention) and validates every one before returning any.
func resolveMultiRange(buf []byte, maxSegments int64, validate Validator) ([]Range, error) {
	if len(buf)%recordSize != 0 {
		return nil, fmt.Errorf("discard buffer length %d is not a multiple of record size %d", len(buf), recordSize)
	}
	n := len(buf) / recordSize
	ranges := make([]Range, n)

	for i := 0; i < n; i++ {
		if int64(i+1) > maxSegments {
			return nil, fmt.Errorf("discard segment count %d exceeds max_discard_seg=%d", n, maxSegments)
		}

		rec := buf[i*recordSize : (i+1)*recordSize]
		sector := binary.LittleEndian.Uint64(rec[0:8])
		numSectors := binary.LittleEndian.Uint32(rec[8:12])

		r := Range{
			Offset: int64(sector) * devBlockSize,
			Length: int64(numSectors) * devBlockSize,
		}
		if err := validate(r.Offset, r.Length); err != nil {
			return nil, fmt.Errorf("discard range %d [%d,%d): %w", i, r.Offset, r.Offset+r.Length, err)
		}
		ranges[i] = r
	}

	return ranges, nil
}
