package discard

import (
	"encoding/binary"
	"testing"
)

func packRecord(sector uint64, numSectors, flags uint32) []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(b[0:8], sector)
	binary.LittleEndian.PutUint32(b[8:12], numSectors)
	binary.LittleEndian.PutUint32(b[12:16], flags)
	return b
}

func alwaysValid(offset, length int64) error { return nil }

func TestResolveSingleRangeConvention(t *testing.T) {
	ranges, err := Resolve(2, 4096, make([]byte, 512), 256, alwaysValid)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ranges) != 1 || ranges[0].Offset != 4096 || ranges[0].Length != 512 {
		t.Errorf("ranges = %+v, want one range [4096,4608)", ranges)
	}
}

func TestResolveMultiRangeConvention(t *testing.T) {
	var buf []byte
	buf = append(buf, packRecord(0, 8, 0)...)   // sectors [0,8) -> bytes [0,4096)
	buf = append(buf, packRecord(8, 8, 0)...)   // sectors [8,16) -> bytes [4096,8192)

	ranges, err := Resolve(1, 0, buf, 256, alwaysValid)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("len(ranges) = %d, want 2", len(ranges))
	}
	if ranges[0].Offset != 0 || ranges[0].Length != 4096 {
		t.Errorf("ranges[0] = %+v, want [0,4096)", ranges[0])
	}
	if ranges[1].Offset != 4096 || ranges[1].Length != 4096 {
		t.Errorf("ranges[1] = %+v, want [4096,8192)", ranges[1])
	}
}

// TestResolveMultiRangeFailsBeforePunchingAny confirms a later invalid
// record aborts the whole request (validation runs as a separate pass from
// execution in the caller) rather than letting earlier valid ranges through
// first.
func TestResolveMultiRangeFailsBeforePunchingAny(t *testing.T) {
	var buf []byte
	buf = append(buf, packRecord(0, 8, 0)...) // valid
	buf = append(buf, packRecord(1, 8, 0)...) // misaligned per validate below

	validate := func(offset, length int64) error {
		if offset%4096 != 0 {
			return errMisaligned
		}
		return nil
	}

	ranges, err := Resolve(1, 0, buf, 256, validate)
	if err == nil {
		t.Fatal("expected an error from the misaligned second record")
	}
	if ranges != nil {
		t.Error("expected no ranges returned once any record fails validation")
	}
}

func TestResolveMultiRangeRejectsTooManySegments(t *testing.T) {
	var buf []byte
	for i := 0; i < 3; i++ {
		buf = append(buf, packRecord(uint64(i*8), 8, 0)...)
	}
	_, err := Resolve(1, 0, buf, 2, alwaysValid)
	if err == nil {
		t.Fatal("expected an error when segment count exceeds maxSegments")
	}
}

func TestResolveMultiRangeRejectsTruncatedBuffer(t *testing.T) {
	_, err := Resolve(1, 0, make([]byte, recordSize+1), 256, alwaysValid)
	if err == nil {
		t.Fatal("expected an error for a buffer that isn't a multiple of the record size")
	}
}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

var errMisaligned = &sentinelErr{"misaligned"}
