package reqqueue

import "github.com/bytedance/gopkg/lang/mcache"

// GetBuffer returns a pooled byte slice of at least the requested size.
// Nothing in this module calls it: align takes its bounce buffers from
// mcache directly. Unlike the
// fixed 128K/256K/512K/1M sync.Pool buckets this queue's teacher hand-rolls,
// mcache classes sizes across a denser ladder, so odd request sizes (a
// 300-byte head/tail bounce read, say) don't round all the way up to 128K.
func GetBuffer(size uint32) []byte {
	return mcache.Malloc(int(size))
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool.
func PutBuffer(buf []byte) {
	mcache.Free(buf)
}
