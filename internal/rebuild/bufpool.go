package rebuild

import "sync"

// Segment-copy buffers are reused across copySegment calls to avoid a hot
// allocation per segment; sized around the 64KiB default segment so the
// common case takes one bucket, with a 256KiB/1MiB tier above it for
// larger configured segment sizes, using fixed-size bucketed sync.Pools.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.
const (
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
)

var segmentBufPool = struct {
	pool64k  sync.Pool
	pool256k sync.Pool
	pool1m   sync.Pool
}{
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// getSegmentBuffer returns a pooled buffer of at least size bytes, or an
// ad hoc allocation for anything larger than the biggest bucket. Callers
// must return it via putSegmentBuffer.
func getSegmentBuffer(size int) []byte {
	switch {
	case size <= size64k:
		return (*segmentBufPool.pool64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*segmentBufPool.pool256k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*segmentBufPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// putSegmentBuffer returns buf to the pool its capacity matches. Buffers
// of non-standard capacity (the ad hoc oversize case) are simply dropped.
func putSegmentBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size64k:
		segmentBufPool.pool64k.Put(&buf)
	case size256k:
		segmentBufPool.pool256k.Put(&buf)
	case size1m:
		segmentBufPool.pool1m.Put(&buf)
	}
}
