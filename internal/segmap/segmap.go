// Package segmap implements the dirty-segment bitmap used to drive rebuild
// I/O (spec §4.5). Every child device is carved into fixed-size segments;
// a set bit marks a segment that still needs copying from a healthy source.
package segmap

import (
	"fmt"
	"math/bits"
)

// Map is a bitmap of rebuild segments over a device. A zero bit is a clean
// segment, a one bit is dirty and needs transferring.
type Map struct {
	bits        []uint64
	numSegments uint64
	numBlocks   uint64
	blockLen    uint64
	segmentSize uint64
}

// New builds a segment map sized for a device of numBlocks blocks of
// blockLen bytes each, tracked at segmentSize-byte granularity. The segment
// count always rounds up, so a partial trailing segment still gets its own
// bit (segment_map.rs: div_ceil).
func New(numBlocks, blockLen, segmentSize uint64) *Map {
	if blockLen == 0 || segmentSize == 0 {
		panic("segmap: blockLen and segmentSize must be non-zero")
	}
	totalBytes := numBlocks * blockLen
	numSegments := (totalBytes + segmentSize - 1) / segmentSize
	return &Map{
		bits:        make([]uint64, (numSegments+63)/64),
		numSegments: numSegments,
		numBlocks:   numBlocks,
		blockLen:    blockLen,
		segmentSize: segmentSize,
	}
}

func (m *Map) String() string {
	return fmt.Sprintf("%d segments / %d dirty: %d blocks x %d", m.numSegments, m.CountDirtySegments(), m.numBlocks, m.blockLen)
}

// lbnToSeg calculates the index of the segment containing the given
// logical block number.
func (m *Map) lbnToSeg(lbn uint64) uint64 {
	return (lbn * m.blockLen) / m.segmentSize
}

// Set marks the segments spanned by [lbn, lbn+lbnCount) dirty or clean.
// lbnCount of 1 touches only the segment containing lbn.
func (m *Map) Set(lbn, lbnCount uint64, value bool) {
	if m.numBlocks == 0 {
		panic("segmap: map has zero blocks")
	}
	if lbnCount == 0 {
		return
	}
	startSeg := m.lbnToSeg(lbn)
	endSeg := m.lbnToSeg(lbn + lbnCount - 1)
	for seg := startSeg; seg <= endSeg; seg++ {
		m.setBit(seg, value)
	}
}

// Get returns the dirty bit of the segment containing lbn, and false if lbn
// falls outside the map.
func (m *Map) Get(lbn uint64) (bool, bool) {
	seg := m.lbnToSeg(lbn)
	if seg >= m.numSegments {
		return false, false
	}
	return m.getBit(seg), true
}

func (m *Map) setBit(seg uint64, value bool) {
	word, bit := seg/64, seg%64
	if value {
		m.bits[word] |= 1 << bit
	} else {
		m.bits[word] &^= 1 << bit
	}
}

func (m *Map) getBit(seg uint64) bool {
	word, bit := seg/64, seg%64
	return m.bits[word]&(1<<bit) != 0
}

// Merge bitwise-ORs other into m in place, and returns m. Used to combine
// the write-during-rebuild overlap map with the original partial-rebuild
// map (spec §4.5, "merge").
func (m *Map) Merge(other *Map) *Map {
	if other == nil {
		return m
	}
	if m.numSegments != other.numSegments {
		panic("segmap: cannot merge maps of different segment counts")
	}
	for i := range m.bits {
		m.bits[i] |= other.bits[i]
	}
	return m
}

// CountDirtySegments counts the segments currently marked dirty.
func (m *Map) CountDirtySegments() uint64 {
	var n uint64
	for _, w := range m.bits {
		n += uint64(bits.OnesCount64(w))
	}
	return n
}

// CountDirtyBlocks counts the total number of blocks covered by dirty
// segments. Because segments always round up, this may slightly
// overcount the true dirty range — intentionally, since rebuild must
// always err toward copying more rather than less (spec §4.5 invariant).
func (m *Map) CountDirtyBlocks() uint64 {
	return m.CountDirtySegments() * m.segmentSize / m.blockLen
}

// SegmentSizeBlocks returns the segment size expressed in blocks.
func (m *Map) SegmentSizeBlocks() uint64 {
	return m.segmentSize / m.blockLen
}

// SizeBlocks returns the full size referenced by the bitmap, in blocks.
func (m *Map) SizeBlocks() uint64 {
	return m.numBlocks
}

// NumSegments returns the total number of segments tracked.
func (m *Map) NumSegments() uint64 {
	return m.numSegments
}

