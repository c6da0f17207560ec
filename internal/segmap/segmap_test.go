package segmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRoundsSegmentCountUp(t *testing.T) {
	// 10 blocks x 512B = 5120B over 2048B segments -> 2.5 -> rounds up to 3.
	m := New(10, 512, 2048)
	require.Equal(t, uint64(3), m.NumSegments())
}

func TestSetAndGetSingleBlock(t *testing.T) {
	m := New(100, 512, 2048) // 4 blocks per segment
	dirty, ok := m.Get(0)
	require.True(t, ok)
	require.False(t, dirty)

	m.Set(0, 1, true)
	dirty, ok = m.Get(0)
	require.True(t, ok)
	require.True(t, dirty)

	// block 1 shares the same segment as block 0.
	dirty, ok = m.Get(1)
	require.True(t, ok)
	require.True(t, dirty)
}

func TestSetSpansMultipleSegments(t *testing.T) {
	m := New(100, 512, 2048) // 4 blocks per segment
	m.Set(3, 2, true)        // touches segment 0 (block 3) and segment 1 (block 4)

	d0, _ := m.Get(3)
	d1, _ := m.Get(4)
	require.True(t, d0)
	require.True(t, d1)

	d2, _ := m.Get(8)
	require.False(t, d2)
}

func TestCountDirtyBlocks(t *testing.T) {
	m := New(100, 512, 2048) // 4 blocks/segment
	m.Set(0, 1, true)
	require.Equal(t, uint64(1), m.CountDirtySegments())
	require.Equal(t, uint64(4), m.CountDirtyBlocks())
}

func TestMergeIsBitwiseOr(t *testing.T) {
	a := New(100, 512, 2048)
	b := New(100, 512, 2048)

	a.Set(0, 1, true)
	b.Set(8, 1, true)

	a.Merge(b)

	d0, _ := a.Get(0)
	d1, _ := a.Get(8)
	require.True(t, d0)
	require.True(t, d1)
}

func TestMergePanicsOnMismatchedSizes(t *testing.T) {
	a := New(100, 512, 2048)
	b := New(200, 512, 2048)

	require.Panics(t, func() {
		a.Merge(b)
	})
}

func TestClearBit(t *testing.T) {
	m := New(100, 512, 2048)
	m.Set(0, 1, true)
	m.Set(0, 1, false)
	dirty, _ := m.Get(0)
	require.False(t, dirty)
}

func TestGetOutOfRange(t *testing.T) {
	m := New(8, 512, 2048) // 2 segments
	_, ok := m.Get(10000)
	require.False(t, ok)
}
