package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/blockdev"
)

func TestSelectReaderRoundRobin(t *testing.T) {
	c := New()
	c.AddWriter("a", nil)
	c.AddReader("a", nil)
	c.AddWriter("b", nil)
	c.AddReader("b", nil)
	c.AddWriter("c", nil)
	c.AddReader("c", nil)

	var order []string
	for i := 0; i < 6; i++ {
		name, _, ok := c.SelectReader()
		require.True(t, ok)
		order = append(order, name)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestSelectReaderNoReaders(t *testing.T) {
	c := New()
	_, _, ok := c.SelectReader()
	require.False(t, ok)
}

func TestDisconnectDeviceRemovesFromBothVectors(t *testing.T) {
	c := New()
	c.AddWriter("a", nil)
	c.AddReader("a", nil)
	c.AddWriter("b", nil)
	c.AddReader("b", nil)

	c.DisconnectDevice("a")
	require.Equal(t, 1, c.NumReaders())
	require.Equal(t, 1, c.NumWriters())

	_, ok := c.WriterHandle("a")
	require.False(t, ok)
}

func TestDisconnectDeviceIsIdempotent(t *testing.T) {
	c := New()
	c.AddWriter("a", nil)
	c.DisconnectDevice("a")
	require.NotPanics(t, func() { c.DisconnectDevice("a") })
}

func TestWriterOnlyChildNotInReaders(t *testing.T) {
	c := New()
	c.AddWriter("rebuilding-child", nil) // e.g. a Rebuilding-role child
	require.Equal(t, 1, c.NumWriters())
	require.Equal(t, 0, c.NumReaders())
}

func TestIoLogOverlapDetection(t *testing.T) {
	c := New()
	c.BeginRebuildLog()
	c.LogWrite(100, 4)

	require.True(t, c.OverlapsLog(100, 4))
	require.True(t, c.OverlapsLog(102, 10))
	require.False(t, c.OverlapsLog(200, 4))
}

func TestIoLogNotRecordedWhenNotLogging(t *testing.T) {
	c := New()
	c.LogWrite(100, 4)
	require.False(t, c.OverlapsLog(100, 4))
}

func TestEndRebuildLogClearsEntries(t *testing.T) {
	c := New()
	c.BeginRebuildLog()
	c.LogWrite(100, 4)
	c.EndRebuildLog()
	c.BeginRebuildLog()
	require.False(t, c.OverlapsLog(100, 4))
}

func TestForEachWriterVisitsInOrder(t *testing.T) {
	c := New()
	c.AddWriter("a", nil)
	c.AddWriter("b", nil)
	c.AddWriter("c", nil)

	var visited []string
	c.ForEachWriter(func(name string, _ blockdev.Handle) bool {
		visited = append(visited, name)
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, visited)
}
