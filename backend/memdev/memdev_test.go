package memdev

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/iostatus"
)

func openHandle(t *testing.T, d *Device) blockdev.Handle {
	t.Helper()
	desc, err := d.Open(true)
	require.NoError(t, err)
	h, err := desc.Handle()
	require.NoError(t, err)
	return h
}

func TestWriteThenRead(t *testing.T) {
	d := New("child0", 1024, 512)
	h := openHandle(t, d)

	written := []byte("hello world")
	buf := make([]byte, 512)
	copy(buf, written)

	var gotStatus iostatus.Status
	err := h.WritevBlocks([][]byte{buf}, 0, 1, func(_ blockdev.Device, status iostatus.Status, _ interface{}) {
		gotStatus = status
	}, nil)
	require.NoError(t, err)
	require.True(t, gotStatus.IsSuccess())

	readBuf := make([]byte, 512)
	err = h.ReadvBlocks([][]byte{readBuf}, 0, 1, func(_ blockdev.Device, status iostatus.Status, _ interface{}) {
		gotStatus = status
	}, nil)
	require.NoError(t, err)
	require.True(t, gotStatus.IsSuccess())
	require.Equal(t, buf, readBuf)
}

func TestUnmapZeroesRange(t *testing.T) {
	d := New("child0", 1024, 512)
	h := openHandle(t, d)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xFF
	}
	require.NoError(t, h.WritevBlocks([][]byte{buf}, 0, 1, func(blockdev.Device, iostatus.Status, interface{}) {}, nil))
	require.NoError(t, h.UnmapBlocks(0, 1, func(blockdev.Device, iostatus.Status, interface{}) {}, nil))

	readBuf := make([]byte, 512)
	require.NoError(t, h.ReadvBlocks([][]byte{readBuf}, 0, 1, func(blockdev.Device, iostatus.Status, interface{}) {}, nil))
	require.Equal(t, make([]byte, 512), readBuf)
}

func TestFailNextSubmitReturnsError(t *testing.T) {
	d := New("child0", 1024, 512)
	h := openHandle(t, d)

	injected := errors.New("simulated ENXIO")
	d.FailNextSubmit(injected)

	buf := make([]byte, 512)
	err := h.WritevBlocks([][]byte{buf}, 0, 1, func(blockdev.Device, iostatus.Status, interface{}) {}, nil)
	require.ErrorIs(t, err, injected)

	// The flag fired once; the next submission goes through normally.
	err = h.WritevBlocks([][]byte{buf}, 0, 1, func(blockdev.Device, iostatus.Status, interface{}) {}, nil)
	require.NoError(t, err)
}

func TestFailNextCompletionReportsStatusThenResets(t *testing.T) {
	d := New("child0", 1024, 512)
	h := openHandle(t, d)

	d.FailNextCompletion(iostatus.NewNvmeGeneric(iostatus.GenericReservationConflict))

	buf := make([]byte, 512)
	var status iostatus.Status
	require.NoError(t, h.WritevBlocks([][]byte{buf}, 0, 1, func(_ blockdev.Device, st iostatus.Status, _ interface{}) {
		status = st
	}, nil))
	require.False(t, status.IsSuccess())
	require.Equal(t, iostatus.KindNvmeError, status.Kind)

	require.NoError(t, h.WritevBlocks([][]byte{buf}, 0, 1, func(_ blockdev.Device, st iostatus.Status, _ interface{}) {
		status = st
	}, nil))
	require.True(t, status.IsSuccess())
}

func TestDeviceMetadata(t *testing.T) {
	d := New("child0", 2048, 512)
	require.Equal(t, int64(2048*512), d.SizeBytes())
	require.Equal(t, uint32(512), d.BlockLen())
	require.Equal(t, uint64(2048), d.NumBlocks())
	require.False(t, d.IoTypeSupported(blockdev.IoNvmeAdmin))
	require.True(t, d.IoTypeSupported(blockdev.IoWrite))
}
