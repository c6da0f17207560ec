package bio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/backend/memdev"
	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/channel"
	"github.com/nexusd/nexus/internal/iostatus"
	"github.com/nexusd/nexus/internal/logging"
)

// fakeHost is a minimal Host for exercising Bio in isolation, without a
// full Nexus lifecycle.
type fakeHost struct {
	ch            *channel.Channel
	logger        *logging.Logger
	faulted       []string
	faultReasons  []FaultReason
	shutdownCalls int
	submissions   int
	completions   int
}

func newFakeHost() *fakeHost {
	return &fakeHost{ch: channel.New(), logger: logging.NewLogger(nil)}
}

func (h *fakeHost) Channel() *channel.Channel          { return h.ch }
func (h *fakeHost) DataEntOffsetBlocks() uint64        { return 0 }
func (h *fakeHost) Logger() *logging.Logger            { return h.logger }
func (h *fakeHost) TrySelfShutdown()                   { h.shutdownCalls++ }
func (h *fakeHost) FaultDevice(name string, r FaultReason) {
	h.faulted = append(h.faulted, name)
	h.faultReasons = append(h.faultReasons, r)
	h.ch.DisconnectDevice(name)
}
func (h *fakeHost) RecordChildSubmission(string, bool) { h.submissions++ }
func (h *fakeHost) RecordChildCompletion(string, bool) { h.completions++ }

func openWriterReader(t *testing.T, h *fakeHost, name string, d *memdev.Device, asReader bool) {
	t.Helper()
	desc, err := d.Open(true)
	require.NoError(t, err)
	handle, err := desc.Handle()
	require.NoError(t, err)
	h.ch.AddWriter(name, handle)
	if asReader {
		h.ch.AddReader(name, handle)
	}
}

func TestWriteSuccessToAllWriters(t *testing.T) {
	h := newFakeHost()
	d1 := memdev.New("c1", 1024, 512)
	d2 := memdev.New("c2", 1024, 512)
	d3 := memdev.New("c3", 1024, 512)
	openWriterReader(t, h, "c1", d1, true)
	openWriterReader(t, h, "c2", d2, true)
	openWriterReader(t, h, "c3", d3, true)

	buf := make([]byte, 512)
	copy(buf, "payload")

	var finalStatus Status
	b := New(h, Descriptor{Op: blockdev.IoWrite, OffsetBlocks: 0, NumBlocks: 1, Bufs: [][]byte{buf}}, func(s Status) {
		finalStatus = s
	})
	b.SubmitRequest()

	require.Equal(t, Success, finalStatus)
	require.Empty(t, h.faulted)
}

func TestWriteOneSubmissionFailureStillSucceeds(t *testing.T) {
	h := newFakeHost()
	d1 := memdev.New("c1", 1024, 512)
	d2 := memdev.New("c2", 1024, 512)
	openWriterReader(t, h, "c1", d1, true)
	openWriterReader(t, h, "c2", d2, true)

	d2.FailNextSubmit(errors.New("ENXIO"))

	buf := make([]byte, 512)
	var finalStatus Status
	b := New(h, Descriptor{Op: blockdev.IoWrite, OffsetBlocks: 0, NumBlocks: 1, Bufs: [][]byte{buf}}, func(s Status) {
		finalStatus = s
	})
	b.SubmitRequest()

	require.Equal(t, Success, finalStatus)
	require.Equal(t, []string{"c2"}, h.faulted)
	require.Equal(t, 1, h.ch.NumWriters())
}

func TestReservationConflictTriggersSelfShutdownNotRetire(t *testing.T) {
	h := newFakeHost()
	d1 := memdev.New("c1", 1024, 512)
	openWriterReader(t, h, "c1", d1, true)

	d1.FailNextCompletion(iostatus.NewNvmeGeneric(iostatus.GenericReservationConflict))

	buf := make([]byte, 512)
	var finalStatus Status
	b := New(h, Descriptor{Op: blockdev.IoWrite, OffsetBlocks: 0, NumBlocks: 1, Bufs: [][]byte{buf}}, func(s Status) {
		finalStatus = s
	})
	b.SubmitRequest()

	require.Equal(t, Failed, finalStatus)
	require.Equal(t, 1, h.shutdownCalls)
	require.Empty(t, h.faulted) // replica must not be retired
}

func TestReadFailoverToSecondReader(t *testing.T) {
	h := newFakeHost()
	d1 := memdev.New("c1", 1024, 512)
	d2 := memdev.New("c2", 1024, 512)
	openWriterReader(t, h, "c1", d1, true)
	openWriterReader(t, h, "c2", d2, true)

	payload := make([]byte, 512)
	copy(payload, "on c2")
	wbuf := make([]byte, 512)
	copy(wbuf, payload)
	wb := New(h, Descriptor{Op: blockdev.IoWrite, OffsetBlocks: 0, NumBlocks: 1, Bufs: [][]byte{wbuf}}, nil)
	wb.SubmitRequest()

	d1.FailNextSubmit(errors.New("ENXIO"))

	readBuf := make([]byte, 512)
	var finalStatus Status
	rb := New(h, Descriptor{Op: blockdev.IoRead, OffsetBlocks: 0, NumBlocks: 1, Bufs: [][]byte{readBuf}}, func(s Status) {
		finalStatus = s
	})
	rb.SubmitRequest()

	require.Equal(t, Success, finalStatus)
	require.Equal(t, payload, readBuf)
}

func TestReadFailsWhenNoReadersAvailable(t *testing.T) {
	h := newFakeHost()

	var finalStatus Status
	b := New(h, Descriptor{Op: blockdev.IoRead, OffsetBlocks: 0, NumBlocks: 1, Bufs: [][]byte{make([]byte, 512)}}, func(s Status) {
		finalStatus = s
	})
	b.SubmitRequest()

	require.Equal(t, Failed, finalStatus)
}

func TestFlushAlwaysSucceeds(t *testing.T) {
	h := newFakeHost()
	var finalStatus Status
	b := New(h, Descriptor{Op: blockdev.IoFlush}, func(s Status) {
		finalStatus = s
	})
	b.SubmitRequest()
	require.Equal(t, Success, finalStatus)
}

func TestNvmeAdminFails(t *testing.T) {
	h := newFakeHost()
	var finalStatus Status
	b := New(h, Descriptor{Op: blockdev.IoNvmeAdmin}, func(s Status) {
		finalStatus = s
	})
	b.SubmitRequest()
	require.Equal(t, Failed, finalStatus)
}
