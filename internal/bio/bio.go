// Package bio implements NexusBio, the per-IO state machine that fans a
// logical nexus I/O out to child replicas and folds their completions back
// into exactly one logical completion (spec §4.5). This is the hot path:
// every read and write the nexus serves passes through a Bio.
package bio

import (
	"errors"

	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/channel"
	"github.com/nexusd/nexus/internal/iostatus"
	"github.com/nexusd/nexus/internal/logging"
)

// Status is the terminal outcome of a logical IO.
type Status int

const (
	Pending Status = iota
	Success
	Failed
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// FaultReason classifies why a child is being faulted, mirroring the
// distinction the original engine draws so the control plane can tell a
// transient condition from exhausted backing space (spec §4.6).
type FaultReason int

const (
	FaultIoError FaultReason = iota
	FaultNoSpace
)

func (r FaultReason) String() string {
	if r == FaultNoSpace {
		return "no_space"
	}
	return "io_error"
}

// ErrNoDevicesAvailable is returned by the read path when no reader
// remains to try, including after failover exhausts every candidate.
var ErrNoDevicesAvailable = errors.New("bio: no devices available")

// Host is everything a Bio needs from the nexus that owns it. It exists
// so this package never imports the root nexus package (which imports
// bio), and so bio's hot path only touches the narrow surface it needs.
type Host interface {
	// Channel returns the reactor-local channel this Bio is bound to.
	Channel() *channel.Channel
	// DataEntOffsetBlocks returns the metadata prefix size every child
	// offset must be shifted by (spec §4.5, "data_ent_offset").
	DataEntOffsetBlocks() uint64
	// FaultDevice marks deviceName Faulted, disconnects it from every
	// channel, and enqueues exactly one RetireDevice command. Idempotent.
	FaultDevice(deviceName string, reason FaultReason)
	// TrySelfShutdown attempts the single-shot compare-and-set that
	// begins nexus shutdown (spec §4.6). Safe to call repeatedly.
	TrySelfShutdown()
	// Logger returns the logger to use for this nexus.
	Logger() *logging.Logger
	// RecordChildSubmission records one child I/O dispatch, so the
	// control plane can distinguish a consistently unhealthy child from
	// transient whole-nexus pressure.
	RecordChildSubmission(deviceName string, failed bool)
	// RecordChildCompletion records one child I/O completion.
	RecordChildCompletion(deviceName string, failed bool)
}

// Descriptor is the IO request a Bio drives: opcode, offset, length, and
// scatter/gather buffers (spec §3, "NexusBio").
type Descriptor struct {
	Op           blockdev.IoType
	OffsetBlocks uint64
	NumBlocks    uint64
	Bufs         [][]byte
}

// CompleteFunc is invoked exactly once when the logical IO reaches a
// terminal state.
type CompleteFunc func(status Status)

// Bio drives one logical IO through child fan-out and completion
// accounting. A Bio is touched by exactly one reactor goroutine at a
// time — even its completion callbacks run inline on the submitting
// goroutine in this engine — so its fields need no synchronization
// (spec §5).
type Bio struct {
	host Host
	desc Descriptor

	inFlight  int
	status    Status
	mustFail  bool
	completed bool

	// submitting is true for the duration of a multi-child fan-out loop
	// (submitAll). Backends that complete synchronously (e.g. memdev)
	// can invoke Complete before the loop has finished submitting to
	// every writer; submitting defers the in_flight==0 terminal check
	// until the whole fan-out has been issued, exactly as the
	// asynchronous case defers it until every real completion lands.
	submitting bool
	// deferredFail/deferredCheck record the last okChecked/failChecked
	// call suppressed while submitting was true, so submitAll can replay
	// it once the fan-out loop finishes — mirroring the fact that, with
	// a truly asynchronous backend, only the last-arriving completion
	// would ever observe in_flight==0 and make this call for real.
	deferredCheck bool
	deferredFail  bool

	onComplete CompleteFunc
}

// New creates a Bio ready for SubmitRequest.
func New(host Host, desc Descriptor, onComplete CompleteFunc) *Bio {
	return &Bio{host: host, desc: desc, status: Pending, onComplete: onComplete}
}

// Status returns the Bio's current (possibly non-terminal) status.
func (b *Bio) Status() Status { return b.status }

// SubmitRequest dispatches the IO by opcode (spec §4.5 table).
func (b *Bio) SubmitRequest() {
	switch b.desc.Op {
	case blockdev.IoRead:
		b.doReadv()
	case blockdev.IoWrite, blockdev.IoWriteZeroes, blockdev.IoReset, blockdev.IoUnmap:
		b.submitAll()
	case blockdev.IoFlush:
		b.ok()
	default:
		b.host.Logger().Debugf("unsupported IO type %v, failing", b.desc.Op)
		b.fail()
	}
}

func (b *Bio) ok() {
	if b.completed {
		return
	}
	b.completed = true
	b.status = Success
	if b.onComplete != nil {
		b.onComplete(Success)
	}
}

func (b *Bio) fail() {
	if b.completed {
		return
	}
	b.completed = true
	b.status = Failed
	if b.onComplete != nil {
		b.onComplete(Failed)
	}
}

// okChecked completes the IO successfully once every submitted child has
// completed, unless must_fail was latched in the meantime, in which case
// it hands off to retryChecked (spec §4.5, "terminal accounting").
func (b *Bio) okChecked() {
	if b.submitting {
		b.deferredCheck = true
		b.deferredFail = false
		return
	}
	if b.inFlight == 0 {
		if b.mustFail {
			b.retryChecked()
		} else {
			b.ok()
		}
	}
}

// failChecked completes the IO as failed once every submitted child has
// completed.
func (b *Bio) failChecked() {
	if b.submitting {
		b.deferredCheck = true
		b.deferredFail = true
		return
	}
	if b.inFlight == 0 {
		b.fail()
	}
}

// retryChecked resubmits the logical IO, once no child I/O is in flight, as a fresh Bio —
// must_fail never survives into the retry (spec §4.5 tie-break).
func (b *Bio) retryChecked() {
	if b.inFlight == 0 {
		b.host.Logger().WithField("op", b.desc.Op).Debugf("retrying io on fresh bio after disconnecting faulted device")
		fresh := &Bio{host: b.host, desc: b.desc, status: Pending, onComplete: b.onComplete}
		fresh.SubmitRequest()
	}
}

// Complete is the child completion callback target: it is wired as the
// blockdev.CompletionCallback argument for every child submission, with
// the Bio itself as the opaque arg (spec §4.5, "complete").
func Complete(device blockdev.Device, status iostatus.Status, arg interface{}) {
	b, ok := arg.(*Bio)
	if !ok || b == nil {
		return
	}
	b.complete(device.DeviceName(), status)
}

func (b *Bio) complete(childName string, status iostatus.Status) {
	b.inFlight--
	b.host.RecordChildCompletion(childName, !status.IsSuccess())
	if status.IsSuccess() {
		b.okChecked()
		return
	}
	b.status = Failed
	b.mustFail = true
	b.host.Logger().WithField("child", childName).Errorf("io completion failed: %s", status)
	b.handleFailure(childName, status)
}

// handleFailure implements the completion-failure dispatch table
// (spec §4.6, item 2).
func (b *Bio) handleFailure(childName string, status iostatus.Status) {
	logger := b.host.Logger().WithField("child", childName)
	if status.Kind == iostatus.KindNvmeError {
		switch status.Nvme.Generic {
		case iostatus.GenericInvalidOpcode:
			logger.Debugf("device returned invalid opcode, ignoring")
			b.failChecked()
			return
		case iostatus.GenericReservationConflict:
			logger.Warnf("reservation conflict, initiating self-shutdown")
			b.host.TrySelfShutdown()
			b.failChecked()
			return
		case iostatus.GenericAbortedSubmissionQueueDeleted:
			b.host.FaultDevice(childName, FaultIoError)
			b.okChecked()
			return
		}
	}
	if status.Kind == iostatus.KindLvolError && status.Lvol == iostatus.LvolNoSpace {
		b.host.FaultDevice(childName, FaultNoSpace)
		b.failChecked()
		return
	}
	b.host.FaultDevice(childName, FaultIoError)
	b.failChecked()
}

// submitAll fans the IO out to every writer (spec §4.5, "submit_all").
// in_flight is incremented before each child submission (not set once
// after the loop) so that a backend which completes synchronously can
// never observe a stale or negative counter; submitting defers the
// terminal check until every writer has been tried.
func (b *Bio) submitAll() {
	ch := b.host.Channel()

	switch b.desc.Op {
	case blockdev.IoWrite, blockdev.IoWriteZeroes, blockdev.IoUnmap:
		ch.LogWrite(b.desc.OffsetBlocks, b.desc.NumBlocks)
	}

	b.submitting = true

	submitted := 0
	var failedDevice string
	var submitErr error

	ch.ForEachWriter(func(name string, h blockdev.Handle) bool {
		b.inFlight++
		err := b.submitOneWrite(h)
		b.host.RecordChildSubmission(name, err != nil)
		if err != nil {
			b.inFlight--
			failedDevice = name
			submitErr = err
			return false
		}
		submitted++
		return true
	})

	if submitErr != nil {
		b.host.Logger().WithFields("child", failedDevice, "submitted", submitted).Errorf("io submission failed: %v", submitErr)
		b.mustFail = true
		ch.DisconnectDevice(failedDevice)
		b.host.FaultDevice(failedDevice, FaultIoError)
	}

	b.submitting = false

	// Replay whichever checked-call a synchronously-completing backend
	// deferred while the loop was running — that call already reflects
	// the accumulated status/must_fail state correctly. Only fall back
	// to the generic post-submission decision when nothing completed
	// inline (the true async case: no completions have landed yet).
	if b.deferredCheck {
		if b.deferredFail {
			b.failChecked()
		} else {
			b.okChecked()
		}
		return
	}

	if submitted != 0 {
		b.status = Success
		b.okChecked()
		return
	}
	b.failChecked()
}

func (b *Bio) submitOneWrite(h blockdev.Handle) error {
	offset := b.desc.OffsetBlocks + b.host.DataEntOffsetBlocks()
	switch b.desc.Op {
	case blockdev.IoWrite:
		return h.WritevBlocks(b.desc.Bufs, offset, b.desc.NumBlocks, Complete, b)
	case blockdev.IoUnmap:
		return h.UnmapBlocks(offset, b.desc.NumBlocks, Complete, b)
	case blockdev.IoWriteZeroes:
		return h.WriteZeroes(offset, b.desc.NumBlocks, Complete, b)
	case blockdev.IoReset:
		return h.Reset(Complete, b)
	default:
		panic("bio: submitOneWrite called with non-write opcode")
	}
}

func (b *Bio) submitRead(h blockdev.Handle) error {
	offset := b.desc.OffsetBlocks + b.host.DataEntOffsetBlocks()
	return h.ReadvBlocks(b.desc.Bufs, offset, b.desc.NumBlocks, Complete, b)
}

// doReadvOne submits the read to the next selected reader (spec §4.5,
// "__do_readv_one").
func (b *Bio) doReadvOne() error {
	name, h, ok := b.host.Channel().SelectReader()
	if !ok {
		return ErrNoDevicesAvailable
	}
	// Reserve the in-flight slot before submitting: a synchronous backend
	// may invoke Complete before this call returns.
	b.inFlight = 1
	err := b.submitRead(h)
	b.host.RecordChildSubmission(name, err != nil)
	if err != nil {
		b.inFlight = 0
		b.host.Logger().WithField("child", name).Errorf("read io submission failed: %v", err)
		b.host.FaultDevice(name, FaultIoError)
		return err
	}
	return nil
}

// doReadv submits a read, retrying against the next reader on submission
// failure, until every reader has been tried once (spec §4.5, "Read path").
// The working counter is seeded with the reader count observed before the
// first attempt: doReadvOne faults (and disconnects) a failing reader as
// part of handling its own error, so reading NumReaders() again after that
// would already have it removed and undercount how many readers remain to
// try (nexus_io.rs's "Account the failed reader" seeds its counter the
// same way, before the first submission).
func (b *Bio) doReadv() {
	numReaders := b.host.Channel().NumReaders()
	for {
		err := b.doReadvOne()
		if err == nil {
			return
		}
		if errors.Is(err, ErrNoDevicesAvailable) {
			b.fail()
			return
		}
		numReaders--
		if numReaders <= 0 {
			b.fail()
			return
		}
	}
}
