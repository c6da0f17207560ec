// Package memdev provides an in-memory replica block device, used as the
// default test and reference-driver backend for a nexus. It is the
// sharded-locking memory backend adapted to the blockdev.Device/Handle
// contract and to block-granular (rather than byte-range) addressing.
package memdev

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/iostatus"
)

// ShardSize is the size of each memory shard in bytes. 64KiB shards give
// good parallelism for 4K random I/O while keeping lock overhead low — with
// 64KiB shards a 256MiB device has 4096 shards.
const ShardSize = 64 * 1024

// Device is a RAM-backed replica. It uses sharded locking so concurrent
// child I/Os land on different shards without contending a single mutex.
type Device struct {
	uuid      uuid.UUID
	name      string
	blockLen  uint32
	numBlocks uint64

	data   []byte
	shards []sync.RWMutex

	// Fault injection, for exercising the nexus's fault pipeline
	// deterministically in tests (SPEC_FULL §4.8.4). Each flag fires once
	// and resets itself.
	failNextSubmit     atomic.Bool
	failNextCompletion atomic.Value // iostatus.Status, zero value means unset
	submissionErr      atomic.Value // error
}

// New creates a new in-memory replica device of numBlocks blocks of
// blockLen bytes each.
func New(name string, numBlocks uint64, blockLen uint32) *Device {
	size := numBlocks * uint64(blockLen)
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards == 0 {
		numShards = 1
	}
	return &Device{
		uuid:      uuid.New(),
		name:      name,
		blockLen:  blockLen,
		numBlocks: numBlocks,
		data:      make([]byte, size),
		shards:    make([]sync.RWMutex, numShards),
	}
}

func (d *Device) SizeBytes() int64      { return int64(d.numBlocks) * int64(d.blockLen) }
func (d *Device) BlockLen() uint32      { return d.blockLen }
func (d *Device) NumBlocks() uint64     { return d.numBlocks }
func (d *Device) UUID() uuid.UUID       { return d.uuid }
func (d *Device) ProductName() string   { return "nexus memory replica" }
func (d *Device) DriverName() string    { return "memdev" }
func (d *Device) DeviceName() string    { return d.name }
func (d *Device) Alignment() uint32     { return d.blockLen }

func (d *Device) IoTypeSupported(t blockdev.IoType) bool {
	switch t {
	case blockdev.IoNvmeAdmin:
		return false
	default:
		return true
	}
}

// Open returns a descriptor. readWrite is currently advisory only — the
// underlying memory is always mutable — but is retained to mirror the
// real descriptor contract (spec §3, "Child owns a BlockDeviceDescriptor").
func (d *Device) Open(readWrite bool) (blockdev.Descriptor, error) {
	return &descriptor{dev: d, readWrite: readWrite}, nil
}

// FailNextSubmit causes the next submission on any handle opened from this
// device to return the given error instead of performing the I/O.
func (d *Device) FailNextSubmit(err error) {
	d.submissionErr.Store(err)
	d.failNextSubmit.Store(true)
}

// FailNextCompletion causes the next completed I/O on any handle opened
// from this device to report the given non-success status instead of
// iostatus.Success.
func (d *Device) FailNextCompletion(status iostatus.Status) {
	d.failNextCompletion.Store(status)
}

func (d *Device) takeSubmitFailure() error {
	if !d.failNextSubmit.CompareAndSwap(true, false) {
		return nil
	}
	if err, ok := d.submissionErr.Load().(error); ok {
		return err
	}
	return nil
}

func (d *Device) takeCompletionFailure() (iostatus.Status, bool) {
	v := d.failNextCompletion.Swap(iostatus.Status{})
	if v == nil {
		return iostatus.Status{}, false
	}
	st, ok := v.(iostatus.Status)
	if !ok || st.IsSuccess() {
		return iostatus.Status{}, false
	}
	return st, true
}

func (d *Device) shardRange(offBytes, lenBytes uint64) (start, end int) {
	start = int(offBytes / ShardSize)
	end = int((offBytes + lenBytes - 1) / ShardSize)
	if end >= len(d.shards) {
		end = len(d.shards) - 1
	}
	return start, end
}

type descriptor struct {
	dev       *Device
	readWrite bool
	closed    bool
}

func (desc *descriptor) Device() blockdev.Device { return desc.dev }
func (desc *descriptor) DeviceName() string      { return desc.dev.name }
func (desc *descriptor) Close()                  { desc.closed = true }

func (desc *descriptor) Handle() (blockdev.Handle, error) {
	return &handle{dev: desc.dev}, nil
}

// handle is the I/O surface the nexus calls into. All methods invoke the
// completion callback synchronously, the way an in-memory ReadAt/WriteAt
// naturally does; bio treats this identically to an async completion
// since it never assumes a suspension point here.
type handle struct {
	dev *Device
}

func (h *handle) Device() blockdev.Device { return h.dev }

func (h *handle) ReadvBlocks(bufs [][]byte, offsetBlocks, numBlocks uint64, cb blockdev.CompletionCallback, arg interface{}) error {
	if err := h.dev.takeSubmitFailure(); err != nil {
		return err
	}
	offBytes := offsetBlocks * uint64(h.dev.blockLen)
	lenBytes := numBlocks * uint64(h.dev.blockLen)

	startShard, endShard := h.dev.shardRange(offBytes, lenBytes)
	for i := startShard; i <= endShard; i++ {
		h.dev.shards[i].RLock()
	}
	remaining := lenBytes
	pos := offBytes
	for _, buf := range bufs {
		n := uint64(len(buf))
		if n > remaining {
			n = remaining
		}
		if pos+n <= uint64(len(h.dev.data)) {
			copy(buf[:n], h.dev.data[pos:pos+n])
		}
		pos += n
		remaining -= n
		if remaining == 0 {
			break
		}
	}
	for i := startShard; i <= endShard; i++ {
		h.dev.shards[i].RUnlock()
	}

	status := iostatus.Success
	if st, failed := h.dev.takeCompletionFailure(); failed {
		status = st
	}
	cb(h.dev, status, arg)
	return nil
}

func (h *handle) WritevBlocks(bufs [][]byte, offsetBlocks, numBlocks uint64, cb blockdev.CompletionCallback, arg interface{}) error {
	if err := h.dev.takeSubmitFailure(); err != nil {
		return err
	}
	offBytes := offsetBlocks * uint64(h.dev.blockLen)
	lenBytes := numBlocks * uint64(h.dev.blockLen)

	startShard, endShard := h.dev.shardRange(offBytes, lenBytes)
	for i := startShard; i <= endShard; i++ {
		h.dev.shards[i].Lock()
	}
	remaining := lenBytes
	pos := offBytes
	for _, buf := range bufs {
		n := uint64(len(buf))
		if n > remaining {
			n = remaining
		}
		if pos+n <= uint64(len(h.dev.data)) {
			copy(h.dev.data[pos:pos+n], buf[:n])
		}
		pos += n
		remaining -= n
		if remaining == 0 {
			break
		}
	}
	for i := startShard; i <= endShard; i++ {
		h.dev.shards[i].Unlock()
	}

	status := iostatus.Success
	if st, failed := h.dev.takeCompletionFailure(); failed {
		status = st
	}
	cb(h.dev, status, arg)
	return nil
}

func (h *handle) ComparevBlocks(bufs [][]byte, offsetBlocks, numBlocks uint64, cb blockdev.CompletionCallback, arg interface{}) error {
	if err := h.dev.takeSubmitFailure(); err != nil {
		return err
	}
	offBytes := offsetBlocks * uint64(h.dev.blockLen)
	lenBytes := numBlocks * uint64(h.dev.blockLen)

	startShard, endShard := h.dev.shardRange(offBytes, lenBytes)
	for i := startShard; i <= endShard; i++ {
		h.dev.shards[i].RLock()
	}
	match := true
	remaining := lenBytes
	pos := offBytes
	for _, buf := range bufs {
		n := uint64(len(buf))
		if n > remaining {
			n = remaining
		}
		if pos+n <= uint64(len(h.dev.data)) {
			for i := uint64(0); i < n; i++ {
				if h.dev.data[pos+i] != buf[i] {
					match = false
					break
				}
			}
		}
		pos += n
		remaining -= n
		if remaining == 0 || !match {
			break
		}
	}
	for i := startShard; i <= endShard; i++ {
		h.dev.shards[i].RUnlock()
	}

	status := iostatus.Success
	if !match {
		status = iostatus.NewNvmeGeneric(iostatus.GenericMediaCompareFailure)
	} else if st, failed := h.dev.takeCompletionFailure(); failed {
		status = st
	}
	cb(h.dev, status, arg)
	return nil
}

func (h *handle) UnmapBlocks(offsetBlocks, numBlocks uint64, cb blockdev.CompletionCallback, arg interface{}) error {
	return h.zeroRange(offsetBlocks, numBlocks, cb, arg)
}

func (h *handle) WriteZeroes(offsetBlocks, numBlocks uint64, cb blockdev.CompletionCallback, arg interface{}) error {
	return h.zeroRange(offsetBlocks, numBlocks, cb, arg)
}

func (h *handle) zeroRange(offsetBlocks, numBlocks uint64, cb blockdev.CompletionCallback, arg interface{}) error {
	if err := h.dev.takeSubmitFailure(); err != nil {
		return err
	}
	offBytes := offsetBlocks * uint64(h.dev.blockLen)
	lenBytes := numBlocks * uint64(h.dev.blockLen)
	end := offBytes + lenBytes
	if end > uint64(len(h.dev.data)) {
		end = uint64(len(h.dev.data))
	}

	startShard, endShard := h.dev.shardRange(offBytes, lenBytes)
	for i := startShard; i <= endShard; i++ {
		h.dev.shards[i].Lock()
	}
	for i := offBytes; i < end; i++ {
		h.dev.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		h.dev.shards[i].Unlock()
	}

	status := iostatus.Success
	if st, failed := h.dev.takeCompletionFailure(); failed {
		status = st
	}
	cb(h.dev, status, arg)
	return nil
}

func (h *handle) Reset(cb blockdev.CompletionCallback, arg interface{}) error {
	if err := h.dev.takeSubmitFailure(); err != nil {
		return err
	}
	status := iostatus.Success
	if st, failed := h.dev.takeCompletionFailure(); failed {
		status = st
	}
	cb(h.dev, status, arg)
	return nil
}

func (h *handle) FlushIO(cb blockdev.CompletionCallback, arg interface{}) error {
	if err := h.dev.takeSubmitFailure(); err != nil {
		return err
	}
	status := iostatus.Success
	if st, failed := h.dev.takeCompletionFailure(); failed {
		status = st
	}
	cb(h.dev, status, arg)
	return nil
}

var (
	_ blockdev.Device     = (*Device)(nil)
	_ blockdev.Descriptor = (*descriptor)(nil)
	_ blockdev.Handle     = (*handle)(nil)
)
