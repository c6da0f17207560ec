// Package blockdev defines the narrow interface the nexus consumes from
// replica devices (spec §4.3, §6.2). It is the boundary between the data
// plane (internal/bio, internal/channel) and whatever actually backs a
// replica — in-memory (backend/memdev), a file, or a remote transport.
package blockdev

import (
	"github.com/google/uuid"

	"github.com/nexusd/nexus/internal/iostatus"
)

// IoType enumerates the operations the nexus dispatches to children.
type IoType int

const (
	IoRead IoType = iota
	IoWrite
	IoWriteZeroes
	IoUnmap
	IoReset
	IoFlush
	IoCompare
	IoNvmeAdmin
	IoOther
)

func (t IoType) String() string {
	switch t {
	case IoRead:
		return "read"
	case IoWrite:
		return "write"
	case IoWriteZeroes:
		return "write_zeroes"
	case IoUnmap:
		return "unmap"
	case IoReset:
		return "reset"
	case IoFlush:
		return "flush"
	case IoCompare:
		return "compare"
	case IoNvmeAdmin:
		return "nvme_admin"
	default:
		return "other"
	}
}

// CompletionCallback is invoked exactly once when a submitted child I/O
// completes. A submitting method that returns an error does not invoke it.
// arg is whatever opaque token the caller
// passed to the submitting method — in this engine, a pointer to the
// NexusBio driving the logical I/O.
type CompletionCallback func(device Device, status iostatus.Status, arg interface{})

// Device is the metadata surface of a replica block device (spec §6.2).
type Device interface {
	SizeBytes() int64
	BlockLen() uint32
	NumBlocks() uint64
	UUID() uuid.UUID
	ProductName() string
	DriverName() string
	DeviceName() string
	Alignment() uint32
	IoTypeSupported(t IoType) bool

	// Open returns a descriptor for read-write or read-only access.
	Open(readWrite bool) (Descriptor, error)
}

// Descriptor represents an open claim on a Device, from which I/O handles
// are obtained (spec §3, "Child owns a BlockDeviceDescriptor").
type Descriptor interface {
	Device() Device
	DeviceName() string
	Handle() (Handle, error)
	Close()
}

// Handle is the synchronous-submission / callback-completion I/O surface
// consumed from replicas (spec §6.2).
type Handle interface {
	Device() Device

	ReadvBlocks(bufs [][]byte, offsetBlocks, numBlocks uint64, cb CompletionCallback, arg interface{}) error
	WritevBlocks(bufs [][]byte, offsetBlocks, numBlocks uint64, cb CompletionCallback, arg interface{}) error
	ComparevBlocks(bufs [][]byte, offsetBlocks, numBlocks uint64, cb CompletionCallback, arg interface{}) error
	UnmapBlocks(offsetBlocks, numBlocks uint64, cb CompletionCallback, arg interface{}) error
	WriteZeroes(offsetBlocks, numBlocks uint64, cb CompletionCallback, arg interface{}) error
	Reset(cb CompletionCallback, arg interface{}) error
	FlushIO(cb CompletionCallback, arg interface{}) error
}

// Opener resolves a replica URI to an openable Device. The nexus consumes
// replicas exclusively through this and the Device/Handle surface above —
// it never speaks a transport protocol directly. Concrete openers (NVMe-oF,
// AIO, local file, malloc, loopback) are external collaborators (spec §1);
// backend/memdev's Registry is the in-process one this engine's tests and
// cmd/nexusctl use.
type Opener interface {
	Open(uri string) (Device, error)
}

// AdminHandle is an optional capability for NVMe-backed replicas (spec
// §4.3 "admin (NVMe devices only)"). Handles that do not implement it are
// simply not NVMe devices; callers type-assert before use.
type AdminHandle interface {
	NvmeIdentifyCtrlr() ([]byte, error)
	NvmeResvRegister(currentKey, newKey uint64, action, cptpl uint8) error
	NvmeResvAcquire(currentKey, preemptKey uint64, action, resvType uint8) error
	NvmeResvRelease(currentKey uint64, resvType, action uint8) error
	NvmeResvReport(cdw11 uint32) ([]byte, error)
	IoPassthru(opcode uint8, buf []byte) error
}
