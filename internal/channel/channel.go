// Package channel implements the per-core materialization of a nexus's
// child set (spec §4.4). A Channel is created once per reactor core on
// first access and lives for as long as that core has I/O outstanding
// against the nexus; it is never shared across goroutines, so none of its
// state needs synchronization (spec §5, "per-channel counters require no
// synchronisation").
package channel

import "github.com/nexusd/nexus/internal/blockdev"

// Entry is one recorded write in a channel's IO log, used by an active
// RebuildJob to detect segments re-dirtied since the rebuild started
// (spec §4.7, "coordination with live writes").
type Entry struct {
	OffsetBlocks uint64
	NumBlocks    uint64
}

// member pairs a child's open handle with its device name, so the channel
// can find and drop it by name on DisconnectDevice without consulting the
// nexus's child list.
type member struct {
	name   string
	handle blockdev.Handle
}

// Channel is a per-core view of a nexus's readers and writers.
// Invariant: every name in readers also appears in writers (spec §3,
// "readers ⊆ writers").
type Channel struct {
	readers []member
	writers []member

	lastReader int // index of the last-selected reader, for round robin

	logging bool // true while a rebuild job is consuming this channel's log
	ioLog   []Entry
}

// New builds an empty channel. Callers populate it via AddReader/AddWriter
// for every non-closed, non-faulted child at construction time (spec §4.4).
func New() *Channel {
	return &Channel{lastReader: -1}
}

// AddWriter registers a writable child. Every writer-capable child must be
// added here regardless of whether it is also readable.
func (c *Channel) AddWriter(name string, h blockdev.Handle) {
	c.writers = append(c.writers, member{name: name, handle: h})
}

// AddReader registers a readable child. Callers must have already added
// it as a writer (spec invariant readers ⊆ writers).
func (c *Channel) AddReader(name string, h blockdev.Handle) {
	c.readers = append(c.readers, member{name: name, handle: h})
}

// NumReaders returns the number of live readers.
func (c *Channel) NumReaders() int { return len(c.readers) }

// NumWriters returns the number of live writers.
func (c *Channel) NumWriters() int { return len(c.writers) }

// SelectReader returns the next reader in round-robin order, starting
// from the index after the last-selected one (spec §4.4). Stickiness
// means repeated calls with no intervening topology change cycle evenly
// through every reader. Returns ok=false if there are no readers.
func (c *Channel) SelectReader() (name string, h blockdev.Handle, ok bool) {
	if len(c.readers) == 0 {
		return "", nil, false
	}
	c.lastReader = (c.lastReader + 1) % len(c.readers)
	m := c.readers[c.lastReader]
	return m.name, m.handle, true
}

// ForEachWriter calls fn for every writer in vector order, stopping early
// if fn returns false. This is the fan-out loop submit_all drives (spec
// §4.5): child I/Os for one logical write are issued in this order.
func (c *Channel) ForEachWriter(fn func(name string, h blockdev.Handle) bool) {
	for _, m := range c.writers {
		if !fn(m.name, m.handle) {
			return
		}
	}
}

// WriterHandle looks up a writer's handle by device name.
func (c *Channel) WriterHandle(name string) (blockdev.Handle, bool) {
	for _, m := range c.writers {
		if m.name == name {
			return m.handle, true
		}
	}
	return nil, false
}

// RemoveReader drops name from the readers vector only, leaving it as a
// writer if present. Used when a child's role transitions away from
// Healthy (e.g. to Degraded or Rebuilding) without leaving the write set
// (spec §3, "a Rebuilding child is in writers, not readers").
func (c *Channel) RemoveReader(name string) {
	c.readers = removeByName(c.readers, name)
	if c.lastReader >= len(c.readers) {
		c.lastReader = -1
	}
}

// DisconnectDevice removes every handle matching name from both the
// readers and writers vectors. Idempotent (spec §4.4).
func (c *Channel) DisconnectDevice(name string) {
	c.readers = removeByName(c.readers, name)
	c.writers = removeByName(c.writers, name)
	if c.lastReader >= len(c.readers) {
		c.lastReader = -1
	}
}

func removeByName(members []member, name string) []member {
	out := members[:0]
	for _, m := range members {
		if m.name != name {
			out = append(out, m)
		}
	}
	return out
}

// BeginRebuildLog starts recording every subsequent write into the IO log,
// for replay-overlap detection by an active RebuildJob.
func (c *Channel) BeginRebuildLog() {
	c.logging = true
	c.ioLog = c.ioLog[:0]
}

// EndRebuildLog stops recording and discards the log.
func (c *Channel) EndRebuildLog() {
	c.logging = false
	c.ioLog = nil
}

// LogWrite records a write's (offset, length), if rebuild logging is
// currently active. Called by the write path for every submitted write,
// regardless of whether a rebuild is running (cheap no-op otherwise).
func (c *Channel) LogWrite(offsetBlocks, numBlocks uint64) {
	if !c.logging {
		return
	}
	c.ioLog = append(c.ioLog, Entry{OffsetBlocks: offsetBlocks, NumBlocks: numBlocks})
}

// OverlapsLog reports whether any logged write intersects
// [offsetBlocks, offsetBlocks+numBlocks). The rebuild job calls this
// before marking a segment clean (spec §4.7): any overlap means the
// segment must stay dirty so the next pass recopies it.
func (c *Channel) OverlapsLog(offsetBlocks, numBlocks uint64) bool {
	end := offsetBlocks + numBlocks
	for _, e := range c.ioLog {
		eEnd := e.OffsetBlocks + e.NumBlocks
		if e.OffsetBlocks < end && offsetBlocks < eEnd {
			return true
		}
	}
	return false
}
