// Package cmdqueue implements the nexus's device command queue: a
// lock-free multi-producer/single-consumer channel carrying retire/remove
// requests from any reactor to the master reactor, which serialises them
// per nexus (spec §4.2, §5).
package cmdqueue

import "github.com/nexusd/nexus/internal/constants"

// CommandKind discriminates the queue's command union.
type CommandKind int

const (
	// RetireDevice reports a faulted child to the master reactor. The
	// nexus has already disconnected the child from every channel and
	// marked it Faulted before enqueuing; its command loop only logs it.
	RetireDevice CommandKind = iota
	// RemoveDevice names a child to be fully detached and closed. The
	// nexus does not enqueue it: RemoveChild closes the child directly.
	RemoveDevice
)

func (k CommandKind) String() string {
	if k == RemoveDevice {
		return "remove_device"
	}
	return "retire_device"
}

// Command is one entry in the device command queue.
type Command struct {
	Kind       CommandKind
	NexusName  string
	ChildName  string
}

// Queue is a lock-free MPSC queue backed by a buffered Go channel — any
// number of reactor goroutines may enqueue; exactly one consumer (the
// master reactor) dequeues and serialises handling per nexus (spec §5,
// "DeviceCmdQueue is lock-free multi-producer/single-consumer").
type Queue struct {
	ch chan Command
}

// New creates a command queue with the default buffer capacity.
func New() *Queue {
	return NewWithCapacity(constants.DefaultCmdQueueCapacity)
}

// NewWithCapacity creates a command queue with the given buffer capacity.
func NewWithCapacity(capacity int) *Queue {
	return &Queue{ch: make(chan Command, capacity)}
}

// Enqueue submits a command for the master reactor to process. Enqueue
// never blocks indefinitely under normal operation because the buffer is
// sized generously relative to the number of children any one nexus can
// have; a full queue indicates the consumer has stalled, and Enqueue will
// block until it drains rather than silently drop a retire request.
func (q *Queue) Enqueue(cmd Command) {
	q.ch <- cmd
}

// Dequeue blocks until a command is available or the queue is closed, in
// which case ok is false.
func (q *Queue) Dequeue() (Command, bool) {
	cmd, ok := <-q.ch
	return cmd, ok
}

// Commands exposes the underlying channel for range-based consumption by
// the master reactor's command loop.
func (q *Queue) Commands() <-chan Command {
	return q.ch
}

// Close shuts the queue down. Only the owning nexus, from its master
// reactor, should call this, and only once — closing a channel a second
// time panics, same as sending after close.
func (q *Queue) Close() {
	close(q.ch)
}
