// Package ctrl implements the nexus lifecycle dispatcher: a single
// goroutine standing in for the "master reactor" (spec §5) that applies
// AddChild/RemoveChild/Shutdown/rebuild-control operations to one
// nexus's state in submission order, the same way a control fd serializes
// ioctl-encoded commands to a kernel device one at a time; here the
// "device" being controlled is in-process Nexus state instead.
package ctrl

import "github.com/nexusd/nexus/internal/logging"

// Dispatcher runs operations against one nexus strictly in the order they
// are submitted, regardless of which goroutine submits them (spec §6.3,
// "Each operation is total-ordered per nexus on the master reactor").
type Dispatcher struct {
	ops    chan func()
	logger *logging.Logger
	done   chan struct{}
}

// New creates a Dispatcher and starts its consumer goroutine.
func New(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{
		ops:    make(chan func(), 64),
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for fn := range d.ops {
		fn()
	}
	close(d.done)
}

// Call submits op and blocks until it has run on the dispatcher goroutine,
// returning its error. This is the "await completion" half of spec §5's
// "callers either await their completion or run as fire-and-forget".
func (d *Dispatcher) Call(name string, op func() error) error {
	result := make(chan error, 1)
	d.ops <- func() {
		result <- op()
	}
	err := <-result
	d.logger.WithField("op", name).Debugf("completed: err=%v", err)
	return err
}

// Go submits op fire-and-forget: the caller does not wait for it to run.
// A non-nil error is logged since there is no caller left to observe it.
func (d *Dispatcher) Go(name string, op func() error) {
	d.ops <- func() {
		logger := d.logger.WithField("op", name)
		if err := op(); err != nil {
			logger.Warnf("failed: %v", err)
			return
		}
		logger.Debugf("completed")
	}
}

// Close stops accepting new operations and waits for every already-queued
// operation to finish running. Only the owning Nexus should call this,
// during its own Shutdown/Destroy, and only once.
func (d *Dispatcher) Close() {
	close(d.ops)
	<-d.done
}
