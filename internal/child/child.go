// Package child models one replica attached to a nexus (spec §3, "Child").
package child

import (
	"sync"

	"github.com/nexusd/nexus/internal/blockdev"
)

// Role is the lifecycle state of a child.
type Role int

const (
	// Healthy children participate as both readers and writers.
	Healthy Role = iota
	// Degraded children are writers only — data may be stale until rebuilt.
	Degraded
	// Rebuilding children are writers only, currently being brought
	// in sync by a RebuildJob.
	Rebuilding
	// Faulted children are excluded from both vectors and awaiting retire.
	Faulted
	// Closed children have had their descriptor closed; channels must
	// skip them entirely.
	Closed
)

func (r Role) String() string {
	switch r {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Rebuilding:
		return "rebuilding"
	case Faulted:
		return "faulted"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanRead reports whether a child in this role should appear in a
// channel's readers vector.
func (r Role) CanRead() bool {
	return r == Healthy
}

// CanWrite reports whether a child in this role should appear in a
// channel's writers vector.
func (r Role) CanWrite() bool {
	return r == Healthy || r == Degraded || r == Rebuilding
}

// Child is a (URI, device name, role) triple plus its open descriptor
// (spec §3). The set of children on a nexus is append-only; individual
// children transition to Closed rather than being removed from the slice.
type Child struct {
	mu sync.RWMutex

	uri        string
	deviceName string
	role       Role
	descriptor blockdev.Descriptor
	device     blockdev.Device
}

// New creates a child wrapping an already-resolved device and descriptor,
// starting in the given role (Healthy for an initial child, Rebuilding for
// one just added to a running nexus).
func New(uri, deviceName string, device blockdev.Device, descriptor blockdev.Descriptor, role Role) *Child {
	return &Child{
		uri:        uri,
		deviceName: deviceName,
		role:       role,
		descriptor: descriptor,
		device:     device,
	}
}

func (c *Child) URI() string                    { c.mu.RLock(); defer c.mu.RUnlock(); return c.uri }
func (c *Child) DeviceName() string              { c.mu.RLock(); defer c.mu.RUnlock(); return c.deviceName }
func (c *Child) Device() blockdev.Device         { c.mu.RLock(); defer c.mu.RUnlock(); return c.device }
func (c *Child) Descriptor() blockdev.Descriptor { c.mu.RLock(); defer c.mu.RUnlock(); return c.descriptor }

// Role returns the child's current role.
func (c *Child) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// SetRole transitions the child to a new role. Roles are changed from the
// lifecycle dispatcher, from the I/O path's fault handling and from a
// finishing rebuild, so the lock guards writers as well as readers.
func (c *Child) SetRole(r Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = r
}

// Close transitions the child to Closed and releases its descriptor.
// Idempotent.
func (c *Child) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == Closed {
		return
	}
	if c.descriptor != nil {
		c.descriptor.Close()
	}
	c.role = Closed
}
