package memdev

import (
	"fmt"
	"sync"

	"github.com/nexusd/nexus/internal/blockdev"
)

// Registry resolves replica URIs to in-memory devices, implementing
// blockdev.Opener. It exists because this engine has no real NVMe-oF/AIO
// transport to dial out to (spec §1, "underlying block-device drivers...
// treated as external collaborators") — tests and cmd/nexusctl register a
// Device under a URI and hand the registry to a Nexus as its opener.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Register associates uri with dev, overwriting any previous mapping.
func (r *Registry) Register(uri string, dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[uri] = dev
}

// Unregister removes uri from the registry, if present.
func (r *Registry) Unregister(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, uri)
}

// Open implements blockdev.Opener.
func (r *Registry) Open(uri string) (blockdev.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[uri]
	if !ok {
		return nil, fmt.Errorf("memdev: no device registered for %q", uri)
	}
	return dev, nil
}

var _ blockdev.Opener = (*Registry)(nil)
