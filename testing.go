package nexus

import (
	"fmt"

	"github.com/nexusd/nexus/backend/memdev"
	"github.com/nexusd/nexus/internal/constants"
	"github.com/nexusd/nexus/internal/iostatus"
)

// FaultDevice is a blockdev.Device with deterministic fault injection,
// for driving the fault-pipeline and self-shutdown scenarios from spec §8
// without a real transport. It is a thin naming wrapper over
// backend/memdev.Device, which already carries the injection switches
// (SPEC_FULL §4.8.4).
type FaultDevice = memdev.Device

// NewFaultInjectingDevice creates a FaultDevice of size bytes, using the
// default logical block size, as a one-call fixture constructor.
func NewFaultInjectingDevice(name string, size int64) *FaultDevice {
	blockLen := uint32(constants.DefaultLogicalBlockSize)
	numBlocks := uint64(size) / uint64(blockLen)
	return memdev.New(name, numBlocks, blockLen)
}

// TestCluster bundles a Nexus together with the memdev.Registry and
// backing devices used to create it, for tests that need to reach past
// the Nexus surface to inject faults directly on a specific replica.
type TestCluster struct {
	Nexus    *Nexus
	Registry *memdev.Registry
	Devices  map[string]*memdev.Device // keyed by URI
}

// NewTestCluster creates numChildren in-memory replicas of numBlocks
// blocks each, registers them under "mem://<name>-child-N" URIs, and opens
// a Nexus against all of them: a one-call fixture for exercising the fault
// pipeline, rebuild, and fan-out logic.
func NewTestCluster(name string, numChildren int, numBlocks uint64, blockLen uint32) (*TestCluster, error) {
	registry := memdev.NewRegistry()
	devices := make(map[string]*memdev.Device, numChildren)
	uris := make([]string, numChildren)

	for i := 0; i < numChildren; i++ {
		uri := fmt.Sprintf("mem://%s-child-%d", name, i)
		dev := memdev.New(fmt.Sprintf("%s-child-%d", name, i), numBlocks, blockLen)
		registry.Register(uri, dev)
		devices[uri] = dev
		uris[i] = uri
	}

	params := DefaultNexusParams(name, registry, uris)
	params.BlockSize = blockLen
	n, err := New(params)
	if err != nil {
		return nil, err
	}

	return &TestCluster{Nexus: n, Registry: registry, Devices: devices}, nil
}

// AddChild registers one more in-memory replica under a fresh URI and
// attaches it to the cluster's nexus, optionally kicking off a rebuild.
func (tc *TestCluster) AddChild(deviceName string, numBlocks uint64, blockLen uint32, rebuildOnAdd bool) (string, error) {
	uri := fmt.Sprintf("mem://%s", deviceName)
	dev := memdev.New(deviceName, numBlocks, blockLen)
	tc.Registry.Register(uri, dev)
	tc.Devices[uri] = dev
	return uri, tc.Nexus.AddChild(uri, rebuildOnAdd)
}

// FailNextSubmit arranges for the next I/O submitted to childURI's device
// to fail at submission time, exercising the "writer fails at submission"
// scenario (spec §8).
func (tc *TestCluster) FailNextSubmit(childURI string, err error) {
	tc.Devices[childURI].FailNextSubmit(err)
}

// FailNextCompletion arranges for the next I/O completed on childURI's
// device to report status instead of success.
func (tc *TestCluster) FailNextCompletion(childURI string, status iostatus.Status) {
	tc.Devices[childURI].FailNextCompletion(status)
}

// Close shuts the cluster's nexus down.
func (tc *TestCluster) Close() error {
	return tc.Nexus.Destroy()
}
