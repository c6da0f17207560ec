package memdev

import (
	"runtime"
	"testing"

	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/iostatus"
)

// BenchmarkShardedReadvPinned measures single-shard read throughput with
// the benchmark goroutine pinned to one core. Affinity is not required
// for correctness; hosts that refuse the syscall (e.g. a restrictive
// container) skip rather than fail.
func BenchmarkShardedReadvPinned(b *testing.B) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := SetCPUAffinity(0); err != nil {
		b.Skipf("cpu affinity unavailable: %v", err)
	}

	d := New("bench", 4096, 512)
	h := openBenchHandle(b, d)

	buf := make([]byte, 512)
	done := make(chan struct{}, 1)
	cb := func(blockdev.Device, iostatus.Status, interface{}) { done <- struct{}{} }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := h.ReadvBlocks([][]byte{buf}, uint64(i%4096), 1, cb, nil); err != nil {
			b.Fatal(err)
		}
		<-done
	}
}

func openBenchHandle(b *testing.B, d *Device) blockdev.Handle {
	b.Helper()
	desc, err := d.Open(true)
	if err != nil {
		b.Fatal(err)
	}
	h, err := desc.Handle()
	if err != nil {
		b.Fatal(err)
	}
	return h
}
