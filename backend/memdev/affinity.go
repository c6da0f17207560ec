package memdev

import "golang.org/x/sys/unix"

// SetCPUAffinity pins the calling OS thread to cpuIdx, so a shard's hot
// cache line stays local to one core instead of bouncing across sockets.
// Callers must runtime.LockOSThread first; this package does not call it
// itself since only the calling goroutine knows when to release the
// thread back to Go's scheduler.
func SetCPUAffinity(cpuIdx int) error {
	var mask unix.CPUSet
	mask.Set(cpuIdx)
	return unix.SchedSetaffinity(0, &mask)
}
