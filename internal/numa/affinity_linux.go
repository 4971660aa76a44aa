//go:build linux

package numa

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// pinToProc binds the calling OS thread to a single logical
// processor, the portable equivalent of numa_set_thread_proc in the
// original (sched_setaffinity under the hood there too).
func pinToProc(proc int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(proc)
	return unix.SchedSetaffinity(0, &set)
}

// currentCPU reports which logical processor and memory node the
// calling thread is executing on via the getcpu(2) system call, the
// equivalent of the original's numa_get_thread_proc lookup. ok is
// false when the kernel can't say.
func currentCPU() (proc, node int, ok bool) {
	var cpu, nd uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&nd)), 0)
	if errno != 0 {
		return 0, 0, false
	}
	return int(cpu), int(nd), true
}
