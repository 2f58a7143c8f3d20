//go:build linux

package gpio

import "golang.org/x/sys/unix"

// LockMemory pins the process in RAM so page faults do not stretch clock
// pulses while a frame is being shifted out.
func LockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}
