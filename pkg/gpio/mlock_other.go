//go:build !linux

package gpio

// LockMemory is a no-op off Linux.
func LockMemory() error { return nil }
