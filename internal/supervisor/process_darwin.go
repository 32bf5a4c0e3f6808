package supervisor

import "syscall"

// processAlive sends signal 0, which performs existence/permission checks
// without actually signalling the process. macOS has no /proc to stat.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
