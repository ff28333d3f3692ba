package runlock

import "syscall"

// syscallSignal0 is the zero-signal used to probe whether a PID is alive
// without actually signaling it (the same trick `kill -0` uses).
func syscallSignal0() syscall.Signal {
	return syscall.Signal(0)
}
