// Package nanny guarantees termination of frameserver children within a
// bounded grace period after their segment is released. Each scheduled pid
// gets its own detached supervisor: the host cannot keep a table of live
// children keyed by handle, a child may exit between lookup and kill.
package nanny

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calder-io/frameserv/internal/logger"
)

// Grace is how many liveness checks run before the unconditional kill.
const Grace = 10

// interval between checks, overridable in tests.
var interval = time.Second

// DisableEnv turns the nanny off process-wide, for debugging a child under a
// parent debugger that would otherwise race the kill.
const DisableEnv = "ARCAN_DEBUG_NONANNY"

// Schedule starts a supervisor for pid. It polls once a second with a
// non-blocking wait and sends SIGKILL after the grace period expires.
func Schedule(pid int) {
	if pid <= 0 {
		return
	}
	if os.Getenv(DisableEnv) != "" {
		return
	}
	go supervise(pid)
}

func supervise(pid int) {
	for i := 0; i < Grace; i++ {
		time.Sleep(interval)
		if reaped(pid) {
			return
		}
	}
	logger.Warn("nanny: grace expired, killing child", "pid", pid)
	unix.Kill(pid, unix.SIGKILL)
	// One final reap so a direct child does not linger as a zombie.
	time.Sleep(interval)
	reaped(pid)
}

// reaped reports whether pid is gone. ECHILD means someone else already
// collected it, which is just as final.
func reaped(pid int) bool {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err == unix.ECHILD {
		return true
	}
	if err != nil {
		return false
	}
	return got == pid
}
