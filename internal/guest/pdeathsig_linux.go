package guest

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// setParentDeathSignal has the kernel send SIGTERM when the panel exits, so
// an orphaned plugin does not outlive it.
func setParentDeathSignal() {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		slog.Debug("PR_SET_PDEATHSIG failed", "component", "guest", "error", err)
	}
}
