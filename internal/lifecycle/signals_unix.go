//go:build !windows

package lifecycle

import (
	"os"

	"golang.org/x/sys/unix"
)

// TerminationSignals stop a running cast. SIGHUP is included so closing the
// terminal stops playback too.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, unix.SIGTERM, unix.SIGHUP}
}
