//go:build !windows

package tunnel

import (
	"golang.org/x/sys/unix"
)

// gracefulStopSignal asks the ssh child to shut down cleanly before the
// supervisor escalates to a kill.
var gracefulStopSignal = unix.SIGTERM
