//go:build windows

package tunnel

import (
	"os"
)

// Windows has no SIGTERM delivery for unrelated processes; fall back to a
// hard kill.
var gracefulStopSignal = os.Kill
