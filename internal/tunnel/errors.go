package tunnel

import (
	"strings"
)

// FailureKind classifies why an ssh child process failed.
type FailureKind int

const (
	// FailureGeneric covers startup failures with no recognized cause.
	FailureGeneric FailureKind = iota
	// FailureAuth means the server rejected the offered credentials.
	FailureAuth
	// FailureRefused means the server actively refused the connection.
	FailureRefused
	// FailureUnreachable means the server could not be reached at all.
	FailureUnreachable
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "authentication failed"
	case FailureRefused:
		return "connection refused"
	case FailureUnreachable:
		return "host unreachable"
	default:
		return "tunnel start failed"
	}
}

// StartError reports that the ssh child exited before the tunnel was
// established, with the failure classified from its stderr.
type StartError struct {
	Kind   FailureKind
	Stderr string
	Err    error
}

func (e *StartError) Error() string {
	msg := "ssh tunnel: " + e.Kind.String()
	if line := firstLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

func (e *StartError) Unwrap() error { return e.Err }

// RuntimeError reports that the ssh child exited after the tunnel had been
// established.
type RuntimeError struct {
	Stderr string
	Err    error
}

func (e *RuntimeError) Error() string {
	msg := "ssh tunnel disconnected"
	if line := firstLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// classify maps ssh stderr output to a failure kind by substring match.
func classify(stderr string) FailureKind {
	switch {
	case strings.Contains(stderr, "Permission denied"),
		strings.Contains(stderr, "publickey"):
		return FailureAuth
	case strings.Contains(stderr, "Connection refused"):
		return FailureRefused
	case strings.Contains(stderr, "No route to host"),
		strings.Contains(stderr, "Connection timed out"):
		return FailureUnreachable
	default:
		return FailureGeneric
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
