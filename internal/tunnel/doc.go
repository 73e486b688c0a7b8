package tunnel

// Package tunnel supervises an external ssh process running in dynamic
// port-forward mode (-D), which exposes a local SOCKS endpoint that relays
// traffic through the SSH connection.
//
// The supervisor owns the child for the lifetime of its proxy instance:
// it probes the local bind port until the tunnel answers, classifies early
// exits from the child's stderr, watches for unexpected exits while
// established, and terminates the child gracefully on shutdown.
