package proxy

// Package proxy implements the sproxy2 proxy engine.
//
// It contains the SOCKS5 and HTTP CONNECT per-connection handlers, the
// bidirectional relay, the per-instance lifecycle state machine, and the
// registry that owns all named instances. SSH dynamic-forward tunnels are
// supervised by the tunnel package and bound to instances here.
