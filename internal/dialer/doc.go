package dialer

// Package dialer provides the outbound dialing implementation used by the
// sproxy2 proxy listeners.
//
// Dialers implement a small interface (DialContext) so that handlers never
// depend on a concrete net.Dialer and tests can substitute failing or
// recording dialers.
