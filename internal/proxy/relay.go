package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// relayChunkSize bounds the in-flight data per relay direction.
const relayChunkSize = 8 * 1024

type closeWriter interface {
	CloseWrite() error
}

// Relay pumps bytes between left and right until both directions finish.
//
// Each direction copies independently in relayChunkSize chunks. When one
// direction hits EOF or an I/O error it half-closes its write side so the
// peer can drain the other direction; I/O errors stay local to their loop.
// Canceling ctx closes both connections and is reported as ctx.Err().
// Relay closes both connections before returning and reports the total
// bytes moved.
func Relay(ctx context.Context, left, right net.Conn) (int64, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var total atomic.Int64

	g := new(errgroup.Group)
	g.Go(func() error {
		total.Add(relayOneWay(left, right))
		return nil
	})
	g.Go(func() error {
		total.Add(relayOneWay(right, left))
		return nil
	})
	_ = g.Wait()

	return total.Load(), ctx.Err()
}

// relayOneWay copies src to dst until EOF or error, then half-closes dst so
// the peer sees EOF while the opposite direction keeps draining.
func relayOneWay(dst, src net.Conn) int64 {
	var written int64
	buf := make([]byte, relayChunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				break
			}
		}
		if rerr != nil {
			break
		}
	}

	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
	return written
}
