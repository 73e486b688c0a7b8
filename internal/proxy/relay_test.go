package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns two connected TCP endpoints so half-close semantics can be
// exercised (net.Pipe has no CloseWrite).
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- c
	}()

	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b := <-ch
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestRelayRoundTrip(t *testing.T) {
	leftOuter, leftInner := tcpPair(t)
	rightInner, rightOuter := tcpPair(t)

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_, _ = Relay(context.Background(), leftInner, rightInner)
	}()

	// Multi-chunk payload, larger than one relay chunk.
	payload := make([]byte, 3*relayChunkSize+17)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	go func() {
		_, _ = leftOuter.Write(payload)
	}()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(rightOuter, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted left to right")
	}

	// And the reverse direction, interleaved on the same relay.
	msg := []byte("reply")
	if _, err := rightOuter.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(leftOuter, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}

	// Closing one outer side must unwind the whole relay.
	_ = leftOuter.Close()
	_ = rightOuter.Close()
	select {
	case <-relayDone:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after both sides closed")
	}
}

func TestRelayPropagatesEOF(t *testing.T) {
	leftOuter, leftInner := tcpPair(t)
	rightInner, rightOuter := tcpPair(t)

	go func() {
		_, _ = Relay(context.Background(), leftInner, rightInner)
	}()

	if _, err := leftOuter.Write([]byte("last words")); err != nil {
		t.Fatal(err)
	}
	if tc, ok := leftOuter.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	// The write-side close must reach rightOuter's reader after the data.
	got, err := io.ReadAll(rightOuter)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "last words" {
		t.Fatalf("expected %q got %q", "last words", string(got))
	}
}

func TestRelayZeroLength(t *testing.T) {
	leftOuter, leftInner := tcpPair(t)
	rightInner, rightOuter := tcpPair(t)

	done := make(chan int64, 1)
	go func() {
		n, _ := Relay(context.Background(), leftInner, rightInner)
		done <- n
	}()

	_ = leftOuter.Close()
	_ = rightOuter.Close()

	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("expected 0 bytes relayed, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestRelayCancel(t *testing.T) {
	_, leftInner := tcpPair(t)
	rightInner, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := Relay(ctx, leftInner, rightInner)
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not observe cancellation")
	}
}
