package control

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartcontrolx/scx/internal/auth"
	"github.com/smartcontrolx/scx/internal/protocol"
	"github.com/smartcontrolx/scx/internal/transport"
)

// listenHost accepts a single control connection on loopback and hands
// it to the test.
func listenHost(t *testing.T) (int, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		ln.Close()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port, accepted
}

func accept(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("accept failed")
		}
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for control connection")
	}
	return nil
}

// challenge sends "PIN:<pin>" and returns the client's raw reply.
func challenge(t *testing.T, c net.Conn, pin string) string {
	t.Helper()
	if _, err := c.Write(auth.Challenge(pin)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(pin))
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read PIN reply: %v", err)
	}
	c.SetReadDeadline(time.Time{})
	return string(buf)
}

func runAsync(s *Session) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Run(context.Background()) }()
	return ch
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func waitRun(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	return nil
}

func readEvent(t *testing.T, c net.Conn) protocol.Event {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	ev, err := protocol.ReadEvent(c)
	if err != nil {
		t.Fatalf("host read event: %v", err)
	}
	return ev
}

func TestPairingEchoesPin(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port, PingInterval: time.Hour})
	errCh := runAsync(s)

	host := accept(t, accepted)
	if got := challenge(t, host, "4821"); got != "4821" {
		t.Fatalf("PIN reply = %q, want 4821", got)
	}
	waitState(t, s, StateActive)

	// First ping goes out immediately.
	if ev := readEvent(t, host); ev.Type() != protocol.EventPing {
		t.Fatalf("first packet = %v, want ping", ev.Type())
	}

	ctx := context.Background()
	key := protocol.Key{Keycode: 65, Action: protocol.ActionDown}
	if err := s.SendKeyEvent(ctx, key); err != nil {
		t.Fatalf("SendKeyEvent: %v", err)
	}
	if ev := readEvent(t, host); ev != key {
		t.Fatalf("host got %#v, want %#v", ev, key)
	}

	mouse := protocol.Mouse{X: 640, Y: 360, Button: 1, Action: protocol.ActionMove}
	if err := s.SendMouseEvent(ctx, mouse); err != nil {
		t.Fatalf("SendMouseEvent: %v", err)
	}
	if ev := readEvent(t, host); ev != mouse {
		t.Fatalf("host got %#v, want %#v", ev, mouse)
	}

	if err := s.Post(protocol.Key{Keycode: 66, Action: protocol.ActionUp}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if ev := readEvent(t, host); ev != (protocol.Key{Keycode: 66, Action: protocol.ActionUp}) {
		t.Fatalf("host got %#v", ev)
	}

	s.Stop()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after Stop: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if err := s.SendKeyEvent(ctx, key); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("send after stop: %v", err)
	}
}

func TestNilEventRejected(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port, PingInterval: time.Hour})
	errCh := runAsync(s)

	host := accept(t, accepted)
	challenge(t, host, "4821")
	waitState(t, s, StateActive)
	readEvent(t, host) // initial ping

	if err := s.Post(nil); !errors.Is(err, protocol.ErrMalformedPacket) {
		t.Fatalf("Post(nil) = %v, want ErrMalformedPacket", err)
	}
	if err := s.send(context.Background(), nil); !errors.Is(err, protocol.ErrMalformedPacket) {
		t.Fatalf("send(nil) = %v, want ErrMalformedPacket", err)
	}

	// The session is still usable.
	key := protocol.Key{Keycode: 13, Action: protocol.ActionDown}
	if err := s.SendKeyEvent(context.Background(), key); err != nil {
		t.Fatalf("SendKeyEvent after nil event: %v", err)
	}
	if ev := readEvent(t, host); ev != key {
		t.Fatalf("host got %#v, want %#v", ev, key)
	}

	s.Stop()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after Stop: %v", err)
	}
}

func TestStaticPinProvider(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port, Pins: auth.StaticPin("1234"), PingInterval: time.Hour})
	errCh := runAsync(s)
	defer func() {
		s.Stop()
		waitRun(t, errCh)
	}()

	host := accept(t, accepted)
	if got := challenge(t, host, "9876"); got != "1234" {
		t.Fatalf("PIN reply = %q, want 1234", got)
	}
}

func TestPairingRejectedOnPeerClose(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port, PairingGrace: 500 * time.Millisecond})
	errCh := runAsync(s)

	host := accept(t, accepted)
	challenge(t, host, "4821")
	host.Close()

	err := waitRun(t, errCh)
	if !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("expected ErrPairingRejected, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %v, want failed", s.State())
	}
}

func TestUnexpectedDataDuringGrace(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port, PairingGrace: 500 * time.Millisecond})
	errCh := runAsync(s)

	host := accept(t, accepted)
	challenge(t, host, "4821")
	host.Write([]byte("OK"))

	if err := waitRun(t, errCh); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestMalformedChallenge(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port})
	errCh := runAsync(s)

	host := accept(t, accepted)
	host.Write([]byte("HELLO"))

	if err := waitRun(t, errCh); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %v, want failed", s.State())
	}
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := New(Config{Host: "127.0.0.1", Port: port})
	if err := s.Run(context.Background()); !errors.Is(err, transport.ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %v, want failed", s.State())
	}
	if err := s.Run(context.Background()); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("second Run: %v", err)
	}
}

func TestSendBeforePairing(t *testing.T) {
	s := New(Config{Host: "127.0.0.1"})
	key := protocol.Key{Keycode: 65, Action: protocol.ActionDown}

	if err := s.SendKeyEvent(context.Background(), key); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("SendKeyEvent: %v", err)
	}
	if err := s.Post(key); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("Post: %v", err)
	}

	s.Stop()
	s.Stop()
	<-s.Done()
	if err := s.Post(key); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("Post after stop: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("Run after stop: %v", err)
	}
}

func TestPingRecordsSendLatency(t *testing.T) {
	var ticks atomic.Int64
	base := time.UnixMilli(1_700_000_000_000)
	now := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * 3 * time.Millisecond)
	}

	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port, PingInterval: 20 * time.Millisecond, Now: now})
	errCh := runAsync(s)
	defer func() {
		s.Stop()
		waitRun(t, errCh)
	}()

	host := accept(t, accepted)
	challenge(t, host, "4821")

	var last protocol.Ping
	for i := 0; i < 3; i++ {
		ev := readEvent(t, host)
		p, ok := ev.(protocol.Ping)
		if !ok {
			t.Fatalf("packet %d = %v, want ping", i, ev.Type())
		}
		if i > 0 && p.TimestampMs <= last.TimestampMs {
			t.Fatalf("ping timestamps not increasing: %d then %d", last.TimestampMs, p.TimestampMs)
		}
		last = p
	}
	if got := s.LastRTTMs(); got != 3 {
		t.Fatalf("LastRTTMs = %v, want 3", got)
	}
}

func TestPeerCloseWhileActive(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port, PingInterval: time.Hour})
	errCh := runAsync(s)

	host := accept(t, accepted)
	challenge(t, host, "4821")
	waitState(t, s, StateActive)
	host.Close()

	if err := waitRun(t, errCh); err == nil {
		t.Fatal("expected an error after host close")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if err := s.Post(protocol.Key{}); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("Post after close: %v", err)
	}
}

func TestStopWhileAwaitingChallenge(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port})
	errCh := runAsync(s)

	accept(t, accepted)
	waitState(t, s, StateAwaitingChallenge)

	start := time.Now()
	s.Stop()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Fatalf("stop took %v", elapsed)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestContextCancelStops(t *testing.T) {
	port, accepted := listenHost(t)
	s := New(Config{Host: "127.0.0.1", Port: port, PingInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	host := accept(t, accepted)
	challenge(t, host, "4821")
	waitState(t, s, StateActive)

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	<-s.Done()
}
