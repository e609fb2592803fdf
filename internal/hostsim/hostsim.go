// Package hostsim emulates the screen-sharing host: it answers discovery
// requests, challenges control clients for a PIN, reads their input
// events, and sends length-prefixed video units to a viewer.
package hostsim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartcontrolx/scx/internal/auth"
	"github.com/smartcontrolx/scx/internal/logging"
	"github.com/smartcontrolx/scx/internal/protocol"
	"github.com/smartcontrolx/scx/internal/transport"
)

const (
	defaultPinTimeout = 10 * time.Second
	eventBuffer       = 256
	pinReadSize       = 1024
)

// ErrNoViewer is returned by SendUnit when no video client is connected.
var ErrNoViewer = errors.New("no video client connected")

// Config holds emulator configuration. Zero ports pick ephemeral ones.
type Config struct {
	PIN           string // generated when empty
	Addr          string // TCP bind address, default 127.0.0.1
	ControlPort   int
	VideoPort     int
	DiscoveryPort int
	PinTimeout    time.Duration // how long a control client has to answer
	Logger        *slog.Logger
}

type acceptResult struct {
	conn *transport.Conn
	err  error
}

type unitRequest struct {
	unit   []byte
	result chan error
}

// Host is a running emulator. Run drives it; the video connection is
// written only by the Run goroutine.
type Host struct {
	cfg    Config
	log    *slog.Logger
	pin    string
	events chan protocol.Event
	units  chan unitRequest
	closed chan struct{}

	paired   atomic.Int32
	rejected atomic.Int32
	viewers  atomic.Int32

	// Ready is closed after all sockets are bound, with the port fields
	// set. Callers wait on it before dialing.
	Ready         chan struct{}
	ControlPort   int
	VideoPort     int
	DiscoveryPort int

	mu       sync.Mutex
	controls map[*transport.Conn]struct{}
	wg       sync.WaitGroup
}

// New creates a host but does not bind anything. Call Run().
func New(cfg Config) (*Host, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1"
	}
	if cfg.PinTimeout <= 0 {
		cfg.PinTimeout = defaultPinTimeout
	}
	pin := cfg.PIN
	if pin == "" {
		var err error
		if pin, err = auth.GeneratePIN(); err != nil {
			return nil, err
		}
	}
	return &Host{
		cfg:      cfg,
		log:      logging.OrDiscard(cfg.Logger).With("component", "hostsim"),
		pin:      pin,
		events:   make(chan protocol.Event, eventBuffer),
		units:    make(chan unitRequest),
		closed:   make(chan struct{}),
		Ready:    make(chan struct{}),
		controls: make(map[*transport.Conn]struct{}),
	}, nil
}

// PIN returns the pairing code the host challenges with.
func (h *Host) PIN() string { return h.pin }

// Events delivers input events from paired control clients.
func (h *Host) Events() <-chan protocol.Event { return h.events }

// Paired returns how many control clients answered the PIN correctly.
func (h *Host) Paired() int { return int(h.paired.Load()) }

// Rejected returns how many control clients were dropped for a wrong PIN.
func (h *Host) Rejected() int { return int(h.rejected.Load()) }

// Viewers returns how many video clients have connected.
func (h *Host) Viewers() int { return int(h.viewers.Load()) }

// SendUnit writes one framed unit to the current video client.
func (h *Host) SendUnit(ctx context.Context, unit []byte) error {
	req := unitRequest{unit: unit, result: make(chan error, 1)}
	select {
	case h.units <- req:
	case <-h.closed:
		return transport.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run binds the three sockets and serves until ctx is done. All
// goroutines have exited when it returns.
func (h *Host) Run(ctx context.Context) error {
	udp, err := transport.ListenDiscovery(ctx, h.cfg.DiscoveryPort)
	if err != nil {
		return err
	}
	controlLn, err := net.Listen("tcp", net.JoinHostPort(h.cfg.Addr, strconv.Itoa(h.cfg.ControlPort)))
	if err != nil {
		udp.Close()
		return fmt.Errorf("listen control: %w", err)
	}
	videoLn, err := net.Listen("tcp", net.JoinHostPort(h.cfg.Addr, strconv.Itoa(h.cfg.VideoPort)))
	if err != nil {
		udp.Close()
		controlLn.Close()
		return fmt.Errorf("listen video: %w", err)
	}

	var video *transport.Conn
	controlCh := make(chan acceptResult, 1)
	videoCh := make(chan acceptResult, 1)
	defer func() {
		close(h.closed)
		udp.Close()
		controlLn.Close()
		videoLn.Close()
		if video != nil {
			video.Close()
		}
		h.mu.Lock()
		for c := range h.controls {
			c.Close()
		}
		h.mu.Unlock()
		h.wg.Wait()
		// An accept that completed during shutdown was never handled.
		for _, ch := range []chan acceptResult{controlCh, videoCh} {
			select {
			case res := <-ch:
				if res.conn != nil {
					res.conn.Close()
				}
			default:
			}
		}
	}()

	h.DiscoveryPort = udp.LocalAddr().(*net.UDPAddr).Port
	h.ControlPort = controlLn.Addr().(*net.TCPAddr).Port
	h.VideoPort = videoLn.Addr().(*net.TCPAddr).Port
	close(h.Ready)
	h.log.Info("host ready", "pin", h.pin,
		"discovery", h.DiscoveryPort, "control", h.ControlPort, "video", h.VideoPort)

	h.wg.Add(1)
	go h.answerDiscovery(udp)

	h.acceptOnce(controlLn, controlCh)
	h.acceptOnce(videoLn, videoCh)

	for {
		select {
		case res := <-controlCh:
			if res.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.log.Warn("control accept", "err", res.err)
			} else {
				h.track(res.conn)
				h.wg.Add(1)
				go h.serveControl(ctx, res.conn)
			}
			h.acceptOnce(controlLn, controlCh)

		case res := <-videoCh:
			if res.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.log.Warn("video accept", "err", res.err)
			} else {
				// One viewer at a time; a new one replaces the old.
				if video != nil {
					video.Close()
				}
				video = res.conn
				h.viewers.Add(1)
				h.log.Info("viewer connected", "remote", video.RemoteAddr())
			}
			h.acceptOnce(videoLn, videoCh)

		case req := <-h.units:
			if video == nil {
				req.result <- ErrNoViewer
				continue
			}
			var frame bytes.Buffer
			if err := protocol.WriteVideoUnit(&frame, req.unit); err != nil {
				req.result <- err
				continue
			}
			if err := video.Send(frame.Bytes()); err != nil {
				h.log.Info("viewer gone", "err", err)
				video.Close()
				video = nil
				req.result <- fmt.Errorf("%w: %w", ErrNoViewer, err)
				continue
			}
			req.result <- nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acceptOnce accepts a single connection on its own goroutine. The main
// loop re-arms it after handling the result.
func (h *Host) acceptOnce(ln net.Listener, ch chan<- acceptResult) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c, err := ln.Accept()
		if err != nil {
			ch <- acceptResult{err: err}
			return
		}
		ch <- acceptResult{conn: transport.NewConn(c)}
	}()
}

// answerDiscovery replies to each request at its source address.
func (h *Host) answerDiscovery(udp *net.UDPConn) {
	defer h.wg.Done()
	buf := make([]byte, pinReadSize)
	for {
		n, from, err := udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != protocol.DiscoveryRequest {
			continue
		}
		h.log.Debug("discovery request", "from", from)
		if _, err := udp.WriteToUDP([]byte(protocol.DiscoveryResponse), from); err != nil {
			h.log.Warn("discovery reply", "to", from, "err", err)
		}
	}
}

// serveControl challenges one client, then forwards its events until it
// disconnects. A wrong PIN closes the connection without a reply.
func (h *Host) serveControl(ctx context.Context, conn *transport.Conn) {
	defer h.wg.Done()
	defer h.untrack(conn)
	log := h.log.With("remote", conn.RemoteAddr())

	if err := conn.Send(auth.Challenge(h.pin)); err != nil {
		log.Warn("send challenge", "err", err)
		return
	}
	conn.SetReadDeadline(time.Now().Add(h.cfg.PinTimeout))
	buf := make([]byte, pinReadSize)
	n, err := conn.Read(buf)
	if err != nil {
		log.Info("no PIN reply", "err", err)
		return
	}
	if !auth.VerifyPIN(h.pin, strings.TrimSpace(string(buf[:n]))) {
		h.rejected.Add(1)
		log.Info("wrong PIN")
		return
	}
	conn.SetReadDeadline(time.Time{})
	h.paired.Add(1)
	log.Info("client paired")

	for {
		ev, err := protocol.ReadEvent(conn)
		if err != nil {
			log.Info("control client gone", "err", err)
			return
		}
		select {
		case h.events <- ev:
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		}
	}
}

func (h *Host) track(c *transport.Conn) {
	h.mu.Lock()
	h.controls[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Host) untrack(c *transport.Conn) {
	h.mu.Lock()
	delete(h.controls, c)
	h.mu.Unlock()
	c.Close()
}
