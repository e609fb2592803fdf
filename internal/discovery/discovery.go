// Package discovery locates a host on the LAN by UDP broadcast.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartcontrolx/scx/internal/logging"
	"github.com/smartcontrolx/scx/internal/metrics"
	"github.com/smartcontrolx/scx/internal/protocol"
	"github.com/smartcontrolx/scx/internal/status"
	"github.com/smartcontrolx/scx/internal/transport"
)

const (
	// DefaultReceiveTimeout is how long each attempt waits for a response.
	DefaultReceiveTimeout = 1 * time.Second
	// DefaultRetryDelay is the pause between attempts.
	DefaultRetryDelay = 1 * time.Second
	// DefaultBroadcastAddr is the limited broadcast address.
	DefaultBroadcastAddr = "255.255.255.255"

	maxDatagram = 1024
)

// ErrStopped is returned by Run when the search ends without a host.
var ErrStopped = errors.New("discovery stopped")

// State is the discovery session's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateSearching
	StateFound
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateFound:
		return "found"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HostAddress is a discovered host: its IP and the discovery port it
// answered on.
type HostAddress struct {
	IP   string
	Port int
}

func (a HostAddress) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// Config holds discovery configuration.
type Config struct {
	Port int // bind and target port
	// BroadcastAddr is where requests go. A bare IP uses Port; "ip:port"
	// overrides it.
	BroadcastAddr  string
	ReceiveTimeout time.Duration
	RetryDelay     time.Duration
	Logger         *slog.Logger
	Reporter       status.Reporter
	Metrics        *metrics.Collector
}

// Session is a single search. It broadcasts a request, waits for a
// response, and repeats until a host answers or it is stopped.
type Session struct {
	cfg   Config
	id    string
	log   *slog.Logger
	state atomic.Int32
	found chan HostAddress

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu   sync.Mutex
	conn *net.UDPConn
}

// New creates a discovery session but does not start it. Call Run().
func New(cfg Config) *Session {
	if cfg.Port == 0 && cfg.BroadcastAddr == "" {
		cfg.Port = protocol.DefaultDiscoveryPort
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = DefaultBroadcastAddr
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	id := uuid.New().String()
	return &Session{
		cfg:   cfg,
		id:    id,
		log:   logging.OrDiscard(cfg.Logger).With("component", "discovery", "session", id),
		found: make(chan HostAddress, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Found delivers the discovered address once, then is closed. It is
// closed without a value if the search stops or fails.
func (s *Session) Found() <-chan HostAddress { return s.found }

// Done is closed when the session has released its socket.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run searches until a host responds, Stop is called, or ctx is done.
// It returns the host's address, or ErrStopped.
func (s *Session) Run(ctx context.Context) (HostAddress, error) {
	if !s.started.CompareAndSwap(false, true) {
		if s.stopped() {
			return HostAddress{}, ErrStopped
		}
		return HostAddress{}, transport.ErrSessionClosed
	}
	defer close(s.done)
	defer close(s.found)

	target, err := s.target()
	if err != nil {
		return HostAddress{}, s.fail(err)
	}

	conn, err := transport.ListenDiscovery(ctx, s.cfg.Port)
	if err != nil {
		return HostAddress{}, s.fail(err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.closeConn()

	// Stop may have run before the socket was published.
	if s.stopped() {
		return HostAddress{}, s.finishStopped()
	}

	stopOnCancel := context.AfterFunc(ctx, s.Stop)
	defer stopOnCancel()

	s.setState(StateSearching, "searching for host")
	s.log.Info("discovery started", "port", s.cfg.Port, "target", target)

	request := []byte(protocol.DiscoveryRequest)
	buf := make([]byte, maxDatagram)

	for attempt := 1; ; attempt++ {
		if s.stopped() {
			return HostAddress{}, s.finishStopped()
		}

		if _, err := conn.WriteToUDP(request, target); err != nil {
			if s.stopped() {
				return HostAddress{}, s.finishStopped()
			}
			s.log.Warn("broadcast failed", "attempt", attempt, "err", err)
		} else {
			s.cfg.Metrics.DiscoveryAttempt()
			s.log.Debug("broadcast sent", "attempt", attempt)
		}

		from, err := s.awaitResponse(conn, buf)
		switch {
		case err == nil:
			return s.finishFound(from), nil
		case s.stopped():
			return HostAddress{}, s.finishStopped()
		case !transport.IsTimeout(err):
			s.log.Warn("receive failed", "attempt", attempt, "err", err)
		}

		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-s.stop:
			return HostAddress{}, s.finishStopped()
		}
	}
}

// awaitResponse reads until a response datagram arrives or the receive
// window closes. Other payloads, including our own broadcast, are skipped.
func (s *Session) awaitResponse(conn *net.UDPConn, buf []byte) (*net.UDPAddr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReceiveTimeout)); err != nil {
		return nil, err
	}
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if string(buf[:n]) == protocol.DiscoveryResponse {
			return from, nil
		}
		s.log.Debug("ignoring datagram", "from", from, "len", n)
	}
}

// Stop ends the search. It closes the socket so a pending receive returns
// at once. Safe to call more than once and before Run.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.closeConn()
		if s.started.CompareAndSwap(false, true) {
			// Run never started; nothing else will settle the state.
			s.state.Store(int32(StateStopped))
			close(s.found)
			close(s.done)
		}
	})
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) target() (*net.UDPAddr, error) {
	addr := s.cfg.BroadcastAddr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(s.cfg.Port))
	}
	target, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address %s: %w", addr, err)
	}
	return target, nil
}

func (s *Session) finishFound(from *net.UDPAddr) HostAddress {
	host := HostAddress{IP: from.IP.String(), Port: s.cfg.Port}
	s.state.Store(int32(StateFound))
	s.found <- host
	s.log.Info("host found", "addr", host.IP)
	s.cfg.Metrics.SessionEnded(string(status.KindDiscovery), "ok")
	s.cfg.Reporter.Report(status.Update{
		Kind:      status.KindDiscovery,
		SessionID: s.id,
		State:     StateFound.String(),
		Message:   "device found at " + host.IP,
		Addr:      host.IP,
		Time:      time.Now(),
	})
	return host
}

func (s *Session) finishStopped() error {
	s.state.Store(int32(StateStopped))
	s.log.Info("discovery stopped")
	s.cfg.Metrics.SessionEnded(string(status.KindDiscovery), "stopped")
	s.cfg.Reporter.Report(status.Update{
		Kind:      status.KindDiscovery,
		SessionID: s.id,
		State:     StateStopped.String(),
		Message:   "discovery stopped",
		Time:      time.Now(),
	})
	return ErrStopped
}

func (s *Session) fail(err error) error {
	s.state.Store(int32(StateFailed))
	s.log.Error("discovery failed", "err", err)
	s.cfg.Metrics.SessionEnded(string(status.KindDiscovery), "failed")
	s.cfg.Reporter.Report(status.Update{
		Kind:      status.KindDiscovery,
		SessionID: s.id,
		State:     StateFailed.String(),
		Message:   "discovery failed",
		Err:       err,
		Time:      time.Now(),
	})
	return err
}

func (s *Session) setState(st State, msg string) {
	s.state.Store(int32(st))
	s.cfg.Reporter.Report(status.Update{
		Kind:      status.KindDiscovery,
		SessionID: s.id,
		State:     st.String(),
		Message:   msg,
		Time:      time.Now(),
	})
}
