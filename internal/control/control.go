// Package control runs the control channel: PIN pairing, then input event
// injection and periodic pings over one TCP connection.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartcontrolx/scx/internal/auth"
	"github.com/smartcontrolx/scx/internal/logging"
	"github.com/smartcontrolx/scx/internal/metrics"
	"github.com/smartcontrolx/scx/internal/protocol"
	"github.com/smartcontrolx/scx/internal/status"
	"github.com/smartcontrolx/scx/internal/transport"
)

const (
	DefaultChallengeTimeout = 10 * time.Second
	DefaultPairingGrace     = 100 * time.Millisecond
	DefaultPingInterval     = 5 * time.Second
	DefaultQueueSize        = 64

	challengeBufSize = 1024
)

var (
	// ErrPairingRejected means the host closed the connection after our
	// PIN response.
	ErrPairingRejected = errors.New("pairing rejected by host")
	// ErrNotPaired is returned for sends before the session is active.
	ErrNotPaired = errors.New("control session not paired")
	// ErrQueueFull is returned by Post when the send queue is full.
	ErrQueueFull = errors.New("control send queue full")
)

// State is the control session's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingChallenge
	StatePinReceived
	StatePinSent
	StatePaired
	StateActive
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateConnecting:        "connecting",
	StateAwaitingChallenge: "awaiting-challenge",
	StatePinReceived:       "pin-received",
	StatePinSent:           "pin-sent",
	StatePaired:            "paired",
	StateActive:            "active",
	StateClosed:            "closed",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Config holds control session configuration.
type Config struct {
	Host             string
	Port             int
	Pins             auth.PinProvider // answers the PIN challenge; defaults to auth.EchoPin
	DialTimeout      time.Duration
	ChallengeTimeout time.Duration
	PairingGrace     time.Duration // quiet period after the PIN that counts as acceptance
	PingInterval     time.Duration
	QueueSize        int
	Logger           *slog.Logger
	Reporter         status.Reporter
	Metrics          *metrics.Collector
	Now              func() time.Time // clock for ping timestamps and RTT
}

type command struct {
	ev     protocol.Event
	result chan error // nil for fire-and-forget posts
}

// Session is one control connection. Run drives it on the caller's
// goroutine; the send methods and Stop are safe from any goroutine.
type Session struct {
	cfg   Config
	id    string
	log   *slog.Logger
	state atomic.Int32
	rtt   atomic.Uint64 // float64 bits, milliseconds
	cmds  chan command

	started    atomic.Bool
	stopCtx    context.Context
	stopCancel context.CancelFunc
	stopOnce   sync.Once
	done       chan struct{}

	mu   sync.Mutex
	conn *transport.Conn
}

// New creates a control session but does not connect. Call Run().
func New(cfg Config) *Session {
	if cfg.Port == 0 {
		cfg.Port = protocol.DefaultControlPort
	}
	if cfg.Pins == nil {
		cfg.Pins = auth.EchoPin
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = transport.DefaultDialTimeout
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if cfg.PairingGrace <= 0 {
		cfg.PairingGrace = DefaultPairingGrace
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	id := uuid.New().String()
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Session{
		cfg:        cfg,
		id:         id,
		log:        logging.OrDiscard(cfg.Logger).With("component", "control", "session", id),
		cmds:       make(chan command, cfg.QueueSize),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		done:       make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastRTTMs returns the most recent ping send latency in milliseconds, or
// 0 before the first ping.
func (s *Session) LastRTTMs() float64 { return math.Float64frombits(s.rtt.Load()) }

// Done is closed once Run has returned and the connection is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run connects, pairs, and serves sends and pings until the host closes
// the connection, a write fails, Stop is called, or ctx is done. A
// requested stop returns nil.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return transport.ErrSessionClosed
	}
	defer close(s.done)
	defer s.failPending()

	stopOnCancel := context.AfterFunc(ctx, s.Stop)
	defer stopOnCancel()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(s.stopCtx, cancel)
	defer unwatch()

	s.setState(StateConnecting, fmt.Sprintf("connecting to %s:%d", s.cfg.Host, s.cfg.Port), nil)
	conn, err := transport.Dial(runCtx, s.cfg.Host, s.cfg.Port, s.cfg.DialTimeout)
	if err != nil {
		if s.stopped() {
			return s.finishStopped()
		}
		return s.fail(fmt.Errorf("control connect: %w", err))
	}
	if !s.publish(conn) {
		conn.Close()
		return s.finishStopped()
	}

	if err := s.pair(runCtx, conn); err != nil {
		conn.Close()
		if s.stopped() {
			return s.finishStopped()
		}
		return s.fail(err)
	}
	return s.serve(conn)
}

// pair answers the host's PIN challenge and waits out the grace period.
func (s *Session) pair(ctx context.Context, conn *transport.Conn) error {
	s.setState(StateAwaitingChallenge, "waiting for PIN challenge", nil)
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ChallengeTimeout)); err != nil {
		return fmt.Errorf("await challenge: %w", err)
	}
	buf := make([]byte, challengeBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("await challenge: host closed connection: %w", protocol.ErrProtocolViolation)
		}
		return fmt.Errorf("await challenge: %w", err)
	}
	code, err := auth.ParseChallenge(buf[:n])
	if err != nil {
		return err
	}

	s.setState(StatePinReceived, "PIN challenge received", nil)
	pin, err := s.cfg.Pins.PIN(ctx, code)
	if err != nil {
		return fmt.Errorf("PIN entry: %w", err)
	}
	if err := conn.Send([]byte(pin)); err != nil {
		return fmt.Errorf("send PIN: %w", err)
	}
	s.setState(StatePinSent, "PIN sent", nil)

	// The host acknowledges nothing; a wrong PIN closes the connection.
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PairingGrace)); err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	n, err = conn.Read(buf)
	switch {
	case err == nil:
		return fmt.Errorf("pairing: unexpected %d bytes from host: %w", n, protocol.ErrProtocolViolation)
	case transport.IsTimeout(err):
	case errors.Is(err, io.EOF), errors.Is(err, transport.ErrConnectionReset):
		return fmt.Errorf("pairing: %w: %w", ErrPairingRejected, err)
	default:
		return fmt.Errorf("pairing: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	s.setState(StatePaired, "paired", nil)
	return nil
}

// serve is the active loop. It is the only writer on conn.
func (s *Session) serve(conn *transport.Conn) error {
	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- s.watchPeer(conn)
	}()
	defer func() {
		conn.Close()
		wg.Wait()
	}()

	s.setState(StateActive, "connected", nil)
	s.log.Info("control session active", "remote", conn.RemoteAddr())

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	if err := s.ping(conn); err != nil {
		return s.endActive(err)
	}

	for {
		select {
		case cmd := <-s.cmds:
			err := conn.SendEvent(cmd.ev)
			if err == nil {
				s.cfg.Metrics.EventSent(cmd.ev.Type())
			}
			if cmd.result != nil {
				cmd.result <- err
			}
			if err != nil {
				return s.endActive(fmt.Errorf("send %s event: %w", cmd.ev.Type(), err))
			}

		case <-ticker.C:
			if err := s.ping(conn); err != nil {
				return s.endActive(err)
			}

		case err := <-readErr:
			return s.endActive(err)

		case <-s.stopCtx.Done():
			return s.finishStopped()
		}
	}
}

// watchPeer reads until the connection fails. The host sends nothing
// after pairing, so any bytes are logged and dropped.
func (s *Session) watchPeer(conn *transport.Conn) error {
	buf := make([]byte, challengeBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.log.Debug("discarding unexpected control data", "len", n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("host closed control channel: %w", err)
			}
			return fmt.Errorf("control read: %w", err)
		}
	}
}

func (s *Session) ping(conn *transport.Conn) error {
	start := s.cfg.Now()
	if err := conn.SendEvent(protocol.PingAt(start.UnixMilli())); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	rtt := float64(s.cfg.Now().Sub(start)) / float64(time.Millisecond)
	s.rtt.Store(math.Float64bits(rtt))
	s.cfg.Metrics.ObserveRTT(rtt)
	s.cfg.Metrics.EventSent(protocol.EventPing)
	s.log.Debug("ping sent", "rtt_ms", rtt)
	return nil
}

// SendMouseEvent queues m and waits until it is flushed to the socket.
func (s *Session) SendMouseEvent(ctx context.Context, m protocol.Mouse) error {
	return s.send(ctx, m)
}

// SendKeyEvent queues k and waits until it is flushed to the socket.
func (s *Session) SendKeyEvent(ctx context.Context, k protocol.Key) error {
	return s.send(ctx, k)
}

func (s *Session) send(ctx context.Context, ev protocol.Event) error {
	if err := s.canSend(ev); err != nil {
		return err
	}
	cmd := command{ev: ev, result: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return transport.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-s.done:
		select {
		case err := <-cmd.result:
			return err
		default:
			return transport.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues ev without waiting. Write failures surface as the session
// ending, not to the caller.
func (s *Session) Post(ev protocol.Event) error {
	if err := s.canSend(ev); err != nil {
		return err
	}
	select {
	case s.cmds <- command{ev: ev}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Session) canSend(ev protocol.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", protocol.ErrMalformedPacket)
	}
	if s.stopped() {
		return transport.ErrSessionClosed
	}
	switch s.State() {
	case StateActive:
		return nil
	case StateClosed, StateFailed:
		return transport.ErrSessionClosed
	default:
		return ErrNotPaired
	}
}

// failPending rejects sends still queued when the loop exits.
func (s *Session) failPending() {
	for {
		select {
		case cmd := <-s.cmds:
			if cmd.result != nil {
				cmd.result <- transport.ErrSessionClosed
			}
		default:
			return
		}
	}
}

// Stop closes the connection and ends the session. Queued and in-flight
// sends fail with transport.ErrSessionClosed. Safe to call more than once
// and before Run.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopCancel()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		if s.started.CompareAndSwap(false, true) {
			s.state.Store(int32(StateClosed))
			close(s.done)
		}
	})
}

func (s *Session) stopped() bool {
	return s.stopCtx.Err() != nil
}

// publish records conn so Stop can close it. It reports false if Stop
// already ran.
func (s *Session) publish(conn *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) endActive(err error) error {
	if s.stopped() {
		return s.finishStopped()
	}
	s.log.Warn("control session closed", "err", err)
	s.cfg.Metrics.SessionEnded(string(status.KindControl), "closed")
	s.setState(StateClosed, "disconnected", err)
	return err
}

func (s *Session) finishStopped() error {
	s.log.Info("control session stopped")
	s.cfg.Metrics.SessionEnded(string(status.KindControl), "stopped")
	s.setState(StateClosed, "disconnected", nil)
	return nil
}

func (s *Session) fail(err error) error {
	msg := "control session failed"
	if errors.Is(err, transport.ErrConnectionRefused) {
		msg = "connection refused"
	}
	s.log.Error(msg, "err", err)
	s.cfg.Metrics.SessionEnded(string(status.KindControl), "failed")
	s.setState(StateFailed, msg, err)
	return err
}

func (s *Session) setState(st State, msg string, err error) {
	s.state.Store(int32(st))
	s.cfg.Reporter.Report(status.Update{
		Kind:      status.KindControl,
		SessionID: s.id,
		State:     st.String(),
		Message:   msg,
		Addr:      s.cfg.Host,
		Err:       err,
		Time:      time.Now(),
	})
}
