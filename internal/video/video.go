// Package video receives the host's stream of length-prefixed units and
// fans them out to a decoder and an optional recorder.
package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartcontrolx/scx/internal/logging"
	"github.com/smartcontrolx/scx/internal/metrics"
	"github.com/smartcontrolx/scx/internal/protocol"
	"github.com/smartcontrolx/scx/internal/sink"
	"github.com/smartcontrolx/scx/internal/status"
	"github.com/smartcontrolx/scx/internal/transport"
)

// unitQueue is how many units the reader may run ahead of the session loop.
const unitQueue = 8

var (
	// ErrNoRecorder is returned by recording commands when no Recorder is
	// configured.
	ErrNoRecorder = errors.New("no recorder configured")
	// ErrNotStarted is returned by recording commands before Run.
	ErrNotStarted = errors.New("video session not started")
)

// State is the video session's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds video session configuration.
type Config struct {
	Host        string
	Port        int
	Decoder     sink.Decoder  // receives every unit; nil discards
	Recorder    sink.Recorder // optional
	DialTimeout time.Duration
	Logger      *slog.Logger
	Reporter    status.Reporter
	Metrics     *metrics.Collector
	Now         func() time.Time // clock for the FPS window
}

type recordCmd struct {
	start  bool
	path   string
	result chan error
}

// Session is one video connection. Run drives it; the decoder and
// recorder are only touched by the goroutine running Run.
type Session struct {
	cfg          Config
	id           string
	log          *slog.Logger
	state        atomic.Int32
	meter        FPSMeter
	units        atomic.Uint64
	decodeErrors atomic.Uint64
	recording    atomic.Bool
	recCmds      chan recordCmd

	started      atomic.Bool
	stopCtx      context.Context
	stopCancel   context.CancelFunc
	stopOnce     sync.Once
	teardownOnce sync.Once
	done         chan struct{}

	mu   sync.Mutex
	conn *transport.Conn
}

// New creates a video session but does not connect. Call Run().
func New(cfg Config) *Session {
	if cfg.Port == 0 {
		cfg.Port = protocol.DefaultVideoPort
	}
	if cfg.Decoder == nil {
		cfg.Decoder = sink.Discard
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = transport.DefaultDialTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	id := uuid.New().String()
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Session{
		cfg:        cfg,
		id:         id,
		log:        logging.OrDiscard(cfg.Logger).With("component", "video", "session", id),
		recCmds:    make(chan recordCmd),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		done:       make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// FPS returns the rate computed over the last full one-second window.
func (s *Session) FPS() float64 { return s.meter.FPS() }

// Units returns the number of units received.
func (s *Session) Units() uint64 { return s.units.Load() }

// DecodeErrors returns how many units the decoder rejected.
func (s *Session) DecodeErrors() uint64 { return s.decodeErrors.Load() }

// Recording reports whether a recording is in progress.
func (s *Session) Recording() bool { return s.recording.Load() }

// Done is closed once Run has returned and teardown has run.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run connects and streams until the host closes the connection, the
// stream breaks, Stop is called, or ctx is done. A requested stop returns
// nil. There is no reconnect.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return transport.ErrSessionClosed
	}
	defer close(s.done)
	defer s.teardown()

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
		return s.fail(fmt.Errorf("video connect: %w", err))
	}
	if !s.publish(conn) {
		conn.Close()
		return s.finishStopped()
	}
	return s.stream(conn)
}

// stream is the receive loop. The reader goroutine only frames units;
// everything else happens here.
func (s *Session) stream(conn *transport.Conn) error {
	units := make(chan []byte, unitQueue)
	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			unit, err := protocol.ReadVideoUnit(conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case units <- unit:
			case <-s.stopCtx.Done():
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		wg.Wait()
	}()

	s.meter.Reset(s.cfg.Now())
	s.setState(StateStreaming, "connected", nil)
	s.log.Info("video streaming", "remote", conn.RemoteAddr())

	for {
		select {
		case unit := <-units:
			s.handleUnit(unit)

		case cmd := <-s.recCmds:
			cmd.result <- s.applyRecording(cmd)

		case err := <-readErr:
			// Units framed before the error still count.
			for drained := false; !drained; {
				select {
				case unit := <-units:
					s.handleUnit(unit)
				default:
					drained = true
				}
			}
			return s.endStream(err)

		case <-s.stopCtx.Done():
			return s.finishStopped()
		}
	}
}

func (s *Session) handleUnit(unit []byte) {
	s.cfg.Metrics.UnitReceived(len(unit))

	if err := s.cfg.Decoder.Feed(unit); err != nil {
		n := s.decodeErrors.Add(1)
		s.cfg.Metrics.DecodeError()
		s.log.Warn("decoder rejected unit", "len", len(unit), "errors", n, "err", err)
	}

	if rec := s.cfg.Recorder; rec != nil && rec.Recording() {
		if err := rec.Feed(unit); err != nil {
			s.log.Error("recording write failed", "err", err)
			s.stopRecorder()
		}
	}

	if fps, ok := s.meter.Tick(s.cfg.Now()); ok {
		s.cfg.Metrics.ObserveFPS(fps)
		s.log.Debug("fps", "fps", fps)
	}
	s.units.Add(1)
}

// StartRecording begins writing received units to path.
func (s *Session) StartRecording(path string) error {
	return s.postRecording(recordCmd{start: true, path: path})
}

// StopRecording ends the current recording.
func (s *Session) StopRecording() error {
	return s.postRecording(recordCmd{})
}

func (s *Session) postRecording(cmd recordCmd) error {
	if s.cfg.Recorder == nil {
		return ErrNoRecorder
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	cmd.result = make(chan error, 1)
	select {
	case s.recCmds <- cmd:
	case <-s.done:
		return transport.ErrSessionClosed
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
	}
}

func (s *Session) applyRecording(cmd recordCmd) error {
	rec := s.cfg.Recorder
	if !cmd.start {
		if !rec.Recording() {
			return sink.ErrNotRecording
		}
		return s.stopRecorder()
	}
	if err := rec.StartRecording(cmd.path); err != nil {
		return err
	}
	s.recording.Store(true)
	s.log.Info("recording started", "path", cmd.path)
	s.report(StateStreaming, "recording to "+cmd.path, nil)
	return nil
}

func (s *Session) stopRecorder() error {
	err := s.cfg.Recorder.StopRecording()
	s.recording.Store(false)
	if err != nil {
		s.log.Error("stop recording", "err", err)
	} else {
		s.log.Info("recording stopped")
	}
	s.report(s.State(), "recording stopped", err)
	return err
}

// teardown releases the sinks exactly once.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		if rec := s.cfg.Recorder; rec != nil && rec.Recording() {
			s.stopRecorder()
		}
		if c, ok := s.cfg.Decoder.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.log.Warn("close decoder", "err", err)
			}
		}
	})
}

// Stop closes the connection and ends the session. Safe to call more than
// once and before Run.
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
			s.teardown()
			close(s.done)
		}
	})
}

func (s *Session) stopped() bool {
	return s.stopCtx.Err() != nil
}

func (s *Session) publish(conn *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) endStream(err error) error {
	if s.stopped() {
		return s.finishStopped()
	}
	err = fmt.Errorf("video stream: %w", err)
	s.log.Warn("video stream closed", "err", err, "units", s.units.Load())
	s.cfg.Metrics.SessionEnded(string(status.KindVideo), "closed")
	s.setState(StateClosed, "disconnected", err)
	return err
}

func (s *Session) finishStopped() error {
	s.log.Info("video session stopped", "units", s.units.Load())
	s.cfg.Metrics.SessionEnded(string(status.KindVideo), "stopped")
	s.setState(StateClosed, "disconnected", nil)
	return nil
}

func (s *Session) fail(err error) error {
	msg := "video session failed"
	if errors.Is(err, transport.ErrConnectionRefused) {
		msg = "connection refused"
	}
	s.log.Error(msg, "err", err)
	s.cfg.Metrics.SessionEnded(string(status.KindVideo), "failed")
	s.setState(StateFailed, msg, err)
	return err
}

func (s *Session) setState(st State, msg string, err error) {
	s.state.Store(int32(st))
	s.report(st, msg, err)
}

func (s *Session) report(st State, msg string, err error) {
	s.cfg.Reporter.Report(status.Update{
		Kind:      status.KindVideo,
		SessionID: s.id,
		State:     st.String(),
		Message:   msg,
		Addr:      s.cfg.Host,
		Err:       err,
		Time:      time.Now(),
	})
}
