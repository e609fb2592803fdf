// Package supervisor owns the discovery, control, and video sessions and
// is the single entry point for a UI or CLI.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smartcontrolx/scx/internal/auth"
	"github.com/smartcontrolx/scx/internal/control"
	"github.com/smartcontrolx/scx/internal/discovery"
	"github.com/smartcontrolx/scx/internal/logging"
	"github.com/smartcontrolx/scx/internal/metrics"
	"github.com/smartcontrolx/scx/internal/protocol"
	"github.com/smartcontrolx/scx/internal/sink"
	"github.com/smartcontrolx/scx/internal/status"
	"github.com/smartcontrolx/scx/internal/video"
)

const defaultStatusBuffer = 64

var (
	ErrSessionActive      = errors.New("session already running")
	ErrNoSession          = errors.New("no session running")
	ErrUnsupportedCommand = errors.New("command not supported by session")
	ErrUnknownKind        = errors.New("unknown session kind")
	// ErrClosed is returned for new work while StopAll runs or after Close.
	ErrClosed = errors.New("supervisor shutting down")
)

// Command is an instruction dispatched to a running session.
type Command interface{ command() }

// SendEvent injects an input event through the control session.
type SendEvent struct{ Event protocol.Event }

// StartRecording starts recording the video stream to Path.
type StartRecording struct{ Path string }

// StopRecording stops the current recording.
type StopRecording struct{}

// Stop ends a session of any kind.
type Stop struct{}

func (SendEvent) command()      {}
func (StartRecording) command() {}
func (StopRecording) command()  {}
func (Stop) command()           {}

// Config holds supervisor configuration. Zero values take the session
// packages' defaults.
type Config struct {
	ControlPort   int
	VideoPort     int
	DiscoveryPort int
	BroadcastAddr string

	Pins         auth.PinProvider
	DialTimeout  time.Duration
	PingInterval time.Duration
	PairingGrace time.Duration

	// NewDecoder and NewRecorder build the sinks for each video session.
	// A nil NewDecoder discards units; a nil NewRecorder records to files.
	NewDecoder  func() sink.Decoder
	NewRecorder func() sink.Recorder

	StatusBuffer int
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// Stats is a snapshot of session statistics.
type Stats struct {
	Discovering  bool
	ControlState string
	VideoState   string
	FPS          float64
	RTTMs        float64
	Units        uint64
	DecodeErrors uint64
	Recording    bool
}

// entry is one running session and the goroutine that runs it.
type entry struct {
	stop   func()
	exited chan struct{}

	discovery *discovery.Session
	control   *control.Session
	video     *video.Session
}

// Supervisor holds at most one session per kind.
type Supervisor struct {
	cfg    Config
	log    *slog.Logger
	status chan status.Update
	ctx    context.Context
	cancel context.CancelFunc

	// wg.Add happens under mu and only while stopping is zero, so no Add
	// races StopAll's Wait.
	mu       sync.Mutex
	slots    map[status.Kind]*entry
	wg       sync.WaitGroup
	stopping int
	closed   bool
}

// New creates a supervisor with no sessions running.
func New(cfg Config) *Supervisor {
	if cfg.StatusBuffer <= 0 {
		cfg.StatusBuffer = defaultStatusBuffer
	}
	if cfg.NewRecorder == nil {
		cfg.NewRecorder = func() sink.Recorder { return sink.NewFileRecorder() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		log:    logging.OrDiscard(cfg.Logger).With("component", "supervisor"),
		status: make(chan status.Update, cfg.StatusBuffer),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(map[status.Kind]*entry),
	}
}

// Status delivers session updates: discovered hosts, state changes, and
// terminal errors. Updates are dropped when the channel is full.
func (s *Supervisor) Status() <-chan status.Update { return s.status }

func (s *Supervisor) report(u status.Update) {
	select {
	case s.status <- u:
	default:
		s.log.Warn("status channel full, dropping update", "update", u.String())
	}
}

// StartDiscovery starts searching for a host. A zero port uses the
// configured discovery port.
func (s *Supervisor) StartDiscovery(port int) error {
	return s.startDiscovery(port, s.cfg.BroadcastAddr)
}

func (s *Supervisor) startDiscovery(port int, target string) error {
	if port == 0 {
		port = s.cfg.DiscoveryPort
	}
	sess := discovery.New(discovery.Config{
		Port:          port,
		BroadcastAddr: target,
		Logger:        s.cfg.Logger,
		Reporter:      s.report,
		Metrics:       s.cfg.Metrics,
	})
	return s.start(status.KindDiscovery, &entry{stop: sess.Stop, discovery: sess}, func(ctx context.Context) error {
		_, err := sess.Run(ctx)
		return err
	})
}

// StartSession starts a session of kind against host:port. For discovery,
// a non-empty host replaces the broadcast address. A zero port uses the
// configured port for the kind.
func (s *Supervisor) StartSession(kind status.Kind, host string, port int) error {
	switch kind {
	case status.KindDiscovery:
		if host == "" {
			host = s.cfg.BroadcastAddr
		}
		return s.startDiscovery(port, host)

	case status.KindControl:
		if port == 0 {
			port = s.cfg.ControlPort
		}
		sess := control.New(control.Config{
			Host:         host,
			Port:         port,
			Pins:         s.cfg.Pins,
			DialTimeout:  s.cfg.DialTimeout,
			PingInterval: s.cfg.PingInterval,
			PairingGrace: s.cfg.PairingGrace,
			Logger:       s.cfg.Logger,
			Reporter:     s.report,
			Metrics:      s.cfg.Metrics,
		})
		return s.start(kind, &entry{stop: sess.Stop, control: sess}, sess.Run)

	case status.KindVideo:
		if port == 0 {
			port = s.cfg.VideoPort
		}
		var dec sink.Decoder
		if s.cfg.NewDecoder != nil {
			dec = s.cfg.NewDecoder()
		}
		sess := video.New(video.Config{
			Host:        host,
			Port:        port,
			Decoder:     dec,
			Recorder:    s.cfg.NewRecorder(),
			DialTimeout: s.cfg.DialTimeout,
			Logger:      s.cfg.Logger,
			Reporter:    s.report,
			Metrics:     s.cfg.Metrics,
		})
		return s.start(kind, &entry{stop: sess.Stop, video: sess}, sess.Run)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Connect starts the control and video sessions against host on the
// configured ports.
func (s *Supervisor) Connect(host string) error {
	return errors.Join(
		s.StartSession(status.KindControl, host, 0),
		s.StartSession(status.KindVideo, host, 0),
	)
}

// start installs e in the kind's slot and runs it on its own goroutine.
// The slot is cleared when run returns.
func (s *Supervisor) start(kind status.Kind, e *entry, run func(context.Context) error) error {
	s.mu.Lock()
	if s.closed || s.stopping > 0 {
		s.mu.Unlock()
		e.stop()
		return fmt.Errorf("%s: %w", kind, ErrClosed)
	}
	if s.slots[kind] != nil {
		s.mu.Unlock()
		e.stop()
		return fmt.Errorf("%s: %w", kind, ErrSessionActive)
	}
	e.exited = make(chan struct{})
	s.slots[kind] = e
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(e.exited)
		err := run(s.ctx)
		s.mu.Lock()
		if s.slots[kind] == e {
			delete(s.slots, kind)
		}
		s.mu.Unlock()
		if err != nil {
			s.log.Debug("session ended", "kind", kind, "err", err)
		}
	}()
	return nil
}

func (s *Supervisor) lookup(kind status.Kind) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[kind]
}

// Dispatch hands cmd to the session of kind without waiting for it to
// execute. Failures after hand-off arrive on Status().
func (s *Supervisor) Dispatch(kind status.Kind, cmd Command) error {
	e := s.lookup(kind)
	if e == nil {
		return fmt.Errorf("%s: %w", kind, ErrNoSession)
	}

	switch c := cmd.(type) {
	case Stop:
		e.stop()
		return nil

	case SendEvent:
		if e.control == nil {
			return fmt.Errorf("%s cannot send events: %w", kind, ErrUnsupportedCommand)
		}
		if c.Event == nil {
			return fmt.Errorf("send event: %w: nil event", protocol.ErrMalformedPacket)
		}
		return e.control.Post(c.Event)

	case StartRecording:
		if e.video == nil {
			return fmt.Errorf("%s cannot record: %w", kind, ErrUnsupportedCommand)
		}
		return s.async(e, func() error { return e.video.StartRecording(c.Path) })

	case StopRecording:
		if e.video == nil {
			return fmt.Errorf("%s cannot record: %w", kind, ErrUnsupportedCommand)
		}
		return s.async(e, e.video.StopRecording)

	default:
		return fmt.Errorf("%T: %w", cmd, ErrUnsupportedCommand)
	}
}

// async runs a video command off the caller's goroutine and reports a
// failure as a status update.
func (s *Supervisor) async(e *entry, fn func() error) error {
	s.mu.Lock()
	if s.closed || s.stopping > 0 {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.report(status.Update{
				Kind:      status.KindVideo,
				SessionID: e.video.ID(),
				State:     e.video.State().String(),
				Message:   "recording command failed",
				Err:       err,
				Time:      time.Now(),
			})
		}
	}()
	return nil
}

// Stats returns a snapshot of the running sessions' statistics.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	if s.slots[status.KindDiscovery] != nil {
		st.Discovering = true
	}
	if e := s.slots[status.KindControl]; e != nil {
		st.ControlState = e.control.State().String()
		st.RTTMs = e.control.LastRTTMs()
	}
	if e := s.slots[status.KindVideo]; e != nil {
		st.VideoState = e.video.State().String()
		st.FPS = e.video.FPS()
		st.Units = e.video.Units()
		st.DecodeErrors = e.video.DecodeErrors()
		st.Recording = e.video.Recording()
	}
	return st
}

// StopSession stops the session of kind and waits for its goroutine.
func (s *Supervisor) StopSession(kind status.Kind) error {
	e := s.lookup(kind)
	if e == nil {
		return fmt.Errorf("%s: %w", kind, ErrNoSession)
	}
	e.stop()
	<-e.exited
	return nil
}

// StopAll stops every session and waits until all of their goroutines
// have exited. New sessions and commands are refused with ErrClosed
// until it returns.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.stopping++
	for _, e := range s.slots {
		e.stop()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.stopping--
	s.mu.Unlock()
}

// Close stops everything. Later starts and commands return ErrClosed.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.StopAll()
}
