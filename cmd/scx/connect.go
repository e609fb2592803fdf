package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/smartcontrolx/scx/internal/auth"
	"github.com/smartcontrolx/scx/internal/discovery"
	"github.com/smartcontrolx/scx/internal/metrics"
	"github.com/smartcontrolx/scx/internal/sink"
	"github.com/smartcontrolx/scx/internal/status"
	"github.com/smartcontrolx/scx/internal/supervisor"
)

// recordFromSettings is the --record value meaning "use record_path".
const recordFromSettings = "settings"

// sessionPollInterval is how often connect checks session state directly,
// in case a status update was dropped.
const sessionPollInterval = time.Second

func connectCmd(opts *rootOptions) *cobra.Command {
	var (
		discover      bool
		broadcast     string
		record        string
		metricsAddr   string
		pinPrompt     bool
		statsInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect [host]",
		Short: "Pair with a host and stream its screen",
		Long: `Connects the control and video channels to a host. The host is the
argument, the discovered host with --discover, or default_ip from the
settings.

Input events are read from stdin, one per line:

  mouse <x> <y> <button> <action>
  key <keycode> <action>

where action is up, down, move, or its numeric code. A status line with
fps and ping is printed periodically.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			host := opts.settings.DefaultIP
			switch {
			case len(args) == 1:
				host = args[0]
			case discover:
				found, err := discoverHost(ctx, opts, broadcast)
				if err != nil {
					return err
				}
				host = found
			}

			var m *metrics.Collector
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				m = metrics.New(metrics.WithRegistry(reg))
				srv, err := serveMetrics(metricsAddr, reg, opts.log)
				if err != nil {
					return err
				}
				defer srv.Close()
			}

			pins := auth.EchoPin
			if pinPrompt {
				tty, err := os.Open("/dev/tty")
				if err != nil {
					return fmt.Errorf("--pin-prompt needs a terminal: %w", err)
				}
				defer tty.Close()
				pins = auth.TerminalPin(tty, cmd.ErrOrStderr())
			}

			if record == recordFromSettings {
				record = opts.settings.RecordPath
			}

			return runConnect(ctx, connectParams{
				host:          host,
				record:        record,
				statsInterval: statsInterval,
				pins:          pins,
				metrics:       m,
				input:         cmd.InOrStdin(),
				out:           cmd.ErrOrStderr(),
			}, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&discover, "discover", false, "find the host by broadcast when none is given")
	flags.StringVar(&broadcast, "broadcast", discovery.DefaultBroadcastAddr, "address discovery requests are sent to")
	flags.StringVar(&record, "record", "", "record the video stream to this file (bare --record uses record_path)")
	flags.Lookup("record").NoOptDefVal = recordFromSettings
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	flags.BoolVar(&pinPrompt, "pin-prompt", false, "ask for the PIN shown on the device instead of echoing the challenge")
	flags.DurationVar(&statsInterval, "stats-interval", 5*time.Second, "status line period (0 disables)")
	return cmd
}

type connectParams struct {
	host          string
	record        string
	statsInterval time.Duration
	pins          auth.PinProvider
	metrics       *metrics.Collector
	input         io.Reader
	out           io.Writer
}

// runConnect drives the supervisor until both sessions end or ctx is done.
func runConnect(ctx context.Context, p connectParams, opts *rootOptions) error {
	counter := &sink.Counter{}
	sup := supervisor.New(supervisor.Config{
		ControlPort:  opts.settings.ControlPort,
		VideoPort:    opts.settings.VideoPort,
		Pins:         p.pins,
		PingInterval: opts.settings.PingInterval,
		PairingGrace: opts.settings.PairingGrace,
		NewDecoder:   func() sink.Decoder { return counter },
		Logger:       opts.log,
		Metrics:      p.metrics,
	})
	defer sup.Close()

	if err := sup.Connect(p.host); err != nil {
		return err
	}
	if p.record != "" {
		if err := sup.Dispatch(status.KindVideo, supervisor.StartRecording{Path: p.record}); err != nil {
			return err
		}
	}

	// Scripted input is held back until pairing completes.
	lines := make(chan string)
	go readLines(p.input, lines)
	var input <-chan string

	poll := time.NewTicker(sessionPollInterval)
	defer poll.Stop()

	var tick <-chan time.Time
	if p.statsInterval > 0 {
		ticker := time.NewTicker(p.statsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	ended := make(map[status.Kind]bool)
	var lastErr error
	for {
		select {
		case u := <-sup.Status():
			fmt.Fprintln(p.out, u.String())
			if u.Kind == status.KindControl && u.State == "active" && lines != nil {
				input = lines
			}
			if u.Kind == status.KindDiscovery || (u.State != "closed" && u.State != "failed") {
				continue
			}
			if u.Err != nil {
				lastErr = u.Err
			}
			ended[u.Kind] = true
			if ended[status.KindControl] && ended[status.KindVideo] {
				return lastErr
			}

		case line, ok := <-input:
			if !ok {
				lines, input = nil, nil
				continue
			}
			ev, err := parseInputLine(line)
			if err != nil {
				opts.log.Warn("bad input line", "line", line, "err", err)
				continue
			}
			if ev == nil {
				continue
			}
			if err := sup.Dispatch(status.KindControl, supervisor.SendEvent{Event: ev}); err != nil {
				opts.log.Warn("input dropped", "event", ev.Type(), "err", err)
			}

		case <-poll.C:
			st := sup.Stats()
			if st.ControlState == "active" && lines != nil {
				input = lines
			}
			if sessionsEnded(st) {
				return lastErr
			}

		case <-tick:
			fmt.Fprintln(p.out, formatStats(sup.Stats(), counter.Bytes()))

		case <-ctx.Done():
			return nil
		}
	}
}

// sessionsEnded reports whether neither control nor video is still
// registered with the supervisor.
func sessionsEnded(st supervisor.Stats) bool {
	return st.ControlState == "" && st.VideoState == ""
}

// readLines sends each line of r on ch and closes ch at EOF.
func readLines(r io.Reader, ch chan<- string) {
	defer close(ch)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ch <- scanner.Text()
	}
}

// serveMetrics exposes reg at /metrics on addr.
func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server", "err", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
