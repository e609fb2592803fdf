package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/smartcontrolx/scx/internal/config"
	"github.com/smartcontrolx/scx/internal/hostsim"
	"github.com/smartcontrolx/scx/internal/logging"
	"github.com/smartcontrolx/scx/internal/protocol"
	"github.com/smartcontrolx/scx/internal/supervisor"
)

func TestParseInputLine(t *testing.T) {
	tests := []struct {
		line    string
		want    protocol.Event
		wantErr bool
	}{
		{"", nil, false},
		{"   ", nil, false},
		{"# comment", nil, false},
		{"mouse 100 200 1 down", protocol.Mouse{X: 100, Y: 200, Button: 1, Action: protocol.ActionDown}, false},
		{"mouse -5 7 0 move", protocol.Mouse{X: -5, Y: 7, Action: protocol.ActionMove}, false},
		{"mouse 1 2 3 2", protocol.Mouse{X: 1, Y: 2, Button: 3, Action: 2}, false},
		{"key 13 up", protocol.Key{Keycode: 13, Action: protocol.ActionUp}, false},
		{"  key   65   1  ", protocol.Key{Keycode: 65, Action: protocol.ActionDown}, false},
		{"mouse 1 2 3", nil, true},
		{"key 13", nil, true},
		{"key abc down", nil, true},
		{"key 13 sideways", nil, true},
		{"mouse 99999999999 0 0 up", nil, true},
		{"scroll 1", nil, true},
	}
	for _, tt := range tests {
		got, err := parseInputLine(tt.line)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseInputLine(%q) err = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseInputLine(%q) = %#v, want %#v", tt.line, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1.0KB"},
		{1536, "1.5KB"},
		{5 << 20, "5.0MB"},
		{3 << 30, "3.0GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatStats(t *testing.T) {
	got := formatStats(supervisor.Stats{FPS: 29.97, RTTMs: 3.4, Units: 120}, 2048)
	if want := "fps 30.0  ping 3.4ms  units 120 (2.0KB)"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	got = formatStats(supervisor.Stats{DecodeErrors: 2, Recording: true}, 0)
	if want := "fps 0.0  ping 0ms  units 0 (0B)  decode errors 2  REC"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSettingsFlagsApplyOnlyChanged(t *testing.T) {
	var f settingsFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.AddFlags(fs)
	if err := fs.Parse([]string{"--host", "10.0.0.5", "--control-port", "9001", "--ping-interval", "2s"}); err != nil {
		t.Fatal(err)
	}

	s := config.Default()
	s.VideoPort = 7000 // from a settings file
	if err := f.Apply(fs, s); err != nil {
		t.Fatal(err)
	}
	if s.DefaultIP != "10.0.0.5" || s.ControlPort != 9001 || s.PingInterval != 2*time.Second {
		t.Fatalf("flags not applied: %+v", s)
	}
	if s.VideoPort != 7000 {
		t.Fatalf("unset flag overwrote file value: video port %d", s.VideoPort)
	}
}

func TestSettingsFlagsApplyValidates(t *testing.T) {
	var f settingsFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.AddFlags(fs)
	if err := fs.Parse([]string{"--video-port", "0"}); err != nil {
		t.Fatal(err)
	}
	if err := f.Apply(fs, config.Default()); err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--config", "/nonexistent/settings.json"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "scx ") {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestBadLogFormat(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"discover", "--log-format", "xml"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "xml") {
		t.Fatalf("expected log format error, got %v", err)
	}
}

func TestRunConnectScriptsInput(t *testing.T) {
	h, err := hostsim.New(hostsim.Config{PIN: "4821"})
	if err != nil {
		t.Fatal(err)
	}
	hostCtx, stopHost := context.WithCancel(context.Background())
	hostErr := make(chan error, 1)
	go func() { hostErr <- h.Run(hostCtx) }()
	defer func() {
		stopHost()
		<-hostErr
	}()
	<-h.Ready

	settings := config.Default()
	settings.ControlPort = h.ControlPort
	settings.VideoPort = h.VideoPort
	settings.PingInterval = time.Hour
	opts := &rootOptions{settings: settings, log: logging.Discard()}

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	runErr := make(chan error, 1)
	go func() {
		runErr <- runConnect(ctx, connectParams{
			host:  "127.0.0.1",
			input: strings.NewReader("# scripted\nkey 13 down\nbogus\nkey 13 up\n"),
			out:   &out,
		}, opts)
	}()

	want := []protocol.Event{
		protocol.Key{Keycode: 13, Action: protocol.ActionDown},
		protocol.Key{Keycode: 13, Action: protocol.ActionUp},
	}
	timeout := time.After(5 * time.Second)
	for len(want) > 0 {
		select {
		case ev := <-h.Events():
			if ev.Type() == protocol.EventPing {
				continue
			}
			if ev != want[0] {
				t.Fatalf("host got %#v, want %#v", ev, want[0])
			}
			want = want[1:]
		case err := <-runErr:
			t.Fatalf("runConnect returned early: %v", err)
		case <-timeout:
			t.Fatal("scripted input not delivered")
		}
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("runConnect = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runConnect did not return after cancel")
	}
	if !strings.Contains(out.String(), "control") {
		t.Fatalf("no status lines printed: %q", out.String())
	}
}

func TestSessionsEnded(t *testing.T) {
	tests := []struct {
		st   supervisor.Stats
		want bool
	}{
		{supervisor.Stats{}, true},
		{supervisor.Stats{Discovering: true}, true},
		{supervisor.Stats{ControlState: "active"}, false},
		{supervisor.Stats{VideoState: "streaming"}, false},
		{supervisor.Stats{ControlState: "failed", VideoState: "closed"}, false},
	}
	for _, tt := range tests {
		if got := sessionsEnded(tt.st); got != tt.want {
			t.Errorf("sessionsEnded(%+v) = %v, want %v", tt.st, got, tt.want)
		}
	}
}

func TestRunConnectReturnsWhenHostGoesAway(t *testing.T) {
	h, err := hostsim.New(hostsim.Config{PIN: "4821"})
	if err != nil {
		t.Fatal(err)
	}
	hostCtx, stopHost := context.WithCancel(context.Background())
	hostErr := make(chan error, 1)
	go func() { hostErr <- h.Run(hostCtx) }()
	<-h.Ready

	settings := config.Default()
	settings.ControlPort = h.ControlPort
	settings.VideoPort = h.VideoPort
	settings.PingInterval = time.Hour
	opts := &rootOptions{settings: settings, log: logging.Discard()}

	runErr := make(chan error, 1)
	go func() {
		runErr <- runConnect(context.Background(), connectParams{
			host:  "127.0.0.1",
			input: strings.NewReader(""),
			out:   &bytes.Buffer{},
		}, opts)
	}()
	waitViewer := time.After(5 * time.Second)
	for h.Viewers() == 0 || h.Paired() == 0 {
		select {
		case <-waitViewer:
			t.Fatal("client never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	stopHost()
	<-hostErr
	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("runConnect kept running after both sessions ended")
	}
}
