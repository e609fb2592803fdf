package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.DefaultIP != "192.168.1.1" || cfg.VideoPort != 8000 || cfg.ControlPort != 8001 || cfg.DiscoveryPort != 8002 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadSettingsJSON(t *testing.T) {
	path := writeFile(t, "settings.json", `{
  "default_ip": "192.168.0.42",
  "default_port": 9000,
  "control_port": 9001,
  "window_width": 1280
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultIP != "192.168.0.42" || cfg.VideoPort != 9000 || cfg.ControlPort != 9001 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DiscoveryPort != 8002 {
		t.Fatalf("missing key should keep default, got %d", cfg.DiscoveryPort)
	}
}

func TestLoadYAMLDurations(t *testing.T) {
	path := writeFile(t, "scx.yaml", "ping_interval: 2s\npairing_grace: 250ms\nrecord_path: /tmp/out.h264\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PingInterval != 2*time.Second || cfg.PairingGrace != 250*time.Millisecond {
		t.Fatalf("durations = %v, %v", cfg.PingInterval, cfg.PairingGrace)
	}
	if cfg.RecordPath != "/tmp/out.h264" {
		t.Fatalf("record_path = %q", cfg.RecordPath)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"port zero", `{"control_port": 0}`, "control_port"},
		{"port too large", `{"discovery_port": 70000}`, "discovery_port"},
		{"empty ip", `{"default_ip": ""}`, "default_ip"},
		{"negative grace", "pairing_grace: -1s", "pairing_grace"},
		{"bare number interval", `{"ping_interval": 5}`, "ping_interval"},
		{"grace below floor", "pairing_grace: 1ms", "pairing_grace"},
		{"not yaml", "{{{", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.json", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if *cfg != *Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}
