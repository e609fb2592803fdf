// Package config loads client settings. The file format is YAML; the
// original client's settings.json is valid YAML and loads unchanged.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smartcontrolx/scx/internal/protocol"
)

// DefaultPath is where the client looks for settings when none is given.
const DefaultPath = "settings.json"

// minInterval is the smallest accepted ping_interval and pairing_grace.
const minInterval = 10 * time.Millisecond

// Settings holds client configuration. Keys match settings.json.
type Settings struct {
	DefaultIP     string        `yaml:"default_ip"`
	VideoPort     int           `yaml:"default_port"`
	ControlPort   int           `yaml:"control_port"`
	DiscoveryPort int           `yaml:"discovery_port"`
	RecordPath    string        `yaml:"record_path"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PairingGrace  time.Duration `yaml:"pairing_grace"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		DefaultIP:     "192.168.1.1",
		VideoPort:     protocol.DefaultVideoPort,
		ControlPort:   protocol.DefaultControlPort,
		DiscoveryPort: protocol.DefaultDiscoveryPort,
		RecordPath:    "record.h264",
		PingInterval:  5 * time.Second,
		PairingGrace:  100 * time.Millisecond,
	}
}

// Load reads path over the defaults. Keys missing from the file keep
// their default; unknown keys are ignored.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Settings, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks ports and intervals.
func (s *Settings) Validate() error {
	if s.DefaultIP == "" {
		return errors.New("default_ip is empty")
	}
	for _, p := range []struct {
		key  string
		port int
	}{
		{"default_port", s.VideoPort},
		{"control_port", s.ControlPort},
		{"discovery_port", s.DiscoveryPort},
	} {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s %d out of range", p.key, p.port)
		}
	}
	// A bare number decodes as nanoseconds; the floor catches "5" meant as seconds.
	if s.PingInterval < minInterval {
		return fmt.Errorf("ping_interval %v must be at least %v", s.PingInterval, minInterval)
	}
	if s.PairingGrace < minInterval {
		return fmt.Errorf("pairing_grace %v must be at least %v", s.PairingGrace, minInterval)
	}
	return nil
}
