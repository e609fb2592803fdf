package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/smartcontrolx/scx/internal/config"
)

// settingsFlags are command-line overrides for settings file values.
// Only flags the user actually set replace file values.
type settingsFlags struct {
	host          string
	videoPort     int
	controlPort   int
	discoveryPort int
	pingInterval  time.Duration
	pairingGrace  time.Duration
}

// AddFlags registers the override flags on flagSet.
func (f *settingsFlags) AddFlags(flagSet *pflag.FlagSet) {
	d := config.Default()
	flagSet.StringVar(&f.host, "host", d.DefaultIP, "host IP used when none is given or discovered")
	flagSet.IntVar(&f.videoPort, "video-port", d.VideoPort, "video stream TCP port")
	flagSet.IntVar(&f.controlPort, "control-port", d.ControlPort, "control channel TCP port")
	flagSet.IntVar(&f.discoveryPort, "discovery-port", d.DiscoveryPort, "discovery UDP port")
	flagSet.DurationVar(&f.pingInterval, "ping-interval", d.PingInterval, "interval between control pings")
	flagSet.DurationVar(&f.pairingGrace, "pairing-grace", d.PairingGrace, "quiet period after the PIN that counts as accepted")
}

// Apply copies every flag changed on flagSet into s and validates the result.
func (f *settingsFlags) Apply(flagSet *pflag.FlagSet, s *config.Settings) error {
	if flagSet.Changed("host") {
		s.DefaultIP = f.host
	}
	if flagSet.Changed("video-port") {
		s.VideoPort = f.videoPort
	}
	if flagSet.Changed("control-port") {
		s.ControlPort = f.controlPort
	}
	if flagSet.Changed("discovery-port") {
		s.DiscoveryPort = f.discoveryPort
	}
	if flagSet.Changed("ping-interval") {
		s.PingInterval = f.pingInterval
	}
	if flagSet.Changed("pairing-grace") {
		s.PairingGrace = f.pairingGrace
	}
	return s.Validate()
}
