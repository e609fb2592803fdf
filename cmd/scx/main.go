package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/smartcontrolx/scx/internal/config"
	"github.com/smartcontrolx/scx/internal/logging"
)

// rootOptions carries global flags and the settings resolved from them.
// settings and log are set by PersistentPreRunE before any subcommand runs.
type rootOptions struct {
	configPath string
	verbose    bool
	logFormat  string
	overrides  settingsFlags

	settings *config.Settings
	log      *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "scx",
		Short: "SmartControlX remote desktop client",
		Long: `scx finds a SmartControlX host on the local network, pairs with it
using the PIN shown on the device, injects input events, and receives
its screen as a stream of video units.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "settings file (default: "+config.DefaultPath+" if present)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&opts.logFormat, "log-format", string(logging.FormatText), "log format: text or json")
	opts.overrides.AddFlags(pf)

	root.AddCommand(
		discoverCmd(opts),
		connectCmd(opts),
		hostSimCmd(opts),
		versionCmd(),
	)
	return root
}

// load resolves the logger and settings: file values first, then any
// flags given on the command line.
func (o *rootOptions) load(cmd *cobra.Command) error {
	format := logging.Format(o.logFormat)
	if format != logging.FormatText && format != logging.FormatJSON {
		return fmt.Errorf("unknown log format %q", o.logFormat)
	}
	o.log = logging.New(cmd.ErrOrStderr(), format, o.verbose)

	var (
		settings *config.Settings
		err      error
	)
	if o.configPath == "" {
		settings, err = config.LoadOrDefault(config.DefaultPath)
	} else {
		settings, err = config.Load(o.configPath)
	}
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := o.overrides.Apply(cmd.Flags(), settings); err != nil {
		return err
	}
	o.settings = settings
	o.log.Debug("settings loaded", "ip", settings.DefaultIP,
		"video_port", settings.VideoPort, "control_port", settings.ControlPort,
		"discovery_port", settings.DiscoveryPort)
	return nil
}
