package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartcontrolx/scx/internal/hostsim"
)

func hostSimCmd(opts *rootOptions) *cobra.Command {
	var (
		pin      string
		bind     string
		fps      int
		unitSize int
	)
	cmd := &cobra.Command{
		Use:   "host-sim",
		Short: "Run a local host emulator for testing the client",
		Long: `Emulates a SmartControlX host on the settings' ports: answers discovery,
challenges control clients with a PIN, logs their input events, and
streams synthetic video units to the connected viewer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fps <= 0 {
				return fmt.Errorf("--fps must be positive")
			}
			if unitSize < 8 {
				return fmt.Errorf("--unit-size must be at least 8")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, err := hostsim.New(hostsim.Config{
				PIN:           pin,
				Addr:          bind,
				ControlPort:   opts.settings.ControlPort,
				VideoPort:     opts.settings.VideoPort,
				DiscoveryPort: opts.settings.DiscoveryPort,
				Logger:        opts.log,
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- h.Run(ctx) }()
			select {
			case <-h.Ready:
			case err := <-errCh:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PIN %s  discovery %d  control %d  video %d\n",
				h.PIN(), h.DiscoveryPort, h.ControlPort, h.VideoPort)

			go logEvents(ctx, h, opts)
			go streamUnits(ctx, h, fps, unitSize, opts)

			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&pin, "pin", "", "pairing PIN (random when empty)")
	flags.StringVar(&bind, "bind", "0.0.0.0", "TCP bind address")
	flags.IntVar(&fps, "fps", 30, "synthetic video units per second")
	flags.IntVar(&unitSize, "unit-size", 4096, "size of each synthetic unit in bytes")
	return cmd
}

func logEvents(ctx context.Context, h *hostsim.Host, opts *rootOptions) {
	for {
		select {
		case ev := <-h.Events():
			opts.log.Info("input event", "type", ev.Type(), "event", fmt.Sprintf("%+v", ev))
		case <-ctx.Done():
			return
		}
	}
}

// streamUnits sends fps units per second while a viewer is connected. Each
// unit is an Annex B start code followed by a sequence number and padding.
func streamUnits(ctx context.Context, h *hostsim.Host, fps, size int, opts *rootOptions) {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	unit := make([]byte, size)
	copy(unit, []byte{0, 0, 0, 1})
	var seq uint32
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		binary.BigEndian.PutUint32(unit[4:], seq)
		err := h.SendUnit(ctx, unit)
		switch {
		case err == nil:
			seq++
		case errors.Is(err, hostsim.ErrNoViewer):
		case ctx.Err() != nil:
			return
		default:
			opts.log.Warn("send unit", "err", err)
		}
	}
}
