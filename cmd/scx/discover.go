package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartcontrolx/scx/internal/discovery"
)

func discoverCmd(opts *rootOptions) *cobra.Command {
	var (
		broadcast string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find a host on the local network",
		Long: `Broadcasts a discovery request once a second until a host answers,
then prints the host's IP address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			host, err := discoverHost(ctx, opts, broadcast)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), host)
			return nil
		},
	}
	cmd.Flags().StringVar(&broadcast, "broadcast", discovery.DefaultBroadcastAddr, "address discovery requests are sent to (ip or ip:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits until interrupted)")
	return cmd
}

// discoverHost runs one discovery session and returns the host's IP.
func discoverHost(ctx context.Context, opts *rootOptions, broadcast string) (string, error) {
	sess := discovery.New(discovery.Config{
		Port:          opts.settings.DiscoveryPort,
		BroadcastAddr: broadcast,
		Logger:        opts.log,
	})
	opts.log.Info("searching for host", "port", opts.settings.DiscoveryPort)
	host, err := sess.Run(ctx)
	if err != nil {
		if errors.Is(err, discovery.ErrStopped) && ctx.Err() != nil {
			return "", fmt.Errorf("no host found: %w", ctx.Err())
		}
		return "", err
	}
	return host.IP, nil
}
