package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// ListenDiscovery opens the discovery socket: UDP on all IPv4 interfaces,
// bound to port, with address reuse and broadcast enabled. The same socket
// sends requests and receives responses, so a host replying to the
// request's source address reaches it.
func ListenDiscovery(ctx context.Context, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: discoveryControl}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("bind UDP port %d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}
