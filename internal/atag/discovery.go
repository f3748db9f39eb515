package atag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DiscoveryPort is the UDP port the appliance broadcasts on.
const DiscoveryPort = 11000

// broadcastPrefix starts every appliance announcement.
var broadcastPrefix = []byte("ONE ")

// Appliance is a discovered thermostat.
type Appliance struct {
	Address  string
	DeviceID string
}

// Discover listens for an appliance broadcast and returns the first one.
// It fails with ErrDiscoveryTimeout when nothing arrives within timeout, and
// with the context error when ctx ends first.
func Discover(ctx context.Context, timeout time.Duration) (Appliance, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: DiscoveryPort})
	if err != nil {
		return Appliance{}, fmt.Errorf("%w: listen udp %d: %w", ErrConnectivity, DiscoveryPort, err)
	}
	defer conn.Close()

	return discoverOn(ctx, conn, timeout)
}

// discoverOn waits on conn for an appliance announcement.
func discoverOn(ctx context.Context, conn net.PacketConn, timeout time.Duration) (Appliance, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	// Unblock the read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 512)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Appliance{}, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return Appliance{}, fmt.Errorf("%w after %v", ErrDiscoveryTimeout, timeout)
			}
			return Appliance{}, fmt.Errorf("%w: read broadcast: %w", ErrConnectivity, err)
		}

		appliance, ok := decodeBroadcast(buf[:n], addr)
		if ok {
			return appliance, nil
		}
	}
}

// decodeBroadcast parses "ONE <device id>" from a datagram.
func decodeBroadcast(data []byte, addr net.Addr) (Appliance, bool) {
	if !bytes.HasPrefix(data, broadcastPrefix) {
		return Appliance{}, false
	}
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return Appliance{}, false
	}
	id := strings.TrimSpace(string(data[len(broadcastPrefix):]))
	if i := strings.IndexByte(id, ' '); i >= 0 {
		id = id[:i]
	}
	return Appliance{Address: udp.IP.String(), DeviceID: id}, true
}

// DefaultMAC returns the hardware address of the first non-loopback
// interface, used as the client identifier when none is configured.
func DefaultMAC() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
				continue
			}
			return strings.ToUpper(iface.HardwareAddr.String())
		}
	}
	return "01:23:45:67:89:01"
}
