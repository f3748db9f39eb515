package atag

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func listenLocal(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendTo(t *testing.T, addr net.Addr, payload string) {
	t.Helper()
	sender, err := net.Dial("udp4", addr.String())
	if err != nil {
		t.Errorf("dial: %v", err)
		return
	}
	defer sender.Close()
	if _, err := sender.Write([]byte(payload)); err != nil {
		t.Errorf("write: %v", err)
	}
}

func TestDiscoverOn_FindsAppliance(t *testing.T) {
	conn := listenLocal(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		sendTo(t, conn.LocalAddr(), "something else")
		sendTo(t, conn.LocalAddr(), "ONE 6808-1401-3109_15-30-001-544 extra")
	}()

	got, err := discoverOn(context.Background(), conn, 2*time.Second)
	if err != nil {
		t.Fatalf("discoverOn() error = %v", err)
	}
	if got.Address != "127.0.0.1" {
		t.Errorf("Address = %q, want 127.0.0.1", got.Address)
	}
	if got.DeviceID != "6808-1401-3109_15-30-001-544" {
		t.Errorf("DeviceID = %q", got.DeviceID)
	}
}

func TestDiscoverOn_Timeout(t *testing.T) {
	conn := listenLocal(t)

	start := time.Now()
	_, err := discoverOn(context.Background(), conn, 50*time.Millisecond)
	if !errors.Is(err, ErrDiscoveryTimeout) {
		t.Fatalf("discoverOn() error = %v, want ErrDiscoveryTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestDiscoverOn_Cancelled(t *testing.T) {
	conn := listenLocal(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := discoverOn(ctx, conn, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("discoverOn() error = %v, want context.Canceled", err)
	}
}

func TestDefaultMAC(t *testing.T) {
	if mac := DefaultMAC(); len(mac) != 17 {
		t.Errorf("DefaultMAC() = %q, want xx:xx:xx:xx:xx:xx", mac)
	}
}
