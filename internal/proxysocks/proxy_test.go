package proxysocks

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestNewForwardDialerDisabledIsDirect(t *testing.T) {
	dialer, err := NewForwardDialer(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewForwardDialer: %v", err)
	}
	if dialer.IsEnabled() {
		t.Error("disabled config should report IsEnabled() == false")
	}
	if dialer.GetAddress() != "" {
		t.Errorf("disabled dialer should have empty address, got %q", dialer.GetAddress())
	}
}

func TestNewForwardDialerSOCKS5NoAuth(t *testing.T) {
	dialer, err := NewForwardDialer(&Config{
		Enabled: true,
		Type:    "socks5",
		Host:    "127.0.0.1",
		Port:    1080,
	})
	if err != nil {
		t.Fatalf("NewForwardDialer: %v", err)
	}
	if !dialer.IsEnabled() {
		t.Error("enabled config should report IsEnabled() == true")
	}
	if dialer.GetAddress() != "127.0.0.1:1080" {
		t.Errorf("GetAddress() = %q, want 127.0.0.1:1080", dialer.GetAddress())
	}
}

func TestNewForwardDialerSOCKS5WithAuth(t *testing.T) {
	dialer, err := NewForwardDialer(&Config{
		Enabled:  true,
		Type:     "socks5",
		Host:     "127.0.0.1",
		Port:     1080,
		Username: "bedrock",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("NewForwardDialer: %v", err)
	}
	if dialer.GetAddress() != "127.0.0.1:1080" {
		t.Errorf("GetAddress() = %q, want 127.0.0.1:1080", dialer.GetAddress())
	}
}

func TestNewForwardDialerRejectsSOCKS4(t *testing.T) {
	dialer, err := NewForwardDialer(&Config{Enabled: true, Type: "socks4", Host: "127.0.0.1", Port: 1080})
	if err == nil {
		t.Error("expected error for unsupported proxy type socks4")
	}
	if dialer != nil {
		t.Error("expected nil dialer for unsupported proxy type")
	}
}

func TestNewForwardDialerRejectsMissingHost(t *testing.T) {
	_, err := NewForwardDialer(&Config{Enabled: true, Type: "socks5", Port: 1080})
	if err == nil {
		t.Error("expected error for missing host")
	}
}

func TestNewForwardDialerRejectsMissingPort(t *testing.T) {
	_, err := NewForwardDialer(&Config{Enabled: true, Type: "socks5", Host: "127.0.0.1"})
	if err == nil {
		t.Error("expected error for missing port")
	}
}

func TestForwardDialerDialContextCancelled(t *testing.T) {
	dialer, err := NewForwardDialer(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewForwardDialer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn, err := dialer.DialContext(ctx, "tcp", "192.0.2.1:9999")
	if err == nil {
		conn.Close()
		t.Fatal("expected error when dialing with a cancelled context")
	}
}

func TestForwardDialerDialUnreachableDirect(t *testing.T) {
	dialer, err := NewForwardDialer(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewForwardDialer: %v", err)
	}
	conn, err := dialer.Dial("tcp", "192.0.2.1:9999")
	if err == nil {
		conn.Close()
		t.Fatal("expected error dialing a reserved, non-routable test address")
	}
}

func TestProbeReachableSucceedsAgainstLiveListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	dialer, err := NewForwardDialer(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewForwardDialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reachable, via, err := dialer.ProbeReachable(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("ProbeReachable: %v", err)
	}
	if !reachable {
		t.Error("expected the live listener to be reported reachable")
	}
	if via != "direct" {
		t.Errorf("via = %q, want direct", via)
	}
}

func TestProbeReachableReportsUnreachableWithoutError(t *testing.T) {
	dialer, err := NewForwardDialer(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewForwardDialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	reachable, via, err := dialer.ProbeReachable(ctx, "192.0.2.1:9999")
	if err != nil {
		t.Fatalf("ProbeReachable should not surface a dial failure as err: %v", err)
	}
	if reachable {
		t.Error("expected a reserved, non-routable test address to be unreachable")
	}
	if via != "direct" {
		t.Errorf("via = %q, want direct", via)
	}
}

func TestProbeReachableReportsSOCKS5Via(t *testing.T) {
	dialer, err := NewForwardDialer(&Config{Enabled: true, Type: "socks5", Host: "127.0.0.1", Port: 1080})
	if err != nil {
		t.Fatalf("NewForwardDialer: %v", err)
	}
	if got := dialer.via(); got != "socks5 127.0.0.1:1080" {
		t.Errorf("via() = %q, want socks5 127.0.0.1:1080", got)
	}
}
