// Package proxysocks dials a managed server's reserved-backup
// forwardAddress, either directly or through a configured SOCKS5 upstream,
// and reports whether that target is reachable.
package proxysocks

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// Config holds SOCKS5 proxy configuration for forwardAddress reachability
// probes.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"` // must be "socks5"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"` // optional authentication
	Password string `json:"password"` // optional authentication
}

// ForwardDialer dials a forwardAddress target, either directly or through
// an optional SOCKS5 upstream.
type ForwardDialer struct {
	config *Config
	dialer proxy.Dialer
}

// NewForwardDialer creates a dialer from config. A disabled config dials
// directly; an enabled one requires type "socks5" and a non-empty host and
// port. The upstream is not contacted until the first dial.
func NewForwardDialer(config *Config) (*ForwardDialer, error) {
	if !config.Enabled {
		return &ForwardDialer{
			config: config,
			dialer: &net.Dialer{
				Timeout: 10 * time.Second,
			},
		}, nil
	}

	if config.Type != "socks5" {
		return nil, fmt.Errorf("unsupported proxy type: %s (must be 'socks5')", config.Type)
	}

	if config.Host == "" || config.Port == 0 {
		return nil, fmt.Errorf("proxy host and port are required when proxy is enabled")
	}

	proxyAddr := fmt.Sprintf("%s:%d", config.Host, config.Port)

	authURL := &url.URL{
		Scheme: "socks5",
		Host:   proxyAddr,
	}
	if config.Username != "" {
		authURL.User = url.UserPassword(config.Username, config.Password)
	}

	dialer, err := proxy.FromURL(authURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS proxy dialer: %w", err)
	}

	return &ForwardDialer{
		config: config,
		dialer: dialer,
	}, nil
}

// Dial opens a connection through the configured proxy or directly.
func (p *ForwardDialer) Dial(network, address string) (net.Conn, error) {
	return p.dialer.Dial(network, address)
}

// DialContext is Dial with context cancellation, falling back to a
// goroutine-backed race when the underlying dialer has no native context
// support.
func (p *ForwardDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if dialerCtx, ok := p.dialer.(interface {
		DialContext(context.Context, string, string) (net.Conn, error)
	}); ok {
		return dialerCtx.DialContext(ctx, network, address)
	}

	done := make(chan struct{})
	var conn net.Conn
	var err error

	go func() {
		conn, err = p.dialer.Dial(network, address)
		close(done)
	}()

	select {
	case <-done:
		return conn, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProbeReachable dials addr, closes the connection on success, and reports
// a human-readable description of the path used ("direct" or
// "socks5 host:port"). It never returns an error for an unreachable
// target — that's encoded in the bool — only for a context failure during
// the dial.
func (p *ForwardDialer) ProbeReachable(ctx context.Context, addr string) (reachable bool, via string, err error) {
	via = p.via()

	conn, dialErr := p.DialContext(ctx, "tcp", addr)
	if dialErr != nil {
		if ctx.Err() != nil {
			return false, via, ctx.Err()
		}
		return false, via, nil
	}
	conn.Close()
	return true, via, nil
}

func (p *ForwardDialer) via() string {
	if !p.IsEnabled() {
		return "direct"
	}
	return "socks5 " + p.GetAddress()
}

// IsEnabled reports whether a SOCKS5 upstream is configured.
func (p *ForwardDialer) IsEnabled() bool {
	return p.config.Enabled
}

// GetAddress returns the configured SOCKS5 upstream address, or "" when
// dialing directly.
func (p *ForwardDialer) GetAddress() string {
	if !p.config.Enabled {
		return ""
	}
	return fmt.Sprintf("%s:%d", p.config.Host, p.config.Port)
}
