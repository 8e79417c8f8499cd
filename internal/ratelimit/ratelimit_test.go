package ratelimit

import (
	"net"
	"sync"
	"testing"
	"time"
)

func clientAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestNewSessionLimiterDefaultsWhenConfigNil(t *testing.T) {
	l := NewSessionLimiter(nil)
	if l.cfg.Enabled {
		t.Error("nil config should default to disabled admission control")
	}
	ok, reason := l.Admit(clientAddr("10.0.0.1", 19132))
	if !ok || reason != "" {
		t.Errorf("disabled limiter should admit unconditionally, got ok=%v reason=%q", ok, reason)
	}
}

func TestAdmitDisabledAlwaysAllows(t *testing.T) {
	l := NewSessionLimiter(&Config{Enabled: false})
	for i := 0; i < 500; i++ {
		if ok, _ := l.Admit(clientAddr("198.51.100.7", 19132+i)); !ok {
			t.Fatalf("disabled limiter refused session %d", i)
		}
	}
}

func TestAdmitEnforcesMaxSessionsPerIP(t *testing.T) {
	l := NewSessionLimiter(&Config{
		Enabled:              true,
		MaxSessionsPerIP:     2,
		MaxSessionsPerMinute: 1000,
		BanDurationSeconds:   60,
	})
	addr := clientAddr("203.0.113.5", 19132)

	for i := 0; i < 2; i++ {
		if ok, reason := l.Admit(addr); !ok {
			t.Fatalf("session %d should be admitted, got refusal: %s", i, reason)
		}
	}

	ok, reason := l.Admit(addr)
	if ok {
		t.Error("third concurrent session should be refused")
	}
	if reason == "" {
		t.Error("refusal should carry a human-readable reason")
	}
}

func TestAdmitEnforcesMaxSessionsPerMinuteAndBans(t *testing.T) {
	l := NewSessionLimiter(&Config{
		Enabled:              true,
		MaxSessionsPerIP:     1000,
		MaxSessionsPerMinute: 3,
		BanDurationSeconds:   120,
	})
	addr := clientAddr("203.0.113.9", 19132)

	for i := 0; i < 3; i++ {
		if ok, reason := l.Admit(addr); !ok {
			t.Fatalf("session %d should be admitted, got refusal: %s", i, reason)
		}
		l.ReleaseSession(addr)
	}

	ok, _ := l.Admit(addr)
	if ok {
		t.Error("4th session within a minute should trip the ban")
	}
	if !l.IsBanned(addr) {
		t.Error("IP should be banned after tripping the per-minute cap")
	}
}

func TestReleaseSessionDecrementsActiveCount(t *testing.T) {
	l := NewSessionLimiter(&Config{Enabled: true, MaxSessionsPerIP: 1, MaxSessionsPerMinute: 1000, BanDurationSeconds: 60})
	addr := clientAddr("198.51.100.20", 19132)

	if ok, _ := l.Admit(addr); !ok {
		t.Fatal("first session should be admitted")
	}
	if ok, _ := l.Admit(addr); ok {
		t.Fatal("second concurrent session should be refused at cap 1")
	}

	l.ReleaseSession(addr)

	if ok, reason := l.Admit(addr); !ok {
		t.Fatalf("session should be admitted after release, got refusal: %s", reason)
	}
}

func TestReleaseSessionNeverGoesNegative(t *testing.T) {
	l := NewSessionLimiter(&Config{Enabled: true, MaxSessionsPerIP: 5, MaxSessionsPerMinute: 5, BanDurationSeconds: 60})
	addr := clientAddr("198.51.100.21", 19132)

	l.ReleaseSession(addr) // no session ever admitted for this IP
	stats := l.SessionStats(addr)
	if stats["active_sessions"].(int) != 0 {
		t.Errorf("active_sessions = %v, want 0", stats["active_sessions"])
	}
}

func TestSessionStatsForUnseenIP(t *testing.T) {
	l := NewSessionLimiter(&Config{Enabled: true, MaxSessionsPerIP: 10, MaxSessionsPerMinute: 10, BanDurationSeconds: 60})
	stats := l.SessionStats(clientAddr("192.0.2.55", 19132))
	if stats["banned"].(bool) {
		t.Error("unseen IP should not be reported banned")
	}
	if stats["active_sessions"].(int) != 0 {
		t.Error("unseen IP should report zero active sessions")
	}
}

func TestGlobalStatsAggregatesAcrossIPs(t *testing.T) {
	l := NewSessionLimiter(&Config{Enabled: true, MaxSessionsPerIP: 3, MaxSessionsPerMinute: 1000, BanDurationSeconds: 60})
	l.Admit(clientAddr("10.1.1.1", 19132))
	l.Admit(clientAddr("10.1.1.2", 19132))
	l.Admit(clientAddr("10.1.1.2", 19133))

	stats := l.GlobalStats()
	if stats["total_ips"].(int) != 2 {
		t.Errorf("total_ips = %v, want 2", stats["total_ips"])
	}
	if stats["total_active"].(int) != 3 {
		t.Errorf("total_active = %v, want 3", stats["total_active"])
	}
}

func TestCleanupDropsStaleIPsOnly(t *testing.T) {
	l := NewSessionLimiter(&Config{Enabled: true, MaxSessionsPerIP: 10, MaxSessionsPerMinute: 10, BanDurationSeconds: 60})
	active := clientAddr("172.16.0.1", 19132)
	idle := clientAddr("172.16.0.2", 19132)

	l.Admit(active)
	l.Admit(idle)
	l.ReleaseSession(idle)

	l.mu.Lock()
	l.byIP["172.16.0.2"].openedAt[0] = time.Now().Add(-10 * time.Minute)
	l.mu.Unlock()

	l.cleanup()

	if _, stillActive := l.byIP["172.16.0.1"]; !stillActive {
		t.Error("IP with an active session should never be cleaned up")
	}
	if _, stillThere := l.byIP["172.16.0.2"]; stillThere {
		t.Error("idle, unbanned, stale IP should have been cleaned up")
	}
}

func TestExtractIPFromUDPAndTCPAddr(t *testing.T) {
	if ip := extractIP(clientAddr("203.0.113.44", 19132)); ip != "203.0.113.44" {
		t.Errorf("UDPAddr: got %q", ip)
	}
	if ip := extractIP(&net.TCPAddr{IP: net.ParseIP("203.0.113.45"), Port: 1080}); ip != "203.0.113.45" {
		t.Errorf("TCPAddr: got %q", ip)
	}
}

func TestConcurrentSessionsFromManyIPs(t *testing.T) {
	l := NewSessionLimiter(&Config{Enabled: true, MaxSessionsPerIP: 1000, MaxSessionsPerMinute: 1000, BanDurationSeconds: 60})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			addr := clientAddr("10.10.10.1", 20000+n)
			l.Admit(addr)
			l.ReleaseSession(addr)
		}(i)
	}
	wg.Wait()

	stats := l.SessionStats(clientAddr("10.10.10.1", 0))
	if stats["active_sessions"].(int) != 0 {
		t.Errorf("active_sessions after concurrent admit/release = %v, want 0", stats["active_sessions"])
	}
}
