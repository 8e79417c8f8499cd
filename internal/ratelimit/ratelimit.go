// Package ratelimit enforces per-IP admission control over RakNet client
// sessions: how many sessions a single original IP may hold concurrently
// against one managed server, and how fast it may open new ones, with a
// timed ban once either limit is exceeded.
package ratelimit

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Config holds session admission configuration for one managed server's
// proxy.
type Config struct {
	// Enabled indicates if session admission control is active.
	Enabled bool `json:"enabled"`
	// MaxSessionsPerIP limits concurrent RakNet sessions from a single
	// original client IP.
	MaxSessionsPerIP int `json:"max_sessions_per_ip"`
	// MaxSessionsPerMinute limits new sessions opened per minute from a
	// single original client IP.
	MaxSessionsPerMinute int `json:"max_sessions_per_minute"`
	// BanDurationSeconds is how long an IP stays banned once it exceeds
	// either limit.
	BanDurationSeconds int `json:"ban_duration_seconds"`
	// CleanupIntervalSeconds is how often stale per-IP bookkeeping is
	// swept.
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds"`
}

// ipSessions tracks session admission bookkeeping for one originating IP.
type ipSessions struct {
	mu         sync.Mutex
	active     int
	openedAt   []time.Time
	bannedUntil time.Time
}

// SessionLimiter admits or rejects new RakNet sessions per originating IP
// for a single proxy.
type SessionLimiter struct {
	cfg   *Config
	mu    sync.RWMutex
	byIP  map[string]*ipSessions
}

// NewSessionLimiter creates a limiter from cfg. A nil cfg disables
// admission control entirely (every session is allowed).
func NewSessionLimiter(cfg *Config) *SessionLimiter {
	if cfg == nil {
		cfg = &Config{
			Enabled:                false,
			MaxSessionsPerIP:       100,
			MaxSessionsPerMinute:   60,
			BanDurationSeconds:     300,
			CleanupIntervalSeconds: 60,
		}
	}

	l := &SessionLimiter{
		cfg:  cfg,
		byIP: make(map[string]*ipSessions),
	}

	if cfg.Enabled && cfg.CleanupIntervalSeconds > 0 {
		go l.cleanupRoutine()
	}

	return l
}

// Admit reports whether a new session from addr should be admitted. When
// it refuses, it also returns a short human-readable reason suitable for
// a console/log line (banned, per-IP cap, or per-minute cap).
func (l *SessionLimiter) Admit(addr net.Addr) (bool, string) {
	if !l.cfg.Enabled {
		return true, ""
	}

	ip := extractIP(addr)
	if ip == "" {
		return false, "could not determine client IP"
	}

	sessions := l.sessionsFor(ip)

	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	now := time.Now()

	if now.Before(sessions.bannedUntil) {
		return false, fmt.Sprintf("%s is banned until %s", ip, sessions.bannedUntil.Format(time.RFC3339))
	}

	if l.cfg.MaxSessionsPerIP > 0 && sessions.active >= l.cfg.MaxSessionsPerIP {
		return false, fmt.Sprintf("%s already has %d active sessions (limit %d)", ip, sessions.active, l.cfg.MaxSessionsPerIP)
	}

	if l.cfg.MaxSessionsPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		kept := sessions.openedAt[:0]
		for _, t := range sessions.openedAt {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		sessions.openedAt = kept

		if len(sessions.openedAt) >= l.cfg.MaxSessionsPerMinute {
			sessions.bannedUntil = now.Add(time.Duration(l.cfg.BanDurationSeconds) * time.Second)
			return false, fmt.Sprintf("%s opened %d sessions in the last minute (limit %d), banned for %ds", ip, len(sessions.openedAt), l.cfg.MaxSessionsPerMinute, l.cfg.BanDurationSeconds)
		}

		sessions.openedAt = append(sessions.openedAt, now)
	}

	sessions.active++
	return true, ""
}

// AllowSession is the boolean-only convenience form of Admit, for callers
// that do not need the refusal reason.
func (l *SessionLimiter) AllowSession(addr net.Addr) bool {
	ok, _ := l.Admit(addr)
	return ok
}

func (l *SessionLimiter) sessionsFor(ip string) *ipSessions {
	l.mu.RLock()
	sessions, exists := l.byIP[ip]
	l.mu.RUnlock()
	if exists {
		return sessions
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if sessions, exists = l.byIP[ip]; exists {
		return sessions
	}
	sessions = &ipSessions{
		openedAt: make([]time.Time, 0, l.cfg.MaxSessionsPerMinute),
	}
	l.byIP[ip] = sessions
	return sessions
}

// ReleaseSession decrements the active session count for addr's IP, called
// once that RakNet session's upstream socket is torn down.
func (l *SessionLimiter) ReleaseSession(addr net.Addr) {
	if !l.cfg.Enabled {
		return
	}

	ip := extractIP(addr)
	if ip == "" {
		return
	}

	l.mu.RLock()
	sessions, exists := l.byIP[ip]
	l.mu.RUnlock()
	if !exists {
		return
	}

	sessions.mu.Lock()
	if sessions.active > 0 {
		sessions.active--
	}
	sessions.mu.Unlock()
}

// IsBanned reports whether addr's IP is currently under a ban.
func (l *SessionLimiter) IsBanned(addr net.Addr) bool {
	if !l.cfg.Enabled {
		return false
	}

	ip := extractIP(addr)
	if ip == "" {
		return false
	}

	l.mu.RLock()
	sessions, exists := l.byIP[ip]
	l.mu.RUnlock()
	if !exists {
		return false
	}

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	return time.Now().Before(sessions.bannedUntil)
}

// SessionStats returns a point-in-time view of addr's IP bookkeeping,
// suitable for JSON serialization over the control plane.
func (l *SessionLimiter) SessionStats(addr net.Addr) map[string]interface{} {
	ip := extractIP(addr)
	if ip == "" {
		return nil
	}

	l.mu.RLock()
	sessions, exists := l.byIP[ip]
	l.mu.RUnlock()

	if !exists {
		return map[string]interface{}{
			"ip":                ip,
			"active_sessions":   0,
			"sessions_in_minute": 0,
			"banned":            false,
		}
	}

	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	return map[string]interface{}{
		"ip":                 ip,
		"active_sessions":    sessions.active,
		"sessions_in_minute": len(sessions.openedAt),
		"banned":             time.Now().Before(sessions.bannedUntil),
		"banned_until":       sessions.bannedUntil,
	}
}

// GlobalStats returns aggregate admission-control statistics across every
// IP this limiter has ever seen.
func (l *SessionLimiter) GlobalStats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totalIPs := len(l.byIP)
	totalActive := 0
	bannedIPs := 0

	now := time.Now()
	for _, sessions := range l.byIP {
		sessions.mu.Lock()
		totalActive += sessions.active
		if now.Before(sessions.bannedUntil) {
			bannedIPs++
		}
		sessions.mu.Unlock()
	}

	return map[string]interface{}{
		"total_ips":        totalIPs,
		"total_active":     totalActive,
		"banned_ips":       bannedIPs,
		"max_per_ip":       l.cfg.MaxSessionsPerIP,
		"max_per_minute":   l.cfg.MaxSessionsPerMinute,
		"ban_duration_sec": l.cfg.BanDurationSeconds,
	}
}

func (l *SessionLimiter) cleanupRoutine() {
	interval := time.Duration(l.cfg.CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		l.cleanup()
	}
}

// cleanup drops per-IP bookkeeping for IPs with no active session, no
// active ban, and no session opened in the last 5 minutes.
func (l *SessionLimiter) cleanup() {
	now := time.Now()
	cutoff := now.Add(-5 * time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, sessions := range l.byIP {
		sessions.mu.Lock()
		stale := sessions.active == 0 &&
			now.After(sessions.bannedUntil) &&
			(len(sessions.openedAt) == 0 || sessions.openedAt[len(sessions.openedAt)-1].Before(cutoff))
		sessions.mu.Unlock()

		if stale {
			delete(l.byIP, ip)
		}
	}
}

// extractIP extracts the bare IP from a net.Addr, unwrapping the client
// port that a RakNet session tuple always carries.
func extractIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
