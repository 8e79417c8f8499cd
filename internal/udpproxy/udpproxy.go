// Package udpproxy implements a per-client UDP relay for Bedrock (RakNet)
// traffic, with optional HAProxy PROXY Protocol v2 chain parsing so the
// original client address survives an arbitrary proxy hop chain.
package udpproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosrabelo/bedrockproxyd/internal/metrics"
	"github.com/carlosrabelo/bedrockproxyd/internal/proxyproto"
	"github.com/carlosrabelo/bedrockproxyd/internal/ratelimit"
	"github.com/carlosrabelo/bedrockproxyd/pkg/logger"
)

const (
	defaultIdleTimeout  = 30 * time.Second
	sweepInterval       = 30 * time.Second
	maxDatagramSize     = 65535
	upstreamReadTimeout = time.Second
)

// ActivityFunc is called on every successfully forwarded datagram, after
// the PROXY-v2 chain (if any) has been resolved.
type ActivityFunc func(clientIP string, clientPort int, payload []byte)

// PlayerActionFunc would be called when the proxy itself recognizes a
// player-level event from the datagram stream. Reserved: the relay never
// inspects RakNet payloads for player identity, so this is never invoked
// today. Player join/leave is derived exclusively from supervisor log-line
// parsing; this slot exists so a future payload-level detector has a place
// to report into without changing the Config shape.
type PlayerActionFunc func(clientIP string, clientPort int, action string)

// Config configures a single Proxy instance bound to one listen port and
// one destination.
type Config struct {
	ListenAddress      string
	DestinationAddress string
	ProxyProtocolV2    bool
	IdleTimeout        time.Duration
	BlockSameIP        bool
	RateLimit          *ratelimit.Config
	Logger             *logger.Logger
	Metrics            *metrics.Collector
	OnPlayerAction     PlayerActionFunc
	OnActivity         ActivityFunc
}

// connection is a per-client tracked session: one upstream socket for the
// lifetime of that client's traffic.
type connection struct {
	clientAddr   *net.UDPAddr
	upstream     *net.UDPConn
	lastActivity atomic64
	originalIP   string
	originalPort int
}

// Proxy relays UDP datagrams between a single listen socket and a fixed
// destination, tracking one upstream socket per client.
type Proxy struct {
	cfg         Config
	destAddr    *net.UDPAddr
	idleTimeout time.Duration

	listenConn *net.UDPConn

	mu      sync.RWMutex
	running bool

	connsMu sync.RWMutex
	conns   map[string]*connection

	// realClientInfo memoises the original tuple learned from a
	// header-only PROXY-v2 probe, keyed by clientKey, for datagrams that
	// arrive afterwards without their own header.
	realMu         sync.Mutex
	realClientInfo map[string]clientTuple

	limiter *ratelimit.SessionLimiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type clientTuple struct {
	ip   string
	port int
}

// atomic64 stores a time.Time as a UnixNano value for lock-free reads on
// the hot datagram path.
type atomic64 struct {
	nanos atomic.Int64
}

func (a *atomic64) set(t time.Time) {
	a.nanos.Store(t.UnixNano())
}

func (a *atomic64) get() time.Time {
	return time.Unix(0, a.nanos.Load())
}

// New creates a Proxy from cfg. The listen socket is not bound until
// Start is called.
func New(cfg Config) (*Proxy, error) {
	destAddr, err := net.ResolveUDPAddr("udp", cfg.DestinationAddress)
	if err != nil {
		return nil, fmt.Errorf("udpproxy: resolve destination: %w", err)
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.Default
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}

	return &Proxy{
		cfg:            cfg,
		destAddr:       destAddr,
		idleTimeout:    idle,
		conns:          make(map[string]*connection),
		realClientInfo: make(map[string]clientTuple),
		limiter:        ratelimit.NewSessionLimiter(cfg.RateLimit),
	}, nil
}

// Start binds the listen socket and begins relaying datagrams. Returns a
// bind error if the configured port is unavailable.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("udpproxy: already running on %s", p.cfg.ListenAddress)
	}

	laddr, err := net.ResolveUDPAddr("udp", p.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("udpproxy: resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("udpproxy: bind %s: %w", p.cfg.ListenAddress, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.listenConn = conn
	p.cancel = cancel
	p.running = true

	p.wg.Add(2)
	go p.acceptLoop(runCtx)
	go p.sweepLoop(runCtx)

	p.cfg.Logger.Info("udpproxy: listening on %s -> %s", p.cfg.ListenAddress, p.cfg.DestinationAddress)
	return nil
}

// Stop closes every upstream socket, then the listen socket. Idempotent.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	listenConn := p.listenConn
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	p.connsMu.Lock()
	for key, c := range p.conns {
		c.upstream.Close()
		delete(p.conns, key)
	}
	p.connsMu.Unlock()

	if listenConn != nil {
		listenConn.Close()
	}

	p.wg.Wait()
	p.cfg.Logger.Info("udpproxy: stopped %s", p.cfg.ListenAddress)
}

// BlockClient forcibly closes the upstream socket for every tracked
// session whose client address matches addr.
func (p *Proxy) BlockClient(addr string) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	for key, c := range p.conns {
		if key == addr || c.originalIP == addr {
			c.upstream.Close()
			delete(p.conns, key)
			p.limiter.ReleaseSession(c.clientAddr)
		}
	}
}

// ConnectionStat is a point-in-time view of one tracked client session.
type ConnectionStat struct {
	Key          string    `json:"key"`
	LastActivity time.Time `json:"lastActivity"`
}

// Stats is a snapshot of the proxy's current state.
type Stats struct {
	Running           bool             `json:"running"`
	ActiveConnections int              `json:"activeConnections"`
	PerConnection     []ConnectionStat `json:"perConnection"`
}

// Stats returns the current running state and per-connection activity.
func (p *Proxy) Stats() Stats {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()

	p.connsMu.RLock()
	defer p.connsMu.RUnlock()

	out := Stats{Running: running, ActiveConnections: len(p.conns)}
	for key, c := range p.conns {
		out.PerConnection = append(out.PerConnection, ConnectionStat{
			Key:          key,
			LastActivity: c.lastActivity.get(),
		})
	}
	return out
}

func (p *Proxy) acceptLoop(ctx context.Context) {
	defer p.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.listenConn.SetReadDeadline(time.Now().Add(upstreamReadTimeout))
		n, clientAddr, err := p.listenConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				p.logSendErr("listen read", err)
				continue
			}
		}

		p.handleDatagram(ctx, clientAddr, append([]byte(nil), buf[:n]...))
	}
}

func (p *Proxy) handleDatagram(ctx context.Context, clientAddr *net.UDPAddr, datagram []byte) {
	clientKey := clientAddr.String()

	if p.limiter != nil {
		if ok, reason := p.limiter.Admit(clientAddr); !ok {
			p.cfg.Logger.Debug("udpproxy: session from %s refused: %s", clientKey, reason)
			p.cfg.Metrics.RecordDropped()
			return
		}
	}

	payload := datagram
	originalIP := clientAddr.IP.String()
	originalPort := clientAddr.Port
	haveOriginal := false

	if p.cfg.ProxyProtocolV2 && proxyproto.HasSignature(datagram) {
		res, err := proxyproto.ParseChain(datagram)
		if err != nil {
			p.cfg.Logger.Debug("udpproxy: proxy-v2 parse error from %s: %v", clientKey, err)
			p.cfg.Metrics.RecordDropped()
			return
		}
		if res.HasHeader {
			originalIP = res.OriginalIP.String()
			originalPort = int(res.OriginalPort)
			haveOriginal = true
			p.rememberOriginal(clientKey, originalIP, originalPort)
		}
		payload = res.Payload

		if len(payload) == 0 {
			// header-only probe: memoise and stop, no upstream socket yet
			return
		}
	}

	if !haveOriginal {
		if tuple, ok := p.recallOriginal(clientKey); ok {
			originalIP, originalPort = tuple.ip, tuple.port
		}
	}

	p.connsMu.RLock()
	_, known := p.conns[clientKey]
	p.connsMu.RUnlock()
	if p.limiter != nil && !known {
		if ok, reason := p.limiter.Admit(clientAddr); !ok {
			p.cfg.Logger.Debug("udpproxy: session from %s refused: %s", clientKey, reason)
			p.cfg.Metrics.RecordDropped()
			return
		}
	}

	c, err := p.getOrCreateConnection(ctx, clientKey, clientAddr, originalIP, originalPort)
	if err != nil {
		if p.limiter != nil && !known {
			p.limiter.ReleaseSession(clientAddr)
		}
		p.cfg.Logger.Error("udpproxy: failed to create session for %s: %v", clientKey, err)
		p.cfg.Metrics.RecordDropped()
		return
	}
	c.lastActivity.set(time.Now())

	if _, err := c.upstream.WriteToUDP(payload, p.destAddr); err != nil {
		p.logSendErr(fmt.Sprintf("forward to %s", p.destAddr), err)
		p.cfg.Metrics.RecordDropped()
		return
	}

	p.cfg.Metrics.RecordForwarded(len(payload))
	if p.cfg.OnActivity != nil {
		p.cfg.OnActivity(originalIP, originalPort, payload)
	}
}

func (p *Proxy) rememberOriginal(clientKey, ip string, port int) {
	p.realMu.Lock()
	p.realClientInfo[clientKey] = clientTuple{ip: ip, port: port}
	p.realMu.Unlock()
}

func (p *Proxy) recallOriginal(clientKey string) (clientTuple, bool) {
	p.realMu.Lock()
	defer p.realMu.Unlock()
	t, ok := p.realClientInfo[clientKey]
	return t, ok
}

func (p *Proxy) getOrCreateConnection(ctx context.Context, clientKey string, clientAddr *net.UDPAddr, originalIP string, originalPort int) (*connection, error) {
	p.connsMu.RLock()
	c, exists := p.conns[clientKey]
	p.connsMu.RUnlock()
	if exists {
		return c, nil
	}

	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	if c, exists = p.conns[clientKey]; exists {
		return c, nil
	}

	if p.cfg.BlockSameIP {
		for key, existing := range p.conns {
			if key != clientKey && existing.originalIP == originalIP {
				return nil, fmt.Errorf("blockSameIP: %s already has an active session", originalIP)
			}
		}
	}

	upstream, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open upstream socket: %w", err)
	}

	c = &connection{
		clientAddr:   clientAddr,
		upstream:     upstream,
		originalIP:   originalIP,
		originalPort: originalPort,
	}
	c.lastActivity.set(time.Now())
	p.conns[clientKey] = c
	p.cfg.Metrics.IncrementConns()

	p.wg.Add(1)
	go p.upstreamLoop(ctx, clientKey, c)

	return c, nil
}

func (p *Proxy) upstreamLoop(ctx context.Context, clientKey string, c *connection) {
	defer p.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.upstream.SetReadDeadline(time.Now().Add(upstreamReadTimeout))
		n, _, err := c.upstream.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				p.removeConnection(clientKey)
				return
			}
		}

		p.mu.RLock()
		listenConn := p.listenConn
		p.mu.RUnlock()
		if listenConn == nil {
			return
		}

		if _, err := listenConn.WriteToUDP(buf[:n], c.clientAddr); err != nil {
			p.logSendErr(fmt.Sprintf("reply to %s", clientKey), err)
			continue
		}
		c.lastActivity.set(time.Now())
	}
}

func (p *Proxy) removeConnection(clientKey string) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	if c, exists := p.conns[clientKey]; exists {
		c.upstream.Close()
		delete(p.conns, clientKey)
		p.cfg.Metrics.DecrementConns()
		p.limiter.ReleaseSession(c.clientAddr)
	}
}

func (p *Proxy) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Proxy) sweep() {
	now := time.Now()

	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	for key, c := range p.conns {
		if now.Sub(c.lastActivity.get()) > p.idleTimeout {
			c.upstream.Close()
			delete(p.conns, key)
			p.cfg.Metrics.DecrementConns()
			p.limiter.ReleaseSession(c.clientAddr)
		}
	}
}

// logSendErr demotes "use of closed network connection" style errors to
// debug, since they're expected during teardown races.
func (p *Proxy) logSendErr(context string, err error) {
	if strings.Contains(err.Error(), "closed") {
		p.cfg.Logger.Debug("udpproxy: %s: %v", context, err)
		return
	}
	p.cfg.Logger.Error("udpproxy: %s: %v", context, err)
}
