// Package controlplane exposes the daemon's WebSocket control surface:
// a connection manager tracking per-client subscriptions and heartbeat
// health, and a message router dispatching requests into the server
// manager, data store, and detector.
package controlplane

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carlosrabelo/bedrockproxyd/internal/metrics"
	"github.com/carlosrabelo/bedrockproxyd/pkg/logger"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 60 * time.Second
)

// frame is the single wire envelope used for requests, responses, and
// events: type+timestamp is common to all three; the rest is populated
// according to which one is being encoded.
type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// client is one connected WebSocket peer.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[string]struct{}

	healthMu sync.Mutex
	lastPing time.Time
	lastPong time.Time
	rtt      time.Duration
}

func newClient(id string, conn *websocket.Conn) *client {
	now := time.Now()
	return &client{
		id:       id,
		conn:     conn,
		subs:     make(map[string]struct{}),
		lastPong: now,
	}
}

func (c *client) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *client) subscribe(events []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, e := range events {
		if e != "" {
			c.subs[e] = struct{}{}
		}
	}
}

func (c *client) unsubscribe(events []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, e := range events {
		delete(c.subs, e)
	}
}

func (c *client) wants(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if _, ok := c.subs["*"]; ok {
		return true
	}
	_, ok := c.subs[topic]
	return ok
}

func (c *client) markPingSent(t time.Time) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.lastPing = t
}

func (c *client) markPong() {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.lastPong = time.Now()
	if !c.lastPing.IsZero() {
		c.rtt = c.lastPong.Sub(c.lastPing)
	}
}

func (c *client) isAlive(now time.Time) bool {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return now.Sub(c.lastPong) < heartbeatTimeout
}

func (c *client) latency() time.Duration {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return c.rtt
}

// ConnectionManager tracks every connected client, their subscriptions,
// and heartbeat health, and fans events out to subscribers.
type ConnectionManager struct {
	mu      sync.RWMutex
	clients map[string]*client

	metrics *metrics.Collector
	logger  *logger.Logger

	nextID func() string
}

// NewConnectionManager creates an empty ConnectionManager. idFunc
// generates opaque client IDs (normally uuid.NewString).
func NewConnectionManager(m *metrics.Collector, l *logger.Logger, idFunc func() string) *ConnectionManager {
	if l == nil {
		l = logger.Default
	}
	if m == nil {
		m = metrics.NewCollector()
	}
	return &ConnectionManager{
		clients: make(map[string]*client),
		metrics: m,
		logger:  l,
		nextID:  idFunc,
	}
}

// Register adds conn as a tracked client and returns its opaque ID.
func (cm *ConnectionManager) Register(conn *websocket.Conn) string {
	id := cm.nextID()
	c := newClient(id, conn)

	cm.mu.Lock()
	cm.clients[id] = c
	cm.mu.Unlock()

	cm.metrics.IncrementWSClients()
	cm.logger.Info("controlplane: client %s connected", id)
	return id
}

// Unregister removes and closes a tracked client.
func (cm *ConnectionManager) Unregister(id string) {
	cm.mu.Lock()
	c, ok := cm.clients[id]
	if ok {
		delete(cm.clients, id)
	}
	cm.mu.Unlock()
	if !ok {
		return
	}
	c.conn.Close()
	cm.metrics.DecrementWSClients()
	cm.logger.Info("controlplane: client %s disconnected", id)
}

// Subscribe adds events to a client's subscription set.
func (cm *ConnectionManager) Subscribe(id string, events []string) {
	if c := cm.get(id); c != nil {
		c.subscribe(events)
	}
}

// Unsubscribe removes events from a client's subscription set.
func (cm *ConnectionManager) Unsubscribe(id string, events []string) {
	if c := cm.get(id); c != nil {
		c.unsubscribe(events)
	}
}

func (cm *ConnectionManager) get(id string) *client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.clients[id]
}

// SendTo delivers f to one client by ID.
func (cm *ConnectionManager) SendTo(id string, f frame) error {
	c := cm.get(id)
	if c == nil {
		return nil
	}
	return c.send(f)
}

// MarkPong records a pong from a client, updating its measured RTT.
func (cm *ConnectionManager) MarkPong(id string) {
	if c := cm.get(id); c != nil {
		c.markPong()
	}
}

// BroadcastToSubscribers sends data to every client subscribed to topic
// or "*". Clients whose send fails are dropped.
func (cm *ConnectionManager) BroadcastToSubscribers(topic string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		cm.logger.Error("controlplane: marshal event %s: %v", topic, err)
		return
	}
	f := frame{Type: "event", Event: topic, Data: raw, Timestamp: nowMillis()}

	cm.mu.RLock()
	targets := make([]*client, 0, len(cm.clients))
	for _, c := range cm.clients {
		if c.wants(topic) {
			targets = append(targets, c)
		}
	}
	cm.mu.RUnlock()

	var dead []string
	for _, c := range targets {
		if err := c.send(f); err != nil {
			dead = append(dead, c.id)
			continue
		}
		cm.metrics.RecordWSEvent()
	}
	for _, id := range dead {
		cm.Unregister(id)
	}
}

// HealthSnapshot is the JSON body served at GET /health.
type HealthSnapshot struct {
	Clients      int       `json:"clients"`
	AliveClients int       `json:"aliveClients"`
	AvgLatencyMs float64   `json:"avgLatency"`
	Timestamp    time.Time `json:"timestamp"`
}

// Health computes a point-in-time snapshot of client connectivity.
func (cm *ConnectionManager) Health() HealthSnapshot {
	now := time.Now()

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	snap := HealthSnapshot{Clients: len(cm.clients), Timestamp: now}
	var totalLatency time.Duration
	var latencySamples int
	for _, c := range cm.clients {
		if c.isAlive(now) {
			snap.AliveClients++
		}
		if l := c.latency(); l > 0 {
			totalLatency += l
			latencySamples++
		}
	}
	if latencySamples > 0 {
		snap.AvgLatencyMs = float64(totalLatency.Milliseconds()) / float64(latencySamples)
	}
	return snap
}

// RunHeartbeat sends a ping to every client every 30s and evicts any
// client whose last pong is older than 60s. Blocks until stop is closed;
// run it in its own goroutine.
func (cm *ConnectionManager) RunHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cm.heartbeatTick()
		}
	}
}

func (cm *ConnectionManager) heartbeatTick() {
	now := time.Now()

	cm.mu.RLock()
	all := make([]*client, 0, len(cm.clients))
	for _, c := range cm.clients {
		all = append(all, c)
	}
	cm.mu.RUnlock()

	var evict []string
	for _, c := range all {
		if !c.isAlive(now) {
			evict = append(evict, c.id)
			continue
		}
		c.markPingSent(now)
		_ = c.send(frame{Type: "ping", Timestamp: nowMillis()})
	}
	for _, id := range evict {
		cm.logger.Info("controlplane: evicting client %s (heartbeat timeout)", id)
		cm.Unregister(id)
	}
}

// CleanupAll disconnects every client.
func (cm *ConnectionManager) CleanupAll() {
	cm.mu.Lock()
	ids := make([]string, 0, len(cm.clients))
	for id := range cm.clients {
		ids = append(ids, id)
	}
	cm.mu.Unlock()
	for _, id := range ids {
		cm.Unregister(id)
	}
}
