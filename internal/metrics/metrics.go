// Package metrics provides collection and reporting of daemon metrics.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector holds process-wide atomic counters for the UDP proxy layer,
// the process supervisor, and the WebSocket control plane.
type Collector struct {
	// UDP proxy metrics
	PacketsForwarded atomic.Uint64
	PacketsDropped   atomic.Uint64
	BytesForwarded   atomic.Uint64
	ActiveConns      atomic.Int64
	LastPacketUnix   atomic.Int64

	// Process supervisor metrics
	ProcessesRunning atomic.Int64
	ProcessRestarts  atomic.Uint64
	ProcessCrashes   atomic.Uint64
	PlayersOnline    atomic.Int64

	// WebSocket control plane metrics
	WSClientsActive   atomic.Int64
	WSEventsSent      atomic.Uint64
	WSRequestsHandled atomic.Uint64
	WSErrors          atomic.Uint64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// IncrementConns increments the active proxy connection count.
func (m *Collector) IncrementConns() {
	m.ActiveConns.Add(1)
}

// DecrementConns decrements the active proxy connection count.
func (m *Collector) DecrementConns() {
	m.ActiveConns.Add(-1)
}

// RecordForwarded records a successfully forwarded UDP datagram.
func (m *Collector) RecordForwarded(n int) {
	m.PacketsForwarded.Add(1)
	m.BytesForwarded.Add(uint64(n))
	m.LastPacketUnix.Store(time.Now().Unix())
}

// RecordDropped records a dropped UDP datagram (parse failure, no route,
// rate-limited, or blocked client).
func (m *Collector) RecordDropped() {
	m.PacketsDropped.Add(1)
}

// RecordRestart records a supervised process auto-restart.
func (m *Collector) RecordRestart() {
	m.ProcessRestarts.Add(1)
}

// RecordCrash records a supervised process unexpected exit.
func (m *Collector) RecordCrash() {
	m.ProcessCrashes.Add(1)
}

// SetProcessesRunning sets the number of currently running supervised
// processes.
func (m *Collector) SetProcessesRunning(n int64) {
	m.ProcessesRunning.Store(n)
}

// SetPlayersOnline sets the aggregate online player count across all
// supervised servers.
func (m *Collector) SetPlayersOnline(n int64) {
	m.PlayersOnline.Store(n)
}

// IncrementWSClients increments the active WebSocket client count.
func (m *Collector) IncrementWSClients() {
	m.WSClientsActive.Add(1)
}

// DecrementWSClients decrements the active WebSocket client count.
func (m *Collector) DecrementWSClients() {
	m.WSClientsActive.Add(-1)
}

// RecordWSEvent records a broadcast event sent to a WebSocket client.
func (m *Collector) RecordWSEvent() {
	m.WSEventsSent.Add(1)
}

// RecordWSRequest records a handled WebSocket request message.
func (m *Collector) RecordWSRequest() {
	m.WSRequestsHandled.Add(1)
}

// RecordWSError records a WebSocket request that resulted in an error
// response.
func (m *Collector) RecordWSError() {
	m.WSErrors.Add(1)
}

// Snapshot returns a point-in-time view of all metrics.
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		PacketsForwarded:  m.PacketsForwarded.Load(),
		PacketsDropped:    m.PacketsDropped.Load(),
		BytesForwarded:    m.BytesForwarded.Load(),
		ActiveConns:       m.ActiveConns.Load(),
		ProcessesRunning:  m.ProcessesRunning.Load(),
		ProcessRestarts:   m.ProcessRestarts.Load(),
		ProcessCrashes:    m.ProcessCrashes.Load(),
		PlayersOnline:     m.PlayersOnline.Load(),
		WSClientsActive:   m.WSClientsActive.Load(),
		WSEventsSent:      m.WSEventsSent.Load(),
		WSRequestsHandled: m.WSRequestsHandled.Load(),
		WSErrors:          m.WSErrors.Load(),
	}
}

// Snapshot is a JSON-serializable point-in-time view of Collector.
type Snapshot struct {
	PacketsForwarded  uint64 `json:"packetsForwarded"`
	PacketsDropped    uint64 `json:"packetsDropped"`
	BytesForwarded    uint64 `json:"bytesForwarded"`
	ActiveConns       int64  `json:"activeConns"`
	ProcessesRunning  int64  `json:"processesRunning"`
	ProcessRestarts   uint64 `json:"processRestarts"`
	ProcessCrashes    uint64 `json:"processCrashes"`
	PlayersOnline     int64  `json:"playersOnline"`
	WSClientsActive   int64  `json:"wsClientsActive"`
	WSEventsSent      uint64 `json:"wsEventsSent"`
	WSRequestsHandled uint64 `json:"wsRequestsHandled"`
	WSErrors          uint64 `json:"wsErrors"`
}
