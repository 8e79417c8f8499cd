package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds all Prometheus metric collectors exposed by
// the daemon's /metrics endpoint.
type PrometheusCollectors struct {
	PacketsForwarded prometheus.Counter
	PacketsDropped   prometheus.Counter
	BytesForwarded   prometheus.Counter
	ActiveConns      prometheus.Gauge

	ProcessesRunning prometheus.Gauge
	ProcessRestarts  prometheus.Counter
	ProcessCrashes   prometheus.Counter
	PlayersOnline    prometheus.Gauge

	WSClientsActive   prometheus.Gauge
	WSEventsSent      prometheus.Counter
	WSRequestsHandled prometheus.Counter
	WSErrors          prometheus.Counter
}

// InitPrometheus registers and returns the daemon's Prometheus collectors.
func InitPrometheus(namespace string) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.PacketsForwarded = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "udp_packets_forwarded_total",
		Help:      "Total number of UDP datagrams forwarded to a backend server",
	})).(prometheus.Counter)

	pc.PacketsDropped = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "udp_packets_dropped_total",
		Help:      "Total number of UDP datagrams dropped (parse failure, no route, rate limit, or block)",
	})).(prometheus.Counter)

	pc.BytesForwarded = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "udp_bytes_forwarded_total",
		Help:      "Total bytes forwarded across all UDP proxy instances",
	})).(prometheus.Counter)

	pc.ActiveConns = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "udp_active_connections",
		Help:      "Number of tracked client sessions across all UDP proxy instances",
	})).(prometheus.Gauge)

	pc.ProcessesRunning = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "supervisor_processes_running",
		Help:      "Number of currently running supervised server processes",
	})).(prometheus.Gauge)

	pc.ProcessRestarts = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "Total number of automatic process restarts",
	})).(prometheus.Counter)

	pc.ProcessCrashes = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_crashes_total",
		Help:      "Total number of unexpected process exits",
	})).(prometheus.Counter)

	pc.PlayersOnline = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "players_online",
		Help:      "Aggregate online player count across all supervised servers",
	})).(prometheus.Gauge)

	pc.WSClientsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients_active",
		Help:      "Number of currently connected control-plane WebSocket clients",
	})).(prometheus.Gauge)

	pc.WSEventsSent = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_events_sent_total",
		Help:      "Total number of events broadcast to WebSocket clients",
	})).(prometheus.Counter)

	pc.WSRequestsHandled = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_requests_handled_total",
		Help:      "Total number of WebSocket request messages handled",
	})).(prometheus.Counter)

	pc.WSErrors = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_errors_total",
		Help:      "Total number of WebSocket requests that resulted in an error response",
	})).(prometheus.Counter)

	return pc
}

// UpdateFromCollector syncs the atomic Collector counters to the
// Prometheus gauges/counters. Counters only move forward, so each call
// adds the delta since the last sync.
func (p *PrometheusCollectors) UpdateFromCollector(c *Collector, prev *Snapshot) Snapshot {
	snap := c.Snapshot()

	p.PacketsForwarded.Add(float64(snap.PacketsForwarded - prev.PacketsForwarded))
	p.PacketsDropped.Add(float64(snap.PacketsDropped - prev.PacketsDropped))
	p.BytesForwarded.Add(float64(snap.BytesForwarded - prev.BytesForwarded))
	p.ActiveConns.Set(float64(snap.ActiveConns))

	p.ProcessesRunning.Set(float64(snap.ProcessesRunning))
	p.ProcessRestarts.Add(float64(snap.ProcessRestarts - prev.ProcessRestarts))
	p.ProcessCrashes.Add(float64(snap.ProcessCrashes - prev.ProcessCrashes))
	p.PlayersOnline.Set(float64(snap.PlayersOnline))

	p.WSClientsActive.Set(float64(snap.WSClientsActive))
	p.WSEventsSent.Add(float64(snap.WSEventsSent - prev.WSEventsSent))
	p.WSRequestsHandled.Add(float64(snap.WSRequestsHandled - prev.WSRequestsHandled))
	p.WSErrors.Add(float64(snap.WSErrors - prev.WSErrors))

	return snap
}
