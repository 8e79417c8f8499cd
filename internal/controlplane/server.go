package controlplane

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosrabelo/bedrockproxyd/internal/metrics"
	"github.com/carlosrabelo/bedrockproxyd/internal/servermanager"
	"github.com/carlosrabelo/bedrockproxyd/internal/store"
	"github.com/carlosrabelo/bedrockproxyd/pkg/logger"
)

var upgrader = websocket.Upgrader{
	// Non-goal: no control-plane authentication (loopback-only deployment).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the daemon's single HTTP+WebSocket listener.
type Server struct {
	Conns  *ConnectionManager
	Router *Router

	listenAddress string
	httpServer    *http.Server
	logger        *logger.Logger

	stopHeartbeat chan struct{}
}

// NewServer wires a Connection Manager and Router against listenAddress.
func NewServer(listenAddress string, manager *servermanager.Manager, st *store.Store, m *metrics.Collector, l *logger.Logger) *Server {
	if l == nil {
		l = logger.Default
	}
	conns := NewConnectionManager(m, l, uuid.NewString)
	router := NewRouter(manager, st, conns, l)

	mux := http.NewServeMux()
	srv := &Server{
		Conns:         conns,
		Router:        router,
		listenAddress: listenAddress,
		logger:        l,
		stopHeartbeat: make(chan struct{}),
	}

	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/ws", srv.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", srv.handleCORSPreflight)

	srv.httpServer = &http.Server{
		Addr:    listenAddress,
		Handler: corsMiddleware(mux),
	}
	return srv
}

// Start begins serving HTTP/WebSocket traffic and the heartbeat loop.
// Returns once the listener is bound; serving happens in background
// goroutines.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return err
	}
	go s.Conns.RunHeartbeat(s.stopHeartbeat)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("controlplane: serve error: %v", err)
		}
	}()
	s.logger.Info("controlplane: listening on %s", s.listenAddress)
	return nil
}

// Stop gracefully shuts down the HTTP listener, heartbeat loop, and all
// tracked client connections.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopHeartbeat)
	s.Conns.CleanupAll()
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCORSPreflight(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Conns.Health()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleHealthz is a plain-text liveness probe, distinct from the JSON
// /health snapshot, for callers that just need a process-up check.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("controlplane: upgrade failed: %v", err)
		return
	}

	id := s.Conns.Register(conn)
	defer s.Conns.Unregister(id)

	conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.Router.Dispatch(id, raw)
	}
}
