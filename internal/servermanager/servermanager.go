// Package servermanager holds the authoritative state for every
// ServerRecord, coupling each to at most one UDP proxy and one
// supervised process, and emits a stable event stream for the
// control plane to fan out.
package servermanager

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carlosrabelo/bedrockproxyd/internal/metrics"
	"github.com/carlosrabelo/bedrockproxyd/internal/proxysocks"
	"github.com/carlosrabelo/bedrockproxyd/internal/ratelimit"
	"github.com/carlosrabelo/bedrockproxyd/internal/store"
	"github.com/carlosrabelo/bedrockproxyd/internal/supervisor"
	"github.com/carlosrabelo/bedrockproxyd/internal/udpproxy"
	"github.com/carlosrabelo/bedrockproxyd/pkg/errors"
	"github.com/carlosrabelo/bedrockproxyd/pkg/logger"
)

// forwardProbeTimeout bounds how long a reserved-backup-target reachability
// probe may block starting a server.
const forwardProbeTimeout = 5 * time.Second

// Event topics broadcast to control-plane subscribers.
const (
	TopicServerCreated                = "server.created"
	TopicServerUpdated                = "server.updated"
	TopicServerDeleted                = "server.deleted"
	TopicServerStatusChanged          = "server.statusChanged"
	TopicServerAction                 = "server.action"
	TopicServerPropertiesUpdated      = "server.properties.updated"
	TopicServerPropertiesUpdateFailed = "server.properties.updateFailed"
	TopicPlayerJoined                 = "player.joined"
	TopicPlayerLeft                   = "player.left"
	TopicConsoleOutput                = "console.output"
	TopicServerShutdown               = "server.shutdown"
)

// Event is one entry on the event stream. Data is JSON-serializable and
// its shape depends on Topic.
type Event struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// BroadcastFunc is injected at construction so the manager never holds a
// reference back to the control plane.
type BroadcastFunc func(Event)

var candidateExecutables = []string{"bedrock_server.exe", "server.exe", "bedrock_server", "server"}

// AddRequest is the validated input to Add.
type AddRequest struct {
	Name                string
	ListenAddress       string
	DestinationAddress  string
	MaxPlayers          int
	AutoStart           bool
	AutoRestart         bool
	BlockSameIP         bool
	ProxyProtocolV2     bool
	ExecutablePath      string
	ServerDirectory     string
	Description         string
	IconURL             string
	Tags                []string
}

// UpdatePatch shallow-merges only the non-nil fields onto a record.
type UpdatePatch struct {
	Name               *string
	ListenAddress      *string
	DestinationAddress *string
	MaxPlayers         *int
	AutoStart          *bool
	AutoRestart        *bool
	BlockSameIP        *bool
	ProxyProtocolV2    *bool
	Description        *string
	IconURL            *string
	Tags               []string
}

type serverEntry struct {
	record *store.ServerRecord
	proxy  *udpproxy.Proxy
}

// Manager is the authoritative, concurrency-safe owner of every
// ServerRecord and its live components.
type Manager struct {
	ctx        context.Context
	store      *store.Store
	supervisor *supervisor.Supervisor
	metrics    *metrics.Collector
	logger     *logger.Logger
	broadcast  BroadcastFunc

	forwardMu     sync.RWMutex
	forwardDialer *proxysocks.ForwardDialer

	rateLimitMu  sync.RWMutex
	rateLimitCfg *ratelimit.Config

	mu      sync.RWMutex
	entries map[string]*serverEntry
}

// New constructs a Manager. ctx bounds the lifetime of every UDP proxy
// instance the manager starts.
func New(ctx context.Context, st *store.Store, sup *supervisor.Supervisor, m *metrics.Collector, l *logger.Logger, broadcast BroadcastFunc) *Manager {
	if l == nil {
		l = logger.Default
	}
	if m == nil {
		m = metrics.NewCollector()
	}
	if broadcast == nil {
		broadcast = func(Event) {}
	}
	directDialer, _ := proxysocks.NewForwardDialer(&proxysocks.Config{Enabled: false})
	return &Manager{
		ctx:           ctx,
		store:         st,
		supervisor:    sup,
		metrics:       m,
		logger:        l,
		broadcast:     broadcast,
		forwardDialer: directDialer,
		entries:       make(map[string]*serverEntry),
	}
}

// SetForwardProxy reconfigures the dialer used to probe a record's
// forwardAddress reserved-backup target. A nil or disabled cfg reverts to
// dialing it directly.
func (m *Manager) SetForwardProxy(cfg *proxysocks.Config) error {
	if cfg == nil {
		cfg = &proxysocks.Config{Enabled: false}
	}
	dialer, err := proxysocks.NewForwardDialer(cfg)
	if err != nil {
		return err
	}
	m.forwardMu.Lock()
	m.forwardDialer = dialer
	m.forwardMu.Unlock()
	return nil
}

// SetRateLimit configures the default per-client connection rate limit
// applied to every proxy the manager starts from now on. A nil cfg leaves
// newly started proxies unlimited.
func (m *Manager) SetRateLimit(cfg *ratelimit.Config) {
	m.rateLimitMu.Lock()
	m.rateLimitCfg = cfg
	m.rateLimitMu.Unlock()
}

// LoadAll loads every persisted record and, for those with autoStart set,
// issues a start action.
func (m *Manager) LoadAll() error {
	records, err := m.store.LoadServers()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for i := range records {
		rec := records[i]
		m.entries[rec.ID] = &serverEntry{record: &rec}
	}
	m.mu.Unlock()

	for i := range records {
		if records[i].AutoStart {
			if err := m.Action(records[i].ID, "start", ""); err != nil {
				m.logger.Error("servermanager: autoStart failed for %s: %v", records[i].ID, err)
			}
		}
	}
	return nil
}

// GetAll returns a snapshot of every record.
func (m *Manager) GetAll() []store.ServerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.ServerRecord, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetDetails returns one record by ID.
func (m *Manager) GetDetails(id string) (store.ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return store.ServerRecord{}, errors.New(errors.CodeServerNotFound, fmt.Sprintf("no server with id %s", id))
	}
	return *e.record, nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" {
		return errors.New(errors.CodeInvalidAddress, fmt.Sprintf("invalid host:port %q", addr))
	}
	if _, err := strconv.Atoi(port); err != nil {
		return errors.New(errors.CodeInvalidAddress, fmt.Sprintf("invalid port in %q", addr))
	}
	return nil
}

// Add validates and inserts a new ServerRecord.
func (m *Manager) Add(req AddRequest) (store.ServerRecord, error) {
	if strings.TrimSpace(req.Name) == "" {
		return store.ServerRecord{}, errors.New(errors.CodeMissingName, "name must not be empty")
	}
	if err := validateHostPort(req.ListenAddress); err != nil {
		return store.ServerRecord{}, err
	}
	if err := validateHostPort(req.DestinationAddress); err != nil {
		return store.ServerRecord{}, err
	}
	if req.MaxPlayers <= 0 || req.MaxPlayers > 1000 {
		return store.ServerRecord{}, errors.New(errors.CodeInvalidRequest, "maxPlayers must be in 1..1000")
	}

	m.mu.Lock()
	for _, e := range m.entries {
		if e.record.ListenAddress == req.ListenAddress {
			m.mu.Unlock()
			return store.ServerRecord{}, errors.New(errors.CodeDuplicateAddress, fmt.Sprintf("listenAddress %s already in use", req.ListenAddress))
		}
	}

	now := time.Now()
	rec := &store.ServerRecord{
		ID:                 store.NewID(),
		Name:               req.Name,
		ListenAddress:      req.ListenAddress,
		DestinationAddress: req.DestinationAddress,
		MaxPlayers:         req.MaxPlayers,
		Status:             "offline",
		Tags:               req.Tags,
		Description:        req.Description,
		IconURL:            req.IconURL,
		AutoStart:          req.AutoStart,
		AutoRestart:        req.AutoRestart,
		BlockSameIP:        req.BlockSameIP,
		ProxyProtocolV2:    req.ProxyProtocolV2,
		ExecutablePath:     req.ExecutablePath,
		ServerDirectory:    req.ServerDirectory,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.entries[rec.ID] = &serverEntry{record: rec}
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return store.ServerRecord{}, err
	}

	m.broadcast(Event{Topic: TopicServerCreated, Data: *rec})
	return *rec, nil
}

// Update shallow-merges patch onto record id, returning the list of
// changed field names.
func (m *Manager) Update(id string, patch UpdatePatch) (store.ServerRecord, []string, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return store.ServerRecord{}, nil, errors.New(errors.CodeServerNotFound, fmt.Sprintf("no server with id %s", id))
	}

	var changes []string
	rec := e.record
	propsRelevant := false

	if patch.Name != nil && *patch.Name != rec.Name {
		rec.Name = *patch.Name
		changes = append(changes, "name")
		propsRelevant = true
	}
	if patch.ListenAddress != nil && *patch.ListenAddress != rec.ListenAddress {
		rec.ListenAddress = *patch.ListenAddress
		changes = append(changes, "listenAddress")
	}
	if patch.DestinationAddress != nil && *patch.DestinationAddress != rec.DestinationAddress {
		rec.DestinationAddress = *patch.DestinationAddress
		changes = append(changes, "destinationAddress")
		propsRelevant = true
	}
	if patch.MaxPlayers != nil && *patch.MaxPlayers != rec.MaxPlayers {
		rec.MaxPlayers = *patch.MaxPlayers
		changes = append(changes, "maxPlayers")
		propsRelevant = true
	}
	if patch.AutoStart != nil && *patch.AutoStart != rec.AutoStart {
		rec.AutoStart = *patch.AutoStart
		changes = append(changes, "autoStart")
	}
	if patch.AutoRestart != nil && *patch.AutoRestart != rec.AutoRestart {
		rec.AutoRestart = *patch.AutoRestart
		changes = append(changes, "autoRestart")
	}
	if patch.BlockSameIP != nil && *patch.BlockSameIP != rec.BlockSameIP {
		rec.BlockSameIP = *patch.BlockSameIP
		changes = append(changes, "blockSameIP")
	}
	if patch.ProxyProtocolV2 != nil && *patch.ProxyProtocolV2 != rec.ProxyProtocolV2 {
		rec.ProxyProtocolV2 = *patch.ProxyProtocolV2
		changes = append(changes, "proxyProtocolV2Enabled")
	}
	if patch.Description != nil && *patch.Description != rec.Description {
		rec.Description = *patch.Description
		changes = append(changes, "description")
	}
	if patch.IconURL != nil && *patch.IconURL != rec.IconURL {
		rec.IconURL = *patch.IconURL
		changes = append(changes, "iconUrl")
	}
	if patch.Tags != nil {
		rec.Tags = patch.Tags
		changes = append(changes, "tags")
	}

	if len(changes) > 0 {
		rec.UpdatedAt = time.Now()
	}
	recCopy := *rec
	serverDir := rec.ServerDirectory
	m.mu.Unlock()

	if len(changes) == 0 {
		return recCopy, changes, nil
	}

	if err := m.persist(); err != nil {
		return recCopy, changes, err
	}

	m.broadcast(Event{Topic: TopicServerUpdated, Data: map[string]any{"record": recCopy, "changes": changes}})

	if propsRelevant && serverDir != "" {
		m.syncServerProperties(recCopy)
	}

	return recCopy, changes, nil
}

// Delete stops any live components and removes the record.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return errors.New(errors.CodeServerNotFound, fmt.Sprintf("no server with id %s", id))
	}
	delete(m.entries, id)
	m.mu.Unlock()

	m.supervisor.Stop(context.Background(), id, true)
	m.supervisor.Cleanup(id)
	if e.proxy != nil {
		e.proxy.Stop()
	}

	if err := m.persist(); err != nil {
		return err
	}
	m.broadcast(Event{Topic: TopicServerDeleted, Data: map[string]any{"id": id}})
	return nil
}

// Action dispatches a lifecycle action ("start", "stop", "restart",
// "block") for record id.
func (m *Manager) Action(id, action, arg string) error {
	switch action {
	case "start":
		return m.startServer(id)
	case "stop":
		return m.stopServer(id)
	case "restart":
		return m.restartServer(id)
	case "block":
		return m.blockClient(id, arg)
	default:
		return errors.New(errors.CodeInvalidAction, fmt.Sprintf("unknown action %q", action))
	}
}

func (m *Manager) getEntry(id string) (*serverEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, errors.New(errors.CodeServerNotFound, fmt.Sprintf("no server with id %s", id))
	}
	return e, nil
}

func (m *Manager) startServer(id string) error {
	e, err := m.getEntry(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	rec := e.record
	if rec.Status != "offline" && rec.Status != "error" {
		status := rec.Status
		m.mu.Unlock()
		return errors.New(errors.CodeProcessAlreadyUp, fmt.Sprintf("server %s is already %s", id, status))
	}
	executablePath := rec.ExecutablePath
	if executablePath == "" && rec.ServerDirectory != "" {
		executablePath = probeExecutable(rec.ServerDirectory)
	}
	proxyOnly := executablePath == ""
	if !proxyOnly {
		m.setStatusLocked(rec, "starting")
	}
	listenAddr := rec.ListenAddress
	destAddr := rec.DestinationAddress
	proxyProtoV2 := rec.ProxyProtocolV2
	blockSameIP := rec.BlockSameIP
	autoRestart := rec.AutoRestart
	m.mu.Unlock()

	m.rateLimitMu.RLock()
	rateLimitCfg := m.rateLimitCfg
	m.rateLimitMu.RUnlock()

	proxy, err := udpproxy.New(udpproxy.Config{
		ListenAddress:      listenAddr,
		DestinationAddress: destAddr,
		ProxyProtocolV2:    proxyProtoV2,
		BlockSameIP:        blockSameIP,
		RateLimit:          rateLimitCfg,
		Logger:             m.logger,
		Metrics:            m.metrics,
	})
	if err != nil {
		m.mu.Lock()
		m.setStatusLocked(rec, "error")
		m.mu.Unlock()
		return err
	}
	if err := proxy.Start(m.ctx); err != nil {
		m.mu.Lock()
		m.setStatusLocked(rec, "error")
		m.mu.Unlock()
		return errors.Wrap(errors.CodeInternal, "failed to bind proxy listen address", err)
	}

	m.mu.Lock()
	e.proxy = proxy
	forwardAddr := rec.ForwardAddress
	m.mu.Unlock()

	if forwardAddr != "" {
		go m.probeForwardAddress(id, forwardAddr)
	}

	if proxyOnly {
		m.mu.Lock()
		m.setStatusLocked(rec, "online")
		m.mu.Unlock()
		m.emitConsole(id, "stdout", "proxy-only mode: no executable configured")
		m.broadcast(Event{Topic: TopicServerAction, Data: map[string]any{"id": id, "action": "start"}})
		return m.persist()
	}

	onEvent := func(ev supervisor.Event) {
		m.handleSupervisorEvent(id, ev)
	}

	if err := m.supervisor.Start(id, executablePath, nil, autoRestart, onEvent); err != nil {
		m.mu.Lock()
		m.setStatusLocked(rec, "error")
		m.mu.Unlock()
		return err
	}

	m.broadcast(Event{Topic: TopicServerAction, Data: map[string]any{"id": id, "action": "start"}})
	return m.persist()
}

func (m *Manager) stopServer(id string) error {
	e, err := m.getEntry(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	status := e.record.Status
	m.mu.RUnlock()
	if status == "offline" {
		return errors.New(errors.CodeProcessNotRunning, fmt.Sprintf("server %s is already offline", id))
	}

	err = m.supervisor.Stop(context.Background(), id, false)
	if err != nil && !isProcessNotRunning(err) {
		m.logger.Error("servermanager: stop supervisor for %s: %v", id, err)
	}

	m.mu.Lock()
	if e.proxy != nil {
		e.proxy.Stop()
		e.proxy = nil
	}
	m.setStatusLocked(e.record, "offline")
	e.record.Players = nil
	e.record.PlayersOnline = 0
	m.mu.Unlock()

	m.broadcast(Event{Topic: TopicServerAction, Data: map[string]any{"id": id, "action": "stop"}})
	return m.persist()
}

func (m *Manager) restartServer(id string) error {
	e, err := m.getEntry(id)
	if err != nil {
		return err
	}
	if e.record.ExecutablePath == "" {
		return errors.New(errors.CodeExecutableMissing, "no executable configured for restart")
	}

	onEvent := func(ev supervisor.Event) {
		m.handleSupervisorEvent(id, ev)
	}
	if err := m.supervisor.Restart(context.Background(), id, e.record.ExecutablePath, nil, e.record.AutoRestart, onEvent); err != nil {
		return err
	}
	m.broadcast(Event{Topic: TopicServerAction, Data: map[string]any{"id": id, "action": "restart"}})
	return m.persist()
}

func (m *Manager) blockClient(id, ip string) error {
	e, err := m.getEntry(id)
	if err != nil {
		return err
	}
	if ip == "" {
		return errors.New(errors.CodeInvalidRequest, "ip is required for the block action")
	}

	m.mu.Lock()
	if e.proxy != nil {
		e.proxy.BlockClient(ip)
	}
	before := len(e.record.Players)
	kept := e.record.Players[:0]
	for _, p := range e.record.Players {
		if p.IPAddress != ip {
			kept = append(kept, p)
		}
	}
	e.record.Players = kept
	e.record.PlayersOnline = len(kept)
	removed := before - len(kept)
	m.mu.Unlock()

	m.broadcast(Event{Topic: TopicServerAction, Data: map[string]any{"id": id, "action": "block", "ip": ip, "removed": removed}})
	return m.persist()
}

// ConsoleCommand forwards line to the supervised process's stdin.
func (m *Manager) ConsoleCommand(id, line string) (bool, string) {
	if err := m.supervisor.SendCommand(id, line); err != nil {
		m.emitConsole(id, "stderr", fmt.Sprintf("%q (failed: no running process)", line))
		return false, "No running server process to receive commands"
	}
	m.emitConsole(id, "stdin", "> "+line)
	return true, ""
}

// GetConsole returns up to n console lines, or a synthesised fallback
// transcript when the process isn't currently running.
func (m *Manager) GetConsole(id string, n int) []supervisor.ConsoleLine {
	lines := m.supervisor.GetConsoleOutput(id, n)
	if len(lines) > 0 {
		return lines
	}

	e, err := m.getEntry(id)
	if err != nil {
		return nil
	}
	if e.record.LastExit == nil {
		return nil
	}
	return []supervisor.ConsoleLine{{
		Timestamp: e.record.LastExit.Time,
		Text:      fmt.Sprintf("[%s] process last exited with code %d", e.record.LastExit.Time.Format("15:04:05"), e.record.LastExit.Code),
		Stream:    "stdout",
	}}
}

// StopAllServers stops every non-offline record, bounded by a 10s total
// budget.
func (m *Manager) StopAllServers() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.record.Status != "offline" {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		for _, id := range ids {
			_ = m.stopServer(id)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		m.logger.Error("servermanager: stopAllServers exceeded its 10s budget")
	}

	m.broadcast(Event{Topic: TopicServerShutdown, Data: nil})
}

func (m *Manager) handleSupervisorEvent(id string, ev supervisor.Event) {
	switch ev.Type {
	case supervisor.EventStateChanged:
		m.mu.Lock()
		e, ok := m.entries[id]
		if !ok {
			m.mu.Unlock()
			return
		}
		newStatus := statusFromSupervisorState(ev.State)
		m.setStatusLocked(e.record, newStatus)
		if ev.State == supervisor.StateStopped {
			e.record.Players = nil
			e.record.PlayersOnline = 0
		}
		if ev.Exit != nil {
			e.record.LastExit = &store.ExitRecord{Code: ev.Exit.Code, Signal: ev.Exit.Signal, Time: ev.Exit.Time}
		}
		m.mu.Unlock()
		_ = m.persist()

	case supervisor.EventConsoleLine:
		m.broadcast(Event{Topic: TopicConsoleOutput, Data: map[string]any{"id": id, "type": ev.Line.Stream, "text": ev.Line.Text}})

	case supervisor.EventPlayerJoined:
		m.mu.Lock()
		if e, ok := m.entries[id]; ok {
			e.record.Players = append(e.record.Players, store.PlayerSession{
				ID:       store.PlayerID(ev.Player.XUID, ev.Player.Name),
				Name:     ev.Player.Name,
				XUID:     ev.Player.XUID,
				JoinTime: ev.Player.Timestamp,
			})
			e.record.PlayersOnline = len(e.record.Players)
		}
		m.mu.Unlock()
		_ = m.persist()
		m.broadcast(Event{Topic: TopicPlayerJoined, Data: map[string]any{"id": id, "name": ev.Player.Name, "xuid": ev.Player.XUID}})

	case supervisor.EventPlayerLeft:
		m.mu.Lock()
		if e, ok := m.entries[id]; ok {
			kept := e.record.Players[:0]
			for _, p := range e.record.Players {
				if p.XUID != ev.Player.XUID {
					kept = append(kept, p)
				}
			}
			e.record.Players = kept
			e.record.PlayersOnline = len(kept)
		}
		m.mu.Unlock()
		_ = m.persist()
		m.broadcast(Event{Topic: TopicPlayerLeft, Data: map[string]any{"id": id, "name": ev.Player.Name, "xuid": ev.Player.XUID}})
	}
}

func statusFromSupervisorState(s supervisor.State) string {
	switch s {
	case supervisor.StateStarting:
		return "starting"
	case supervisor.StateRunning:
		return "online"
	case supervisor.StateStopping:
		return "stopping"
	case supervisor.StateStopped:
		return "offline"
	case supervisor.StateError:
		return "error"
	default:
		return "offline"
	}
}

// setStatusLocked updates rec.Status and emits a statusChanged event.
// Caller must hold m.mu.
func (m *Manager) setStatusLocked(rec *store.ServerRecord, status string) {
	if rec.Status == status {
		return
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	m.broadcast(Event{Topic: TopicServerStatusChanged, Data: map[string]any{"id": rec.ID, "status": status}})
}

func (m *Manager) emitConsole(id, stream, text string) {
	m.broadcast(Event{Topic: TopicConsoleOutput, Data: map[string]any{"id": id, "type": stream, "text": text}})
}

func (m *Manager) persist() error {
	return m.store.SaveServers(m.GetAll())
}

// probeForwardAddress dials a record's reserved-backup target through the
// manager's configured forward dialer (direct, or SOCKS5 when
// SetForwardProxy has been called) and reports reachability on the console
// stream. It never affects the record's status or the start flow.
func (m *Manager) probeForwardAddress(id, addr string) {
	m.forwardMu.RLock()
	dialer := m.forwardDialer
	m.forwardMu.RUnlock()
	if dialer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), forwardProbeTimeout)
	defer cancel()

	reachable, via, err := dialer.ProbeReachable(ctx, addr)
	if err != nil {
		m.emitConsole(id, "stdout", fmt.Sprintf("forward target %s probe failed: %v", addr, err))
		return
	}
	if !reachable {
		m.emitConsole(id, "stdout", fmt.Sprintf("forward target %s unreachable (via %s)", addr, via))
		return
	}
	m.emitConsole(id, "stdout", fmt.Sprintf("forward target %s reachable (via %s)", addr, via))
}

func probeExecutable(dir string) string {
	for _, name := range candidateExecutables {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func isProcessNotRunning(err error) bool {
	return err != nil && strings.Contains(err.Error(), errors.CodeProcessNotRunning)
}

// syncServerProperties best-effort rewrites server.properties keys
// affected by a record update. Failures never fail the update itself.
func (m *Manager) syncServerProperties(rec store.ServerRecord) {
	path := filepath.Join(rec.ServerDirectory, "server.properties")

	raw, err := os.ReadFile(path)
	if err != nil {
		m.broadcast(Event{Topic: TopicServerPropertiesUpdateFailed, Data: map[string]any{"id": rec.ID, "error": err.Error()}})
		return
	}

	_, destPort, _ := net.SplitHostPort(rec.DestinationAddress)
	replacements := map[string]string{
		"max-players": strconv.Itoa(rec.MaxPlayers),
		"server-name": strings.ReplaceAll(rec.Name, "\n", " "),
	}
	if destPort != "" {
		replacements["server-port"] = destPort
		replacements["server-portv4"] = destPort
	}

	lines := strings.Split(string(raw), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		if val, ok := replacements[strings.TrimSpace(key)]; ok {
			lines[i] = strings.TrimSpace(key) + "=" + val
		}
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		m.broadcast(Event{Topic: TopicServerPropertiesUpdateFailed, Data: map[string]any{"id": rec.ID, "error": err.Error()}})
		return
	}

	m.broadcast(Event{Topic: TopicServerPropertiesUpdated, Data: map[string]any{"id": rec.ID}})
}
