package controlplane

import (
	"encoding/json"

	"github.com/carlosrabelo/bedrockproxyd/internal/detector"
	"github.com/carlosrabelo/bedrockproxyd/internal/servermanager"
	"github.com/carlosrabelo/bedrockproxyd/internal/store"
	"github.com/carlosrabelo/bedrockproxyd/pkg/errors"
	"github.com/carlosrabelo/bedrockproxyd/pkg/logger"
)

// Router dispatches parsed request frames into the server manager, data
// store, and detector, and turns server-manager events into broadcasts.
type Router struct {
	manager *servermanager.Manager
	store   *store.Store
	conns   *ConnectionManager
	logger  *logger.Logger
}

// NewRouter wires a Router against its collaborators. conns is used both
// to send responses and to fan out broadcast events.
func NewRouter(manager *servermanager.Manager, st *store.Store, conns *ConnectionManager, l *logger.Logger) *Router {
	if l == nil {
		l = logger.Default
	}
	return &Router{manager: manager, store: st, conns: conns, logger: l}
}

// Broadcast forwards a server-manager event to every subscribed client.
// This is the function injected into servermanager.New to avoid a
// reference cycle between the two packages.
func (r *Router) Broadcast(ev servermanager.Event) {
	r.conns.BroadcastToSubscribers(ev.Topic, ev.Data)
}

// Dispatch parses raw as a request frame and routes it by type,
// replying to clientID with a matching response frame.
func (r *Router) Dispatch(clientID string, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		r.logger.Error("controlplane: malformed frame from %s: %v", clientID, err)
		return
	}

	switch f.Type {
	case "ping":
		r.respondOK(clientID, f.ID, map[string]any{"pong": true})
	case "pong":
		r.conns.MarkPong(clientID)
	case "subscribe":
		events := flattenEvents(f.Data)
		r.conns.Subscribe(clientID, events)
		r.respondOK(clientID, f.ID, map[string]any{"events": events})
	case "unsubscribe":
		events := flattenEvents(f.Data)
		r.conns.Unsubscribe(clientID, events)
		r.respondOK(clientID, f.ID, map[string]any{"events": events})
	case "servers.getAll":
		r.respondOK(clientID, f.ID, r.manager.GetAll())
	case "servers.getDetails":
		r.handleGetDetails(clientID, f)
	case "servers.add":
		r.handleAdd(clientID, f)
	case "servers.update":
		r.handleUpdate(clientID, f)
	case "servers.delete":
		r.handleDelete(clientID, f)
	case "servers.action":
		r.handleAction(clientID, f)
	case "servers.detect":
		r.handleDetect(clientID, f)
	case "servers.addFromDetection":
		r.handleAddFromDetection(clientID, f)
	case "servers.getConsole":
		r.handleGetConsole(clientID, f)
	case "servers.consoleCommand":
		r.handleConsoleCommand(clientID, f)
	case "config.get":
		r.handleConfigGet(clientID, f)
	case "config.save":
		r.handleConfigSave(clientID, f)
	default:
		r.respondErr(clientID, f.ID, errors.New(errors.CodeInvalidRequest, "unknown request type "+f.Type))
	}
}

func (r *Router) respondOK(clientID, id string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		r.logger.Error("controlplane: marshal response data: %v", err)
		return
	}
	ok := true
	r.conns.SendTo(clientID, frame{Type: "response", ID: id, Success: &ok, Data: raw, Timestamp: nowMillis()})
}

func (r *Router) respondErr(clientID, id string, err error) {
	ok := false
	r.conns.SendTo(clientID, frame{Type: "response", ID: id, Success: &ok, Error: err.Error(), Timestamp: nowMillis()})
}

type idPayload struct {
	ID string `json:"id"`
}

func (r *Router) handleGetDetails(clientID string, f frame) {
	var p idPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ID == "" {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeMissingServerID, "id is required"))
		return
	}
	rec, err := r.manager.GetDetails(p.ID)
	if err != nil {
		r.respondErr(clientID, f.ID, err)
		return
	}
	r.respondOK(clientID, f.ID, rec)
}

type addPayload struct {
	Name                string   `json:"name"`
	ListenAddress       string   `json:"listenAddress"`
	DestinationAddress  string   `json:"destinationAddress"`
	MaxPlayers          int      `json:"maxPlayers"`
	AutoStart           bool     `json:"autoStart"`
	AutoRestart         bool     `json:"autoRestart"`
	BlockSameIP         bool     `json:"blockSameIP"`
	ProxyProtocolV2     bool     `json:"proxyProtocolV2Enabled"`
	ExecutablePath      string   `json:"executablePath"`
	ServerDirectory     string   `json:"serverDirectory"`
	Description         string   `json:"description"`
	IconURL             string   `json:"iconUrl"`
	Tags                []string `json:"tags"`
}

func (p addPayload) toRequest() servermanager.AddRequest {
	return servermanager.AddRequest{
		Name:               p.Name,
		ListenAddress:      p.ListenAddress,
		DestinationAddress: p.DestinationAddress,
		MaxPlayers:         p.MaxPlayers,
		AutoStart:          p.AutoStart,
		AutoRestart:        p.AutoRestart,
		BlockSameIP:        p.BlockSameIP,
		ProxyProtocolV2:    p.ProxyProtocolV2,
		ExecutablePath:     p.ExecutablePath,
		ServerDirectory:    p.ServerDirectory,
		Description:        p.Description,
		IconURL:            p.IconURL,
		Tags:               p.Tags,
	}
}

func (r *Router) handleAdd(clientID string, f frame) {
	var p addPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeInvalidRequest, "malformed add payload"))
		return
	}
	rec, err := r.manager.Add(p.toRequest())
	if err != nil {
		r.respondErr(clientID, f.ID, err)
		return
	}
	r.respondOK(clientID, f.ID, rec)
}

type updatePayload struct {
	ID                  string   `json:"id"`
	Name                *string  `json:"name"`
	ListenAddress       *string  `json:"listenAddress"`
	DestinationAddress  *string  `json:"destinationAddress"`
	MaxPlayers          *int     `json:"maxPlayers"`
	AutoStart           *bool    `json:"autoStart"`
	AutoRestart         *bool    `json:"autoRestart"`
	BlockSameIP         *bool    `json:"blockSameIP"`
	ProxyProtocolV2     *bool    `json:"proxyProtocolV2Enabled"`
	Description         *string  `json:"description"`
	IconURL             *string  `json:"iconUrl"`
	Tags                []string `json:"tags"`
}

func (r *Router) handleUpdate(clientID string, f frame) {
	var p updatePayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ID == "" {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeMissingServerID, "id is required"))
		return
	}
	patch := servermanager.UpdatePatch{
		Name:                p.Name,
		ListenAddress:       p.ListenAddress,
		DestinationAddress:  p.DestinationAddress,
		MaxPlayers:          p.MaxPlayers,
		AutoStart:           p.AutoStart,
		AutoRestart:         p.AutoRestart,
		BlockSameIP:         p.BlockSameIP,
		ProxyProtocolV2:     p.ProxyProtocolV2,
		Description:         p.Description,
		IconURL:             p.IconURL,
		Tags:                p.Tags,
	}
	rec, changes, err := r.manager.Update(p.ID, patch)
	if err != nil {
		r.respondErr(clientID, f.ID, err)
		return
	}
	r.respondOK(clientID, f.ID, map[string]any{"record": rec, "changes": changes})
}

func (r *Router) handleDelete(clientID string, f frame) {
	var p idPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ID == "" {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeMissingServerID, "id is required"))
		return
	}
	if err := r.manager.Delete(p.ID); err != nil {
		r.respondErr(clientID, f.ID, err)
		return
	}
	r.respondOK(clientID, f.ID, map[string]any{"id": p.ID})
}

type actionPayload struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	IP     string `json:"ip"`
}

func (r *Router) handleAction(clientID string, f frame) {
	var p actionPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ID == "" {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeMissingServerID, "id is required"))
		return
	}
	if err := r.manager.Action(p.ID, p.Action, p.IP); err != nil {
		r.respondErr(clientID, f.ID, err)
		return
	}
	r.respondOK(clientID, f.ID, map[string]any{"id": p.ID, "action": p.Action})
}

type detectPayload struct {
	ExecutablePath string `json:"executablePath"`
}

func (r *Router) handleDetect(clientID string, f frame) {
	var p detectPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ExecutablePath == "" {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeInvalidRequest, "executablePath is required"))
		return
	}
	proposal, err := detector.Detect(p.ExecutablePath)
	if err != nil {
		r.respondErr(clientID, f.ID, err)
		return
	}
	r.respondOK(clientID, f.ID, proposal)
}

type addFromDetectionPayload struct {
	ExecutablePath string  `json:"executablePath"`
	Name           *string `json:"name"`
	ListenAddress  *string `json:"listenAddress"`
	MaxPlayers     *int    `json:"maxPlayers"`
}

func (r *Router) handleAddFromDetection(clientID string, f frame) {
	var p addFromDetectionPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ExecutablePath == "" {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeInvalidRequest, "executablePath is required"))
		return
	}
	proposal, err := detector.Detect(p.ExecutablePath)
	if err != nil {
		r.respondErr(clientID, f.ID, err)
		return
	}

	req := servermanager.AddRequest{
		Name:               proposal.ProposedName,
		ListenAddress:      proposal.ProposedListen,
		DestinationAddress: proposal.ProposedDestination,
		MaxPlayers:         proposal.ProposedMaxPlayers,
		ExecutablePath:     proposal.ExecutablePath,
		ServerDirectory:    proposal.ServerDirectory,
	}
	if p.Name != nil {
		req.Name = *p.Name
	}
	if p.ListenAddress != nil {
		req.ListenAddress = *p.ListenAddress
	}
	if p.MaxPlayers != nil {
		req.MaxPlayers = *p.MaxPlayers
	}

	rec, err := r.manager.Add(req)
	if err != nil {
		r.respondErr(clientID, f.ID, err)
		return
	}
	r.respondOK(clientID, f.ID, rec)
}

type consolePayload struct {
	ID    string `json:"id"`
	Lines int    `json:"lines"`
}

func (r *Router) handleGetConsole(clientID string, f frame) {
	var p consolePayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ID == "" {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeMissingServerID, "id is required"))
		return
	}
	lines := r.manager.GetConsole(p.ID, p.Lines)
	r.respondOK(clientID, f.ID, map[string]any{"id": p.ID, "lines": lines})
}

type commandPayload struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

func (r *Router) handleConsoleCommand(clientID string, f frame) {
	var p commandPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ID == "" {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeMissingServerID, "id is required"))
		return
	}
	ok, msg := r.manager.ConsoleCommand(p.ID, p.Command)
	if !ok {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeProcessNotRunning, msg))
		return
	}
	r.respondOK(clientID, f.ID, map[string]any{"id": p.ID})
}

func (r *Router) handleConfigGet(clientID string, f frame) {
	cfg, err := r.store.LoadConfig()
	if err != nil {
		r.respondErr(clientID, f.ID, errors.Wrap(errors.CodeInternal, "failed to load config", err))
		return
	}
	r.respondOK(clientID, f.ID, cfg)
}

func (r *Router) handleConfigSave(clientID string, f frame) {
	var cfg store.AppConfig
	if err := json.Unmarshal(f.Data, &cfg); err != nil {
		r.respondErr(clientID, f.ID, errors.New(errors.CodeInvalidRequest, "malformed config payload"))
		return
	}
	if err := r.store.SaveConfig(cfg); err != nil {
		r.respondErr(clientID, f.ID, errors.Wrap(errors.CodeInternal, "failed to save config", err))
		return
	}
	r.respondOK(clientID, f.ID, cfg)
}

// flattenEvents accepts the several shapes subscribe/unsubscribe
// payloads arrive in — a bare string, a string array, {events:[...]},
// or {data:{events:[...]}} — and returns a deduplicated flat list.
func flattenEvents(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			seen[t] = struct{}{}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			if events, ok := t["events"]; ok {
				walk(events)
			}
			if data, ok := t["data"]; ok {
				walk(data)
			}
		}
	}
	walk(parsed)

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}
