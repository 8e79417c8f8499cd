package controlplane

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carlosrabelo/bedrockproxyd/internal/servermanager"
	"github.com/carlosrabelo/bedrockproxyd/internal/store"
	"github.com/carlosrabelo/bedrockproxyd/internal/supervisor"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	var srv *Server
	mgr := servermanager.New(context.Background(), st, supervisor.New(nil, nil), nil, nil, func(ev servermanager.Event) {
		srv.Router.Broadcast(ev)
	})
	srv = NewServer("127.0.0.1:0", mgr, st, nil, nil)
	return srv, func() { srv.Stop(context.Background()) }
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestPingPongRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.Close()

	if err := conn.WriteJSON(frame{Type: "ping", ID: "1", Timestamp: nowMillis()}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Type != "response" || resp.ID != "1" || resp.Success == nil || !*resp.Success {
		t.Errorf("resp = %+v, want successful response echoing id 1", resp)
	}
}

func TestAddThenGetAllOverWebSocket(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.Close()

	addData, _ := json.Marshal(map[string]any{
		"name":               "Survival",
		"listenAddress":      "0.0.0.0:19132",
		"destinationAddress": "127.0.0.1:19133",
		"maxPlayers":         10,
	})
	if err := conn.WriteJSON(frame{Type: "servers.add", ID: "a1", Data: addData, Timestamp: nowMillis()}); err != nil {
		t.Fatalf("write add: %v", err)
	}

	var addResp frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&addResp); err != nil {
		t.Fatalf("read add response: %v", err)
	}
	if addResp.Success == nil || !*addResp.Success {
		t.Fatalf("add failed: %+v", addResp)
	}

	if err := conn.WriteJSON(frame{Type: "servers.getAll", ID: "a2", Timestamp: nowMillis()}); err != nil {
		t.Fatalf("write getAll: %v", err)
	}
	var listResp frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&listResp); err != nil {
		t.Fatalf("read getAll response: %v", err)
	}
	var records []map[string]any
	if err := json.Unmarshal(listResp.Data, &records); err != nil {
		t.Fatalf("unmarshal records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
}

func TestSubscribeFlattensVariousShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want map[string]bool
	}{
		{"bare string", `"server.updated"`, map[string]bool{"server.updated": true}},
		{"array", `["a","b"]`, map[string]bool{"a": true, "b": true}},
		{"events object", `{"events":["x","y"]}`, map[string]bool{"x": true, "y": true}},
		{"nested data", `{"data":{"events":["z"]}}`, map[string]bool{"z": true}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := flattenEvents(json.RawMessage(c.raw))
			if len(got) != len(c.want) {
				t.Fatalf("len(got) = %d, want %d (got=%v)", len(got), len(c.want), got)
			}
			for _, g := range got {
				if !c.want[g] {
					t.Errorf("unexpected event %q", g)
				}
			}
		})
	}
}

func TestConnectionManagerHealthSnapshot(t *testing.T) {
	cm := NewConnectionManager(nil, nil, func() string { return "fixed-id" })
	snap := cm.Health()
	if snap.Clients != 0 || snap.AliveClients != 0 {
		t.Errorf("snap = %+v, want zero clients", snap)
	}
}
