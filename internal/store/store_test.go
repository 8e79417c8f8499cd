package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveAndLoadServersRoundTrip(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	rec := ServerRecord{
		ID:                 NewID(),
		Name:               "Survival",
		ListenAddress:      "0.0.0.0:19132",
		DestinationAddress: "127.0.0.1:19133",
		MaxPlayers:         20,
		Status:             "offline",
		Tags:               []string{"survival"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.SaveServers([]ServerRecord{rec}); err != nil {
		t.Fatalf("SaveServers: %v", err)
	}

	loaded, err := s.LoadServers()
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("len(loaded) = %d, want 1", len(loaded))
	}
	if loaded[0].ID != rec.ID || loaded[0].Name != rec.Name {
		t.Errorf("loaded record = %+v, want %+v", loaded[0], rec)
	}
	if !loaded[0].CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", loaded[0].CreatedAt, now)
	}
}

func TestLoadServersMigratesMissingKeys(t *testing.T) {
	s := newTestStore(t)

	// Write a servers.json missing proxyProtocolV2Enabled, simulating an
	// older on-disk schema.
	legacy := []map[string]any{
		{
			"id":                 "abc",
			"name":               "Legacy",
			"listenAddress":      "0.0.0.0:19132",
			"destinationAddress": "127.0.0.1:19133",
			"maxPlayers":         10,
			"status":             "offline",
			"createdAt":          time.Now().Format(time.RFC3339),
			"updatedAt":          time.Now().Format(time.RFC3339),
		},
	}
	b, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal legacy fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, serversFileName), b, 0o644); err != nil {
		t.Fatalf("write legacy fixture: %v", err)
	}

	loaded, err := s.LoadServers()
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("len(loaded) = %d, want 1", len(loaded))
	}
	if loaded[0].ProxyProtocolV2 != false {
		t.Errorf("ProxyProtocolV2 = %v, want false (migrated default)", loaded[0].ProxyProtocolV2)
	}

	// The file on disk must now contain the new key.
	raw, err := os.ReadFile(filepath.Join(s.dir, serversFileName))
	if err != nil {
		t.Fatalf("read rewritten file: %v", err)
	}
	var rewritten []map[string]any
	if err := json.Unmarshal(raw, &rewritten); err != nil {
		t.Fatalf("unmarshal rewritten file: %v", err)
	}
	if _, ok := rewritten[0]["proxyProtocolV2Enabled"]; !ok {
		t.Error("expected proxyProtocolV2Enabled key to be present after migration rewrite")
	}
}

func TestLoadServersMissingFileReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadServers()
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("len(loaded) = %d, want 0", len(loaded))
	}
}

func TestLoadConfigCreatesDefaultsWhenMissing(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg != DefaultAppConfig() {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, DefaultAppConfig())
	}

	if _, err := os.Stat(filepath.Join(s.dir, configFileName)); err != nil {
		t.Errorf("expected config.json to be created: %v", err)
	}
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cfg := AppConfig{Language: "pt-BR", Theme: "dark", AutoStart: true, CheckUpdates: false, LogLevel: "debug"}

	if err := s.SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := s.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded != cfg {
		t.Errorf("loaded = %+v, want %+v", loaded, cfg)
	}
}

func TestBackupCopiesServersFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveServers([]ServerRecord{{ID: NewID(), Name: "X"}}); err != nil {
		t.Fatalf("SaveServers: %v", err)
	}
	if err := s.Backup(); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, backupsDirName))
	if err != nil {
		t.Fatalf("read backups dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}

func TestBackupWithNoServersFileIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.Backup(); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, backupsDirName))
	if err != nil {
		t.Fatalf("read backups dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0", len(entries))
	}
}

func TestPlayerID(t *testing.T) {
	if got := PlayerID("123", "Steve"); got != "123" {
		t.Errorf("PlayerID with xuid = %q, want 123", got)
	}
	if got := PlayerID("", "Steve"); got != "Steve" {
		t.Errorf("PlayerID without xuid = %q, want Steve", got)
	}
}
