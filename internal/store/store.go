// Package store persists the server catalogue and application config to
// a user-level data directory, with schema migration and backups. Every
// write uses atomic write-and-rename semantics.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerRecord is the persistent record for one managed Bedrock server.
type ServerRecord struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	ListenAddress       string          `json:"listenAddress"`
	DestinationAddress  string          `json:"destinationAddress"`
	MaxPlayers          int             `json:"maxPlayers"`
	Status              string          `json:"status"`
	PlayersOnline       int             `json:"playersOnline"`
	Players             []PlayerSession `json:"players"`
	Tags                []string        `json:"tags"`
	Description         string          `json:"description"`
	IconURL             string          `json:"iconUrl"`
	AutoStart           bool            `json:"autoStart"`
	AutoRestart         bool            `json:"autoRestart"`
	BlockSameIP         bool            `json:"blockSameIP"`
	ProxyProtocolV2     bool            `json:"proxyProtocolV2Enabled"`
	ForwardAddress      string          `json:"forwardAddress"`
	ExecutablePath      string          `json:"executablePath"`
	ServerDirectory     string          `json:"serverDirectory"`
	LastExit            *ExitRecord     `json:"lastExit,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// ExitRecord captures how a supervised process last exited.
type ExitRecord struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	Time   time.Time `json:"time"`
}

// PlayerSession is a transient player entry attached to a ServerRecord.
type PlayerSession struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	XUID      string     `json:"xuid"`
	JoinTime  time.Time  `json:"joinTime"`
	LeaveTime *time.Time `json:"leaveTime,omitempty"`
	IPAddress string     `json:"ipAddress,omitempty"`
}

// PlayerID derives a PlayerSession's ID from its xuid, falling back to
// name when the xuid is unavailable.
func PlayerID(xuid, name string) string {
	if xuid != "" {
		return xuid
	}
	return name
}

// AppConfig is daemon-wide user-facing configuration.
type AppConfig struct {
	Language     string `json:"language"`
	Theme        string `json:"theme"`
	AutoStart    bool   `json:"autoStart"`
	CheckUpdates bool   `json:"checkUpdates"`
	LogLevel     string `json:"logLevel"`
}

// DefaultAppConfig is merged with whatever is present on disk when
// loading config.json, so new fields backfill on old files.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Language:     "en",
		Theme:        "system",
		AutoStart:    false,
		CheckUpdates: true,
		LogLevel:     "info",
	}
}

const (
	serversFileName = "servers.json"
	configFileName  = "config.json"
	backupsDirName  = "backups"
)

// Store owns the on-disk catalogue and config files under a single data
// directory and serializes all writes.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a Store rooted at dir. If dir is empty, DefaultDataDir is
// used.
func New(dir string) (*Store, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, backupsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDataDir returns "<user docs>/PEXData/BedrockProxy".
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: resolve home dir: %w", err)
	}
	return filepath.Join(home, "Documents", "PEXData", "BedrockProxy"), nil
}

// NewID returns a fresh opaque record ID.
func NewID() string {
	return uuid.NewString()
}

func (s *Store) serversPath() string { return filepath.Join(s.dir, serversFileName) }
func (s *Store) configPath() string  { return filepath.Join(s.dir, configFileName) }

// LoadServers reads servers.json, filling in any fields missing from an
// older schema with their defaults, and rewrites the file when it
// migrated anything.
func (s *Store) LoadServers() ([]ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.serversPath())
	if os.IsNotExist(err) {
		return []ServerRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read servers file: %w", err)
	}

	var rawRecords []map[string]any
	if err := json.Unmarshal(raw, &rawRecords); err != nil {
		return nil, fmt.Errorf("store: parse servers file: %w", err)
	}

	migrated := false
	records := make([]ServerRecord, 0, len(rawRecords))
	for _, rr := range rawRecords {
		if migrateServerFields(rr) {
			migrated = true
		}
		var rec ServerRecord
		b, err := json.Marshal(rr)
		if err != nil {
			return nil, fmt.Errorf("store: re-marshal migrated record: %w", err)
		}
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("store: decode record: %w", err)
		}
		records = append(records, rec)
	}

	if migrated {
		if err := s.writeServersLocked(records); err != nil {
			return nil, fmt.Errorf("store: rewrite migrated servers file: %w", err)
		}
	}

	return records, nil
}

// migrableServerDefaults lists fields added to the schema after its
// initial release, along with their zero-value defaults.
var migrableServerDefaults = map[string]any{
	"proxyProtocolV2Enabled": false,
	"blockSameIP":            false,
	"autoStart":              false,
	"autoRestart":            false,
	"forwardAddress":         "",
	"tags":                   []string{},
	"description":            "",
	"iconUrl":                "",
	"players":                []PlayerSession{},
}

// migrateServerFields fills any missing keys in rec with their default
// and reports whether anything was added.
func migrateServerFields(rec map[string]any) bool {
	changed := false
	for key, def := range migrableServerDefaults {
		if _, ok := rec[key]; !ok {
			rec[key] = def
			changed = true
		}
	}
	return changed
}

// SaveServers atomically persists the full catalogue.
func (s *Store) SaveServers(records []ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeServersLocked(records)
}

func (s *Store) writeServersLocked(records []ServerRecord) error {
	return atomicWriteJSON(s.serversPath(), records)
}

// LoadConfig reads config.json, merging it over DefaultAppConfig so
// missing keys backfill.
func (s *Store) LoadConfig() (AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := DefaultAppConfig()

	raw, err := os.ReadFile(s.configPath())
	if os.IsNotExist(err) {
		if writeErr := atomicWriteJSON(s.configPath(), cfg); writeErr != nil {
			return cfg, fmt.Errorf("store: write default config: %w", writeErr)
		}
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("store: read config file: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return DefaultAppConfig(), fmt.Errorf("store: parse config file: %w", err)
	}
	return cfg, nil
}

// SaveConfig atomically persists cfg.
func (s *Store) SaveConfig(cfg AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWriteJSON(s.configPath(), cfg)
}

// Backup copies the current servers.json into backups/backup_<unixnano>.json.
// A missing servers.json is not an error.
func (s *Store) Backup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.serversPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read servers file for backup: %w", err)
	}

	name := fmt.Sprintf("backup_%d.json", time.Now().UnixNano())
	dest := filepath.Join(s.dir, backupsDirName, name)
	return atomicWriteBytes(dest, raw)
}

// atomicWriteJSON marshals v and writes it atomically via a temp file in
// the same directory followed by a rename.
func atomicWriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return atomicWriteBytes(path, b)
}

func atomicWriteBytes(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
