package detector

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectRejectsMissingExecutable(t *testing.T) {
	if _, err := Detect(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestDetectRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := Detect(dir); err == nil {
		t.Fatal("expected error when executablePath is a directory")
	}
}

func TestDetectReadsServerProperties(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "bedrock_server")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fixture exe: %v", err)
	}
	props := "server-name=My Server\nmax-players=30\nserver-port=19140\nunknown-key=ignored\n"
	if err := os.WriteFile(filepath.Join(dir, "server.properties"), []byte(props), 0o644); err != nil {
		t.Fatalf("write fixture properties: %v", err)
	}

	p, err := Detect(exe)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if p.ProposedName != "My Server" {
		t.Errorf("ProposedName = %q, want %q", p.ProposedName, "My Server")
	}
	if p.ProposedMaxPlayers != 30 {
		t.Errorf("ProposedMaxPlayers = %d, want 30", p.ProposedMaxPlayers)
	}
	if p.ProposedDestination != "127.0.0.1:19140" {
		t.Errorf("ProposedDestination = %q, want 127.0.0.1:19140", p.ProposedDestination)
	}
	if _, ok := p.Properties["unknown-key"]; ok {
		t.Error("unrecognized key leaked into Properties")
	}
}

func TestDetectDefaultsWithoutProperties(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "server")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fixture exe: %v", err)
	}

	p, err := Detect(exe)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if p.ProposedMaxPlayers != 10 {
		t.Errorf("ProposedMaxPlayers = %d, want default 10", p.ProposedMaxPlayers)
	}
	if p.ProposedDestination != "127.0.0.1:19132" {
		t.Errorf("ProposedDestination = %q, want default 127.0.0.1:19132", p.ProposedDestination)
	}
}
