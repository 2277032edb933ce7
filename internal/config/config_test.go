package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings should validate: %v", err)
	}
	if s.Server.Endpoint != "/chat" || s.Server.Port != 8085 {
		t.Fatalf("unexpected defaults: %#v", s.Server)
	}
	if !s.Chat.EnableUndeliveredQueue {
		t.Fatal("undelivered queue should default to enabled")
	}
	n, err := s.MaxMessageBytes()
	if err != nil {
		t.Fatalf("parse default max size: %v", err)
	}
	if n != 10_000_000 {
		t.Fatalf("default max size: got %d", n)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	doc := `{
		"server": {
			"port": 9001,
			"endpoint": "/ws",
			"watchdog": {"enabled": true, "connectionLifetimeSeconds": 120}
		},
		"chat": {
			"message": {"maxSize": "4KiB", "enableSendBack": true, "ignoreTypesSendBack": ["notify"]},
			"enableUndeliveredQueue": false
		},
		"auth": {"type": "bearer", "token": "s3cret"}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if s.Server.Port != 9001 || s.Server.Endpoint != "/ws" {
		t.Fatalf("server overrides not applied: %#v", s.Server)
	}
	if !s.Server.Watchdog.Enabled || s.Server.Watchdog.ConnectionLifetimeSeconds != 120 {
		t.Fatalf("watchdog overrides not applied: %#v", s.Server.Watchdog)
	}
	if s.Chat.EnableUndeliveredQueue {
		t.Fatal("enableUndeliveredQueue override not applied")
	}
	if s.Chat.UndeliveredQueueCap != 1024 {
		t.Fatalf("absent keys should keep defaults, got cap %d", s.Chat.UndeliveredQueueCap)
	}
	if n, _ := s.MaxMessageBytes(); n != 4096 {
		t.Fatalf("max size override: got %d", n)
	}
	if s.Auth.Type != "bearer" || s.Auth.Token != "s3cret" {
		t.Fatalf("auth overrides not applied: %#v", s.Auth)
	}
}

func TestValidateRejectsBadRecords(t *testing.T) {
	t.Parallel()

	s := Default()
	s.Server.Endpoint = "chat"
	if err := s.Validate(); err == nil {
		t.Fatal("endpoint without leading slash should fail")
	}

	s = Default()
	s.Chat.Message.MaxSize = "lots"
	if err := s.Validate(); err == nil {
		t.Fatal("unparseable maxSize should fail")
	}

	s = Default()
	s.Server.Secure.Enabled = true
	if err := s.Validate(); err == nil {
		t.Fatal("secure without cert paths should fail")
	}

	s = Default()
	s.Server.Watchdog.Enabled = true
	s.Server.Watchdog.ConnectionLifetimeSeconds = 0
	if err := s.Validate(); err == nil {
		t.Fatal("watchdog without lifetime should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing settings file")
	}
}
