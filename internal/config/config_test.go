package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("AGENTRELAY_TOKEN", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Port != 8788 {
		t.Errorf("port = %d, want 8788", cfg.Relay.Port)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Token() != "" {
		t.Errorf("token = %q, want empty", cfg.Token())
	}
}

func TestLoadJSON5AndPartialDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// comments are allowed
		relay: { port: 9000, token: "file-secret" },
		events: { retention_days: 0 },
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Relay.Port)
	}
	if cfg.Events.RetentionDays != 0 {
		t.Errorf("retention = %d, want 0 (keep forever)", cfg.Events.RetentionDays)
	}
	if cfg.Relay.SendQueue != 256 {
		t.Errorf("send queue = %d, want default 256", cfg.Relay.SendQueue)
	}
	if cfg.Pairing.TTLSec != 300 {
		t.Errorf("pairing ttl = %d, want 300", cfg.Pairing.TTLSec)
	}
}

func TestTokenPrecedence(t *testing.T) {
	dir := t.TempDir()

	t.Run("env is a fallback when file has no token", func(t *testing.T) {
		t.Setenv("AGENTRELAY_TOKEN", "env-secret")
		cfg, err := Load(filepath.Join(dir, "missing.json"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Token() != "env-secret" {
			t.Errorf("token = %q, want env-secret", cfg.Token())
		}
	})

	t.Run("persisted token wins over env", func(t *testing.T) {
		t.Setenv("AGENTRELAY_TOKEN", "env-secret")
		path := filepath.Join(dir, "config.json")
		if err := os.WriteFile(path, []byte(`{"relay":{"token":"rotated"}}`), 0600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Token() != "rotated" {
			t.Errorf("token = %q, want rotated", cfg.Token())
		}
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTRELAY_PORT", "7001")
	t.Setenv("AGENTRELAY_STORE_DRIVER", "postgres")
	t.Setenv("AGENTRELAY_POSTGRES_DSN", "postgres://x")
	t.Setenv("AGENTRELAY_EVENTS_RETENTION_DAYS", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.Port != 7001 {
		t.Errorf("port = %d", cfg.Relay.Port)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.PostgresDSN != "postgres://x" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Events.RetentionDays != 7 {
		t.Errorf("retention = %d", cfg.Events.RetentionDays)
	}
}

func TestSaveRoundTripKeepsTokenDropsDSN(t *testing.T) {
	t.Setenv("AGENTRELAY_TOKEN", "")
	t.Setenv("AGENTRELAY_POSTGRES_DSN", "")
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := Default()
	cfg.SetToken("s3cret")
	cfg.Store.PostgresDSN = "postgres://never-written"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Token() != "s3cret" {
		t.Errorf("token = %q", loaded.Token())
	}
	if loaded.Store.PostgresDSN != "" {
		t.Errorf("dsn leaked to disk: %q", loaded.Store.PostgresDSN)
	}
}

func TestURLs(t *testing.T) {
	cfg := Default()
	cfg.Relay.Host = "0.0.0.0"
	cfg.Relay.Port = 8788
	if got := cfg.BridgeURL(); got != "ws://127.0.0.1:8788/ws/bridge" {
		t.Errorf("BridgeURL = %q", got)
	}
	if got := cfg.BaseURL(); got != "http://127.0.0.1:8788" {
		t.Errorf("BaseURL = %q", got)
	}
	cfg.Relay.PublicURL = "https://relay.example.ts.net"
	if got := cfg.BaseURL(); got != "https://relay.example.ts.net" {
		t.Errorf("BaseURL = %q", got)
	}
}
