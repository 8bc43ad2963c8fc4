package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Host:           "127.0.0.1",
			Port:           8788,
			DataDir:        "~/.agentrelay",
			SendQueue:      256,
			WriteTimeoutMs: 10000,
			MaxMessageKB:   4096,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Events: EventsConfig{
			RetentionDays: 30,
			PruneSchedule: "@hourly",
			MaxReplay:     5000,
		},
		Pairing: PairingConfig{
			TTLSec:        300,
			SweepSchedule: "* * * * *",
			ConsumeRPM:    10,
		},
		Uploads: UploadsConfig{
			MaxBytes:      20 << 20,
			TTLSec:        24 * 60 * 60,
			PruneSchedule: "*/10 * * * *",
		},
		Bridge: BridgeConfig{
			StopTimeoutSec: 5,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values, except the shared secret: the
// persisted token wins and AGENTRELAY_TOKEN is only a fallback, so that a
// rotation written to disk survives a restart.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	if c.Relay.Token == "" {
		envStr("AGENTRELAY_TOKEN", &c.Relay.Token)
	}

	envStr("AGENTRELAY_HOST", &c.Relay.Host)
	if v := os.Getenv("AGENTRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Relay.Port = port
		}
	}
	envStr("AGENTRELAY_PUBLIC_URL", &c.Relay.PublicURL)
	envStr("AGENTRELAY_DATA_DIR", &c.Relay.DataDir)
	if v := os.Getenv("AGENTRELAY_ALLOWED_ORIGINS"); v != "" {
		c.Relay.AllowedOrigins = strings.Split(v, ",")
	}

	// Store
	envStr("AGENTRELAY_STORE_DRIVER", &c.Store.Driver)
	envStr("AGENTRELAY_STORE_PATH", &c.Store.Path)
	envStr("AGENTRELAY_POSTGRES_DSN", &c.Store.PostgresDSN)

	// Events
	envInt("AGENTRELAY_EVENTS_RETENTION_DAYS", &c.Events.RetentionDays)

	// Uploads
	envStr("AGENTRELAY_UPLOADS_DIR", &c.Uploads.Dir)
	if v := os.Getenv("AGENTRELAY_UPLOADS_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Uploads.MaxBytes = n
		}
	}

	// Bridge
	envStr("AGENTRELAY_BRIDGE_COMMAND", &c.Bridge.Command)
	envStr("AGENTRELAY_BRIDGE_DIR", &c.Bridge.Dir)
	if v := os.Getenv("AGENTRELAY_BRIDGE_AUTOSTART"); v != "" {
		c.Bridge.AutoStart = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("AGENTRELAY_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("AGENTRELAY_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("AGENTRELAY_TSNET_DIR", &c.Tailscale.StateDir)
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Relay.Port <= 0 {
		c.Relay.Port = d.Relay.Port
	}
	if c.Relay.DataDir == "" {
		c.Relay.DataDir = d.Relay.DataDir
	}
	if c.Relay.SendQueue <= 0 {
		c.Relay.SendQueue = d.Relay.SendQueue
	}
	if c.Relay.WriteTimeoutMs <= 0 {
		c.Relay.WriteTimeoutMs = d.Relay.WriteTimeoutMs
	}
	if c.Relay.MaxMessageKB <= 0 {
		c.Relay.MaxMessageKB = d.Relay.MaxMessageKB
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Events.PruneSchedule == "" {
		c.Events.PruneSchedule = d.Events.PruneSchedule
	}
	if c.Pairing.TTLSec <= 0 {
		c.Pairing.TTLSec = d.Pairing.TTLSec
	}
	if c.Pairing.SweepSchedule == "" {
		c.Pairing.SweepSchedule = d.Pairing.SweepSchedule
	}
	if c.Pairing.ConsumeRPM == 0 {
		c.Pairing.ConsumeRPM = d.Pairing.ConsumeRPM
	}
	if c.Uploads.MaxBytes <= 0 {
		c.Uploads.MaxBytes = d.Uploads.MaxBytes
	}
	if c.Uploads.TTLSec <= 0 {
		c.Uploads.TTLSec = d.Uploads.TTLSec
	}
	if c.Uploads.PruneSchedule == "" {
		c.Uploads.PruneSchedule = d.Uploads.PruneSchedule
	}
	if c.Bridge.StopTimeoutSec <= 0 {
		c.Bridge.StopTimeoutSec = d.Bridge.StopTimeoutSec
	}
}

// Save writes the config to a JSON file, replacing the previous contents.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	// Write-then-rename: readers never observe a partially written secret.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
