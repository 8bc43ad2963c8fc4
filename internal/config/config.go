package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Config is the root configuration for the relay.
type Config struct {
	Relay     RelayConfig     `json:"relay"`
	Store     StoreConfig     `json:"store"`
	Events    EventsConfig    `json:"events"`
	Pairing   PairingConfig   `json:"pairing"`
	Uploads   UploadsConfig   `json:"uploads"`
	Bridge    BridgeConfig    `json:"bridge"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// RelayConfig configures the HTTP/WebSocket front door.
type RelayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`           // shared bearer secret (persisted, rotated in place)
	PublicURL      string   `json:"public_url,omitempty"`      // base URL used in capability links (default http://host:port)
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origin whitelist (empty = allow all)
	DataDir        string   `json:"data_dir"`
	SendQueue      int      `json:"send_queue,omitempty"`      // per-socket outbound frame buffer (default 256)
	WriteTimeoutMs int      `json:"write_timeout_ms,omitempty"` // per-frame socket write deadline (default 10000)
	MaxMessageKB   int      `json:"max_message_kb,omitempty"`  // max inbound frame size (default 4096)
}

// StoreConfig selects the durable store backend.
// PostgresDSN is NEVER read from the config file, only from env AGENTRELAY_POSTGRES_DSN.
type StoreConfig struct {
	Driver      string `json:"driver"`         // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"` // sqlite file (default <data_dir>/relay.db)
	PostgresDSN string `json:"-"`
}

// EventsConfig configures the durable event log.
type EventsConfig struct {
	RetentionDays int    `json:"retention_days"`           // <= 0 keeps events forever
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron expression (default "@hourly")
	MaxReplay     int    `json:"max_replay,omitempty"`     // cap on an explicit replay limit (0 = uncapped)
}

// PairingConfig configures one-time pairing codes.
type PairingConfig struct {
	TTLSec        int    `json:"ttl_sec,omitempty"`        // default 300
	SweepSchedule string `json:"sweep_schedule,omitempty"` // default every minute
	ConsumeRPM    int    `json:"consume_rpm,omitempty"`    // per-IP consume attempts per minute (default 10, < 0 disables)
}

// UploadsConfig configures capability-URL blob uploads.
type UploadsConfig struct {
	Dir           string `json:"dir,omitempty"`            // default <data_dir>/uploads
	MaxBytes      int64  `json:"max_bytes,omitempty"`      // default 20 MiB
	TTLSec        int    `json:"ttl_sec,omitempty"`        // default 24h
	PruneSchedule string `json:"prune_schedule,omitempty"` // default every 10 minutes
}

// BridgeConfig configures the supervised agent-bridge child process.
type BridgeConfig struct {
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Dir            string            `json:"dir,omitempty"`
	LogFile        string            `json:"log_file,omitempty"` // default <data_dir>/bridge.log
	Env            map[string]string `json:"env,omitempty"`
	AutoStart      bool              `json:"auto_start,omitempty"`
	StopTimeoutSec int               `json:"stop_timeout_sec,omitempty"` // default 5
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`   // Tailscale machine name (e.g. "agentrelay")
	StateDir  string `json:"state_dir,omitempty"`  // default <data_dir>/tsnet
	AuthKey   string `json:"-"`                    // from env AGENTRELAY_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// Token returns the current shared secret.
func (c *Config) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay.Token
}

// SetToken replaces the shared secret in memory. Callers persist with Save.
func (c *Config) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay.Token = token
}

// Addr returns the host:port the relay listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Relay.Host, c.Relay.Port)
}

// BaseURL returns the externally reachable base URL for capability links.
func (c *Config) BaseURL() string {
	if c.Relay.PublicURL != "" {
		return c.Relay.PublicURL
	}
	host := c.Relay.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Relay.Port)
}

// BridgeURL returns the WebSocket URL the supervised bridge dials back to.
func (c *Config) BridgeURL() string {
	host := c.Relay.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d/ws/bridge", host, c.Relay.Port)
}

// DataPath returns the expanded data directory.
func (c *Config) DataPath() string {
	return ExpandHome(c.Relay.DataDir)
}

// StorePath returns the sqlite database file.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return ExpandHome(c.Store.Path)
	}
	return filepath.Join(c.DataPath(), "relay.db")
}

// UploadsDir returns the directory blobs are written to.
func (c *Config) UploadsDir() string {
	if c.Uploads.Dir != "" {
		return ExpandHome(c.Uploads.Dir)
	}
	return filepath.Join(c.DataPath(), "uploads")
}

// BridgeLogPath returns the bridge's combined-output log file.
func (c *Config) BridgeLogPath() string {
	if c.Bridge.LogFile != "" {
		return ExpandHome(c.Bridge.LogFile)
	}
	return filepath.Join(c.DataPath(), "bridge.log")
}

// PairingTTL returns the pairing code lifetime.
func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.Pairing.TTLSec) * time.Second
}

// UploadTTL returns the upload token lifetime.
func (c *Config) UploadTTL() time.Duration {
	return time.Duration(c.Uploads.TTLSec) * time.Second
}

// WriteTimeout returns the per-frame socket write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Relay.WriteTimeoutMs) * time.Millisecond
}

// StopTimeout returns how long Stop waits before killing the bridge.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Bridge.StopTimeoutSec) * time.Second
}
