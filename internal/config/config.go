// Package config loads gateway.yaml, applies environment overrides and
// watches the file for hot reloads.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-claw-gateway/internal/otel"
)

// FileName is the config file inside the home directory.
const FileName = "gateway.yaml"

// DefaultBindAddr is the WebSocket listen address when none is configured.
const DefaultBindAddr = "127.0.0.1:18789"

// DefaultBridgeBindAddr is the node bridge listen address.
const DefaultBridgeBindAddr = "127.0.0.1:18790"

type BridgeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

type AuthConfig struct {
	Mode              string   `yaml:"mode"`
	Token             string   `yaml:"token"`
	Password          string   `yaml:"password"`
	PasswordHash      string   `yaml:"password_hash"`
	AllowTailscale    bool     `yaml:"allow_tailscale"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
	TrustedUserHeader string   `yaml:"trusted_user_header"`
}

// LimitsConfig holds protocol limits and intervals. Durations are in
// milliseconds in the file.
type LimitsConfig struct {
	MaxPayloadBytes      int64 `yaml:"max_payload_bytes"`
	MaxBufferedBytes     int64 `yaml:"max_buffered_bytes"`
	HandshakeTimeoutMs   int64 `yaml:"handshake_timeout_ms"`
	TickIntervalMs       int64 `yaml:"tick_interval_ms"`
	HealthRefreshMs      int64 `yaml:"health_refresh_ms"`
	DedupeTTLMs          int64 `yaml:"dedupe_ttl_ms"`
	DedupeMaxEntries     int   `yaml:"dedupe_max_entries"`
	PresencePruneAfterMs int64 `yaml:"presence_prune_after_ms"`
	PairingTTLMs         int64 `yaml:"pairing_ttl_ms"`
	RequestsPerMinute    int   `yaml:"requests_per_minute"`
	RequestBurst         int   `yaml:"request_burst"`
}

func (l LimitsConfig) HandshakeTimeout() time.Duration { return ms(l.HandshakeTimeoutMs) }
func (l LimitsConfig) TickInterval() time.Duration     { return ms(l.TickIntervalMs) }
func (l LimitsConfig) HealthRefresh() time.Duration    { return ms(l.HealthRefreshMs) }
func (l LimitsConfig) DedupeTTL() time.Duration        { return ms(l.DedupeTTLMs) }
func (l LimitsConfig) PresencePruneAfter() time.Duration {
	return ms(l.PresencePruneAfterMs)
}
func (l LimitsConfig) PairingTTL() time.Duration { return ms(l.PairingTTLMs) }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

type VoicewakeConfig struct {
	Triggers []string `yaml:"triggers"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	Path    string `yaml:"-"`

	BindAddr     string          `yaml:"bind_addr"`
	LogLevel     string          `yaml:"log_level"`
	AllowOrigins []string        `yaml:"allow_origins"`
	Bridge       BridgeConfig    `yaml:"bridge"`
	Auth         AuthConfig      `yaml:"auth"`
	Limits       LimitsConfig    `yaml:"limits"`
	Voicewake    VoicewakeConfig `yaml:"voicewake"`
	OTel         otel.Config     `yaml:"otel"`

	// NeedsInit is set when no config file exists yet.
	NeedsInit bool `yaml:"-"`
}

// envOverrides is decoded from the environment with envdecode. Empty values
// leave the file setting in place.
type envOverrides struct {
	BindAddr       string `env:"GOCLAW_GATEWAY_BIND"`
	BridgeBindAddr string `env:"GOCLAW_GATEWAY_BRIDGE_BIND"`
	AuthMode       string `env:"GOCLAW_GATEWAY_AUTH_MODE"`
	Token          string `env:"GOCLAW_GATEWAY_TOKEN"`
	Password       string `env:"GOCLAW_GATEWAY_PASSWORD"`
	LogLevel       string `env:"GOCLAW_LOG_LEVEL"`
	OTelEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func Default() Config {
	return Config{
		BindAddr: DefaultBindAddr,
		LogLevel: "info",
		Bridge:   BridgeConfig{BindAddr: DefaultBridgeBindAddr},
		Auth:     AuthConfig{Mode: "token"},
		Limits: LimitsConfig{
			MaxPayloadBytes:      512 * 1024,
			MaxBufferedBytes:     1536 * 1024,
			HandshakeTimeoutMs:   10_000,
			TickIntervalMs:       30_000,
			HealthRefreshMs:      60_000,
			DedupeTTLMs:          5 * 60_000,
			DedupeMaxEntries:     1000,
			PresencePruneAfterMs: 5 * 60_000,
			PairingTTLMs:         5 * 60_000,
			RequestsPerMinute:    600,
			RequestBurst:         60,
		},
		Voicewake: VoicewakeConfig{Triggers: []string{"clawd", "claude"}},
	}
}

// HomeDir honours GOCLAW_GATEWAY_HOME and falls back to ~/.goclaw-gateway.
func HomeDir() string {
	if override := os.Getenv("GOCLAW_GATEWAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goclaw-gateway")
}

// ConfigPath returns the config file path within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, FileName)
}

// Load reads the config from the default home directory.
func Load() (Config, error) {
	return LoadFile(ConfigPath(HomeDir()))
}

// LoadFile reads the config at path. A missing file yields defaults with
// NeedsInit set. The home directory is the file's directory.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	cfg.Path = path
	cfg.HomeDir = filepath.Dir(path)

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create gateway home: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.NeedsInit = true
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", FileName, err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", FileName, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode env overrides: %w", err)
	}
	if env.BindAddr != "" {
		cfg.BindAddr = env.BindAddr
	}
	if env.BridgeBindAddr != "" {
		cfg.Bridge.BindAddr = env.BridgeBindAddr
		cfg.Bridge.Enabled = true
	}
	if env.AuthMode != "" {
		cfg.Auth.Mode = env.AuthMode
	}
	if env.Token != "" {
		cfg.Auth.Token = env.Token
	}
	if env.Password != "" {
		cfg.Auth.Password = env.Password
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.OTelEndpoint != "" {
		cfg.OTel.Endpoint = env.OTelEndpoint
	}
	return nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.Bridge.BindAddr == "" {
		cfg.Bridge.BindAddr = def.Bridge.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = def.Auth.Mode
	}

	l, d := &cfg.Limits, def.Limits
	setDefault(&l.MaxPayloadBytes, d.MaxPayloadBytes)
	setDefault(&l.MaxBufferedBytes, d.MaxBufferedBytes)
	setDefault(&l.HandshakeTimeoutMs, d.HandshakeTimeoutMs)
	setDefault(&l.TickIntervalMs, d.TickIntervalMs)
	setDefault(&l.HealthRefreshMs, d.HealthRefreshMs)
	setDefault(&l.DedupeTTLMs, d.DedupeTTLMs)
	setDefault(&l.DedupeMaxEntries, d.DedupeMaxEntries)
	setDefault(&l.PresencePruneAfterMs, d.PresencePruneAfterMs)
	setDefault(&l.PairingTTLMs, d.PairingTTLMs)
	setDefault(&l.RequestsPerMinute, d.RequestsPerMinute)
	setDefault(&l.RequestBurst, d.RequestBurst)

	cfg.Voicewake.Triggers = NormalizeTriggers(cfg.Voicewake.Triggers)
	if len(cfg.Voicewake.Triggers) == 0 {
		cfg.Voicewake.Triggers = def.Voicewake.Triggers
	}
}

func setDefault[T int | int64](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}

func validate(cfg Config) error {
	switch cfg.Auth.Mode {
	case "none", "token", "password":
	default:
		return fmt.Errorf("auth.mode %q: must be none, token or password", cfg.Auth.Mode)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn or error", cfg.LogLevel)
	}
	return nil
}

// NormalizeTriggers trims, drops blanks and de-duplicates wake triggers
// while keeping their order.
func NormalizeTriggers(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out
}

// Fingerprint is a stable hash of the settings that affect clients. Secrets
// contribute only their presence.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|bridge=%v:%s|auth=%s:%t:%t|origins=%v|limits=%+v|wake=%v",
		c.BindAddr, c.Bridge.Enabled, c.Bridge.BindAddr, c.Auth.Mode,
		c.Auth.Token != "", c.Auth.Password != "" || c.Auth.PasswordHash != "",
		c.AllowOrigins, c.Limits, c.Voicewake.Triggers)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes cfg to its Path, creating the home directory if needed.
func Save(cfg Config) error {
	if cfg.Path == "" {
		cfg.Path = ConfigPath(HomeDir())
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", FileName, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(cfg.Path, out, 0o600)
}
