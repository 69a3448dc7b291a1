package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as a string ("10s") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Config represents ~/.smartlink/config.toml and the per-profile config.toml.
// The global file only uses DefaultProfile.
type Config struct {
	DefaultProfile string          `toml:"default_profile,omitempty"`
	Server         ServerConfig    `toml:"server"`
	Timeouts       TimeoutConfig   `toml:"timeouts"`
	Reconnect      ReconnectConfig `toml:"reconnect"`
	Push           PushConfig      `toml:"push"`
	Backend        BackendConfig   `toml:"backend"`
	Assist         AssistConfig    `toml:"assist"`
	Debug          DebugConfig     `toml:"debug"`

	// AssistAPIKey comes from the environment only.
	AssistAPIKey string `toml:"-"`
}

type ServerConfig struct {
	APIURL    string `toml:"api_url"`
	PushURL   string `toml:"push_url"`
	ProxyAddr string `toml:"proxy_addr,omitempty"`
}

type TimeoutConfig struct {
	Handshake Duration `toml:"handshake"`
	Call      Duration `toml:"call"`
}

type ReconnectConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	Delay       Duration `toml:"delay"`
}

type PushConfig struct {
	Heartbeat     Duration `toml:"heartbeat"`
	PongWait      Duration `toml:"pong_wait"`
	MaxFrameBytes int64    `toml:"max_frame_bytes"`
	EventBuffer   int      `toml:"event_buffer"`
}

type BackendConfig struct {
	ReadAttempts int `toml:"read_attempts"`
}

type AssistConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model,omitempty"`
}

type DebugConfig struct {
	MetricsAddr string `toml:"metrics_addr,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIURL:  "http://localhost:8080",
			PushURL: "ws://localhost:8080/ws",
		},
		Timeouts: TimeoutConfig{
			Handshake: Duration{10 * time.Second},
			Call:      Duration{15 * time.Second},
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			Delay:       Duration{2 * time.Second},
		},
		Push: PushConfig{
			Heartbeat:     Duration{30 * time.Second},
			PongWait:      Duration{60 * time.Second},
			MaxFrameBytes: 512 * 1024,
			EventBuffer:   256,
		},
		Backend: BackendConfig{ReadAttempts: 3},
		Assist:  AssistConfig{BaseURL: "http://localhost:3000"},
	}
}

// Load reads config from the given path over the defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadProfile loads .env files (missing ones are skipped), then the profile
// config at path (defaults if missing), then applies environment overrides.
func LoadProfile(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env %s: %w", f, err)
		}
	}

	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SLINK_API_URL"); v != "" {
		c.Server.APIURL = v
	}
	if v := os.Getenv("SLINK_PUSH_URL"); v != "" {
		c.Server.PushURL = v
	}
	if c.Server.ProxyAddr == "" {
		c.Server.ProxyAddr = firstEnv("SLINK_PROXY", "ALL_PROXY", "all_proxy", "SOCKS_PROXY", "socks_proxy")
	}
	c.AssistAPIKey = os.Getenv("GROQ_API_KEY")
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
