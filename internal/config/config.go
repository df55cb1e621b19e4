package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/petervdpas/rtcomm/internal/transport"
	"github.com/petervdpas/rtcomm/internal/util"
)

// Environment variables that override the file. They are read from the
// process environment first, then from a .env file beside the config.
const (
	EnvToken  = "RTCOMM_TOKEN"
	EnvURL    = "RTCOMM_URL"
	EnvUserID = "RTCOMM_USER_ID"
)

type Config struct {
	Identity  Identity  `json:"identity" yaml:"identity"`
	Server    Server    `json:"server" yaml:"server"`
	Reconnect Reconnect `json:"reconnect" yaml:"reconnect"`
	Call      Call      `json:"call" yaml:"call"`
	Chat      Chat      `json:"chat" yaml:"chat"`
	Paths     Paths     `json:"paths" yaml:"paths"`
}

type Identity struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Name   string `json:"name" yaml:"name"`
	Avatar string `json:"avatar" yaml:"avatar"`
}

type Endpoint struct {
	URL   string `json:"url" yaml:"url"`
	Codec string `json:"codec,omitempty" yaml:"codec,omitempty"` // "json" (default) or "cbor"
}

type Server struct {
	// Realtime endpoints in preference order. The first that answers wins
	// and is tried first on later reconnects.
	Endpoints []Endpoint `json:"endpoints" yaml:"endpoints"`

	// REST base for conversation history. Empty disables chat send/load.
	APIURL string `json:"api_url" yaml:"api_url"`

	// Bearer credential. Prefer RTCOMM_TOKEN over storing it here.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type Reconnect struct {
	BaseDelayMs int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms" yaml:"max_delay_ms"`
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type Call struct {
	ICEServers  []ICEServer `json:"ice_servers" yaml:"ice_servers"`
	DefaultType string      `json:"default_type" yaml:"default_type"`

	// Synthetic replaces capture devices with silent tracks (headless hosts).
	Synthetic bool `json:"synthetic" yaml:"synthetic"`
}

type Chat struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

type Paths struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

func Default() Config {
	return Config{
		Server: Server{
			Endpoints: []Endpoint{{URL: "ws://127.0.0.1:8080/ws", Codec: transport.CodecJSON}},
		},
		Reconnect: Reconnect{
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			MaxAttempts: 5,
		},
		Call: Call{
			ICEServers:  []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			DefaultType: "audio",
		},
		Chat: Chat{
			BufferSize: 100,
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	if len(c.Server.Endpoints) == 0 {
		return errors.New("server.endpoints needs at least one entry")
	}
	for i, ep := range c.Server.Endpoints {
		if err := (transport.Endpoint{URL: ep.URL, Codec: ep.Codec}).Validate(); err != nil {
			return fmt.Errorf("server.endpoints[%d]: %w", i, err)
		}
	}
	if api := strings.TrimSpace(c.Server.APIURL); api != "" {
		if !strings.HasPrefix(api, "http://") && !strings.HasPrefix(api, "https://") {
			return errors.New("server.api_url must be http or https")
		}
	}

	if c.Reconnect.BaseDelayMs <= 0 {
		return errors.New("reconnect.base_delay_ms must be > 0")
	}
	if c.Reconnect.MaxDelayMs < c.Reconnect.BaseDelayMs {
		return errors.New("reconnect.max_delay_ms must be >= reconnect.base_delay_ms")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}

	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d]: urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("call.ice_servers[%d]: %q is not a stun/turn url", i, u)
			}
		}
	}
	switch c.Call.DefaultType {
	case "audio", "video":
	default:
		return errors.New("call.default_type must be audio or video")
	}

	if c.Chat.BufferSize <= 0 {
		return errors.New("chat.buffer_size must be > 0")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	return nil
}

// Load reads path (.json, .jsonc, .yaml or .yml), applies environment
// overrides and validates.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial is Load without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := decode(path, b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := cfg.applyEnv(filepath.Dir(path)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		// Plain JSON is valid JSONC.
		return json.Unmarshal(jsonc.ToJSON(b), cfg)
	}
}

// applyEnv overlays RTCOMM_* variables. The process environment wins over
// the .env file.
func (c *Config) applyEnv(dir string) error {
	vars := map[string]string{}
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if vars, err = godotenv.Read(envFile); err != nil {
			return fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	get := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return vars[key]
	}

	if v := strings.TrimSpace(get(EnvToken)); v != "" {
		c.Server.Token = v
	}
	if v := strings.TrimSpace(get(EnvUserID)); v != "" {
		c.Identity.UserID = v
	}
	if v := strings.TrimSpace(get(EnvURL)); v != "" {
		codec := ""
		if len(c.Server.Endpoints) > 0 {
			codec = c.Server.Endpoints[0].Codec
		}
		c.Server.Endpoints = []Endpoint{{URL: v, Codec: codec}}
	}
	return nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Save writes cfg in the format implied by the extension. The token is
// never written.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Server.Token = ""

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, b, 0o644)
	default:
		return util.WriteJSONFile(path, cfg)
	}
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := cfg.applyEnv(filepath.Dir(path)); err != nil {
		return Config{}, false, err
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
