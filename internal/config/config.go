// Package config loads daemon configuration from a YAML file with
// environment-variable overrides. Secrets are env-only and never read from
// the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Push       PushConfig       `yaml:"push"`
	ChangeFeed ChangeFeedConfig `yaml:"changefeed"`
}

type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	Token        string   `yaml:"-"` // env-only, never in YAML
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type BackendConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

type PushConfig struct {
	URL        string   `yaml:"url"`
	Token      string   `yaml:"-"` // env-only, never in YAML
	MinBackoff Duration `yaml:"min_backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

type ChangeFeedConfig struct {
	DSN          string   `yaml:"-"` // env-only, never in YAML
	Channel      string   `yaml:"channel"`
	MinReconnect Duration `yaml:"min_reconnect"`
	MaxReconnect Duration `yaml:"max_reconnect"`
}

// Duration wraps time.Duration so YAML values read as "15s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8090",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
		},
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: Duration(15 * time.Second),
		},
		Push: PushConfig{
			MinBackoff: Duration(250 * time.Millisecond),
			MaxBackoff: Duration(15 * time.Second),
		},
		ChangeFeed: ChangeFeedConfig{
			Channel:      "task_changes",
			MinReconnect: Duration(time.Second),
			MaxReconnect: Duration(time.Minute),
		},
	}
}

// Load reads the YAML file at path (missing file is fine; defaults apply),
// then applies TASKSYNC_* env overrides.
func Load(path string) (*Config, error) {
	var data []byte
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			data = raw
		}
	}
	return parse(data, path)
}

// parse builds a config from raw file bytes (nil or empty means defaults),
// applying env overrides and validation. The watcher parses the bytes it read
// itself so a file change between read and parse cannot skew the result.
func parse(data []byte, path string) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "TASKSYNC_ADDR")
	setString(&cfg.Server.Token, "TASKSYNC_API_TOKEN")
	setString(&cfg.Backend.BaseURL, "TASKSYNC_BACKEND_URL")
	setString(&cfg.Backend.Token, "TASKSYNC_BACKEND_TOKEN")
	setString(&cfg.Push.URL, "TASKSYNC_PUSH_URL")
	setString(&cfg.Push.Token, "TASKSYNC_PUSH_TOKEN")
	setString(&cfg.ChangeFeed.DSN, "TASKSYNC_CHANGEFEED_DSN")
	setString(&cfg.ChangeFeed.Channel, "TASKSYNC_CHANGEFEED_CHANNEL")
	setDuration(&cfg.Server.ReadTimeout, "TASKSYNC_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "TASKSYNC_WRITE_TIMEOUT")
	setDuration(&cfg.Backend.Timeout, "TASKSYNC_BACKEND_TIMEOUT")
	setDuration(&cfg.Push.MinBackoff, "TASKSYNC_PUSH_MIN_BACKOFF")
	setDuration(&cfg.Push.MaxBackoff, "TASKSYNC_PUSH_MAX_BACKOFF")
	setDuration(&cfg.ChangeFeed.MinReconnect, "TASKSYNC_CHANGEFEED_MIN_RECONNECT")
	setDuration(&cfg.ChangeFeed.MaxReconnect, "TASKSYNC_CHANGEFEED_MAX_RECONNECT")
}

func setString(target *string, name string) {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		*target = raw
	}
}

func setDuration(target *Duration, name string) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return
	}
	*target = Duration(parsed)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url is required")
	}
	return nil
}
