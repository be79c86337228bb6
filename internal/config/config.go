// Package config loads server settings from .env, environment variables and
// an optional config.yaml, validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dotcommander/wenshape/internal/agent"
)

// responseCacheTTL bounds how long an identical chat call may be served
// from memory.
const responseCacheTTL = 5 * time.Minute

// Config is the full process configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" validate:"required"`
	Storage StorageConfig `yaml:"storage" validate:"required"`
	LLM     LLMConfig     `yaml:"llm"`
	Limits  Limits        `yaml:"limits"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`
	AutoPort bool   `yaml:"auto_port"`
	Debug    bool   `yaml:"debug"`
}

// StorageConfig controls the project data root.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir" validate:"required"`
	HistoryKeep int    `yaml:"history_keep" validate:"min=0,max=20"`
}

// LLMConfig carries provider profiles and the agent assignment table. An
// empty profile list means every agent runs on the deterministic mock.
type LLMConfig struct {
	DefaultProvider string            `yaml:"default_provider"`
	Profiles        []agent.Profile   `yaml:"profiles" validate:"dive"`
	Assignments     map[string]string `yaml:"assignments"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads .env, the optional YAML config and the environment, in that
// order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	path := configPath()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8787},
		Storage: StorageConfig{DataDir: "data", HistoryKeep: 3},
		Limits:  DefaultLimits(),
	}
}

// configPath resolves the optional YAML config location.
func configPath() string {
	if path := os.Getenv("WENSHAPE_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "wenshape", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "wenshape", "config.yaml")
}

// applyEnv overlays the environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Server.Debug = isTruthy(v)
	}
	if v := os.Getenv("WENSHAPE_AUTO_PORT"); v != "" {
		cfg.Server.AutoPort = isTruthy(v)
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("WENSHAPE_LLM_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// expandTilde expands a leading ~/ to the user's home directory.
func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func (c *Config) validate() error {
	c.Storage.DataDir = expandTilde(c.Storage.DataDir)
	c.Limits.applyDefaults()

	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ids := make(map[string]bool)
	for _, p := range c.LLM.Profiles {
		if p.ID == "" || p.Model == "" {
			return fmt.Errorf("config validation failed: llm profile needs id and model")
		}
		if ids[p.ID] {
			return fmt.Errorf("config validation failed: duplicate llm profile %q", p.ID)
		}
		ids[p.ID] = true
	}
	if c.LLM.DefaultProvider != "" && c.LLM.DefaultProvider != "mock" && !ids[c.LLM.DefaultProvider] {
		return fmt.Errorf("config validation failed: default provider %q has no profile", c.LLM.DefaultProvider)
	}
	return nil
}

// Gateway builds the LLM gateway described by the config.
func (c *Config) Gateway() *agent.Gateway {
	var opts []agent.GatewayOption
	if c.LLM.DefaultProvider != "" {
		opts = append(opts, agent.WithDefaultProvider(c.LLM.DefaultProvider))
	}
	if len(c.LLM.Assignments) > 0 {
		opts = append(opts, agent.WithAssignments(c.LLM.Assignments))
	}
	opts = append(opts,
		agent.WithProviderDefaults(c.Limits.LLMTimeout, c.Limits.LLMMaxRetries),
		agent.WithResponseCache(agent.NewResponseCache(responseCacheTTL, nil)),
	)
	return agent.NewGateway(c.LLM.Profiles, opts...)
}
