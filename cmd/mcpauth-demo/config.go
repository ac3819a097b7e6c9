package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const configFileName = "servers.yaml"

// ServerConfig is one named entry in servers.yaml, letting a user type
// `mcpauth-demo connect work` instead of the full server URL.
type ServerConfig struct {
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url"`
	Scopes     []string `yaml:"scopes"`
	ClientName string   `yaml:"client_name"`
}

// Config is the servers.yaml document, mirroring the teacher's
// internal/config.LoadConfig: missing file falls back to an empty config
// rather than an error.
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mcpauth", configFileName), nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// resolveServer treats arg as a literal URL when it looks like one,
// otherwise looks it up by name in cfg.
func resolveServer(cfg *Config, arg string) (ServerConfig, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return ServerConfig{URL: arg}, nil
	}
	for _, s := range cfg.Servers {
		if s.Name == arg {
			return s, nil
		}
	}
	return ServerConfig{}, fmt.Errorf("no server named %q in servers.yaml, and it isn't a URL", arg)
}
