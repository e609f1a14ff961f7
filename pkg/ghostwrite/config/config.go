// Package config loads the service configuration from YAML with .env
// support and environment variable expansion in config values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	Sessions  SessionsConfig  `yaml:"sessions"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SessionsConfig lists the authorized session codes.
type SessionsConfig struct {
	Codes []string `yaml:"codes"`
}

// StoreConfig locates the SQLite document store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig holds the WhatsApp connection settings.
type TransportConfig struct {
	SessionsDir string `yaml:"sessions_dir"`
	DeviceName  string `yaml:"device_name"`
}

// GatewayConfig holds the HTTP listener settings.
type GatewayConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Store:     StoreConfig{Path: "data/ghostwrite.db"},
		Transport: TransportConfig{SessionsDir: "data/sessions", DeviceName: "Ghostwrite"},
		Gateway:   GatewayConfig{Addr: ":8080"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadFile reads and parses a YAML configuration file. Loads .env files
// first and expands environment variable references in values.
func LoadFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindFile searches the standard config locations.
func FindFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"ghostwrite.yaml",
		"ghostwrite.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks the configuration for startup-blocking mistakes.
func (c *Config) Validate() error {
	if len(c.Sessions.Codes) == 0 {
		return fmt.Errorf("config: sessions.codes must list at least one session code")
	}
	seen := make(map[string]bool, len(c.Sessions.Codes))
	for _, code := range c.Sessions.Codes {
		if code == "" {
			return fmt.Errorf("config: empty session code")
		}
		if seen[code] {
			return fmt.Errorf("config: duplicate session code %q", code)
		}
		seen[code] = true
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	return nil
}

// loadEnvFiles loads .env files from standard locations. godotenv does
// not overwrite variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with
// environment values. An unset variable without a default keeps its
// placeholder.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, def := sub[1], sub[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if strings.Contains(match, ":-") {
			return def
		}
		return match
	})
}

// resolveSecrets fills the gateway token from the environment when the
// config leaves it empty.
func resolveSecrets(cfg *Config) {
	if cfg.Gateway.Token == "" {
		cfg.Gateway.Token = os.Getenv("GHOSTWRITE_TOKEN")
	}
}

// resolveRelativePaths anchors relative paths at the config file's
// directory so startup does not depend on the working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Store.Path = resolvePath(cfg.Store.Path, dir)
	cfg.Transport.SessionsDir = resolvePath(cfg.Transport.SessionsDir, dir)
}

func resolvePath(path, dir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return filepath.Join(dir, path)
}
