// Package config loads the bluechat YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in Config.Transport.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// DefaultServiceID matches chat.DefaultServiceID.
const DefaultServiceID = "00001101-0000-1000-8000-00805f9b34fb"

// Config holds the bluechat configuration.
type Config struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	Listen    string `yaml:"listen"`
	ServiceID string `yaml:"service_id"`
	LogLevel  string `yaml:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	name, err := os.Hostname()
	if err != nil {
		name = "bluechat"
	}
	return &Config{
		Name:      name,
		Transport: TransportTCP,
		Listen:    ":8080",
		ServiceID: DefaultServiceID,
		LogLevel:  "info",
	}
}

// DefaultPath returns the default config file path: ~/.bluechat/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".bluechat", "config.yaml")
	}
	return filepath.Join(home, ".bluechat", "config.yaml")
}

// Load reads the configuration from the given YAML file path. Fields
// missing from the file keep their defaults. If the file does not exist,
// it returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q: want %q or %q", c.Transport, TransportTCP, TransportWebSocket)
	}
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if _, err := c.Service(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Service parses ServiceID.
func (c *Config) Service() (uuid.UUID, error) {
	id, err := uuid.Parse(c.ServiceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid service_id %q: %w", c.ServiceID, err)
	}
	return id, nil
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log_level: %w", err)
	}
	return lvl, nil
}
