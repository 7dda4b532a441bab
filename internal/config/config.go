package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/bledfu/internal/protocol"
)

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Log      LogConfig      `yaml:"log"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Address       string `yaml:"address"` // optional; first DFU device otherwise
	Name          string `yaml:"name"`    // optional local-name filter
	ScanTimeoutMs int    `yaml:"scan_timeout_ms"`
}

// ---- PROTOCOL ----

type ProtocolConfig struct {
	ResponseTimeoutMs int `yaml:"response_timeout_ms"`
}

// ---- LOG ----

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ScanTimeoutMs: int(protocol.DefaultScanTimeout / time.Millisecond),
		},
		Protocol: ProtocolConfig{
			ResponseTimeoutMs: int(protocol.DefaultResponseTimeout / time.Millisecond),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file on top of the defaults, then validates and
// normalizes the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Explicit zeros mean "use the default".
	def := Default()
	if cfg.Device.ScanTimeoutMs == 0 {
		cfg.Device.ScanTimeoutMs = def.Device.ScanTimeoutMs
	}
	if cfg.Protocol.ResponseTimeoutMs == 0 {
		cfg.Protocol.ResponseTimeoutMs = def.Protocol.ResponseTimeoutMs
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}

func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Device.ScanTimeoutMs) * time.Millisecond
}

func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Protocol.ResponseTimeoutMs) * time.Millisecond
}
