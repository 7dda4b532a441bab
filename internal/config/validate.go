package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if a := cfg.Device.Address; a != "" && !validAddress(a) {
		return fmt.Errorf("device.address %q is neither a MAC address (AA:BB:CC:DD:EE:FF) nor a peripheral UUID", a)
	}
	if cfg.Device.ScanTimeoutMs < 0 {
		return fmt.Errorf("device.scan_timeout_ms must not be negative, got %d", cfg.Device.ScanTimeoutMs)
	}
	if cfg.Protocol.ResponseTimeoutMs < 0 {
		return fmt.Errorf("protocol.response_timeout_ms must not be negative, got %d", cfg.Protocol.ResponseTimeoutMs)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Normalize canonicalizes validated values. It must be called after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if isMAC(cfg.Device.Address) {
		cfg.Device.Address = strings.ToUpper(cfg.Device.Address)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
}

// validAddress accepts a MAC address, used on Linux and Windows, or a
// peripheral UUID, which macOS uses instead.
func validAddress(s string) bool {
	if isMAC(s) {
		return true
	}
	_, err := bluetooth.ParseUUID(s)
	return err == nil && strings.Count(s, "-") == 4
}

func isMAC(s string) bool {
	if strings.Count(s, ":") != 5 {
		return false
	}
	_, err := bluetooth.ParseMAC(s)
	return err == nil
}
