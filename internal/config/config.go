// Package config loads and validates the daemon's YAML configuration,
// merging it with command-line flag overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon's full runtime configuration. Fields mirror
// the YAML keys verbatim (dashes in the file's keys are normalized to
// underscores before matching these tags).
type Config struct {
	BusIndex             int     `yaml:"bus_index"`
	DeviceAddress        int     `yaml:"device_address"`
	BlackoutVoltageLimit float64 `yaml:"blackout_voltage_limit"`
	BlackoutTimeLimit    float64 `yaml:"blackout_time_limit"`
	SocketPath           string  `yaml:"socket_path"`
	SocketGroup          string  `yaml:"socket_group"`
	PoweroffCommand      string  `yaml:"poweroff_command"`
}

// Default returns the built-in configuration used when neither a file
// nor a flag supplies a value.
func Default() Config {
	return Config{
		BusIndex:             1,
		DeviceAddress:        0x17,
		BlackoutVoltageLimit: 9.0,
		BlackoutTimeLimit:    5.0,
		SocketPath:           "/run/halpid/halpid.sock",
		SocketGroup:          "adm",
		PoweroffCommand:      "/sbin/poweroff",
	}
}

// Load reads the YAML file at path, if it exists, and overlays it onto
// the built-in default. A missing file is not an error: the default
// (further overlaid by flags, see Overlay) applies in that case.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	normalized, err := normalizeKeys(data)
	if err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := yaml.Unmarshal(normalized, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// normalizeKeys rewrites every top-level mapping key's dashes to
// underscores before the typed decode, so "bus-index" binds to the
// same field as "bus_index" (spec.md: "Keys normalized by converting
// dashes to underscores").
func normalizeKeys(data []byte) ([]byte, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		normalized[strings.ReplaceAll(k, "-", "_")] = v
	}
	return yaml.Marshal(normalized)
}

// FlagOverrides carries the subset of values that may have been set on
// the command line. A nil pointer field means "flag not set" and the
// file/default value is kept.
type FlagOverrides struct {
	BusIndex             *int
	DeviceAddress        *int
	SocketPath           *string
	SocketGroup          *string
	BlackoutTimeLimit    *float64
	BlackoutVoltageLimit *float64
	PoweroffCommand      *string
}

// Overlay applies flag overrides on top of cfg, giving flags the
// highest precedence (flag > file > default, per spec).
func (cfg Config) Overlay(o FlagOverrides) Config {
	if o.BusIndex != nil {
		cfg.BusIndex = *o.BusIndex
	}
	if o.DeviceAddress != nil {
		cfg.DeviceAddress = *o.DeviceAddress
	}
	if o.SocketPath != nil {
		cfg.SocketPath = *o.SocketPath
	}
	if o.SocketGroup != nil {
		cfg.SocketGroup = *o.SocketGroup
	}
	if o.BlackoutTimeLimit != nil {
		cfg.BlackoutTimeLimit = *o.BlackoutTimeLimit
	}
	if o.BlackoutVoltageLimit != nil {
		cfg.BlackoutVoltageLimit = *o.BlackoutVoltageLimit
	}
	if o.PoweroffCommand != nil {
		cfg.PoweroffCommand = *o.PoweroffCommand
	}
	return cfg
}

// Validate checks the invariants from spec.md §3. It returns the first
// violation found, wrapped so the caller can exit(2) on it.
func (cfg Config) Validate() error {
	if cfg.BlackoutVoltageLimit < 0 || cfg.BlackoutVoltageLimit > 30 {
		return fmt.Errorf("config: blackout_voltage_limit %.2f out of range [0, 30]", cfg.BlackoutVoltageLimit)
	}
	if cfg.BlackoutTimeLimit < 0.1 || cfg.BlackoutTimeLimit > 600 {
		return fmt.Errorf("config: blackout_time_limit %.2f out of range [0.1, 600]", cfg.BlackoutTimeLimit)
	}
	if cfg.DeviceAddress < 0x08 || cfg.DeviceAddress > 0x77 {
		return fmt.Errorf("config: device_address 0x%02x out of range [0x08, 0x77]", cfg.DeviceAddress)
	}
	return nil
}
