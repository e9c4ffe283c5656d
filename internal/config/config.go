// Package config manages ANC session configuration, following the same
// "Default/Load/Save, never error on Load" JSON persistence shape as
// the ancestor client's own config package, extended with a YAML
// encoding for the command-line harness.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Algorithm selects which adaptive filter bank a session uses (§4.5).
type Algorithm string

const (
	AlgorithmNLMS   Algorithm = "nlms"
	AlgorithmRLS    Algorithm = "rls"
	AlgorithmHybrid Algorithm = "hybrid"
)

// Config is the full set of options accepted by anccore.Initialize
// (§6's initialize(config) contract).
type Config struct {
	SampleRate   int       `json:"sample_rate" yaml:"sample_rate"`
	BlockSize    int       `json:"block_size" yaml:"block_size"`
	FilterLength int       `json:"filter_length" yaml:"filter_length"`
	Algorithm    Algorithm `json:"algorithm" yaml:"algorithm"`
	Channels     int       `json:"channels" yaml:"channels"`

	// ChannelGains is an optional fixed per-channel gain vector applied
	// to each channel's anti-noise output (§4.5.6's beamforming config).
	// Empty means unity gain on every channel.
	ChannelGains []float32 `json:"channel_gains,omitempty" yaml:"channel_gains,omitempty"`

	ClassifierModelPath string `json:"classifier_model_path" yaml:"classifier_model_path"`
	UseDeepClassifier   bool   `json:"use_deep_classifier" yaml:"use_deep_classifier"`

	EmergencySet []string `json:"emergency_set" yaml:"emergency_set"`
	ThresholdOn  float32  `json:"theta_on" yaml:"theta_on"`
	ThresholdOff float32  `json:"theta_off" yaml:"theta_off"`
	HoldMs       int      `json:"hold_ms" yaml:"hold_ms"`

	// PersistPath names a file for filter state in internal/persist's
	// ANCF format. It is carried in the config only: no package in this
	// module reads or writes filter state at this path.
	PersistPath string `json:"persist_path,omitempty" yaml:"persist_path,omitempty"`
}

// Default returns a Config populated with the spec's documented
// defaults (§4.2, §4.4, §4.5).
func Default() Config {
	return Config{
		SampleRate:   48000,
		BlockSize:    1024,
		FilterLength: 512,
		Algorithm:    AlgorithmNLMS,
		Channels:     1,
		EmergencySet: []string{"alarm", "siren", "fire_alarm", "warning", "emergency"},
		ThresholdOn:  0.70,
		ThresholdOff: 0.55,
		HoldMs:       2000,
	}
}

// Validate checks the Configuration-kind failure conditions §7 requires
// initialize to reject before any buffers are allocated.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block_size must be positive, got %d", c.BlockSize)
	}
	if c.FilterLength <= 0 {
		return fmt.Errorf("config: filter_length must be positive, got %d", c.FilterLength)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("config: channels must be positive, got %d", c.Channels)
	}
	switch c.Algorithm {
	case AlgorithmNLMS, AlgorithmRLS, AlgorithmHybrid:
	default:
		return fmt.Errorf("config: unknown algorithm %q", c.Algorithm)
	}
	if c.UseDeepClassifier && c.ClassifierModelPath == "" {
		return fmt.Errorf("config: use_deep_classifier requires classifier_model_path")
	}
	if c.ThresholdOff >= c.ThresholdOn {
		return fmt.Errorf("config: theta_off (%v) must be less than theta_on (%v)", c.ThresholdOff, c.ThresholdOn)
	}
	if c.HoldMs < 0 {
		return fmt.Errorf("config: hold_ms must not be negative, got %d", c.HoldMs)
	}
	if len(c.ChannelGains) > 0 && len(c.ChannelGains) != c.Channels {
		return fmt.Errorf("config: channel_gains has %d entries, want %d (one per channel)", len(c.ChannelGains), c.Channels)
	}
	return nil
}

// Path returns the default on-disk location for a saved session config.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "anc-backend", "config.json"), nil
}

// Load reads the config file at Path and returns it. Mirroring the
// ancestor client.config.Load, any error (missing file, unreadable,
// malformed) silently falls back to Default rather than failing —
// config loading is best-effort, unlike Validate which is strict.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg as JSON to Path, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadYAML reads a Config from a YAML file at path, applying Default's
// values first so a partial file still yields a usable Config. Unlike
// Load, this returns an error — it is used by the CLI harness where a
// bad --config flag should fail fast rather than silently default.
func LoadYAML(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveYAML writes cfg as YAML to path.
func SaveYAML(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
