package guard

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config carries the calibrated similarity threshold. It is produced by
// offline calibration and loaded by the online request path.
type Config struct {
	HammingMaxThreshold int `json:"hamming_max_threshold"`
}

// DefaultConfig is a conservative starting point used when no calibrated
// file is available yet.
func DefaultConfig() Config {
	return Config{HammingMaxThreshold: 8}
}

// Validate checks the threshold stays within the 64-bit fingerprint range.
func (c Config) Validate() error {
	if c.HammingMaxThreshold < 0 || c.HammingMaxThreshold > 64 {
		return fmt.Errorf("guard: threshold %d outside [0,64]", c.HammingMaxThreshold)
	}
	return nil
}

// LoadConfig reads a calibrated config from disk.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("guard: read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("guard: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig persists a config to disk.
func SaveConfig(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("guard: marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("guard: write config: %w", err)
	}
	return nil
}
