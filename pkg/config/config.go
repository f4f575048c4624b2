// Package config loads and validates the PoA coordination server's YAML
// configuration, falling back to embedded default profiles the way the
// node's own config loader falls back to its embedded protocol files.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	embeds "github.com/poa-network/coordinator/config"
)

// Mode selects which embedded default profile backs an unconfigured
// field set, or which embedded file Load reads wholesale.
type Mode string

const (
	ModeProd Mode = "prod"
	ModeDev  Mode = "dev"
)

// Config is the top-level configuration for the coordination server.
type Config struct {
	Core CoreConfiguration `yaml:"Core"`
	PoA  PoAConfiguration  `yaml:"PoA"`
}

// Validate runs every section's Validate method.
func (c Config) Validate() error {
	if err := c.Core.Validate(); err != nil {
		return fmt.Errorf("Core: %w", err)
	}
	if err := c.PoA.Validate(); err != nil {
		return fmt.Errorf("PoA: %w", err)
	}
	return nil
}

// Load loads the named embedded default profile.
func Load(mode Mode) (Config, error) {
	data, err := embeddedData(mode)
	if err != nil {
		return Config{}, err
	}
	return decode(data)
}

// LoadFile loads configuration from path, falling back to the named
// embedded profile when no file exists at path. An existing file is
// decoded on its own, without merging the embedded profile's values, so
// it must carry every field that Validate requires.
func LoadFile(path string, mode Mode) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Load(mode)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return decode(data)
}

func embeddedData(mode Mode) ([]byte, error) {
	switch mode {
	case ModeProd:
		return embeds.Prod, nil
	case ModeDev:
		return embeds.Dev, nil
	default:
		return nil, fmt.Errorf("config: unknown mode %q", mode)
	}
}

func decode(data []byte) (Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
