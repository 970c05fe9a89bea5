package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-dataprotect/pkg/hsm"
	"github.com/dd0wney/cluso-dataprotect/pkg/validation"
)

// AdminConfig is the CLI's YAML configuration
type AdminConfig struct {
	// MasterKeyHex is the hex-encoded 32-byte wrapping key. Prefer
	// MasterKeyFile or the DATAPROTECT_MASTER_KEY env var over inlining.
	MasterKeyHex  string `yaml:"master_key_hex,omitempty"`
	MasterKeyFile string `yaml:"master_key_file,omitempty"`

	// KeyDir is where the soft gateway persists wrapped key material
	KeyDir string `yaml:"key_dir"`

	// KeysFile is the JSON key metadata store path. Ignored when
	// DatabaseURL is set.
	KeysFile    string `yaml:"keys_file,omitempty"`
	DatabaseURL string `yaml:"database_url,omitempty"`

	DefaultPurpose string `yaml:"default_purpose,omitempty"`
	// KeyTTL is a Go duration string, e.g. "8760h"
	KeyTTL string `yaml:"key_ttl,omitempty"`
}

// keyTTL parses the configured TTL; empty means no expiry
func (c AdminConfig) keyTTL() (time.Duration, error) {
	if c.KeyTTL == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(c.KeyTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid key_ttl %q: %w", c.KeyTTL, err)
	}
	return ttl, nil
}

// Validate checks the configuration
func (c AdminConfig) Validate() error {
	return validation.NewConfigValidator("AdminConfig").
		Required("KeyDir", c.KeyDir).
		Custom("KeysFile", func() error {
			if c.KeysFile == "" && c.DatabaseURL == "" {
				return fmt.Errorf("either keys_file or database_url is required")
			}
			return nil
		}).
		Validate()
}

// loadConfig reads and validates the YAML config. Unknown fields are
// rejected rather than silently ignored.
func loadConfig(path string) (AdminConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AdminConfig{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)

	var config AdminConfig
	if err := dec.Decode(&config); err != nil {
		return AdminConfig{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	config.DefaultPurpose = validation.DefaultOr(config.DefaultPurpose, "graph-data")

	if err := config.Validate(); err != nil {
		return AdminConfig{}, err
	}
	return config, nil
}

// masterKey resolves the wrapping key: env var first, then key file,
// then the inline hex value.
func (c AdminConfig) masterKey() ([]byte, error) {
	keyHex := os.Getenv("DATAPROTECT_MASTER_KEY")
	if keyHex == "" && c.MasterKeyFile != "" {
		raw, err := os.ReadFile(c.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading master key file: %w", err)
		}
		keyHex = strings.TrimSpace(string(raw))
	}
	if keyHex == "" {
		keyHex = c.MasterKeyHex
	}
	if keyHex == "" {
		return nil, fmt.Errorf("no master key: set DATAPROTECT_MASTER_KEY, master_key_file, or master_key_hex")
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != hsm.MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", hsm.MasterKeySize, len(key))
	}
	return key, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
