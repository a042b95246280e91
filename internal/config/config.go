// Package config loads and persists the daemon's YAML configuration,
// following the pack's internal/node.Config/LoadConfig/Save pattern
// (SPEC_FULL.md §10.3).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name inside a data directory.
const ConfigFileName = "ceremonyd.yaml"

// IdentityConfig locates this signer's long-lived keypair material.
// KeyFile is the raw 32-byte secp256k1 scalar used for MuSig2 signing;
// EnclaveKeyFile is the Ed25519 private key used to sign outbound
// round-calls and the envelope the inbound listener verifies (SPEC_FULL.md
// §6: "signed with the enclave Ed25519 key" — distinct keyspace from the
// Schnorr signing key).
type IdentityConfig struct {
	SignerID      string `yaml:"signer_id"`
	KeyFile       string `yaml:"key_file"`
	EnclaveKeyFile string `yaml:"enclave_key_file"`
}

// CeremonyConfig maps 1:1 onto the recognized options in SPEC_FULL.md §6.
type CeremonyConfig struct {
	CommandPoolSize       int    `yaml:"command_pool_size"`
	EventPoolSize         int    `yaml:"event_pool_size"`
	CeremonyTTLTicks      uint32 `yaml:"ceremony_ttl_ticks"`
	ReaperIntervalSeconds uint64 `yaml:"reaper_interval_seconds"`
	MinSigners            int    `yaml:"min_signers"`
}

// LoggingConfig controls the structured logger's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus HTTP listener.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// SignerEntryConfig is one roster entry: a signer's long-lived compressed
// Schnorr public key (hex), its Ed25519 envelope-signing public key (hex),
// and its peer address, keyed in Config.Signers by the signer's
// hex-encoded SignerId.
type SignerEntryConfig struct {
	PubKey        string `yaml:"pubkey"`
	EnclavePubKey string `yaml:"enclave_pubkey"`
	Address       string `yaml:"address"`
}

// Config is the daemon's full layered configuration.
type Config struct {
	Identity   IdentityConfig               `yaml:"identity"`
	Listen     string                       `yaml:"listen"`
	PeerListen string                       `yaml:"peer_listen"`
	Signers    map[string]SignerEntryConfig `yaml:"signers"`
	Ceremony CeremonyConfig               `yaml:"ceremony"`
	Logging  LoggingConfig                `yaml:"logging"`
	Metrics  MetricsConfig                `yaml:"metrics"`

	// DataDir is not persisted in the YAML body; it is stamped in by
	// LoadConfig from the directory the config file lives under.
	DataDir string `yaml:"-"`
}

// DefaultConfig returns the spec's stated defaults (SPEC_FULL.md §6/§10.2).
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			KeyFile:        "identity.key",
			EnclaveKeyFile: "enclave.key",
		},
		Listen:     "127.0.0.1:7777",
		PeerListen: "127.0.0.1:7778",
		Signers:    map[string]SignerEntryConfig{},
		Ceremony: CeremonyConfig{
			CommandPoolSize:       8,
			EventPoolSize:         8,
			CeremonyTTLTicks:      10,
			ReaperIntervalSeconds: 3,
			MinSigners:            3,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{ListenAddress: "127.0.0.1:9090"},
	}
}

// LoadConfig reads the config file from dataDir, writing a default one on
// first run.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.DataDir = dataDir
	return cfg, nil
}

// Save writes cfg as YAML to path, creating its parent directory if needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# ceremonyd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ConfigPath returns the config file path for a given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
