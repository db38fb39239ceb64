package storesync

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ArchiveBackendKind selects where snapshot blobs are archived.
type ArchiveBackendKind string

const (
	ArchiveMemory ArchiveBackendKind = "memory"
	ArchiveFile   ArchiveBackendKind = "file"
	ArchiveS3     ArchiveBackendKind = "s3"
)

// ArchiveConfig selects and configures the snapshot blob backend.
type ArchiveConfig struct {
	// Backend is one of "memory", "file", "s3". Default: memory.
	Backend ArchiveBackendKind `yaml:"backend"`

	// Path is the root directory for the file backend.
	Path string `yaml:"path"`

	// S3 configures the s3 backend.
	S3 S3Config `yaml:"s3"`
}

// Config is the top-level engine configuration.
type Config struct {
	// Store configures the local SQLite replica. An empty Path keeps
	// the replica in memory.
	Store SQLiteStoreConfig `yaml:"store"`

	// Transport configures the HTTP sync API client.
	Transport HTTPTransportConfig `yaml:"transport"`

	// Channel configures the websocket change channel. An empty URL
	// disables it; the engine then relies on periodic sync alone.
	Channel ChannelConfig `yaml:"channel"`

	// Queue configures the offline action queue.
	Queue QueueConfig `yaml:"queue"`

	// Sync configures the reconciliation orchestrator.
	Sync SyncConfig `yaml:"sync"`

	// Ledger configures conflict tracking and snapshots.
	Ledger LedgerConfig `yaml:"ledger"`

	// Archive selects the snapshot blob backend.
	Archive ArchiveConfig `yaml:"archive"`

	// Encryption configures at-rest encryption of payloads and
	// snapshot blobs.
	Encryption EncryptionConfig `yaml:"encryption"`
}

// DefaultConfig returns a ready-to-use configuration: in-memory
// replica, in-memory snapshot archive, customer role.
func DefaultConfig() Config {
	return Config{
		Store:   DefaultSQLiteStoreConfig(),
		Queue:   DefaultQueueConfig(),
		Sync:    DefaultSyncConfig(),
		Channel: DefaultChannelConfig(),
		Ledger:  DefaultLedgerConfig(),
		Archive: ArchiveConfig{Backend: ArchiveMemory},
	}
}

// LoadConfig reads a YAML configuration file, layered over defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that default repair cannot
// fix.
func (c Config) Validate() error {
	if c.Transport.BaseURL == "" {
		return errors.New("transport.base_url is required")
	}
	switch c.Archive.Backend {
	case "", ArchiveMemory:
	case ArchiveFile:
		if c.Archive.Path == "" {
			return errors.New("archive.path is required for the file backend")
		}
	case ArchiveS3:
		if c.Archive.S3.Bucket == "" {
			return errors.New("archive.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	switch c.Sync.Role {
	case "", RoleCustomer, RoleOwner, RolePartner:
	default:
		return fmt.Errorf("unknown sync role %q", c.Sync.Role)
	}
	if c.Encryption.Enabled && len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return errors.New("encryption enabled but no key or key_password given")
	}
	return nil
}

// newArchiveBackend builds the blob backend the config selects.
func newArchiveBackend(cfg ArchiveConfig) (BlobBackend, error) {
	switch cfg.Backend {
	case "", ArchiveMemory:
		return NewMemoryBackend(), nil
	case ArchiveFile:
		return NewFileBackend(cfg.Path)
	case ArchiveS3:
		return NewS3Backend(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
