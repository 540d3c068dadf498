package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EncryptionKeyEnv overrides storage.encryption_key when set.
const EncryptionKeyEnv = "KITEDB_ENCRYPTION_KEY"

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

type Arguments struct {
	// Path of the YAML file the settings were loaded from, if any
	ConfigFile string `yaml:"-"`

	Storage StorageSettings `yaml:"storage"`
	Logging LoggingSettings `yaml:"logging"`
	Journal JournalSettings `yaml:"journal"`

	// Development logging to stdout at debug level
	Debug bool `yaml:"debug"`
}

type StorageSettings struct {
	// The file path to the datafiles; one directory per database
	DataRoot string `yaml:"data_root"`

	// How many collection names go into one chunk file
	ChunkSize int `yaml:"chunk_size"`

	// Raw AES key: 16, 24 or 32 bytes
	EncryptionKey string `yaml:"encryption_key"`

	// When set, the AES key is derived from the passphrase instead
	Passphrase     string `yaml:"passphrase"`
	PassphraseSalt string `yaml:"passphrase_salt"`

	// none, zstd or lz4
	Compression string `yaml:"compression"`

	// Free space must be at least the serialized size times this factor
	DiskMargin float64 `yaml:"disk_margin"`
}

type LoggingSettings struct {
	Level string `yaml:"level"`

	// Empty logs to stdout only
	Directory string `yaml:"directory"`

	// Print log messages to screen as well as the log file
	PrintToScreen bool `yaml:"print"`
}

type JournalSettings struct {
	// Empty disables the journal
	Directory string `yaml:"directory"`

	MaxFileSize int64 `yaml:"max_file_size"`
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() *Arguments {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Arguments{
		Storage: StorageSettings{
			DataRoot:       filepath.Join(cwd, "db"),
			ChunkSize:      1000,
			EncryptionKey:  "thisisasecretkey",
			PassphraseSalt: "kitedb-storage",
			Compression:    CompressionNone,
			DiskMargin:     1.5,
		},
		Logging: LoggingSettings{
			Level:         "info",
			PrintToScreen: true,
		},
		Journal: JournalSettings{
			MaxFileSize: 1000000,
		},
	}
}

// LoadSettings starts from the defaults, merges the YAML file at path when
// it exists, then applies the environment. A missing file is not an error.
func LoadSettings(path string) (*Arguments, error) {
	args := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, args); err != nil {
				return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
			}
			args.ConfigFile = path
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if key := os.Getenv(EncryptionKeyEnv); key != "" {
		args.Storage.EncryptionKey = key
	}

	if err := args.Validate(); err != nil {
		return nil, err
	}
	return args, nil
}

// Validate checks the settings that would otherwise fail deep inside the engine.
func (a *Arguments) Validate() error {
	if a.Storage.DataRoot == "" {
		return fmt.Errorf("storage.data_root must not be empty")
	}
	if a.Storage.ChunkSize <= 0 {
		return fmt.Errorf("storage.chunk_size must be positive, got %d", a.Storage.ChunkSize)
	}
	switch a.Storage.Compression {
	case "", CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return fmt.Errorf("storage.compression must be one of none, zstd, lz4; got %q", a.Storage.Compression)
	}
	if a.Storage.DiskMargin < 1 {
		return fmt.Errorf("storage.disk_margin must be at least 1, got %v", a.Storage.DiskMargin)
	}
	return nil
}

// EncryptionKey returns the AES key bytes. A configured passphrase is
// stretched with Argon2id into a 32-byte key; otherwise the raw key is used
// as-is and its length is checked by the storage engine.
func (a *Arguments) EncryptionKey() []byte {
	if a.Storage.Passphrase != "" {
		return argon2.IDKey([]byte(a.Storage.Passphrase), []byte(a.Storage.PassphraseSalt), 1, 64*1024, 4, 32)
	}
	return []byte(a.Storage.EncryptionKey)
}
