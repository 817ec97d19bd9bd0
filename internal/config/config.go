package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for a ChronoShare replica.
type Config struct {
	SharedFolderName string `toml:"shared_folder_name"`
	AppName          string `toml:"app_name"`
	UserName         string `toml:"user_name"`
	LocalPrefix      string `toml:"local_prefix"`
	RootDir          string `toml:"root_dir"`
	LogDir           string `toml:"log_dir"`

	SyncInterestIntervalSeconds int `toml:"sync_interest_interval_seconds"`
	FreshnessSeconds            int `toml:"freshness_seconds"`
	ObjectCacheLifetimeSeconds  int `toml:"object_cache_lifetime_seconds"`

	Database   DatabaseConfig   `toml:"database"`
	Transport  TransportConfig  `toml:"transport"`
	Encryption EncryptionConfig `toml:"encryption"`
	Mirror     MirrorConfig     `toml:"mirror"`
}

// DatabaseConfig locates the three SQLite databases a replica keeps
// under its shared-folder metadata directory (§6).
type DatabaseConfig struct {
	MetadataDir string `toml:"metadata_dir"`
}

// TransportConfig configures the NDN face this replica connects
// through.
type TransportConfig struct {
	SyncPrefix       string `toml:"sync_prefix"`
	InterestLifetime int    `toml:"interest_lifetime_seconds"`
}

// EncryptionConfig configures the optional at-rest segment encryption
// layer (opt-in, disabled by default; see internal/objectstore's age
// wrapper).
type EncryptionConfig struct {
	Enabled        bool   `toml:"enabled"`
	Type           string `toml:"type"` // "age" (only supported type today)
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// MirrorConfig configures the optional S3 cold-storage mirror for
// segments (opt-in, disabled by default; see
// internal/objectstore/s3mirror).
type MirrorConfig struct {
	Enabled bool   `toml:"enabled"`
	Bucket  string `toml:"bucket"`
	Prefix  string `toml:"prefix"`
	Region  string `toml:"region"`
}

// NewConfig creates a new Config with the provided values and default
// paths derived from rootDir.
func NewConfig(sharedFolderName, userName, rootDir string) *Config {
	return &Config{
		SharedFolderName:            sharedFolderName,
		AppName:                     "chronoshare",
		UserName:                    userName,
		LocalPrefix:                 userName,
		RootDir:                     rootDir,
		LogDir:                      filepath.Join(rootDir, "log"),
		SyncInterestIntervalSeconds: 5,
		FreshnessSeconds:            -1,
		ObjectCacheLifetimeSeconds:  60,
		Database: DatabaseConfig{
			MetadataDir: filepath.Join(rootDir, ".chronoshare"),
		},
		Transport: TransportConfig{
			SyncPrefix:       fmt.Sprintf("/%s/chronoshare-sync/%s", userName, sharedFolderName),
			InterestLifetime: 4,
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(rootDir, ".chronoshare", "keys", "chronoshare.pub"),
			PrivateKeyPath: filepath.Join(rootDir, ".chronoshare", "keys", "chronoshare.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path, applying
// the CHRONOSHARE_CONFIG_PATH / CHRONOSHARE_HOME environment overrides
// if path is empty.
func ReadFromFile(path string) (*Config, error) {
	if path == "" {
		path = ResolvePath()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePath returns the config file path honoring
// CHRONOSHARE_CONFIG_PATH, falling back to
// $CHRONOSHARE_HOME/config.toml or $HOME/.chronoshare/config.toml.
func ResolvePath() string {
	if p := os.Getenv("CHRONOSHARE_CONFIG_PATH"); p != "" {
		return p
	}
	home := os.Getenv("CHRONOSHARE_HOME")
	if home == "" {
		home = filepath.Join(os.Getenv("HOME"), ".chronoshare")
	}
	return filepath.Join(home, "config.toml")
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the
// provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
