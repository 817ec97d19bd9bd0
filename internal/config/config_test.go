package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		SharedFolderName: "team-notes",
		AppName:          "chronoshare",
		UserName:         "/alice/device1",
		LocalPrefix:      "/alice/device1",
		RootDir:          "/home/alice/team-notes",
		LogDir:           "/home/alice/team-notes/log",
		Database: DatabaseConfig{
			MetadataDir: "/home/alice/team-notes/.chronoshare",
		},
		Transport: TransportConfig{
			SyncPrefix:       "/alice/chronoshare-sync/team-notes",
			InterestLifetime: 4,
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  "/home/alice/team-notes/.chronoshare/keys/chronoshare.pub",
			PrivateKeyPath: "/home/alice/team-notes/.chronoshare/keys/chronoshare.key",
		},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.SharedFolderName != original.SharedFolderName {
		t.Errorf("SharedFolderName = %q, want %q", got.SharedFolderName, original.SharedFolderName)
	}
	if got.RootDir != original.RootDir {
		t.Errorf("RootDir = %q, want %q", got.RootDir, original.RootDir)
	}
	if got.LogDir != original.LogDir {
		t.Errorf("LogDir = %q, want %q", got.LogDir, original.LogDir)
	}
	if got.Database.MetadataDir != original.Database.MetadataDir {
		t.Errorf("Database.MetadataDir = %q, want %q", got.Database.MetadataDir, original.Database.MetadataDir)
	}
	if got.Transport.SyncPrefix != original.Transport.SyncPrefix {
		t.Errorf("Transport.SyncPrefix = %q, want %q", got.Transport.SyncPrefix, original.Transport.SyncPrefix)
	}
	if got.Encryption.PublicKeyPath != original.Encryption.PublicKeyPath {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", got.Encryption.PublicKeyPath, original.Encryption.PublicKeyPath)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("team-notes", "/alice/device1", "/data/team-notes")

	if cfg.SharedFolderName != "team-notes" {
		t.Errorf("SharedFolderName = %q, want %q", cfg.SharedFolderName, "team-notes")
	}
	if cfg.RootDir != "/data/team-notes" {
		t.Errorf("RootDir = %q, want %q", cfg.RootDir, "/data/team-notes")
	}
	if cfg.LogDir != "/data/team-notes/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/team-notes/log")
	}
	if cfg.Database.MetadataDir != "/data/team-notes/.chronoshare" {
		t.Errorf("Database.MetadataDir = %q, want %q", cfg.Database.MetadataDir, "/data/team-notes/.chronoshare")
	}
	if cfg.ObjectCacheLifetimeSeconds != 60 {
		t.Errorf("ObjectCacheLifetimeSeconds = %d, want 60", cfg.ObjectCacheLifetimeSeconds)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("team-notes", "/alice/device1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("team-notes", "/alice/device1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("read-test", "/alice/device1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.SharedFolderName != "read-test" {
			t.Errorf("SharedFolderName = %q, want %q", got.SharedFolderName, "read-test")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/config.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
