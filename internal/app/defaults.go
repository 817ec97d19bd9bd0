package app

import (
	"fmt"
	"os"
	"path/filepath"

	"chronoshare/internal/config"
)

// GetDefaults returns application default paths, checking environment
// variables first.
//
// Environment variables:
//   - CHRONOSHARE_CONFIG_PATH: config file location (default: ~/.chronoshare/config.toml)
//   - CHRONOSHARE_HOME: base directory for chronoshare data (default: ~/.chronoshare)
func GetDefaults() (map[string]string, error) {
	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": config.ResolvePath(),
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getBaseDir returns the base directory for chronoshare data, checking
// CHRONOSHARE_HOME first, then falling back to ~/.chronoshare.
func getBaseDir() (string, error) {
	if path := os.Getenv("CHRONOSHARE_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".chronoshare"), nil
}
