package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "sajilochat"
	// DefaultServerAddress is the chat relay's TCP endpoint.
	DefaultServerAddress = "127.0.0.1:5050"
	// DefaultDirectoryURL is the auth and key directory HTTP endpoint.
	DefaultDirectoryURL = "http://127.0.0.1:5001"
	// DefaultChunkSize is the outbound file chunk size in bytes.
	DefaultChunkSize = 64 * 1024
	// DefaultTransferTimeoutSeconds resets a stalled inbound file transfer.
	DefaultTransferTimeoutSeconds = 30
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	Username               string `json:"username"`
	ServerAddress          string `json:"server_address"`
	DirectoryURL           string `json:"directory_url"`
	DownloadDir            string `json:"download_dir"`
	ChunkSize              int    `json:"chunk_size"`
	TransferTimeoutSeconds int    `json:"transfer_timeout_seconds"`
}

// TransferTimeout returns the stall timeout as a duration.
func (c *ClientConfig) TransferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SAJILO_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("SAJILO_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		ServerAddress:          DefaultServerAddress,
		DirectoryURL:           DefaultDirectoryURL,
		DownloadDir:            filepath.Join(dataDir, "downloads"),
		ChunkSize:              DefaultChunkSize,
		TransferTimeoutSeconds: DefaultTransferTimeoutSeconds,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.ServerAddress == "" {
		cfg.ServerAddress = DefaultServerAddress
		updated = true
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = DefaultDirectoryURL
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.TransferTimeoutSeconds <= 0 {
		cfg.TransferTimeoutSeconds = DefaultTransferTimeoutSeconds
		updated = true
	}

	return updated
}
