package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("SAJILO_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.ServerAddress != DefaultServerAddress {
		t.Fatalf("expected default server address %q, got %q", DefaultServerAddress, firstCfg.ServerAddress)
	}
	if firstCfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("unexpected download dir %q", firstCfg.DownloadDir)
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.ServerAddress != firstCfg.ServerAddress {
		t.Fatalf("expected stable server address, got %q then %q", firstCfg.ServerAddress, secondCfg.ServerAddress)
	}
	if secondCfg.DownloadDir != firstCfg.DownloadDir {
		t.Fatalf("expected stable download dir, got %q then %q", firstCfg.DownloadDir, secondCfg.DownloadDir)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("SAJILO_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &ClientConfig{
		Username:      "alice",
		ServerAddress: "chat.example.net:5050",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.Username != "alice" {
		t.Fatalf("username not retained, got %q", cfg.Username)
	}
	if cfg.ServerAddress != "chat.example.net:5050" {
		t.Fatalf("configured server address not retained, got %q", cfg.ServerAddress)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("chunk size not normalized, got %d", cfg.ChunkSize)
	}
	if cfg.TransferTimeoutSeconds != DefaultTransferTimeoutSeconds {
		t.Fatalf("transfer timeout not normalized, got %d", cfg.TransferTimeoutSeconds)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.ChunkSize != DefaultChunkSize {
		t.Fatalf("normalized defaults not persisted, got %d", reloaded.ChunkSize)
	}
}
