package main

import (
	"fmt"
	"os"

	"github.com/scanhub-os/scanhub/common/config"
	"github.com/scanhub-os/scanhub/server/storage"
)

// ServerConfig is the server configuration loaded from server.toml.
type ServerConfig struct {
	Listen   ListenConfig           `toml:"listen"`
	DataLake DataLakeConfig         `toml:"data_lake"`
	TaskAPI  TaskAPIConfig          `toml:"task_api"`
	Database storage.DatabaseConfig `toml:"database"`
	Logging  LoggingConfig          `toml:"logging"`
}

// ListenConfig holds the HTTP listener settings.
type ListenConfig struct {
	Address  string `toml:"address"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// DataLakeConfig locates result storage. The directory may be overridden by
// the SCANHUB_DATA_LAKE environment variable.
type DataLakeConfig struct {
	Directory string `toml:"directory"`
}

// TaskAPIConfig points at the exam-manager collaborator.
type TaskAPIConfig struct {
	BaseURL string `toml:"base_url"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

// DefaultServerConfig returns a server configuration with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:   ListenConfig{Address: ":8443"},
		DataLake: DataLakeConfig{Directory: "data_lake"},
		TaskAPI:  TaskAPIConfig{BaseURL: "http://localhost:8003/api/v1/exam"},
		Database: storage.DatabaseConfig{Driver: "sqlite", Path: "scanhub.db"},
		Logging:  LoggingConfig{Level: "info", Console: true},
	}
}

// loadServerConfig finds and parses server.toml, writing a default file
// beside the executable when none exists.
func loadServerConfig() (*ServerConfig, string, error) {
	cfg := DefaultServerConfig()

	path, data, err := config.FindConfigFile("server.toml", "server")
	if err != nil {
		exe, exeErr := os.Executable()
		if exeErr != nil {
			return nil, "", fmt.Errorf("cannot locate executable for default config: %w", exeErr)
		}
		path = exe + ".toml"
		if writeErr := config.WriteDefaultTOML(path, cfg); writeErr != nil {
			return nil, "", writeErr
		}
	} else if err := config.LoadTOML(data, cfg); err != nil {
		return nil, "", err
	}

	if lake := os.Getenv("SCANHUB_DATA_LAKE"); lake != "" {
		cfg.DataLake.Directory = lake
	}

	if cfg.Listen.Address == "" {
		return nil, "", fmt.Errorf("listen.address is required")
	}
	if cfg.DataLake.Directory == "" {
		return nil, "", fmt.Errorf("data_lake.directory is required")
	}
	return cfg, path, nil
}
