// Package config provides shared configuration utilities for ScanHub components
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// FindConfigFile searches for a config file in multiple platform-appropriate locations
// Returns the path and data if found, or an error if not found in any location
func FindConfigFile(filename string, component string) (string, []byte, error) {
	searchPaths := GetConfigSearchPaths(filename, component)

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns an ordered list of paths to search for config files
// component should be "device" or "server"
func GetConfigSearchPaths(filename string, component string) []string {
	var searchPaths []string

	// 1. Component-specific system directory (highest priority for services)
	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "ScanHub", component, filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "ScanHub", component, filename))
	default: // Linux and other Unix-like
		searchPaths = append(searchPaths, filepath.Join("/etc/scanhub", component, filename))
	}

	// 2. User-specific config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", "ScanHub", component, filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", "ScanHub", component, filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "scanhub", component, filename))
		}
	}

	// 3. Executable directory
	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	// 4. Current working directory (lowest priority)
	searchPaths = append(searchPaths, filepath.Join(".", filename))

	return searchPaths
}

// GetDataDirectory returns the appropriate directory for storing application data
// When running as service, returns system-wide directory
// When running interactively, returns user-specific directory
func GetDataDirectory(component string, isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "ScanHub", component)
		default: // darwin, Linux
			dataDir = filepath.Join("/var/lib/scanhub", component)
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}

		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "ScanHub", component)
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "ScanHub", component)
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", "scanhub", component)
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// GetLogDirectory returns the appropriate directory for storing logs
func GetLogDirectory(component string, isService bool) (string, error) {
	var logDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "ScanHub", component, "logs")
		default:
			logDir = filepath.Join("/var/log/scanhub", component)
		}
	} else {
		logDir = "logs"
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return logDir, nil
}

// LoadTOML decodes TOML data into the provided structure.
func LoadTOML(data []byte, out interface{}) error {
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// WriteDefaultTOML writes a default TOML configuration file with the provided structure
func WriteDefaultTOML(configPath string, config interface{}) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
