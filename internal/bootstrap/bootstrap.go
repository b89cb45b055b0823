// Package bootstrap performs startup initialization shared by CLI commands.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/phamanh/gemini-bridge/internal/config"
	log "github.com/phamanh/gemini-bridge/internal/logging"
)

// Result carries the loaded configuration and where it came from.
type Result struct {
	Config         *config.Config
	ConfigFilePath string
}

// DefaultConfigPath is where the bridge looks when no --config flag is
// given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".gemini-bridge", "config.yaml")
}

// Bootstrap loads .env, the YAML config and env overrides, then validates
// the result. A missing config file falls back to defaults.
func Bootstrap(configPath string) (*Result, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	configPath = os.ExpandEnv(configPath)
	if strings.HasPrefix(configPath, "~") {
		if home, errHome := os.UserHomeDir(); errHome == nil {
			configPath = filepath.Join(home, configPath[1:])
		}
	}

	cfg, err := config.LoadConfigOptional(configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Hot reload only makes sense when the file actually exists.
	path := configPath
	if _, statErr := os.Stat(configPath); statErr != nil {
		path = ""
	}
	return &Result{Config: cfg, ConfigFilePath: path}, nil
}
