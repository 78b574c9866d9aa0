package configstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	configFileName = "config.toml"
	appDirName     = "berth"
)

// GetConfigPath resolves the berth configuration directory and file path.
// BERTH_HOME wins, then $XDG_CONFIG_HOME/berth, then ~/.config/berth.
func GetConfigPath() (string, string, error) {
	dir, err := resolveAppDir("BERTH_HOME", "XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", "", err
	}
	return dir, filepath.Join(dir, configFileName), nil
}

// DataRoot resolves where persistent state lives: credential state
// directories and persistent homes. BERTH_DATA_DIR wins, then
// $XDG_DATA_HOME/berth, then ~/.local/share/berth.
func DataRoot() (string, error) {
	return resolveAppDir("BERTH_DATA_DIR", "XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func resolveAppDir(overrideEnv, xdgEnv, homeRelative string) (string, error) {
	if override := strings.TrimSpace(os.Getenv(overrideEnv)); override != "" {
		expanded, err := expandLeadingTilde(override)
		if err != nil {
			return "", fmt.Errorf("resolve %s %q: %w", overrideEnv, override, err)
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return "", fmt.Errorf("resolve %s %q: %w", overrideEnv, override, err)
		}
		return abs, nil
	}

	if base := strings.TrimSpace(os.Getenv(xdgEnv)); base != "" {
		return filepath.Join(base, appDirName), nil
	}

	home, err := ResolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, homeRelative, appDirName), nil
}

// ResolveHomeDir reads HOME on every call so that tests and callers that
// change the environment see the new value. os.UserHomeDir is the fallback.
func ResolveHomeDir() (string, error) {
	home := strings.TrimSpace(os.Getenv("HOME"))
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
	}
	if strings.TrimSpace(home) == "" {
		return "", errors.New("resolve home dir: HOME is empty")
	}
	return filepath.Clean(home), nil
}
