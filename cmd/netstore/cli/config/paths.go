// Package config provides configuration management for the netstore CLI.
package config

import (
	"os"
	"path/filepath"
)

// CacheDir returns the default disk cache directory.
// Uses XDG_CACHE_HOME/netstore, defaulting to ~/.cache/netstore.
func CacheDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "netstore"), nil
}

// Dir returns the netstore config directory.
// Uses XDG_CONFIG_HOME/netstore, defaulting to ~/.config/netstore.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "netstore"), nil
}

// CookieFile returns the default cookie jar file.
// Uses XDG_DATA_HOME/netstore/cookies.zst, defaulting to
// ~/.local/share/netstore/cookies.zst.
func CookieFile() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "netstore", "cookies.zst"), nil
}
