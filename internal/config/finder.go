package config

import (
	"os"
	"path/filepath"
)

// configExts are the formats viper reads, in lookup order
var configExts = []string{"yml", "yaml", "json", "toml"}

// FindLocalConfig finds local config file by walking up directories
func FindLocalConfig(dir string) string {
	for {
		for _, ext := range configExts {
			path := filepath.Join(dir, ".sbfbuild."+ext)

			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

// FindGlobalConfig returns the first config.<ext> in dir, or ""
func FindGlobalConfig(dir string) string {
	for _, ext := range configExts {
		path := filepath.Join(dir, "config."+ext)

		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
