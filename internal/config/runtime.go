package config

import (
	"os"
	"path/filepath"
)

func GetRuntimePath() string {
	path := os.Getenv("ENGRAM_RUNTIME_PATH")
	if path == "" {
		path = ".engram"
	}

	if !filepath.IsAbs(path) {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path)
	}
	return path
}

func IsDebug() bool {
	return os.Getenv("ENGRAM_DEBUG") == "1"
}
