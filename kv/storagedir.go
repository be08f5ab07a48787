package kv

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "kvconform"

// StorageDir resolves the directory the KV storage engine should use,
// following the same precedence order as the caller's cache directory
// conventions: an explicit override, then the XDG/platform cache directory,
// then the system temp directory as a last resort.
//
// Priority (highest to lowest):
//  1. KV_STORAGE_DIR environment variable
//  2. A "kv" subdirectory of the XDG/platform cache directory
//  3. os.TempDir()/kvconform/cache/kv
func StorageDir() string {
	if dir := os.Getenv("KV_STORAGE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(cacheDir(), "kv")
}

func cacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, "Library", "Caches", appDirName)
		}
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, appDirName, "cache")
		}
	default: // linux and other unix-likes
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			return filepath.Join(xdgCache, appDirName)
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".cache", appDirName)
		}
	}
	return filepath.Join(os.TempDir(), appDirName, "cache")
}
