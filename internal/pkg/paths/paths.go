// Package paths provides path management for different runtime environments.
// Supports development mode (go run) and binary mode.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	basePath string
	dataPath string
	once     sync.Once
)

// IsBinaryMode returns true if running as a compiled binary (not go run).
func IsBinaryMode() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	// go run creates temp binaries in /tmp or similar
	return !isInTempDir(exe)
}

func isInTempDir(path string) bool {
	tempDir := os.TempDir()
	return len(path) > len(tempDir) && path[:len(tempDir)] == tempDir
}

// GetBasePath returns the base path for the application.
// In dev mode: the module root directory (found by its go.mod).
// In binary mode: the directory containing the executable.
func GetBasePath() string {
	once.Do(initPaths)
	return basePath
}

// GetDataPath returns the data directory path.
// Creates the directory if it doesn't exist.
func GetDataPath() string {
	once.Do(initPaths)
	return dataPath
}

// GetDBPath returns the full path to the SQLite database file. DATABASE_URL
// may be a bare path or a "sqlite:"/"file:" prefixed DSN; GetDBPath returns
// just the filesystem path portion.
func GetDBPath() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return stripSQLiteScheme(dsn)
	}
	return filepath.Join(GetDataPath(), "images.db")
}

func stripSQLiteScheme(dsn string) string {
	for _, prefix := range []string{"sqlite://", "sqlite:", "file:"} {
		if len(dsn) > len(prefix) && dsn[:len(prefix)] == prefix {
			return dsn[len(prefix):]
		}
	}
	return dsn
}

// GetStaticDir returns the path to static files directory.
func GetStaticDir() string {
	return filepath.Join(GetBasePath(), "static")
}

func initPaths() {
	if IsBinaryMode() {
		exe, _ := os.Executable()
		basePath = filepath.Dir(exe)
	} else {
		wd, _ := os.Getwd()
		basePath = findModuleRoot(wd)
	}

	// Data path: check env var first, then default to data/ under base
	if dp := os.Getenv("APP_DATA_DIR"); dp != "" {
		dataPath = dp
	} else {
		dataPath = filepath.Join(basePath, "data")
	}

	_ = os.MkdirAll(dataPath, 0755)
}

// findModuleRoot walks up the directory tree looking for go.mod.
func findModuleRoot(start string) string {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}
