package session

import (
	"os"
	"path/filepath"
)

// baseDirOverride lets tests relocate the ~/.wpp tree.
var baseDirOverride string

// BaseDir returns ~/.wpp, or $WPP_HOME when set.
func BaseDir() string {
	if baseDirOverride != "" {
		return baseDirOverride
	}
	if v := os.Getenv("WPP_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpp")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// SessionDBPath returns the whatsmeow session.db path.
func SessionDBPath(name string) string {
	return filepath.Join(Dir(name), "session.db")
}

// AppDBPath returns the app-owned wpp.db mirror path.
func AppDBPath(name string) string {
	return filepath.Join(Dir(name), "wpp.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "wppd.log")
}

// BackupDir returns the directory holding per-chat snapshots.
// override wins when non-empty.
func BackupDir(name, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(Dir(name), "backups")
}

// CatalogPath returns the backup catalog file inside the backup directory.
func CatalogPath(backupDir string) string {
	return filepath.Join(backupDir, "catalog.json")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string, extra ...string) error {
	dirs := append([]string{
		Dir(name),
		LogDir(name),
	}, extra...)
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
