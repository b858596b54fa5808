package devhost

import (
	"os"
	"path/filepath"
)

// Home returns the devhost home directory.
// It defaults to ~/.devhost but can be overridden with the DEVHOST_HOME environment variable.
func Home() string {
	if v := os.Getenv("DEVHOST_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".devhost")
}

// ConfigPath returns the config file path inside home.
func ConfigPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// DBPath returns the SQLite project database path inside home.
func DBPath(home string) string {
	return filepath.Join(home, "devhost.db")
}

// PortsPath returns the port allocation table path inside home.
func PortsPath(home string) string {
	return filepath.Join(home, "ports.json")
}

// LocksPath returns the directory holding per-project operation locks.
func LocksPath(home string) string {
	return filepath.Join(home, "locks")
}

// EnsureHome creates the home directory if it doesn't exist.
func EnsureHome(home string) error {
	return os.MkdirAll(home, 0o755)
}
