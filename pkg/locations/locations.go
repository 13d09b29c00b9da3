// Package locations resolves the directories luna keeps its data and
// configuration in. Directories are created on first use.
package locations

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	AppName      = "luna"
	DatabaseName = "luna.sqlite"
	ConfigName   = "config"
)

// DataDirectory returns ~/.local/share/luna, honoring XDG_DATA_HOME.
func DataDirectory() (string, error) {
	root := os.Getenv("XDG_DATA_HOME")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "could not determine home directory")
		}
		root = filepath.Join(home, ".local", "share")
	}
	return ensure(filepath.Join(root, AppName))
}

// ConfigDirectory returns ~/.config/luna, honoring XDG_CONFIG_HOME.
func ConfigDirectory() (string, error) {
	root := os.Getenv("XDG_CONFIG_HOME")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "could not determine home directory")
		}
		root = filepath.Join(home, ".config")
	}
	return ensure(filepath.Join(root, AppName))
}

// DatabaseFile is the default SQLite file.
func DatabaseFile() (string, error) {
	dir, err := DataDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DatabaseName), nil
}

func ensure(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create %s", dir)
	}
	return dir, nil
}
