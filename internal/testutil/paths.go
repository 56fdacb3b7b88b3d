package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// ErrNotFound is returned by FindUp when no ancestor contains the name
var ErrNotFound = errors.New("not found in any parent directory")

// FindUp returns the closest directory at or above start that contains name
func FindUp(start, name string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// ModuleRoot locates the seedsync module, so integration tests can build
// the binary regardless of the package they run from
func ModuleRoot() (string, error) {
	_, self, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("no caller information")
	}
	return FindUp(filepath.Dir(self), "go.mod")
}
