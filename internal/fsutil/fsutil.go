package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemoveBaseExt returns the file name of path without directory and extension.
func RemoveBaseExt(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReplaceBaseExt returns the base name of path with its extension replaced by ext.
func ReplaceBaseExt(path, ext string) string {
	return RemoveBaseExt(path) + ext
}

// MakePath creates every directory given.
func MakePath(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// CleanPath removes every path given, ignoring ones that do not exist.
func CleanPath(paths ...string) error {
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}
