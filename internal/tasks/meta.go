package tasks

import "io/fs"

// isExecutable reports whether info is a regular file with an execute bit set.
func isExecutable(info fs.FileInfo) bool {
	return !info.IsDir() && info.Mode().Perm()&0o111 != 0
}
