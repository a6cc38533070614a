//go:build !windows

// Package fileutil writes report files readable only by their owner.
// On Unix the Secure* helpers are plain os calls with the requested mode.
// On Windows, owner-only modes (perm & 0077 == 0) additionally get a DACL
// restricting access to the current user.
package fileutil

import "os"

// SecureMkdirAll creates a directory path and all missing parents.
func SecureMkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// SecureChmod changes the mode of the named file.
func SecureChmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}
