//go:build windows

package export

import "os"

// openNoFollow falls back to a plain open; Windows has no O_NOFOLLOW.
func openNoFollow(path string) (*os.File, error) {
	return os.Open(path)
}
