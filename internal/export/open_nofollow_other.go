//go:build !windows && !unix

package export

import "os"

// openNoFollow has no symlink guard where O_NOFOLLOW is unavailable.
func openNoFollow(path string) (*os.File, error) {
	return os.Open(path)
}
