//go:build unix

package local

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fingerprint combines device, inode, mtime, and size. An atomic replace
// changes the inode even when mtime and size collide.
func fingerprint(full string, info os.FileInfo) string {
	var st unix.Stat_t
	if err := unix.Stat(full, &st); err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%d:%d:%d", st.Dev, st.Ino, info.ModTime().UnixNano(), info.Size())
}
