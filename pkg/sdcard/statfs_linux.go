//go:build linux

package sdcard

import (
	"golang.org/x/sys/unix"

	"ovenctl/pkg/oerr"
)

// FreeSpace reports the free bytes available on the card's filesystem.
func (c *Card) FreeSpace() (uint64, error) {
	c.mu.Lock()
	mounted := c.mounted
	root := c.root
	c.mu.Unlock()
	if !mounted {
		return 0, oerr.E(oerr.InvalidState, "sdcard.FreeSpace", "card not mounted")
	}

	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return 0, oerr.Wrap(err, oerr.IOFailure, "sdcard.FreeSpace", "statfs %s", root)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
