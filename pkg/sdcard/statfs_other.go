//go:build !linux

package sdcard

import "ovenctl/pkg/oerr"

// FreeSpace is unsupported off Linux; callers treat zero as unknown.
func (c *Card) FreeSpace() (uint64, error) {
	c.mu.Lock()
	mounted := c.mounted
	c.mu.Unlock()
	if !mounted {
		return 0, oerr.E(oerr.InvalidState, "sdcard.FreeSpace", "card not mounted")
	}
	return 0, nil
}
