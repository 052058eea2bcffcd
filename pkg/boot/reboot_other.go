//go:build !linux

package boot

import "ovenctl/pkg/oerr"

// SysRebooter is unavailable off Linux hosts; use a custom Rebooter.
type SysRebooter struct{}

func (SysRebooter) Reboot() error {
	return oerr.E(oerr.InvalidState, "boot.Reboot", "system reboot not supported on this platform")
}
