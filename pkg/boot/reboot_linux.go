//go:build linux

package boot

import (
	"golang.org/x/sys/unix"

	"ovenctl/pkg/oerr"
)

// SysRebooter resets the host through the kernel reboot syscall.
type SysRebooter struct{}

// Reboot issues an immediate restart. Pending filesystem buffers are
// flushed first.
func (SysRebooter) Reboot() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "boot.Reboot", "reboot syscall")
	}
	return nil
}
