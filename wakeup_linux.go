//go:build linux

package reactor

import (
	"os"

	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd for wake-up notifications, returning it as
// both the read and write ends.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, os.NewSyscallError("eventfd", err)
	}
	return fd, fd, nil
}
