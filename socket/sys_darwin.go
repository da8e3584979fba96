//go:build darwin

package socket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Darwin lacks SOCK_CLOEXEC and accept4, so the flags are applied after the
// fact, under the fork lock, as the standard library does.

func sysSocket(family, sotype int) (int, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	fd, err := unix.Socket(family, sotype, 0)
	if err != nil {
		return InvalidFD, err
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

func sysAccept(fd int) (int, unix.Sockaddr, error) {
	syscall.ForkLock.RLock()
	nfd, sa, err := unix.Accept(fd)
	if err == nil {
		unix.CloseOnExec(nfd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return InvalidFD, nil, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return InvalidFD, nil, err
	}
	return nfd, sa, nil
}
