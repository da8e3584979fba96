//go:build darwin

package reactor

import (
	"os"
	"syscall"
)

// createWakeFd creates a non-blocking, close-on-exec self-pipe for wake-up
// notifications, returning the read end and the write end.
func createWakeFd() (int, int, error) {
	var fds [2]int
	syscall.ForkLock.RLock()
	err := syscall.Pipe(fds[:])
	if err == nil {
		syscall.CloseOnExec(fds[0])
		syscall.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, -1, os.NewSyscallError("pipe", err)
	}

	for _, fd := range fds {
		if err := syscall.SetNonblock(fd, true); err != nil {
			_ = syscall.Close(fds[0])
			_ = syscall.Close(fds[1])
			return -1, -1, os.NewSyscallError("setnonblock", err)
		}
	}

	return fds[0], fds[1], nil
}
