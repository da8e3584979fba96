//go:build linux || darwin

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// wakeValue is the 8 byte counter increment, required by eventfd, and
// equally valid for a pipe.
var wakeValue = binary.NativeEndian.AppendUint64(nil, 1)

func writeWakeFd(fd int) error {
	_, err := unix.Write(fd, wakeValue)
	return err
}

// drainWakeFd reads until the descriptor would block.
func drainWakeFd(fd int, buf []byte) {
	for {
		if _, err := unix.Read(fd, buf); err != nil {
			return
		}
	}
}

func closeWakeFds(readFd, writeFd int) {
	_ = unix.Close(readFd)
	if writeFd != readFd {
		_ = unix.Close(writeFd)
	}
}
