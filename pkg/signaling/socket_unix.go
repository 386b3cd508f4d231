//go:build linux || darwin

package signaling

import (
	"golang.org/x/sys/unix"
)

// setRTPSocketOptions SO_REUSEADDR и размер приемного буфера для RTP сокета
func setRTPSocketOptions(fd int, readBuffer int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if readBuffer > 0 {
		// ядро может урезать значение, это не ошибка
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, readBuffer)
	}
	return nil
}
