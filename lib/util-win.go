//go:build windows

package lib

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlSocket enables address reuse. The net package already sets SO_BROADCAST on Windows UDP sockets.
func controlSocket(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
