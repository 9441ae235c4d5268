//go:build unix

package lib

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket prepares the radio socket before bind: address reuse so a
// gateway and an endpoint can share a host, and broadcast for SYNC discovery.
func controlSocket(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
