//go:build !unix && !windows

package lib

import "syscall"

func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
