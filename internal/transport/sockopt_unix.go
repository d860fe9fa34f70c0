//go:build unix

package transport

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func socketControl(opts UDPOptions) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				sockErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
				return
			}
			if opts.RecvBuffSize > 0 {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuffSize); err != nil {
					sockErr = fmt.Errorf("set SO_RCVBUF: %w", err)
					return
				}
			}
			if opts.SendBuffSize > 0 {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffSize); err != nil {
					sockErr = fmt.Errorf("set SO_SNDBUF: %w", err)
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
