//go:build !unix

package transport

import "syscall"

func socketControl(UDPOptions) func(network, address string, c syscall.RawConn) error {
	return nil
}
