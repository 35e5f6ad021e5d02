//go:build !unix

package network

import "syscall"

func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
