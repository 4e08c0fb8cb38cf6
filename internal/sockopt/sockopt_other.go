//go:build !linux && !darwin && !freebsd

// Package sockopt holds the few socket options the tunnel sets directly.
package sockopt

import "syscall"

// ReuseAddr is a no-op on this platform.
func ReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}

// SetBuffers is a no-op on this platform.
func SetBuffers(conn syscall.Conn, read, write int) error {
	return nil
}
