//go:build linux || darwin || freebsd

// Package sockopt holds the few socket options the tunnel sets directly.
package sockopt

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReuseAddr is a net.ListenConfig Control function that sets SO_REUSEADDR,
// so a restarted client can rebind its local port while old connections
// sit in TIME_WAIT.
func ReuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	if serr != nil {
		return fmt.Errorf("set SO_REUSEADDR on %s %s: %w", network, address, serr)
	}
	return nil
}

// SetBuffers sets SO_RCVBUF and SO_SNDBUF. A size of 0 keeps the OS default.
func SetBuffers(conn syscall.Conn, read, write int) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var serr error
	err = rc.Control(func(fd uintptr) {
		if read > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, read); e != nil {
				serr = fmt.Errorf("set SO_RCVBUF=%d: %w", read, e)
				return
			}
		}
		if write > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, write); e != nil {
				serr = fmt.Errorf("set SO_SNDBUF=%d: %w", write, e)
			}
		}
	})
	if err != nil {
		return err
	}
	return serr
}
