package client

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Config holds the client engine settings. Addresses are already resolved.
type Config struct {
	// ServerAddr is the tunnel server. Frames are sent to it and only
	// datagrams from it are accepted.
	ServerAddr netip.Addr

	// ListenAddress is the local TCP address applications connect to.
	ListenAddress string

	// Destination is the final target embedded in every frame.
	Destination netip.AddrPort

	// BufferSize bounds the bytes read from the local socket per frame.
	BufferSize int

	// WriteTimeout bounds one write to the local socket. 0 disables it.
	WriteTimeout time.Duration

	// LingerTimeout ends a session whose local side has half-closed once
	// no reply has arrived for this long. 0 waits for the close notice.
	LingerTimeout time.Duration

	// VerifyChecksum drops replies whose checksum does not verify.
	VerifyChecksum bool

	// MaxDatagram is the ICMP read buffer size.
	MaxDatagram int
}

// DefaultConfig returns a Config with defaults for everything except the
// addresses.
func DefaultConfig() Config {
	return Config{
		ListenAddress:  "0.0.0.0:8000",
		BufferSize:     1024,
		WriteTimeout:   10 * time.Second,
		LingerTimeout:  5 * time.Second,
		VerifyChecksum: true,
		MaxDatagram:    65535,
	}
}

// Validate checks that the addresses are set and usable.
func (c Config) Validate() error {
	var errs []error
	if !c.ServerAddr.Is4() {
		errs = append(errs, fmt.Errorf("server address %q is not an IPv4 address", c.ServerAddr))
	}
	if !c.Destination.Addr().Unmap().Is4() {
		errs = append(errs, fmt.Errorf("destination %q is not an IPv4 address", c.Destination))
	}
	if c.Destination.Port() == 0 {
		errs = append(errs, errors.New("destination port must be set"))
	}
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen address must be set"))
	}
	return errors.Join(errs...)
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return 1024
	}
	return c.BufferSize
}

func (c Config) maxDatagram() int {
	if c.MaxDatagram <= 0 {
		return 65535
	}
	return c.MaxDatagram
}
