package icmp

// Config holds raw socket settings.
type Config struct {
	// BindAddress is the local IPv4 address both sockets bind to.
	BindAddress string

	// TTL for outgoing frames. 0 keeps the OS default.
	TTL int

	// ReadBuffer and WriteBuffer set SO_RCVBUF/SO_SNDBUF on the receive
	// socket. 0 keeps the OS default.
	ReadBuffer  int
	WriteBuffer int

	// MaxDatagram is the read buffer size for one datagram.
	MaxDatagram int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BindAddress: "0.0.0.0",
		ReadBuffer:  4 << 20,
		WriteBuffer: 4 << 20,
		MaxDatagram: 65535,
	}
}
