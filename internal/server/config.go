package server

import (
	"time"
)

// Config holds the server engine settings.
type Config struct {
	// ConnectTimeout bounds one backend dial.
	ConnectTimeout time.Duration

	// WriteTimeout bounds one write to a backend. 0 disables it.
	WriteTimeout time.Duration

	// IdleTimeout evicts backends with no traffic in either direction for
	// this long. 0 disables eviction.
	IdleTimeout time.Duration

	// MaxBackends caps open backends. 0 means unlimited.
	MaxBackends int

	// ConnectRate limits new backend dials per second. 0 means unlimited.
	ConnectRate float64

	// NotifyClose sends a close notice to the client when a backend is
	// closed by the target or evicted.
	NotifyClose bool

	// BufferSize bounds the bytes read from a backend per reply frame.
	BufferSize int

	// WriteQueue bounds the payloads waiting to be written to one backend,
	// including those that arrive while its dial is in progress. A backend
	// that falls further behind is closed.
	WriteQueue int

	// VerifyChecksum drops requests whose checksum does not verify.
	VerifyChecksum bool

	// MaxDatagram is the ICMP read buffer size.
	MaxDatagram int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxBackends:    1024,
		ConnectRate:    100,
		NotifyClose:    true,
		BufferSize:     1024,
		WriteQueue:     256,
		VerifyChecksum: true,
		MaxDatagram:    65535,
	}
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return 1024
	}
	return c.BufferSize
}

func (c Config) writeQueue() int {
	if c.WriteQueue <= 0 {
		return 256
	}
	return c.WriteQueue
}

func (c Config) maxDatagram() int {
	if c.MaxDatagram <= 0 {
		return 65535
	}
	return c.MaxDatagram
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ConnectTimeout
}

// connectBurst lets a short spike of new flows through the rate limiter.
func (c Config) connectBurst() int {
	b := int(c.ConnectRate)
	if b < 1 {
		return 1
	}
	return b
}
