// Package protocol implements the tunnel frame carried inside ICMP echo
// messages.
//
// Frame layout (network byte order):
//
//	Type        [1 byte]  - 8 = echo request, 0 = echo reply
//	Code        [1 byte]  - 0 = data, 1 = teardown
//	Checksum    [2 bytes] - RFC 1071 over the whole ICMP message
//	Reserved    [4 bytes] - always zero
//	DestHost    [4 bytes] - final IPv4 target
//	DestPort    [2 bytes] - final TCP port
//	Payload     [N bytes]
//
// Datagrams read from a raw socket carry a 20-byte IPv4 header in front of
// the frame; Parse skips it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrTruncatedFrame is returned when a datagram is shorter than the
	// fixed IPv4 + frame header.
	ErrTruncatedFrame = errors.New("truncated frame")

	// ErrInvalidFrameKind is returned for ICMP types other than echo
	// request/reply, or for a kind not expected in the current direction.
	ErrInvalidFrameKind = errors.New("invalid frame kind")

	// ErrChecksumMismatch is returned when checksum validation is requested
	// and the embedded checksum is wrong.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrReservedNotZero is returned by Parse when the reserved identifier
	// and sequence bytes are set, as in an ordinary ping.
	ErrReservedNotZero = errors.New("reserved bytes not zero")

	// ErrInvalidDestination is returned when building a frame for a
	// non-IPv4 destination.
	ErrInvalidDestination = errors.New("destination must be an IPv4 address")
)

const (
	// IPv4HeaderLen is the IP header length skipped by Parse.
	IPv4HeaderLen = 20

	// HeaderLen is the fixed ICMP header: type, code, checksum, 2x reserved.
	HeaderLen = 8

	// RoutingLen is the embedded destination address and port.
	RoutingLen = 6

	// FrameHeaderLen is everything before the payload.
	FrameHeaderLen = HeaderLen + RoutingLen

	// MinDatagramLen is the shortest datagram Parse accepts.
	MinDatagramLen = IPv4HeaderLen + FrameHeaderLen
)

// Kind is the ICMP type of a frame.
type Kind uint8

const (
	KindEchoReply   Kind = 0
	KindEchoRequest Kind = 8
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindEchoReply:
		return "ECHO_REPLY"
	case KindEchoRequest:
		return "ECHO_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the two kinds the tunnel uses.
func (k Kind) Valid() bool {
	return k == KindEchoReply || k == KindEchoRequest
}

// Code is the ICMP code of a frame.
type Code uint8

const (
	// CodeData marks a frame carrying stream bytes.
	CodeData Code = 0
	// CodeTeardown marks the end of a session. Sent by the client on echo
	// requests, and by the server as a close notice on echo replies.
	CodeTeardown Code = 1
)

// String returns a human-readable name for the code.
func (c Code) String() string {
	switch c {
	case CodeData:
		return "DATA"
	case CodeTeardown:
		return "TEARDOWN"
	default:
		return fmt.Sprintf("CODE(%d)", uint8(c))
	}
}

// Frame is a decoded tunnel frame.
type Frame struct {
	Kind     Kind
	Code     Code
	Checksum uint16
	Reserved uint32
	Host     netip.Addr
	Port     uint16
	Payload  []byte
}

// Destination returns the embedded final target.
func (f *Frame) Destination() netip.AddrPort {
	return netip.AddrPortFrom(f.Host, f.Port)
}

// IsTeardown reports whether the frame ends a session.
func (f *Frame) IsTeardown() bool {
	return f.Code == CodeTeardown
}

// Build encodes a frame into a single buffer ready for a raw ICMP send.
// The checksum is computed over the whole message with the checksum field
// zeroed and then written in place.
func Build(kind Kind, code Code, payload []byte, host netip.Addr, port uint16) ([]byte, error) {
	host = host.Unmap()
	if !host.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDestination, host)
	}

	buf := make([]byte, FrameHeaderLen+len(payload))
	buf[0] = byte(kind)
	buf[1] = byte(code)
	// buf[2:8] stays zero: checksum placeholder and reserved fields.
	addr := host.As4()
	copy(buf[8:12], addr[:])
	binary.BigEndian.PutUint16(buf[12:14], port)
	copy(buf[FrameHeaderLen:], payload)

	binary.BigEndian.PutUint16(buf[2:4], Checksum(buf))
	return buf, nil
}

// BuildTo is Build addressed to an AddrPort.
func BuildTo(kind Kind, code Code, payload []byte, dst netip.AddrPort) ([]byte, error) {
	return Build(kind, code, payload, dst.Addr(), dst.Port())
}

// Parse decodes a raw datagram that still carries its IPv4 header and
// rejects frames whose reserved bytes are not zero. The checksum is not
// validated; use ParseVerified for that.
func Parse(datagram []byte) (*Frame, error) {
	if len(datagram) < MinDatagramLen {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)",
			ErrTruncatedFrame, len(datagram), MinDatagramLen)
	}
	f, err := Decode(datagram[IPv4HeaderLen:])
	if err != nil {
		return nil, err
	}
	if f.Reserved != 0 {
		return nil, fmt.Errorf("%w: 0x%08x", ErrReservedNotZero, f.Reserved)
	}
	return f, nil
}

// ParseVerified is Parse followed by checksum validation.
func ParseVerified(datagram []byte) (*Frame, error) {
	f, err := Parse(datagram)
	if err != nil {
		return nil, err
	}
	if !VerifyChecksum(datagram[IPv4HeaderLen:]) {
		return nil, fmt.Errorf("%w: embedded 0x%04x", ErrChecksumMismatch, f.Checksum)
	}
	return f, nil
}

// Decode decodes an ICMP message with no IP header in front of it.
// Reserved bytes are reported but not checked. The payload is copied, so
// msg may be reused by the caller.
func Decode(msg []byte) (*Frame, error) {
	if len(msg) < FrameHeaderLen {
		return nil, fmt.Errorf("%w: %d byte message (need at least %d)",
			ErrTruncatedFrame, len(msg), FrameHeaderLen)
	}

	kind := Kind(msg[0])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidFrameKind, msg[0])
	}

	f := &Frame{
		Kind:     kind,
		Code:     Code(msg[1]),
		Checksum: binary.BigEndian.Uint16(msg[2:4]),
		Reserved: binary.BigEndian.Uint32(msg[4:8]),
		Host:     netip.AddrFrom4([4]byte(msg[8:12])),
		Port:     binary.BigEndian.Uint16(msg[12:14]),
	}
	if len(msg) > FrameHeaderLen {
		f.Payload = make([]byte, len(msg)-FrameHeaderLen)
		copy(f.Payload, msg[FrameHeaderLen:])
	}
	return f, nil
}

// Expect returns ErrInvalidFrameKind unless f has the given kind.
func (f *Frame) Expect(kind Kind) error {
	if f.Kind != kind {
		return fmt.Errorf("%w: got %s, want %s", ErrInvalidFrameKind, f.Kind, kind)
	}
	return nil
}
