package icmp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	xicmp "golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/tzachbaksis/tcpovericmp/internal/protocol"
	"github.com/tzachbaksis/tcpovericmp/internal/sockopt"
)

// PacketConn is the raw ICMP transport used by the engines.
//
// ReadFrom returns one datagram including a 20-byte IPv4 header, and the
// sender as a *net.IPAddr. WriteTo sends an ICMP message (no IP header) to
// a *net.IPAddr. Implementations must allow one reader concurrent with
// any number of writers.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
	Close() error
}

// Socket is the privileged PacketConn backed by a raw socket pair.
type Socket struct {
	send *xicmp.PacketConn
	recv *ipv4.RawConn

	closeOnce sync.Once
	closeErr  error
}

// Open creates the send and receive sockets.
func Open(cfg Config) (*Socket, error) {
	bind := cfg.BindAddress
	if bind == "" {
		bind = "0.0.0.0"
	}

	send, err := xicmp.ListenPacket("ip4:icmp", bind)
	if err != nil {
		return nil, fmt.Errorf("open ICMP send socket (requires root or CAP_NET_RAW): %w", err)
	}
	if cfg.TTL > 0 {
		if err := send.IPv4PacketConn().SetTTL(cfg.TTL); err != nil {
			send.Close()
			return nil, fmt.Errorf("set TTL %d: %w", cfg.TTL, err)
		}
	}

	pc, err := net.ListenPacket("ip4:icmp", bind)
	if err != nil {
		send.Close()
		return nil, fmt.Errorf("open ICMP receive socket: %w", err)
	}
	if ipc, ok := pc.(*net.IPConn); ok {
		if err := sockopt.SetBuffers(ipc, cfg.ReadBuffer, cfg.WriteBuffer); err != nil {
			pc.Close()
			send.Close()
			return nil, fmt.Errorf("set socket buffers: %w", err)
		}
	}

	recv, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		send.Close()
		return nil, fmt.Errorf("enable IP_HDRINCL: %w", err)
	}

	return &Socket{send: send, recv: recv}, nil
}

// ReadFrom reads one datagram into b, IPv4 header first.
func (s *Socket) ReadFrom(b []byte) (int, net.Addr, error) {
	h, p, _, err := s.recv.ReadFrom(b)
	if err != nil {
		return 0, nil, err
	}
	n := normalizeHeader(b, h.Len, p)
	return n, &net.IPAddr{IP: h.Src}, nil
}

// WriteTo sends msg to addr, which should be a *net.IPAddr.
func (s *Socket) WriteTo(msg []byte, addr net.Addr) (int, error) {
	return s.send.WriteTo(msg, addr)
}

// Close closes both sockets. It is safe to call more than once.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.recv.Close(), s.send.Close())
	})
	return s.closeErr
}

// normalizeHeader moves the payload p, which lives in b right after an
// hdrLen-byte IPv4 header, so that it starts at offset 20. The IHL nibble is
// rewritten to match. It returns the new datagram length.
func normalizeHeader(b []byte, hdrLen int, p []byte) int {
	if hdrLen <= protocol.IPv4HeaderLen {
		return hdrLen + len(p)
	}
	copy(b[protocol.IPv4HeaderLen:], p)
	b[0] = b[0]&0xf0 | protocol.IPv4HeaderLen/4
	return protocol.IPv4HeaderLen + len(p)
}

// Addr converts ip into the address type WriteTo expects.
func Addr(ip netip.Addr) net.Addr {
	return &net.IPAddr{IP: ip.AsSlice()}
}

// AddrIP extracts the IPv4 address from a peer address returned by ReadFrom.
func AddrIP(addr net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return netip.Addr{}, false
	}
	v, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	v = v.Unmap()
	return v, v.Is4()
}
