// Package icmptest provides an in-memory ICMP network for engine tests.
//
// Hosts on a Network exchange messages through Conn, which implements
// icmp.PacketConn: WriteTo delivers the message to the addressed host with
// a synthetic IPv4 header in front, exactly as a raw socket would see it.
package icmptest

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// inboxSize bounds queued datagrams per host; overflow is dropped like on a
// real network.
const inboxSize = 1024

// Sent records one message written by a host.
type Sent struct {
	To  netip.Addr
	Msg []byte
}

type datagram struct {
	src  netip.Addr
	data []byte
}

// Network connects in-memory hosts by IPv4 address.
type Network struct {
	mu    sync.Mutex
	hosts map[netip.Addr]*Conn
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{hosts: make(map[netip.Addr]*Conn)}
}

// Host returns the endpoint for ip, creating it on first use.
func (n *Network) Host(ip string) *Conn {
	addr := netip.MustParseAddr(ip)

	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.hosts[addr]; ok {
		return c
	}
	c := &Conn{
		network: n,
		addr:    addr,
		inbox:   make(chan datagram, inboxSize),
		closed:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	n.hosts[addr] = c
	return c
}

func (n *Network) lookup(addr netip.Addr) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[addr]
}

// Conn is one host's ICMP endpoint.
type Conn struct {
	network *Network
	addr    netip.Addr
	inbox   chan datagram

	mu       sync.Mutex
	sent     []Sent
	writeErr error
	notify   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Addr returns the host address.
func (c *Conn) Addr() netip.Addr {
	return c.addr
}

// ReadFrom blocks until a datagram arrives or the conn is closed.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case d := <-c.inbox:
		n := copy(b, d.data)
		return n, &net.IPAddr{IP: d.src.AsSlice()}, nil
	}
}

// WriteTo records msg and delivers it to the addressed host, if any.
func (c *Conn) WriteTo(msg []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	ipAddr, ok := addr.(*net.IPAddr)
	if !ok {
		return 0, errors.New("icmptest: address must be *net.IPAddr")
	}
	to, ok := netip.AddrFromSlice(ipAddr.IP)
	if !ok {
		return 0, errors.New("icmptest: invalid IP")
	}
	to = to.Unmap()

	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return 0, err
	}
	c.sent = append(c.sent, Sent{To: to, Msg: append([]byte(nil), msg...)})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	if dst := c.network.lookup(to); dst != nil {
		dst.Inject(c.addr, msg)
	}
	return len(msg), nil
}

// Inject queues msg as if src had sent it. An IPv4 header is prepended.
func (c *Conn) Inject(src netip.Addr, msg []byte) {
	c.InjectRaw(src, append(Header(src, c.addr, len(msg)), msg...))
}

// InjectRaw queues a complete datagram, header included.
func (c *Conn) InjectRaw(src netip.Addr, raw []byte) {
	select {
	case c.inbox <- datagram{src: src, data: append([]byte(nil), raw...)}:
	case <-c.closed:
	default:
	}
}

// FailWrites makes every following WriteTo return err. nil restores writes.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Sent returns a copy of every message written so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// WaitSent waits until at least n messages were written or timeout passes.
func (c *Conn) WaitSent(n int, timeout time.Duration) []Sent {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if s := c.Sent(); len(s) >= n {
			return s
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return c.Sent()
		}
	}
}

// Close unblocks readers. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Header builds a 20-byte IPv4 header for an ICMP payload of n bytes.
func Header(src, dst netip.Addr, n int) []byte {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + n,
		TTL:      64,
		Protocol: 1,
		Src:      src.AsSlice(),
		Dst:      dst.AsSlice(),
	}
	b, err := h.Marshal()
	if err != nil {
		panic("icmptest: marshal IPv4 header: " + err.Error())
	}
	return b
}
