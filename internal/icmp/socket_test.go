package icmp

import (
	"bytes"
	"net"
	"net/netip"
	"runtime"
	"testing"

	"github.com/tzachbaksis/tcpovericmp/internal/protocol"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress = %s, want 0.0.0.0", cfg.BindAddress)
	}
	if cfg.MaxDatagram != 65535 {
		t.Errorf("MaxDatagram = %d, want 65535", cfg.MaxDatagram)
	}
	if cfg.TTL != 0 {
		t.Errorf("TTL = %d, want 0 (OS default)", cfg.TTL)
	}
}

func TestNormalizeHeader_NoOptions(t *testing.T) {
	b := make([]byte, 64)
	b[0] = 0x45
	copy(b[20:], "payload")

	n := normalizeHeader(b, 20, b[20:27])
	if n != 27 {
		t.Errorf("n = %d, want 27", n)
	}
	if b[0] != 0x45 {
		t.Errorf("version/IHL = 0x%02x, want 0x45", b[0])
	}
}

func TestNormalizeHeader_StripsOptions(t *testing.T) {
	// 24-byte header (IHL=6) carrying one 4-byte option.
	b := make([]byte, 64)
	b[0] = 0x46
	for i := 20; i < 24; i++ {
		b[i] = 0xee
	}
	copy(b[24:], "frame-bytes")

	n := normalizeHeader(b, 24, b[24:35])
	if n != protocol.IPv4HeaderLen+11 {
		t.Fatalf("n = %d, want %d", n, protocol.IPv4HeaderLen+11)
	}
	if b[0] != 0x45 {
		t.Errorf("version/IHL = 0x%02x, want 0x45", b[0])
	}
	if !bytes.Equal(b[20:n], []byte("frame-bytes")) {
		t.Errorf("payload at offset 20 = %q", b[20:n])
	}
}

func TestAddrIP(t *testing.T) {
	tests := []struct {
		name   string
		addr   net.Addr
		want   string
		wantOK bool
	}{
		{"ip addr", &net.IPAddr{IP: net.IPv4(10, 0, 0, 5)}, "10.0.0.5", true},
		{"udp addr", &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9}, "192.0.2.1", true},
		{"ipv6", &net.IPAddr{IP: net.ParseIP("2001:db8::1")}, "", false},
		{"tcp addr", &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4)}, "", false},
		{"nil ip", &net.IPAddr{}, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := AddrIP(tc.addr)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && got.String() != tc.want {
				t.Errorf("AddrIP() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	addr := Addr(netip.MustParseAddr("203.0.113.9"))

	ipAddr, ok := addr.(*net.IPAddr)
	if !ok {
		t.Fatalf("Addr() returned %T, want *net.IPAddr", addr)
	}
	if !ipAddr.IP.Equal(net.IPv4(203, 0, 113, 9)) {
		t.Errorf("IP = %s, want 203.0.113.9", ipAddr.IP)
	}
}

func TestOpen(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping raw socket test on Windows")
	}

	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	sock, err := Open(cfg)
	if err != nil {
		// Expected without root or CAP_NET_RAW.
		t.Skipf("Open() failed (needs raw socket privilege): %v", err)
	}

	if err := sock.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	// Second close is a no-op.
	if err := sock.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestOpen_LoopbackRoundTrip(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("Skipping raw socket test outside Linux")
	}

	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	sock, err := Open(cfg)
	if err != nil {
		t.Skipf("Open() failed (needs raw socket privilege): %v", err)
	}
	defer sock.Close()

	// Echo replies are not answered by the kernel, so only our frame
	// comes back on loopback.
	msg, err := protocol.Build(protocol.KindEchoReply, protocol.CodeData, []byte("loop"),
		netip.MustParseAddr("127.0.0.1"), 7)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := sock.WriteTo(msg, Addr(netip.MustParseAddr("127.0.0.1"))); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	buf := make([]byte, cfg.MaxDatagram)
	for i := 0; i < 16; i++ {
		n, _, err := sock.ReadFrom(buf)
		if err != nil {
			t.Fatalf("ReadFrom() error = %v", err)
		}
		f, err := protocol.ParseVerified(buf[:n])
		if err != nil || f.Kind != protocol.KindEchoReply || f.Port != 7 {
			continue
		}
		if string(f.Payload) != "loop" {
			t.Errorf("Payload = %q, want %q", f.Payload, "loop")
		}
		return
	}
	t.Error("frame not received on loopback")
}
