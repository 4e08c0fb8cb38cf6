package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var testHost = netip.MustParseAddr("93.184.216.34")

// withIPHeader prefixes msg with a real 20-byte IPv4 header, the way a raw
// socket delivers it.
func withIPHeader(t *testing.T, msg []byte) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(10, 0, 0, 5),
		DstIP:    net.IPv4(198, 51, 100, 1),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(msg)); err != nil {
		t.Fatalf("serialize IPv4 header: %v", err)
	}
	out := buf.Bytes()
	if len(out) != IPv4HeaderLen+len(msg) {
		t.Fatalf("serialized datagram is %d bytes, want %d", len(out), IPv4HeaderLen+len(msg))
	}
	return out
}

func TestBuild_Layout(t *testing.T) {
	payload := []byte("GET / HTTP/1.0\r\n\r\n")

	frame, err := Build(KindEchoRequest, CodeData, payload, testHost, 443)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(frame) != FrameHeaderLen+len(payload) {
		t.Fatalf("len = %d, want %d", len(frame), FrameHeaderLen+len(payload))
	}
	if frame[0] != 8 {
		t.Errorf("type = %d, want 8", frame[0])
	}
	if frame[1] != 0 {
		t.Errorf("code = %d, want 0", frame[1])
	}
	if !bytes.Equal(frame[4:8], []byte{0, 0, 0, 0}) {
		t.Errorf("reserved = % x, want zeros", frame[4:8])
	}
	if !bytes.Equal(frame[8:12], []byte{93, 184, 216, 34}) {
		t.Errorf("dest host = % x", frame[8:12])
	}
	if port := binary.BigEndian.Uint16(frame[12:14]); port != 443 {
		t.Errorf("dest port = %d, want 443", port)
	}
	if !bytes.Equal(frame[FrameHeaderLen:], payload) {
		t.Errorf("payload = %q, want %q", frame[FrameHeaderLen:], payload)
	}
}

func TestBuild_ChecksumReproducible(t *testing.T) {
	for _, size := range []int{0, 1, 2, 17, 1024, 4095} {
		payload := bytes.Repeat([]byte{0xa5, 0x3c, 0x01}, size)[:size]
		frame, err := Build(KindEchoReply, CodeData, payload, testHost, 8080)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}

		embedded := binary.BigEndian.Uint16(frame[2:4])
		zeroed := append([]byte(nil), frame...)
		zeroed[2], zeroed[3] = 0, 0
		if got := Checksum(zeroed); got != embedded {
			t.Errorf("size %d: recomputed checksum 0x%04x, embedded 0x%04x", size, got, embedded)
		}
		if !VerifyChecksum(frame) {
			t.Errorf("size %d: VerifyChecksum() = false", size)
		}
	}
}

func TestBuild_RejectsIPv6(t *testing.T) {
	_, err := Build(KindEchoRequest, CodeData, nil, netip.MustParseAddr("2001:db8::1"), 80)
	if !errors.Is(err, ErrInvalidDestination) {
		t.Errorf("err = %v, want ErrInvalidDestination", err)
	}
}

func TestBuild_AcceptsMappedIPv4(t *testing.T) {
	frame, err := Build(KindEchoRequest, CodeData, nil, netip.MustParseAddr("::ffff:10.1.2.3"), 22)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !bytes.Equal(frame[8:12], []byte{10, 1, 2, 3}) {
		t.Errorf("dest host = % x, want 0a 01 02 03", frame[8:12])
	}
}

func TestParse_RoundTrip(t *testing.T) {
	large := make([]byte, 4096)
	for i := range large {
		large[i] = byte(i * 7)
	}

	tests := []struct {
		name    string
		kind    Kind
		code    Code
		payload []byte
		host    netip.Addr
		port    uint16
	}{
		{"request data", KindEchoRequest, CodeData, []byte("hello"), testHost, 443},
		{"request teardown", KindEchoRequest, CodeTeardown, nil, testHost, 443},
		{"reply data", KindEchoReply, CodeData, []byte("world!"), netip.MustParseAddr("10.0.0.1"), 22},
		{"reply close notice", KindEchoReply, CodeTeardown, nil, netip.MustParseAddr("127.0.0.1"), 65535},
		{"large payload", KindEchoRequest, CodeData, large, netip.MustParseAddr("1.2.3.4"), 1},
		{"port zero", KindEchoRequest, CodeData, []byte{0}, netip.MustParseAddr("0.0.0.0"), 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Build(tc.kind, tc.code, tc.payload, tc.host, tc.port)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}

			f, err := ParseVerified(withIPHeader(t, msg))
			if err != nil {
				t.Fatalf("ParseVerified() error = %v", err)
			}

			if f.Kind != tc.kind {
				t.Errorf("Kind = %s, want %s", f.Kind, tc.kind)
			}
			if f.Code != tc.code {
				t.Errorf("Code = %s, want %s", f.Code, tc.code)
			}
			if f.Host != tc.host {
				t.Errorf("Host = %s, want %s", f.Host, tc.host)
			}
			if f.Port != tc.port {
				t.Errorf("Port = %d, want %d", f.Port, tc.port)
			}
			if !bytes.Equal(f.Payload, tc.payload) {
				t.Errorf("Payload = %d bytes, want %d", len(f.Payload), len(tc.payload))
			}
			if f.Destination() != netip.AddrPortFrom(tc.host, tc.port) {
				t.Errorf("Destination() = %s", f.Destination())
			}
		})
	}
}

func TestParse_Truncated(t *testing.T) {
	full := withIPHeader(t, mustBuild(t, KindEchoRequest, CodeData, nil))

	for n := 0; n < MinDatagramLen; n++ {
		_, err := Parse(full[:n])
		if !errors.Is(err, ErrTruncatedFrame) {
			t.Errorf("Parse(%d bytes) error = %v, want ErrTruncatedFrame", n, err)
		}
	}

	f, err := Parse(full[:MinDatagramLen])
	if err != nil {
		t.Fatalf("Parse(%d bytes) error = %v", MinDatagramLen, err)
	}
	if len(f.Payload) != 0 {
		t.Errorf("Payload = %d bytes, want 0", len(f.Payload))
	}
}

func TestParse_InvalidKind(t *testing.T) {
	for _, typ := range []byte{3, 5, 11, 13, 255} {
		msg := mustBuild(t, KindEchoRequest, CodeData, []byte("x"))
		msg[0] = typ

		_, err := Parse(withIPHeader(t, msg))
		if !errors.Is(err, ErrInvalidFrameKind) {
			t.Errorf("type %d: error = %v, want ErrInvalidFrameKind", typ, err)
		}
	}
}

func TestParseVerified_ChecksumMismatch(t *testing.T) {
	msg := mustBuild(t, KindEchoReply, CodeData, []byte("intact"))
	msg[FrameHeaderLen] = 'I'
	datagram := withIPHeader(t, msg)

	if _, err := Parse(datagram); err != nil {
		t.Fatalf("Parse() error = %v, want nil (no validation)", err)
	}
	if _, err := ParseVerified(datagram); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("ParseVerified() error = %v, want ErrChecksumMismatch", err)
	}
}

// An ordinary ping carries an identifier and sequence number where the
// tunnel keeps zeros. Parse drops it; Decode still reports it.
func TestParse_ReservedNotZero(t *testing.T) {
	tests := []struct {
		name     string
		reserved [4]byte
	}{
		{"identifier", [4]byte{0x1c, 0x2a, 0, 0}},
		{"sequence", [4]byte{0, 0, 0, 1}},
		{"both", [4]byte{0x1c, 0x2a, 0, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := mustBuild(t, KindEchoRequest, CodeData, []byte("ping"))
			copy(msg[4:8], tt.reserved[:])
			binary.BigEndian.PutUint16(msg[2:4], 0)
			binary.BigEndian.PutUint16(msg[2:4], Checksum(msg))

			if _, err := Parse(withIPHeader(t, msg)); !errors.Is(err, ErrReservedNotZero) {
				t.Errorf("Parse() error = %v, want ErrReservedNotZero", err)
			}
			if _, err := ParseVerified(withIPHeader(t, msg)); !errors.Is(err, ErrReservedNotZero) {
				t.Errorf("ParseVerified() error = %v, want ErrReservedNotZero", err)
			}

			f, err := Decode(msg)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if want := binary.BigEndian.Uint32(tt.reserved[:]); f.Reserved != want {
				t.Errorf("Reserved = %#x, want %#x", f.Reserved, want)
			}
		})
	}
}

func TestDecode_CopiesPayload(t *testing.T) {
	msg := mustBuild(t, KindEchoReply, CodeData, []byte("abc"))

	f, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	msg[FrameHeaderLen] = 'z'
	if string(f.Payload) != "abc" {
		t.Errorf("Payload = %q after reusing buffer, want %q", f.Payload, "abc")
	}
}

func TestFrame_Expect(t *testing.T) {
	f := &Frame{Kind: KindEchoReply}
	if err := f.Expect(KindEchoReply); err != nil {
		t.Errorf("Expect(reply) = %v", err)
	}
	if err := f.Expect(KindEchoRequest); !errors.Is(err, ErrInvalidFrameKind) {
		t.Errorf("Expect(request) = %v, want ErrInvalidFrameKind", err)
	}
}

func TestKindAndCodeStrings(t *testing.T) {
	if KindEchoRequest.String() != "ECHO_REQUEST" {
		t.Errorf("KindEchoRequest.String() = %s", KindEchoRequest)
	}
	if KindEchoReply.String() != "ECHO_REPLY" {
		t.Errorf("KindEchoReply.String() = %s", KindEchoReply)
	}
	if Kind(3).String() != "UNKNOWN(3)" {
		t.Errorf("Kind(3).String() = %s", Kind(3))
	}
	if CodeTeardown.String() != "TEARDOWN" {
		t.Errorf("CodeTeardown.String() = %s", CodeTeardown)
	}
}

// The request from a local HTTP client must come out as exactly one data
// frame addressed to the configured target.
func TestBuild_HTTPRequestScenario(t *testing.T) {
	input := []byte("GET / HTTP/1.0\r\n\r\n")

	msg, err := Build(KindEchoRequest, CodeData, input, testHost, 443)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	f, err := Parse(withIPHeader(t, msg))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if f.Destination() != netip.MustParseAddrPort("93.184.216.34:443") {
		t.Errorf("Destination() = %s", f.Destination())
	}
	if !bytes.Equal(f.Payload, input) {
		t.Errorf("Payload = %q, want %q", f.Payload, input)
	}
	if f.IsTeardown() {
		t.Error("IsTeardown() = true for a data frame")
	}
}

func mustBuild(t *testing.T, kind Kind, code Code, payload []byte) []byte {
	t.Helper()
	msg, err := Build(kind, code, payload, testHost, 443)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return msg
}
