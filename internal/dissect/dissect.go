// Package dissect decodes captured tunnel datagrams into a readable report.
//
// Input is either a full IPv4 datagram, as read from the raw receive socket,
// or a bare ICMP message. The IPv4 layer is decoded with gopacket; the ICMP
// part is decoded as a tunnel frame.
package dissect

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"text/tabwriter"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tzachbaksis/tcpovericmp/internal/protocol"
)

// ErrNotICMP is returned when an IPv4 datagram carries another protocol.
var ErrNotICMP = errors.New("datagram is not ICMP")

// IPInfo is the decoded IPv4 header.
type IPInfo struct {
	Source      netip.Addr `json:"source"`
	Destination netip.Addr `json:"destination"`
	TTL         uint8      `json:"ttl"`
	Length      uint16     `json:"length"`
	ID          uint16     `json:"id"`
}

// Report is the result of dissecting one datagram.
type Report struct {
	IP            *IPInfo         `json:"ip,omitempty"`
	TypeCode      string          `json:"icmp"`
	Frame         *protocol.Frame `json:"frame"`
	ChecksumValid bool            `json:"checksum_valid"`
}

// Direction describes which side sent the frame.
func (r *Report) Direction() string {
	switch r.Frame.Kind {
	case protocol.KindEchoRequest:
		return "client -> server"
	case protocol.KindEchoReply:
		return "server -> client"
	default:
		return "unknown"
	}
}

// Datagram decodes b. A leading IPv4 header is detected by its version
// nibble.
func Datagram(b []byte) (*Report, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty input", protocol.ErrTruncatedFrame)
	}
	if b[0]>>4 != 4 {
		return Message(b)
	}

	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode IPv4 header: %w", err)
	}
	if ip.Protocol != layers.IPProtocolICMPv4 {
		return nil, fmt.Errorf("%w: protocol %s", ErrNotICMP, ip.Protocol)
	}

	r, err := Message(ip.Payload)
	if err != nil {
		return nil, err
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	r.IP = &IPInfo{
		Source:      src,
		Destination: dst,
		TTL:         ip.TTL,
		Length:      ip.Length,
		ID:          ip.Id,
	}
	return r, nil
}

// Message decodes a bare ICMP message.
func Message(msg []byte) (*Report, error) {
	f, err := protocol.Decode(msg)
	if err != nil {
		return nil, err
	}
	return &Report{
		TypeCode:      layers.CreateICMPv4TypeCode(uint8(f.Kind), uint8(f.Code)).String(),
		Frame:         f,
		ChecksumValid: protocol.VerifyChecksum(msg),
	}, nil
}

// Hex decodes a hex dump. Whitespace, colons and a leading 0x are ignored.
func Hex(s string) (*Report, error) {
	b, err := ParseHex(s)
	if err != nil {
		return nil, err
	}
	return Datagram(b)
}

// ParseHex turns a hex dump into bytes.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ':' {
			return -1
		}
		return r
	}, s)

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	return b, nil
}

// Write renders r as aligned key/value lines. Payloads longer than
// maxPayload bytes are cut in the hex dump; 0 prints all of it.
func (r *Report) Write(w io.Writer, maxPayload int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	if r.IP != nil {
		fmt.Fprintf(tw, "IPv4\t%s -> %s\tttl=%d id=%d len=%d\n",
			r.IP.Source, r.IP.Destination, r.IP.TTL, r.IP.ID, r.IP.Length)
	}

	checksum := "ok"
	if !r.ChecksumValid {
		checksum = "BAD"
	}
	f := r.Frame
	fmt.Fprintf(tw, "ICMP\t%s\tchecksum=0x%04x (%s)\n", r.TypeCode, f.Checksum, checksum)
	fmt.Fprintf(tw, "Frame\t%s %s\t%s\n", f.Kind, f.Code, r.Direction())
	if f.Reserved != 0 {
		fmt.Fprintf(tw, "Reserved\t0x%08x\tnot a tunnel frame\n", f.Reserved)
	}
	fmt.Fprintf(tw, "Target\t%s\t\n", f.Destination())
	fmt.Fprintf(tw, "Payload\t%s\t\n", humanize.Bytes(uint64(len(f.Payload))))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(f.Payload) == 0 {
		return nil
	}
	p := f.Payload
	if maxPayload > 0 && len(p) > maxPayload {
		p = p[:maxPayload]
	}
	if _, err := io.WriteString(w, hex.Dump(p)); err != nil {
		return err
	}
	if len(p) < len(f.Payload) {
		_, err := fmt.Fprintf(w, "... %d more bytes\n", len(f.Payload)-len(p))
		return err
	}
	return nil
}
