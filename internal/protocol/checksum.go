package protocol

// Checksum computes the RFC 1071 Internet checksum of b.
//
// Adjacent bytes are summed as little-endian 16-bit words. A trailing odd
// byte is added on its own. The folded sum is complemented and then
// byte-swapped, so the returned value is ready to be written big-endian into
// the checksum field of an ICMP header.
func Checksum(b []byte) uint16 {
	var sum uint32

	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(b[i]) | uint32(b[i+1])<<8
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1])
	}

	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	c := ^uint16(sum)
	return c>>8 | c<<8
}

// VerifyChecksum reports whether msg, an ICMP message with its checksum
// field filled in, carries a valid Internet checksum.
func VerifyChecksum(msg []byte) bool {
	if len(msg) < HeaderLen {
		return false
	}
	return Checksum(msg) == 0
}
