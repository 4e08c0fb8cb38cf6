// Package icmp provides the raw ICMP transport shared by the tunnel client
// and server.
//
// # Socket pair
//
// A Socket is two raw IPv4 sockets bound to the same address:
//
//  1. A send socket speaking plain ICMP. Frames written to it go out as the
//     ICMP payload of a kernel-built IPv4 packet.
//  2. A receive socket with IP_HDRINCL set (via ipv4.RawConn). Datagrams read
//     from it keep their IPv4 header, so the frame parser can skip exactly
//     20 bytes. IP options, when present, are squeezed out before the
//     datagram is handed up.
//
// # Privileges
//
// Raw sockets need root or CAP_NET_RAW:
//
//	setcap cap_net_raw+ep ./tcpovericmp
//
// # Kernel echo replies
//
// The tunnel server's kernel answers every echo request on its own, which
// would bounce client data straight back. Disable that on the server host:
//
//	sysctl -w net.ipv4.icmp_echo_ignore_all=1
//
// Every raw ICMP socket sees every inbound ICMP datagram for the host;
// filtering by sender and kind happens in the engines.
package icmp
