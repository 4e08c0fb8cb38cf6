package server

import (
	"net/netip"
)

// Key identifies one tunneled flow: the client that sent the frames and the
// destination embedded in them.
type Key struct {
	Client      netip.Addr
	Destination netip.AddrPort
}

// String returns "client->host:port".
func (k Key) String() string {
	return k.Client.String() + "->" + k.Destination.String()
}
