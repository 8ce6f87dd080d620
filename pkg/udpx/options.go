package udpx

// Options carries per-packet IP-layer send options from the application all
// the way down to sendmsg(2) ancillary data. It is a plain value: copy it
// freely, never share it through hidden per-thread state.
//
// A zero field means "kernel default". TTL doubles as the IPv6 hop limit and
// TOS as the IPv6 traffic class, depending on the socket's address family.
type Options struct {
	TTL       uint8  // IPv4 TTL / IPv6 hop limit; 0 = kernel default
	TOS       uint8  // IPv4 TOS / IPv6 traffic class; 0 = kernel default
	DF        bool   // don't fragment: IP_MTU_DISCOVER=PROBE (v4) / IPV6_DONTFRAG=1 (v6)
	FlowLabel uint32 // IPv6 flow label (20 bits); 0 = none; ignored on IPv4 sockets
}

// IsZero reports whether every option is at its kernel default, in which case
// the plain send path is used and no ancillary data is built.
func (o Options) IsZero() bool {
	return o == Options{}
}
