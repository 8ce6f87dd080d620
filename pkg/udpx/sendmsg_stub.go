//go:build !linux

package udpx

import (
	"net"
)

// Per-packet IP options require Linux sendmsg ancillary data. On other
// platforms the wrapper refuses to construct so the capability gap is caught
// at startup rather than on the first traceroute.

func sockFamily(conn *net.UDPConn) (family, int, error) {
	return 0, 0, ErrPlatformNotSupported
}

func (c *Conn) sockaddr(addr *net.UDPAddr) (any, error) {
	return nil, ErrPlatformNotSupported
}

func (c *Conn) sendmsgOptions(b []byte, sa any, opts Options) (int, error) {
	return 0, ErrPlatformNotSupported
}
