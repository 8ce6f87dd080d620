//go:build linux

package udpx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// flowLabelMask is the 20-bit IPv6 flow label space.
const flowLabelMask = 0xFFFFF

// ipv6FlowinfoOptname is Linux's IPV6_FLOWINFO cmsg type (linux/in6.h),
// which golang.org/x/sys/unix does not currently expose.
const ipv6FlowinfoOptname = 11

// sockFamily resolves the socket's own address family via getsockname and
// pins the file descriptor. The family never changes for a bound socket, so
// this runs exactly once per Conn.
func sockFamily(conn *net.UDPConn) (family, int, error) {
	var sysfd int
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	if err := rawConn.Control(func(fd uintptr) { sysfd = int(fd) }); err != nil {
		return 0, 0, err
	}

	sa, err := unix.Getsockname(sysfd)
	if err != nil {
		return 0, 0, fmt.Errorf("getsockname: %w", err)
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return familyIPv4, sysfd, nil
	case *unix.SockaddrInet6:
		return familyIPv6, sysfd, nil
	default:
		return 0, 0, fmt.Errorf("unexpected socket address family %T", sa)
	}
}

// sockaddr converts addr to a sockaddr matching the socket's family. An IPv4
// destination on an IPv6 socket becomes a v4-mapped address; the cmsg level
// stays IPPROTO_IPV6 in that case.
func (c *Conn) sockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	switch c.fam {
	case familyIPv4:
		ip4 := addr.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("IPv6 destination %s on an IPv4 socket", addr.IP)
		}
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	case familyIPv6:
		ip16 := addr.IP.To16()
		if ip16 == nil {
			return nil, fmt.Errorf("invalid destination %s", addr.IP)
		}
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip16)
		if addr.Zone != "" {
			if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, nil
	default:
		return nil, fmt.Errorf("unknown socket family %d", c.fam)
	}
}

// sendmsgOptions performs the single sendmsg(2) carrying the option cmsg
// chain. EMSGSIZE with DF set is the path-MTU discovery signal and is
// surfaced as ErrMessageTooBig; it is never retried here.
func (c *Conn) sendmsgOptions(b []byte, sa unix.Sockaddr, opts Options) (int, error) {
	oob, err := buildOptionCmsgs(c.fam, opts)
	if err != nil {
		return 0, err
	}
	n, err := unix.SendmsgN(c.fd, b, oob, sa, 0)
	if err != nil {
		if opts.DF && errors.Is(err, unix.EMSGSIZE) {
			return 0, fmt.Errorf("sendmsg %d bytes: %w", len(b), ErrMessageTooBig)
		}
		return 0, fmt.Errorf("sendmsg: %w", err)
	}
	return n, nil
}

// buildOptionCmsgs translates opts into a cmsg chain for the socket's family.
//
// Every cmsg payload is a 4-byte int: a 1-byte IP_TTL/IP_TOS value makes the
// kernel return EINVAL. The protocol level follows the socket family, not the
// destination: IPPROTO_IP cmsgs on an IPv6 socket yield EAFNOSUPPORT even for
// v4-mapped destinations.
func buildOptionCmsgs(fam family, opts Options) ([]byte, error) {
	var oob []byte
	switch fam {
	case familyIPv4:
		if opts.TTL != 0 {
			oob = appendCmsgInt32(oob, unix.IPPROTO_IP, unix.IP_TTL, int32(opts.TTL))
		}
		if opts.TOS != 0 {
			oob = appendCmsgInt32(oob, unix.IPPROTO_IP, unix.IP_TOS, int32(opts.TOS))
		}
		if opts.DF {
			oob = appendCmsgInt32(oob, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_PROBE)
		}
	case familyIPv6:
		if opts.TTL != 0 {
			oob = appendCmsgInt32(oob, unix.IPPROTO_IPV6, unix.IPV6_HOPLIMIT, int32(opts.TTL))
		}
		if opts.TOS != 0 {
			oob = appendCmsgInt32(oob, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, int32(opts.TOS))
		}
		if opts.DF {
			oob = appendCmsgInt32(oob, unix.IPPROTO_IPV6, unix.IPV6_DONTFRAG, 1)
		}
		if opts.FlowLabel != 0 {
			if opts.FlowLabel > flowLabelMask {
				return nil, fmt.Errorf("flow label %#x: %w", opts.FlowLabel, ErrFlowLabelRange)
			}
			// The kernel copies IPV6_FLOWINFO verbatim into the flow-header
			// word, so the label is encoded in network byte order.
			var w [4]byte
			binary.BigEndian.PutUint32(w[:], opts.FlowLabel)
			oob = appendCmsgInt32(oob, unix.IPPROTO_IPV6, ipv6FlowinfoOptname, *(*int32)(unsafe.Pointer(&w[0])))
		}
	default:
		return nil, fmt.Errorf("unknown socket family %d", fam)
	}
	return oob, nil
}

// appendCmsgInt32 appends one cmsg with a 4-byte int payload to oob. Each
// cmsg occupies CmsgSpace(4) bytes with its length set to CmsgLen(4).
func appendCmsgInt32(oob []byte, level, typ int32, val int32) []byte {
	off := len(oob)
	oob = append(oob, make([]byte, unix.CmsgSpace(4))...)

	h := (*unix.Cmsghdr)(unsafe.Pointer(&oob[off]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(4))

	*(*int32)(unsafe.Pointer(&oob[off+unix.CmsgLen(0)])) = val
	return oob
}
