package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protoUDP = 17

	icmpHeaderLen = 8
	ipv6HeaderLen = 40

	// Minimum embedded quote: original IP header plus the 8-byte UDP header.
	minEmbeddedV4 = ipv4.HeaderLen + udpHeaderLen
	minEmbeddedV6 = ipv6HeaderLen + udpHeaderLen
)

var (
	// ErrICMPTruncated is returned when the outer message or the embedded
	// quote is too short to parse.
	ErrICMPTruncated = errors.New("truncated ICMP message")

	// ErrICMPIgnored is returned for ICMP types/codes that are not probe
	// error returns (echo replies, router advertisements, ...).
	ErrICMPIgnored = errors.New("ignored ICMP type")

	// ErrICMPNotUDP is returned when the embedded packet is not a UDP
	// datagram of ours.
	ErrICMPNotUDP = errors.New("embedded packet is not UDP")
)

// ICMPError is a parsed probe error return: the outer type/code plus the
// identity of the original datagram quoted inside.
type ICMPError struct {
	Type int
	Code int

	// NextHopMTU is the announced MTU for Fragmentation-Needed (v4 code 4)
	// and Packet-Too-Big (v6 type 2); zero otherwise.
	NextHopMTU int

	// Dst and UDPLen identify the original probe: its destination address
	// and the UDP total length field from the embedded header.
	Dst    netip.Addr
	UDPLen uint16
}

// ParseICMPv4 parses a raw ICMPv4 message (IP header already stripped) into
// an ICMPError. Accepted types: 11 Time-Exceeded and 3 Destination
// Unreachable with codes 3 (port unreachable) and 4 (fragmentation needed).
func ParseICMPv4(b []byte) (*ICMPError, error) {
	if len(b) < icmpHeaderLen {
		return nil, fmt.Errorf("outer %d bytes: %w", len(b), ErrICMPTruncated)
	}
	typ, code := int(b[0]), int(b[1])

	e := &ICMPError{Type: typ, Code: code}
	switch ipv4.ICMPType(typ) {
	case ipv4.ICMPTypeTimeExceeded:
	case ipv4.ICMPTypeDestinationUnreachable:
		switch code {
		case 3: // port unreachable
		case 4: // fragmentation needed
			e.NextHopMTU = int(binary.BigEndian.Uint16(b[6:8]))
		default:
			return nil, fmt.Errorf("unreachable code %d: %w", code, ErrICMPIgnored)
		}
	default:
		return nil, fmt.Errorf("type %d: %w", typ, ErrICMPIgnored)
	}

	embedded := b[icmpHeaderLen:]
	if len(embedded) < minEmbeddedV4 {
		return nil, fmt.Errorf("embedded %d bytes: %w", len(embedded), ErrICMPTruncated)
	}
	hdr, err := ipv4.ParseHeader(embedded)
	if err != nil {
		return nil, fmt.Errorf("embedded header: %w", err)
	}
	if hdr.Protocol != protoUDP {
		return nil, fmt.Errorf("embedded protocol %d: %w", hdr.Protocol, ErrICMPNotUDP)
	}
	if len(embedded) < hdr.Len+udpHeaderLen {
		return nil, fmt.Errorf("embedded UDP header: %w", ErrICMPTruncated)
	}
	dst, ok := netip.AddrFromSlice(hdr.Dst.To4())
	if !ok {
		return nil, fmt.Errorf("embedded destination: %w", ErrICMPTruncated)
	}

	udp := embedded[hdr.Len:]
	e.Dst = dst
	e.UDPLen = binary.BigEndian.Uint16(udp[4:6])
	return e, nil
}

// ParseICMPv6 parses a raw ICMPv6 message into an ICMPError. Accepted types:
// 3 Time-Exceeded, 1 Destination Unreachable (any code; code 4 is port
// unreachable) and 2 Packet-Too-Big.
func ParseICMPv6(b []byte) (*ICMPError, error) {
	if len(b) < icmpHeaderLen {
		return nil, fmt.Errorf("outer %d bytes: %w", len(b), ErrICMPTruncated)
	}
	typ, code := int(b[0]), int(b[1])

	e := &ICMPError{Type: typ, Code: code}
	switch ipv6.ICMPType(typ) {
	case ipv6.ICMPTypeTimeExceeded:
	case ipv6.ICMPTypeDestinationUnreachable:
	case ipv6.ICMPTypePacketTooBig:
		e.NextHopMTU = int(binary.BigEndian.Uint32(b[4:8]))
	default:
		return nil, fmt.Errorf("type %d: %w", typ, ErrICMPIgnored)
	}

	embedded := b[icmpHeaderLen:]
	if len(embedded) < minEmbeddedV6 {
		return nil, fmt.Errorf("embedded %d bytes: %w", len(embedded), ErrICMPTruncated)
	}
	if embedded[0]>>4 != 6 {
		return nil, fmt.Errorf("embedded version %d: %w", embedded[0]>>4, ErrICMPTruncated)
	}
	if embedded[6] != protoUDP {
		return nil, fmt.Errorf("embedded next header %d: %w", embedded[6], ErrICMPNotUDP)
	}
	dst, ok := netip.AddrFromSlice(embedded[24:40])
	if !ok {
		return nil, fmt.Errorf("embedded destination: %w", ErrICMPTruncated)
	}

	udp := embedded[ipv6HeaderLen:]
	e.Dst = dst
	e.UDPLen = binary.BigEndian.Uint16(udp[4:6])
	return e, nil
}
