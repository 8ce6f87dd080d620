package tracker_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"

	"github.com/malbeclabs/netpoke/internal/tracker"
)

// buildICMPv4 constructs a synthetic ICMPv4 error quoting an original UDP
// datagram to dst with the given UDP total length.
func buildICMPv4(t *testing.T, typ, code int, rest uint32, dst net.IP, udpLen uint16) []byte {
	t.Helper()

	iph := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + int(udpLen),
		TTL:      1,
		Protocol: 17,
		Src:      net.ParseIP("192.0.2.1"),
		Dst:      dst,
	}
	embedded, err := iph.Marshal()
	require.NoError(t, err)

	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:2], 50000)
	binary.BigEndian.PutUint16(udp[2:4], 443)
	binary.BigEndian.PutUint16(udp[4:6], udpLen)

	msg := make([]byte, 8)
	msg[0] = byte(typ)
	msg[1] = byte(code)
	binary.BigEndian.PutUint32(msg[4:8], rest)
	msg = append(msg, embedded...)
	return append(msg, udp...)
}

// buildICMPv6 constructs a synthetic ICMPv6 error quoting an original UDP
// datagram.
func buildICMPv6(t *testing.T, typ, code int, rest uint32, dst net.IP, udpLen uint16) []byte {
	t.Helper()

	embedded := make([]byte, 40)
	embedded[0] = 6 << 4
	binary.BigEndian.PutUint16(embedded[4:6], udpLen)
	embedded[6] = 17 // next header: UDP
	embedded[7] = 1  // hop limit
	copy(embedded[8:24], net.ParseIP("2001:db8::1").To16())
	copy(embedded[24:40], dst.To16())

	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:2], 50000)
	binary.BigEndian.PutUint16(udp[2:4], 443)
	binary.BigEndian.PutUint16(udp[4:6], udpLen)

	msg := make([]byte, 8)
	msg[0] = byte(typ)
	msg[1] = byte(code)
	binary.BigEndian.PutUint32(msg[4:8], rest)
	msg = append(msg, embedded...)
	return append(msg, udp...)
}

func TestParseICMPv4_TimeExceeded(t *testing.T) {
	t.Parallel()

	b := buildICMPv4(t, 11, 0, 0, net.ParseIP("203.0.113.5"), 296)
	e, err := tracker.ParseICMPv4(b)
	require.NoError(t, err)
	require.Equal(t, 11, e.Type)
	require.Equal(t, 0, e.Code)
	require.Zero(t, e.NextHopMTU)
	require.Equal(t, "203.0.113.5", e.Dst.String())
	require.Equal(t, uint16(296), e.UDPLen)
}

func TestParseICMPv4_FragmentationNeeded(t *testing.T) {
	t.Parallel()

	// Next-hop MTU rides in the low 16 bits of the rest-of-header word.
	b := buildICMPv4(t, 3, 4, 1492, net.ParseIP("203.0.113.5"), 1508)
	e, err := tracker.ParseICMPv4(b)
	require.NoError(t, err)
	require.Equal(t, 1492, e.NextHopMTU)
	require.Equal(t, uint16(1508), e.UDPLen)
}

func TestParseICMPv4_PortUnreachable(t *testing.T) {
	t.Parallel()

	b := buildICMPv4(t, 3, 3, 0, net.ParseIP("203.0.113.5"), 296)
	e, err := tracker.ParseICMPv4(b)
	require.NoError(t, err)
	require.Equal(t, 3, e.Type)
	require.Equal(t, 3, e.Code)
}

func TestParseICMPv4_Rejections(t *testing.T) {
	t.Parallel()

	// Echo reply: not a probe error return.
	_, err := tracker.ParseICMPv4(buildICMPv4(t, 0, 0, 0, net.ParseIP("203.0.113.5"), 296))
	require.ErrorIs(t, err, tracker.ErrICMPIgnored)

	// Network-unreachable code is not interesting.
	_, err = tracker.ParseICMPv4(buildICMPv4(t, 3, 0, 0, net.ParseIP("203.0.113.5"), 296))
	require.ErrorIs(t, err, tracker.ErrICMPIgnored)

	// Truncated quote.
	b := buildICMPv4(t, 11, 0, 0, net.ParseIP("203.0.113.5"), 296)
	_, err = tracker.ParseICMPv4(b[:20])
	require.ErrorIs(t, err, tracker.ErrICMPTruncated)

	_, err = tracker.ParseICMPv4([]byte{11, 0})
	require.ErrorIs(t, err, tracker.ErrICMPTruncated)

	// Embedded TCP, not our probe.
	tcp := buildICMPv4(t, 11, 0, 0, net.ParseIP("203.0.113.5"), 296)
	tcp[8+9] = 6 // embedded protocol field
	// Recompute nothing: ParseHeader does not verify the checksum.
	_, err = tracker.ParseICMPv4(tcp)
	require.ErrorIs(t, err, tracker.ErrICMPNotUDP)
}

func TestParseICMPv6_TimeExceeded(t *testing.T) {
	t.Parallel()

	b := buildICMPv6(t, 3, 0, 0, net.ParseIP("2001:db8::99"), 296)
	e, err := tracker.ParseICMPv6(b)
	require.NoError(t, err)
	require.Equal(t, 3, e.Type)
	require.Equal(t, "2001:db8::99", e.Dst.String())
	require.Equal(t, uint16(296), e.UDPLen)
}

func TestParseICMPv6_PacketTooBig(t *testing.T) {
	t.Parallel()

	b := buildICMPv6(t, 2, 0, 1480, net.ParseIP("2001:db8::99"), 1508)
	e, err := tracker.ParseICMPv6(b)
	require.NoError(t, err)
	require.Equal(t, 1480, e.NextHopMTU)
}

func TestParseICMPv6_Rejections(t *testing.T) {
	t.Parallel()

	// Echo request.
	_, err := tracker.ParseICMPv6(buildICMPv6(t, 128, 0, 0, net.ParseIP("2001:db8::99"), 296))
	require.ErrorIs(t, err, tracker.ErrICMPIgnored)

	// Embedded next header not UDP.
	b := buildICMPv6(t, 3, 0, 0, net.ParseIP("2001:db8::99"), 296)
	b[8+6] = 6
	_, err = tracker.ParseICMPv6(b)
	require.ErrorIs(t, err, tracker.ErrICMPNotUDP)

	// Truncated.
	_, err = tracker.ParseICMPv6(b[:30])
	require.ErrorIs(t, err, tracker.ErrICMPTruncated)
}
