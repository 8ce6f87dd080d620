package sctp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/malbeclabs/netpoke/pkg/udpx"
)

const packetHeaderLen = 12

var (
	// ErrBadChecksum is returned for packets whose CRC32c does not verify.
	ErrBadChecksum = errors.New("bad packet checksum")

	// ErrBadVerificationTag is returned when a packet does not carry the
	// association's verification tag.
	ErrBadVerificationTag = errors.New("bad verification tag")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// packet is one outbound or inbound SCTP packet.
//
// options is local send metadata hoisted from the packet's first data chunk
// by the bundler; it decides whether the write loop takes the plain or the
// options-carrying send path.
type packet struct {
	srcPort uint16
	dstPort uint16
	vtag    uint32
	chunks  []chunk

	options udpx.Options
}

func (p *packet) marshal() []byte {
	size := packetHeaderLen
	bodies := make([][]byte, len(p.chunks))
	for i, c := range p.chunks {
		bodies[i] = marshalChunk(c)
		size += len(bodies[i])
	}

	b := make([]byte, packetHeaderLen, size)
	binary.BigEndian.PutUint16(b[0:2], p.srcPort)
	binary.BigEndian.PutUint16(b[2:4], p.dstPort)
	binary.BigEndian.PutUint32(b[4:8], p.vtag)
	for _, body := range bodies {
		b = append(b, body...)
	}

	// CRC32c over the packet with a zeroed checksum field, stored little
	// endian per RFC 9260 appendix B.
	sum := crc32.Checksum(b, castagnoli)
	binary.LittleEndian.PutUint32(b[8:12], sum)
	return b
}

func parsePacket(b []byte) (*packet, error) {
	if len(b) < packetHeaderLen {
		return nil, fmt.Errorf("packet %d bytes: %w", len(b), ErrChunkTooShort)
	}

	declared := binary.LittleEndian.Uint32(b[8:12])
	scratch := append([]byte(nil), b...)
	scratch[8], scratch[9], scratch[10], scratch[11] = 0, 0, 0, 0
	if crc32.Checksum(scratch, castagnoli) != declared {
		return nil, ErrBadChecksum
	}

	chunks, err := parseChunks(b[packetHeaderLen:])
	if err != nil {
		return nil, err
	}
	return &packet{
		srcPort: binary.BigEndian.Uint16(b[0:2]),
		dstPort: binary.BigEndian.Uint16(b[2:4]),
		vtag:    binary.BigEndian.Uint32(b[4:8]),
		chunks:  chunks,
	}, nil
}

// bundle groups outbound chunks into packets of at most mtu marshalled bytes.
//
// Data chunks with identical options share a packet; the packet inherits
// those options. The fragmenter already guarantees per-message uniformity, so
// differing options simply force a packet boundary here — control chunks are
// bundled with whatever data packet is open (inheriting its options) or into
// a plain packet of their own.
func bundle(srcPort, dstPort uint16, vtag uint32, chunks []chunk, mtu int) []*packet {
	var (
		packets []*packet
		cur     *packet
		curSize int
	)

	flush := func() {
		if cur != nil && len(cur.chunks) > 0 {
			packets = append(packets, cur)
		}
		cur = nil
	}
	open := func(opts udpx.Options) {
		cur = &packet{srcPort: srcPort, dstPort: dstPort, vtag: vtag, options: opts}
		curSize = packetHeaderLen
	}

	for _, c := range chunks {
		size := (chunkHeaderLen + len(c.marshalValue()) + 3) &^ 3

		if dc, ok := c.(*dataChunk); ok {
			if cur != nil && (cur.options != dc.options || curSize+size > mtu) {
				flush()
			}
			if cur == nil {
				open(dc.options)
			}
			// A packet's first data chunk fixes the packet options; all other
			// data chunks in it carry identical options by construction.
			cur.chunks = append(cur.chunks, c)
			curSize += size
			continue
		}

		// Control chunk: ride along with the open packet, else start a plain
		// one.
		if cur != nil && curSize+size > mtu {
			flush()
		}
		if cur == nil {
			open(udpx.Options{})
		}
		cur.chunks = append(cur.chunks, c)
		curSize += size
	}
	flush()
	return packets
}

// validatePacketOptions enforces the single-options-per-packet invariant on
// an assembled packet. Bundling can never produce a violation; this guards
// future call sites that assemble packets directly.
func validatePacketOptions(p *packet) error {
	seen := false
	var opts udpx.Options
	for _, c := range p.chunks {
		dc, ok := c.(*dataChunk)
		if !ok {
			continue
		}
		if !seen {
			opts = dc.options
			seen = true
			continue
		}
		if dc.options != opts {
			return ErrMixedPacketOptions
		}
	}
	return nil
}
