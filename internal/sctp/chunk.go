// Package sctp implements the SCTP association carried over the datagram
// security adaptor, extended with per-chunk and per-packet IP send options:
// an outbound user message keeps its options on every fragment, bundling
// hoists them onto the packet, and the write loop picks the plain or
// options-carrying path accordingly.
package sctp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/malbeclabs/netpoke/pkg/udpx"
)

var (
	// ErrChunkTooShort is returned when a chunk header or value is truncated.
	ErrChunkTooShort = errors.New("chunk too short")

	// ErrMixedPacketOptions is returned by validatePacketOptions when an
	// assembled packet holds data chunks with differing send options. The
	// bundler never builds such a packet: it starts a new one instead.
	ErrMixedPacketOptions = errors.New("mixed send options within one packet")
)

type chunkType uint8

const (
	chunkTypeData         chunkType = 0
	chunkTypeSACK         chunkType = 3
	chunkTypeHeartbeat    chunkType = 4
	chunkTypeHeartbeatAck chunkType = 5
	chunkTypeForwardTSN   chunkType = 192
)

// DATA chunk flag bits.
const (
	dataFlagEnd       = 0x01
	dataFlagBeginning = 0x02
	dataFlagUnordered = 0x04
)

const chunkHeaderLen = 4

// chunk is one SCTP chunk, parsed or queued for transmission.
type chunk interface {
	typ() chunkType
	marshalValue() []byte
}

// dataChunk carries user payload bytes.
//
// options is local send metadata, not wire content: it is copied onto every
// fragment of the originating message and survives retransmission, because
// the options belong to the chunk, not to the transmission attempt.
type dataChunk struct {
	tsn       uint32
	streamID  uint16
	streamSeq uint16
	ppid      uint32
	unordered bool
	beginning bool
	end       bool
	userData  []byte

	options udpx.Options
}

func (c *dataChunk) typ() chunkType { return chunkTypeData }

func (c *dataChunk) flags() uint8 {
	var f uint8
	if c.end {
		f |= dataFlagEnd
	}
	if c.beginning {
		f |= dataFlagBeginning
	}
	if c.unordered {
		f |= dataFlagUnordered
	}
	return f
}

func (c *dataChunk) marshalValue() []byte {
	v := make([]byte, 12+len(c.userData))
	binary.BigEndian.PutUint32(v[0:4], c.tsn)
	binary.BigEndian.PutUint16(v[4:6], c.streamID)
	binary.BigEndian.PutUint16(v[6:8], c.streamSeq)
	binary.BigEndian.PutUint32(v[8:12], c.ppid)
	copy(v[12:], c.userData)
	return v
}

func parseDataChunk(flags uint8, v []byte) (*dataChunk, error) {
	if len(v) < 12 {
		return nil, fmt.Errorf("data chunk value %d bytes: %w", len(v), ErrChunkTooShort)
	}
	return &dataChunk{
		tsn:       binary.BigEndian.Uint32(v[0:4]),
		streamID:  binary.BigEndian.Uint16(v[4:6]),
		streamSeq: binary.BigEndian.Uint16(v[6:8]),
		ppid:      binary.BigEndian.Uint32(v[8:12]),
		unordered: flags&dataFlagUnordered != 0,
		beginning: flags&dataFlagBeginning != 0,
		end:       flags&dataFlagEnd != 0,
		userData:  append([]byte(nil), v[12:]...),
	}, nil
}

// gapBlock is one SACK gap-ack block, offsets relative to the cumulative TSN.
type gapBlock struct {
	start uint16
	end   uint16
}

// sackChunk acknowledges received TSNs.
type sackChunk struct {
	cumTSN uint32
	arwnd  uint32
	gaps   []gapBlock
}

func (c *sackChunk) typ() chunkType { return chunkTypeSACK }

func (c *sackChunk) marshalValue() []byte {
	v := make([]byte, 12+4*len(c.gaps))
	binary.BigEndian.PutUint32(v[0:4], c.cumTSN)
	binary.BigEndian.PutUint32(v[4:8], c.arwnd)
	binary.BigEndian.PutUint16(v[8:10], uint16(len(c.gaps)))
	for i, g := range c.gaps {
		binary.BigEndian.PutUint16(v[12+4*i:], g.start)
		binary.BigEndian.PutUint16(v[14+4*i:], g.end)
	}
	return v
}

func parseSACKChunk(v []byte) (*sackChunk, error) {
	if len(v) < 12 {
		return nil, fmt.Errorf("sack chunk value %d bytes: %w", len(v), ErrChunkTooShort)
	}
	n := int(binary.BigEndian.Uint16(v[8:10]))
	if len(v) < 12+4*n {
		return nil, fmt.Errorf("sack gap blocks truncated: %w", ErrChunkTooShort)
	}
	c := &sackChunk{
		cumTSN: binary.BigEndian.Uint32(v[0:4]),
		arwnd:  binary.BigEndian.Uint32(v[4:8]),
	}
	for i := range n {
		c.gaps = append(c.gaps, gapBlock{
			start: binary.BigEndian.Uint16(v[12+4*i:]),
			end:   binary.BigEndian.Uint16(v[14+4*i:]),
		})
	}
	return c, nil
}

// forwardTSNChunk tells the peer to move its cumulative ack past abandoned
// chunks (zero-retransmit streams).
type forwardTSNChunk struct {
	newCumTSN uint32
}

func (c *forwardTSNChunk) typ() chunkType { return chunkTypeForwardTSN }

func (c *forwardTSNChunk) marshalValue() []byte {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, c.newCumTSN)
	return v
}

func parseForwardTSNChunk(v []byte) (*forwardTSNChunk, error) {
	if len(v) < 4 {
		return nil, fmt.Errorf("forward-tsn chunk value %d bytes: %w", len(v), ErrChunkTooShort)
	}
	return &forwardTSNChunk{newCumTSN: binary.BigEndian.Uint32(v)}, nil
}

// heartbeatChunk carries opaque sender state echoed back by the peer.
type heartbeatChunk struct {
	ack  bool
	info []byte
}

func (c *heartbeatChunk) typ() chunkType {
	if c.ack {
		return chunkTypeHeartbeatAck
	}
	return chunkTypeHeartbeat
}

func (c *heartbeatChunk) marshalValue() []byte { return c.info }

// marshalChunk frames one chunk with the common header and 4-byte padding.
func marshalChunk(c chunk) []byte {
	value := c.marshalValue()
	var flags uint8
	if dc, ok := c.(*dataChunk); ok {
		flags = dc.flags()
	}
	length := chunkHeaderLen + len(value)
	padded := (length + 3) &^ 3
	b := make([]byte, padded)
	b[0] = byte(c.typ())
	b[1] = flags
	binary.BigEndian.PutUint16(b[2:4], uint16(length))
	copy(b[4:], value)
	return b
}

// parseChunks walks a packet body and returns the chunks it carries. Unknown
// chunk types are skipped, matching the tolerant half of RFC 9260 handling.
func parseChunks(b []byte) ([]chunk, error) {
	var chunks []chunk
	for len(b) > 0 {
		if len(b) < chunkHeaderLen {
			return nil, ErrChunkTooShort
		}
		typ := chunkType(b[0])
		flags := b[1]
		length := int(binary.BigEndian.Uint16(b[2:4]))
		if length < chunkHeaderLen || length > len(b) {
			return nil, fmt.Errorf("chunk length %d of %d: %w", length, len(b), ErrChunkTooShort)
		}
		value := b[chunkHeaderLen:length]

		var (
			c   chunk
			err error
		)
		switch typ {
		case chunkTypeData:
			c, err = parseDataChunk(flags, value)
		case chunkTypeSACK:
			c, err = parseSACKChunk(value)
		case chunkTypeForwardTSN:
			c, err = parseForwardTSNChunk(value)
		case chunkTypeHeartbeat:
			c = &heartbeatChunk{info: append([]byte(nil), value...)}
		case chunkTypeHeartbeatAck:
			c = &heartbeatChunk{ack: true, info: append([]byte(nil), value...)}
		}
		if err != nil {
			return nil, err
		}
		if c != nil {
			chunks = append(chunks, c)
		}

		padded := (length + 3) &^ 3
		if padded > len(b) {
			padded = len(b)
		}
		b = b[padded:]
	}
	return chunks, nil
}
