// Package wire defines the JSON payloads exchanged on the measurement data
// channels: probe/testprobe packets and the control-channel message union.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/malbeclabs/netpoke/pkg/udpx"
)

var (
	// ErrInvalidPacket is returned when a received payload is malformed.
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Direction tags which way a probe travelled.
type Direction string

const (
	DirectionC2S Direction = "C2S"
	DirectionS2C Direction = "S2C"
)

func (d Direction) valid() bool {
	return d == DirectionC2S || d == DirectionS2C
}

// SendOptions is the wire mirror of udpx.Options. Absent fields mean kernel
// default, matching the value semantics of the send path.
type SendOptions struct {
	TTL       uint8  `json:"ttl,omitempty"`
	TOS       uint8  `json:"tos,omitempty"`
	DF        bool   `json:"df_bit,omitempty"`
	FlowLabel uint32 `json:"flow_label,omitempty"`
}

// Options converts to the transport-level value type.
func (o *SendOptions) Options() udpx.Options {
	if o == nil {
		return udpx.Options{}
	}
	return udpx.Options{TTL: o.TTL, TOS: o.TOS, DF: o.DF, FlowLabel: o.FlowLabel}
}

// SendOptionsFrom converts transport options to their wire form, nil when all
// defaults.
func SendOptionsFrom(o udpx.Options) *SendOptions {
	if o.IsZero() {
		return nil
	}
	return &SendOptions{TTL: o.TTL, TOS: o.TOS, DF: o.DF, FlowLabel: o.FlowLabel}
}

// ProbePacket is the payload of the probe and testprobe channels. Identity is
// preserved by echoing the sequence number back unchanged.
type ProbePacket struct {
	Seq         uint64       `json:"seq"`
	TimestampMS uint64       `json:"timestamp_ms"`
	Direction   Direction    `json:"direction"`
	SendOptions *SendOptions `json:"send_options,omitempty"`

	// Pad inflates the encoded packet to a target on-wire size for MTU
	// sweeps. Opaque filler, ignored by receivers.
	Pad string `json:"pad,omitempty"`
}

// Marshal encodes p as compact JSON.
func (p *ProbePacket) Marshal() ([]byte, error) {
	if !p.Direction.valid() {
		return nil, fmt.Errorf("direction %q: %w", p.Direction, ErrInvalidPacket)
	}
	return json.Marshal(p)
}

// PadToSize grows the encoded packet to exactly size bytes by filling Pad.
// Returns the encoding, or an error if size is too small to hold the packet.
func (p *ProbePacket) PadToSize(size int) ([]byte, error) {
	p.Pad = ""
	b, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	if len(b) == size {
		return b, nil
	}
	// Adding the pad field costs len(`,"pad":""`) bytes plus the filler.
	const padOverhead = 9
	need := size - len(b) - padOverhead
	if need < 1 {
		return nil, fmt.Errorf("packet does not fit in %d bytes", size)
	}
	pad := make([]byte, need)
	for i := range pad {
		pad[i] = 'x'
	}
	p.Pad = string(pad)
	b, err = p.Marshal()
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("padded packet is %d bytes, want %d", len(b), size)
	}
	return b, nil
}

// UnmarshalProbePacket decodes and validates a probe payload.
func UnmarshalProbePacket(b []byte) (*ProbePacket, error) {
	var p ProbePacket
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	if !p.Direction.valid() {
		return nil, fmt.Errorf("direction %q: %w", p.Direction, ErrInvalidPacket)
	}
	return &p, nil
}
