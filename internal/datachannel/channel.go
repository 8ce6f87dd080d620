// Package datachannel exposes the four labelled measurement channels as a
// thin facade over SCTP streams.
package datachannel

import (
	"fmt"

	"github.com/malbeclabs/netpoke/internal/sctp"
	"github.com/malbeclabs/netpoke/pkg/udpx"
)

// Channel labels recognised by the measurement engine.
const (
	LabelProbe     = "probe"     // unordered, zero retransmits: one-way-delay probes
	LabelBulk      = "bulk"      // unordered, zero retransmits: throughput flood
	LabelControl   = "control"   // ordered, reliable: JSON control messages
	LabelTestProbe = "testprobe" // unordered, zero retransmits: traceroute/MTU probes
)

// Fixed stream assignment; both ends open the same set so no negotiation is
// needed.
var profiles = []struct {
	label    string
	streamID uint16
	cfg      sctp.StreamConfig
}{
	{LabelControl, 0, sctp.StreamConfig{MaxRetransmits: -1}},
	{LabelProbe, 1, sctp.StreamConfig{Unordered: true, MaxRetransmits: 0}},
	{LabelBulk, 2, sctp.StreamConfig{Unordered: true, MaxRetransmits: 0}},
	{LabelTestProbe, 3, sctp.StreamConfig{Unordered: true, MaxRetransmits: 0}},
}

// Channel is one labelled data channel.
type Channel struct {
	label  string
	stream *sctp.Stream
}

// Label returns the channel's label.
func (c *Channel) Label() string { return c.label }

// Send writes one message with kernel-default IP options.
func (c *Channel) Send(b []byte) error { return c.stream.Send(b) }

// SendWithOptions writes one message carrying per-packet IP options.
func (c *Channel) SendWithOptions(b []byte, opts udpx.Options) error {
	return c.stream.SendWithOptions(b, opts)
}

// OnMessage registers the receive callback; it runs on the association's
// receive path and must not block.
func (c *Channel) OnMessage(fn func([]byte)) { c.stream.OnMessage(fn) }

// Set is the full channel complement of one session.
type Set struct {
	Probe     *Channel
	Bulk      *Channel
	Control   *Channel
	TestProbe *Channel
}

// OpenSet opens all four channels on assoc with their fixed reliability
// profiles.
func OpenSet(assoc *sctp.Association) *Set {
	set := &Set{}
	for _, p := range profiles {
		ch := &Channel{label: p.label, stream: assoc.OpenStream(p.streamID, p.cfg)}
		switch p.label {
		case LabelProbe:
			set.Probe = ch
		case LabelBulk:
			set.Bulk = ch
		case LabelControl:
			set.Control = ch
		case LabelTestProbe:
			set.TestProbe = ch
		}
	}
	return set
}

// ByLabel returns the channel with the given label.
func (s *Set) ByLabel(label string) (*Channel, error) {
	switch label {
	case LabelProbe:
		return s.Probe, nil
	case LabelBulk:
		return s.Bulk, nil
	case LabelControl:
		return s.Control, nil
	case LabelTestProbe:
		return s.TestProbe, nil
	default:
		return nil, fmt.Errorf("unknown channel label %q", label)
	}
}
