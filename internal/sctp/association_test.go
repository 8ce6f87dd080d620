package sctp

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/netpoke/pkg/udpx"
)

// pipeSender captures sent packets and optionally forwards them into a peer
// association, emulating the protected-datagram path.
type pipeSender struct {
	mu    sync.Mutex
	peer  *Association
	drop  func(n int) bool // called with the 1-based send index
	sent  [][]byte
	opts  []udpx.Options
	count int
}

func (s *pipeSender) record(b []byte, opts udpx.Options) (deliver bool) {
	s.mu.Lock()
	s.count++
	n := s.count
	s.sent = append(s.sent, bytes.Clone(b))
	s.opts = append(s.opts, opts)
	drop := s.drop
	s.mu.Unlock()
	return drop == nil || !drop(n)
}

func (s *pipeSender) deliver(b []byte) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer != nil {
		_ = peer.HandleDatagram(b)
	}
}

func (s *pipeSender) Send(b []byte) (int, error) {
	if s.record(b, udpx.Options{}) {
		s.deliver(b)
	}
	return len(b), nil
}

func (s *pipeSender) SendWithOptions(b []byte, opts udpx.Options) (int, error) {
	if s.record(b, opts) {
		s.deliver(b)
	}
	return len(b), nil
}

// dataPackets parses captured datagrams and returns those carrying DATA
// chunks along with the options they were sent with.
func (s *pipeSender) dataPackets(t *testing.T) ([]*packet, []udpx.Options) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var packets []*packet
	var opts []udpx.Options
	for i, b := range s.sent {
		p, err := parsePacket(b)
		require.NoError(t, err)
		for _, c := range p.chunks {
			if _, ok := c.(*dataChunk); ok {
				packets = append(packets, p)
				opts = append(opts, s.opts[i])
				break
			}
		}
	}
	return packets, opts
}

func newAssocPair(t *testing.T, clock clockwork.Clock) (*Association, *Association, *pipeSender, *pipeSender) {
	t.Helper()
	aOut := &pipeSender{}
	bOut := &pipeSender{}

	a, err := NewAssociation(Config{Sender: aOut, Clock: clock, VerificationTag: 42, SrcPort: 5000, DstPort: 5000})
	require.NoError(t, err)
	b, err := NewAssociation(Config{Sender: bOut, Clock: clock, VerificationTag: 42, SrcPort: 5000, DstPort: 5000})
	require.NoError(t, err)

	aOut.peer = b
	bOut.peer = a
	return a, b, aOut, bOut
}

func TestAssociation_MessageRoundtrip(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, b, _, _ := newAssocPair(t, clock)

	var got [][]byte
	recv := b.OpenStream(1, StreamConfig{MaxRetransmits: -1})
	recv.OnMessage(func(p []byte) { got = append(got, bytes.Clone(p)) })

	send := a.OpenStream(1, StreamConfig{MaxRetransmits: -1})
	require.NoError(t, send.Send([]byte("first")))
	require.NoError(t, send.Send([]byte("second")))
	a.flush()
	b.flush() // emit SACK

	require.Equal(t, [][]byte{[]byte("first"), []byte("second")}, got)
	require.Empty(t, a.inflight) // SACK cleared the retransmission queue
}

func TestAssociation_FragmentationReassembly(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, b, _, _ := newAssocPair(t, clock)

	var got [][]byte
	b.OpenStream(2, StreamConfig{MaxRetransmits: -1}).OnMessage(func(p []byte) {
		got = append(got, bytes.Clone(p))
	})

	big := bytes.Repeat([]byte("payload."), 2048) // 16 KiB, many fragments
	require.NoError(t, a.OpenStream(2, StreamConfig{MaxRetransmits: -1}).Send(big))
	for range 32 {
		a.flush()
		b.flush()
	}

	require.Len(t, got, 1)
	require.Equal(t, big, got[0])
}

// A fragmented message sent with options must put those options on every
// resulting packet.
func TestAssociation_OptionFanOutAcrossPackets(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, b, aOut, _ := newAssocPair(t, clock)
	b.OpenStream(1, StreamConfig{Unordered: true})

	opts := udpx.Options{TTL: 6, DF: true}
	msg := bytes.Repeat([]byte("m"), 5000)
	require.NoError(t, a.OpenStream(1, StreamConfig{Unordered: true}).SendWithOptions(msg, opts))
	for range 16 {
		a.flush()
		b.flush()
	}

	packets, sentOpts := aOut.dataPackets(t)
	require.Greater(t, len(packets), 1)
	for i := range packets {
		require.Equal(t, opts, sentOpts[i], "packet %d", i)
	}
}

func TestAssociation_PlainMessagesUsePlainPath(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, b, aOut, _ := newAssocPair(t, clock)
	b.OpenStream(1, StreamConfig{})

	require.NoError(t, a.OpenStream(1, StreamConfig{}).Send([]byte("plain")))
	a.flush()

	_, sentOpts := aOut.dataPackets(t)
	require.Len(t, sentOpts, 1)
	require.True(t, sentOpts[0].IsZero())
}

// Retransmitted chunks carry the options of the original message even if the
// stream has moved on to different options since — the options are part of
// the chunk, not of the transmission attempt.
func TestAssociation_RetransmitKeepsOriginalOptions(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, b, aOut, _ := newAssocPair(t, clock)
	b.OpenStream(1, StreamConfig{})

	orig := udpx.Options{TTL: 1, DF: true}
	aOut.drop = func(n int) bool { return n == 1 } // lose the first transmission

	s := a.OpenStream(1, StreamConfig{MaxRetransmits: -1})
	require.NoError(t, s.SendWithOptions([]byte("probe-ttl-1"), orig))
	a.flush()

	// The session is on TTL 7 by the time the retransmit fires.
	require.NoError(t, s.SendWithOptions([]byte("probe-ttl-7"), udpx.Options{TTL: 7, DF: true}))
	a.flush()
	b.flush() // SACK the delivered chunk so only the lost one expires

	clock.Advance(time.Second)
	a.retransmitExpired()
	a.flush()

	packets, sentOpts := aOut.dataPackets(t)
	require.GreaterOrEqual(t, len(packets), 3)
	last := len(packets) - 1
	require.Equal(t, orig, sentOpts[last], "retransmission must keep the original options")

	dc := packets[last].chunks[0].(*dataChunk)
	require.Equal(t, []byte("probe-ttl-1"), dc.userData)
}

// Zero-retransmit streams abandon lost chunks and un-stall the peer with a
// FORWARD-TSN instead of retransmitting.
func TestAssociation_ZeroRetransmitAbandons(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, b, aOut, _ := newAssocPair(t, clock)

	var got [][]byte
	b.OpenStream(1, StreamConfig{Unordered: true}).OnMessage(func(p []byte) {
		got = append(got, bytes.Clone(p))
	})

	s := a.OpenStream(1, StreamConfig{Unordered: true, MaxRetransmits: 0})
	aOut.drop = func(n int) bool { return n == 1 }
	require.NoError(t, s.Send([]byte("lost")))
	a.flush()

	clock.Advance(time.Second)
	a.retransmitExpired()
	a.flush()

	require.NoError(t, s.Send([]byte("after")))
	a.flush()
	b.flush()

	require.Equal(t, [][]byte{[]byte("after")}, got)
	require.Empty(t, a.inflight)

	// No datagram after the loss may carry the abandoned payload again.
	packets, _ := aOut.dataPackets(t)
	for i, p := range packets {
		if i == 0 {
			continue
		}
		for _, c := range p.chunks {
			if dc, ok := c.(*dataChunk); ok {
				require.NotEqual(t, []byte("lost"), dc.userData)
			}
		}
	}
}

func TestAssociation_OrderedDeliveryHoldsBackGaps(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, b, aOut, _ := newAssocPair(t, clock)

	var got [][]byte
	b.OpenStream(1, StreamConfig{}).OnMessage(func(p []byte) { got = append(got, bytes.Clone(p)) })

	s := a.OpenStream(1, StreamConfig{MaxRetransmits: -1})
	aOut.drop = func(n int) bool { return n == 1 }

	require.NoError(t, s.Send([]byte("one")))
	a.flush()
	require.NoError(t, s.Send([]byte("two")))
	a.flush()
	require.Empty(t, got, "second message must wait for the first")

	clock.Advance(time.Second)
	a.retransmitExpired()
	a.flush()

	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got)
}

func TestAssociation_RejectsForeignVerificationTag(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, _, _, _ := newAssocPair(t, clock)

	p := &packet{vtag: 7777, chunks: []chunk{&heartbeatChunk{info: []byte("x")}}}
	require.ErrorIs(t, a.HandleDatagram(p.marshal()), ErrBadVerificationTag)
}

func TestAssociation_SendAfterCloseFails(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, _, _, _ := newAssocPair(t, clock)
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	err := a.OpenStream(1, StreamConfig{}).Send([]byte("x"))
	require.ErrorIs(t, err, ErrAssociationClosed)
}
