package measure

import (
	"fmt"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/netpoke/internal/datachannel"
	"github.com/malbeclabs/netpoke/internal/sctp"
	"github.com/malbeclabs/netpoke/internal/tracker"
	"github.com/malbeclabs/netpoke/pkg/udpx"
	"github.com/malbeclabs/netpoke/pkg/wire"
)

type loopSender struct{ peer *sctp.Association }

func (s *loopSender) Send(b []byte) (int, error) {
	if s.peer != nil {
		_ = s.peer.HandleDatagram(b)
	}
	return len(b), nil
}

func (s *loopSender) SendWithOptions(b []byte, opts udpx.Options) (int, error) {
	return s.Send(b)
}

type engineHarness struct {
	clock   *clockwork.FakeClock
	eng     *Engine
	server  *sctp.Association
	clientA *sctp.Association
	client  *datachannel.Set
	tr      *tracker.Tracker

	clientControl    []wire.ControlMessage
	clientTestprobes []*wire.ProbePacket
	clientProbes     []*wire.ProbePacket
	fatal            []error
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	h := &engineHarness{clock: clockwork.NewFakeClock()}

	srvOut := &loopSender{}
	cliOut := &loopSender{}
	var err error
	h.server, err = sctp.NewAssociation(sctp.Config{Sender: srvOut, Clock: h.clock, VerificationTag: 9})
	require.NoError(t, err)
	h.clientA, err = sctp.NewAssociation(sctp.Config{Sender: cliOut, Clock: h.clock, VerificationTag: 9})
	require.NoError(t, err)
	srvOut.peer, cliOut.peer = h.clientA, h.server

	serverSet := datachannel.OpenSet(h.server)
	h.client = datachannel.OpenSet(h.clientA)

	h.client.Control.OnMessage(func(b []byte) {
		msg, _, err := wire.UnmarshalControl(b)
		require.NoError(t, err)
		h.clientControl = append(h.clientControl, msg)
	})
	h.client.TestProbe.OnMessage(func(b []byte) {
		p, err := wire.UnmarshalProbePacket(b)
		require.NoError(t, err)
		h.clientTestprobes = append(h.clientTestprobes, p)
	})
	h.client.Probe.OnMessage(func(b []byte) {
		p, err := wire.UnmarshalProbePacket(b)
		require.NoError(t, err)
		h.clientProbes = append(h.clientProbes, p)
	})

	h.tr, err = tracker.NewTracker(tracker.TrackerConfig{ConnID: "conn-1", Clock: h.clock})
	require.NoError(t, err)

	h.eng, err = NewEngine(Config{
		Clock:            h.clock,
		ConnID:           "conn-1",
		Channels:         serverSet,
		Tracker:          h.tr,
		MaxTTL:           3,
		UnreachableLimit: 3,
		OnFatal:          func(err error) { h.fatal = append(h.fatal, err) },
	})
	require.NoError(t, err)
	return h
}

// pump flushes both associations until the wire is quiet.
func (h *engineHarness) pump() {
	for range 4 {
		h.server.Flush()
		h.clientA.Flush()
	}
}

// control sends one client control message to the engine.
func (h *engineHarness) control(t *testing.T, msg wire.ControlMessage) {
	t.Helper()
	b, err := wire.MarshalControl(msg, "")
	require.NoError(t, err)
	require.NoError(t, h.client.Control.Send(b))
	h.pump()
}

func TestEngine_ProbeEmissionGatedOnStart(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	h.eng.emitProbe()
	h.pump()
	require.Empty(t, h.clientProbes, "no emission before StartProbeStreams")

	h.control(t, wire.StartProbeStreams{})
	h.eng.emitProbe()
	h.eng.emitProbe()
	h.pump()

	require.Len(t, h.clientProbes, 2)
	require.Equal(t, uint64(0), h.clientProbes[0].Seq)
	require.Equal(t, uint64(1), h.clientProbes[1].Seq)
	require.Equal(t, wire.DirectionS2C, h.clientProbes[0].Direction)

	h.control(t, wire.StopProbeStreams{})
	h.eng.emitProbe()
	h.pump()
	require.Len(t, h.clientProbes, 2)
}

func TestEngine_TracerouteTTLCycle(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.control(t, wire.StartTraceroute{})

	// MaxTTL is 3: four ticks walk TTL 1,2,3 then wrap to 1 with a
	// TraceComplete in between.
	for range 4 {
		h.eng.emitTestprobe()
	}
	h.pump()

	require.Len(t, h.clientTestprobes, 4)
	ttls := make([]uint8, 0, 4)
	for _, p := range h.clientTestprobes {
		require.NotNil(t, p.SendOptions)
		require.True(t, p.SendOptions.DF)
		ttls = append(ttls, p.SendOptions.TTL)
	}
	require.Equal(t, []uint8{1, 2, 3, 1}, ttls)

	var completes int
	for _, m := range h.clientControl {
		if _, ok := m.(wire.TraceComplete); ok {
			completes++
		}
	}
	require.Equal(t, 1, completes)
}

// Testprobes must never advance the probe sequence: a traceroute run leaves
// loss statistics untouched.
func TestEngine_TestprobesExcludedFromProbeSequence(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.control(t, wire.StartTraceroute{})

	before := h.eng.State().ProbeSeq()
	for range 10 {
		h.eng.emitTestprobe()
	}
	h.pump()
	require.Equal(t, before, h.eng.State().ProbeSeq())
	require.Equal(t, uint64(10), h.eng.State().TestprobeSeq())
}

func TestEngine_TestprobeEchoResetsSequence(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.control(t, wire.StartTraceroute{})

	h.eng.emitTestprobe()
	h.eng.emitTestprobe()
	h.pump()
	require.Equal(t, uint64(2), h.eng.State().TestprobeSeq())

	// The client echoes the second testprobe back unchanged.
	echo, err := h.clientTestprobes[1].Marshal()
	require.NoError(t, err)
	require.NoError(t, h.client.TestProbe.Send(echo))
	h.pump()

	require.Equal(t, uint64(0), h.eng.State().TestprobeSeq(), "sequence reset before the next scheduled send")

	// The next probe restarts the cycle at TTL 1.
	h.eng.emitTestprobe()
	h.pump()
	last := h.clientTestprobes[len(h.clientTestprobes)-1]
	require.Equal(t, uint8(1), last.SendOptions.TTL)
	require.Equal(t, uint64(0), last.Seq)
}

func TestEngine_MTUSweep(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.control(t, wire.StartMtuTraceroute{})

	for range len(defaultMTUSweep) {
		h.eng.emitTestprobe()
	}
	h.pump()

	require.Len(t, h.clientTestprobes, len(defaultMTUSweep))
	for _, p := range h.clientTestprobes {
		require.NotNil(t, p.SendOptions)
		require.True(t, p.SendOptions.DF)
		require.Equal(t, uint8(defaultMTUHopLimit), p.SendOptions.TTL)
	}

	var completes int
	for _, m := range h.clientControl {
		if _, ok := m.(wire.MtuComplete); ok {
			completes++
		}
	}
	require.Equal(t, 1, completes)
}

func TestEngine_OnHopForwardsTraceAndMtuHops(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	h.eng.OnHop(tracker.HopEvent{
		ConnID:   "conn-1",
		Hop:      2,
		RouterIP: netip.MustParseAddr("192.0.2.10"),
		RTT:      1500 * time.Microsecond,
		ICMPType: 11,
	})
	h.eng.OnHop(tracker.HopEvent{
		ConnID:     "conn-1",
		RouterIP:   netip.MustParseAddr("198.51.100.1"),
		RTT:        time.Millisecond,
		NextHopMTU: 1492,
		Size:       1508,
	})
	h.pump()

	require.Len(t, h.clientControl, 2)
	hop := h.clientControl[0].(wire.TraceHop)
	require.Equal(t, 2, hop.Hop)
	require.Equal(t, "192.0.2.10", hop.RouterIP)
	require.InDelta(t, 1.5, hop.RTTMS, 1e-9)

	mtu := h.clientControl[1].(wire.MtuHop)
	require.Equal(t, 1508, mtu.Size)
	require.Equal(t, 1492, mtu.NextHopMTU)
	require.Equal(t, "198.51.100.1", mtu.RouterIP)
}

func TestEngine_StatsPublishedOnControl(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.eng.publishStats()
	h.pump()

	require.Len(t, h.clientControl, 1)
	stats := h.clientControl[0].(wire.ProbeStats)
	require.Equal(t, "conn-1", stats.ConnID)
	require.Equal(t, uint64(h.clock.Now().UnixMilli()), stats.TimestampMS)
}

func TestEngine_SurveySessionIDAttached(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.control(t, wire.StartSurveySession{SurveySessionID: "sv-42"})

	// Re-wire the control capture to also record the envelope's survey id.
	var surveys []string
	h.client.Control.OnMessage(func(b []byte) {
		_, surveyID, err := wire.UnmarshalControl(b)
		require.NoError(t, err)
		surveys = append(surveys, surveyID)
	})

	h.eng.publishStats()
	h.pump()
	require.Equal(t, []string{"sv-42"}, surveys)
}

func TestEngine_UnreachableThresholdFatal(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	for range 3 {
		h.eng.NoteSendError(fmt.Errorf("sendmsg: %w", syscall.ENETUNREACH))
	}
	require.Len(t, h.fatal, 1)
	require.ErrorIs(t, h.fatal[0], ErrPeerUnreachable)
}

func TestEngine_MessageTooBigReportsLocalMtuHop(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.eng.NoteSendError(fmt.Errorf("sendmsg 1500 bytes: %w", udpx.ErrMessageTooBig))
	h.pump()

	require.Len(t, h.clientControl, 1)
	mtu := h.clientControl[0].(wire.MtuHop)
	require.Equal(t, "0.0.0.0", mtu.RouterIP)
	require.Empty(t, h.fatal)
}

func TestEngine_TrackerSeqStampedBeforeSend(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.control(t, wire.StartTraceroute{})
	h.eng.emitTestprobe()

	// Simulate the udpx callback the sealed packet would have produced.
	dst := netip.MustParseAddrPort("203.0.113.5:443")
	h.tr.Track(dst, 288, udpx.Options{TTL: 1, DF: true}, nil, h.clock.Now())

	got, ok := h.tr.Match(dst.Addr(), 296, h.clock.Now())
	require.True(t, ok)
	require.Equal(t, uint64(0), got.Seq)
}
