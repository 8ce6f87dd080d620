package measure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/netpoke/internal/datachannel"
	"github.com/malbeclabs/netpoke/internal/metrics"
	"github.com/malbeclabs/netpoke/internal/tracker"
	"github.com/malbeclabs/netpoke/pkg/udpx"
	"github.com/malbeclabs/netpoke/pkg/wire"
)

const (
	defaultProbeInterval     = 50 * time.Millisecond
	defaultBulkInterval      = 10 * time.Millisecond
	defaultBulkSize          = 1024
	defaultTestprobeInterval = 500 * time.Millisecond
	defaultStatsInterval     = time.Second
	defaultUnreachableLimit  = 10

	// stackOverhead is what the SCTP packet (common header + data chunk
	// header) and the protected record (header + AEAD tag) add between a
	// testprobe message and the UDP payload on the wire. Target sizes for
	// MTU sweeps are UDP payload sizes, so the message is padded to target
	// minus this.
	stackOverhead = 12 + 16 + 13 + 16
)

// ErrPeerUnreachable reports sustained ENETUNREACH on a session's sends.
var ErrPeerUnreachable = errors.New("peer persistently unreachable")

// Config configures one session's measurement engine.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	ConnID   string              // required
	Channels *datachannel.Set    // required
	Tracker  *tracker.Tracker    // required

	ProbeInterval     time.Duration
	BulkInterval      time.Duration
	BulkSize          int
	TestprobeInterval time.Duration
	StatsInterval     time.Duration
	TestprobeSize     int
	MaxTTL            int
	MTUSweep          []int
	MTUHopLimit       int

	// UnreachableLimit is how many consecutive unreachable send errors end
	// the session.
	UnreachableLimit int

	// OnFatal receives errors that must tear the session down. Optional.
	OnFatal func(error)
}

func (cfg *Config) Validate() error {
	if cfg.ConnID == "" {
		return fmt.Errorf("conn id is required")
	}
	if cfg.Channels == nil {
		return fmt.Errorf("channels are required")
	}
	if cfg.Tracker == nil {
		return fmt.Errorf("tracker is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.BulkInterval == 0 {
		cfg.BulkInterval = defaultBulkInterval
	}
	if cfg.BulkSize == 0 {
		cfg.BulkSize = defaultBulkSize
	}
	if cfg.TestprobeInterval == 0 {
		cfg.TestprobeInterval = defaultTestprobeInterval
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.TestprobeSize == 0 {
		cfg.TestprobeSize = defaultTestprobeSize
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = defaultMaxTTL
	}
	if cfg.MTUHopLimit == 0 {
		cfg.MTUHopLimit = defaultMTUHopLimit
	}
	if cfg.UnreachableLimit == 0 {
		cfg.UnreachableLimit = defaultUnreachableLimit
	}
	return nil
}

// Engine schedules one session's measurements and consumes its receive
// paths. All mutable state is owned here; receive callbacks only touch it
// through the engine's lock or the State's own lock.
type Engine struct {
	log *slog.Logger
	cfg Config

	state *State

	mu          sync.Mutex
	surveyID    string
	probeActive bool
	bulkActive  bool
	trace       traceState
	unreach     int
}

// NewEngine builds the engine and wires the channel receive callbacks.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{log: cfg.Logger, cfg: cfg, state: NewState()}

	cfg.Channels.Probe.OnMessage(e.handleProbeMessage)
	cfg.Channels.TestProbe.OnMessage(e.handleTestprobeMessage)
	cfg.Channels.Bulk.OnMessage(e.handleBulkMessage)
	cfg.Channels.Control.OnMessage(e.handleControlMessage)
	return e, nil
}

// State exposes the measurement state for snapshots and tests.
func (e *Engine) State() *State { return e.state }

// Run drives the emission and statistics schedules until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	probeTicker := e.cfg.Clock.NewTicker(e.cfg.ProbeInterval)
	defer probeTicker.Stop()
	bulkTicker := e.cfg.Clock.NewTicker(e.cfg.BulkInterval)
	defer bulkTicker.Stop()
	testprobeTicker := e.cfg.Clock.NewTicker(e.cfg.TestprobeInterval)
	defer testprobeTicker.Stop()
	statsTicker := e.cfg.Clock.NewTicker(e.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-probeTicker.Chan():
			e.emitProbe()
		case <-bulkTicker.Chan():
			e.emitBulk()
		case <-testprobeTicker.Chan():
			e.emitTestprobe()
		case <-statsTicker.Chan():
			e.publishStats()
		}
	}
}

// emitProbe sends one S2C delay probe. The probe sequence is advanced by
// this path only; testprobes never touch it, so path diagnostics cannot
// contaminate loss statistics.
func (e *Engine) emitProbe() {
	e.mu.Lock()
	active := e.probeActive
	e.mu.Unlock()
	if !active {
		return
	}

	now := e.cfg.Clock.Now()
	p := &wire.ProbePacket{
		Seq:         e.state.NextProbeSeq(),
		TimestampMS: uint64(now.UnixMilli()),
		Direction:   wire.DirectionS2C,
	}
	b, err := p.Marshal()
	if err != nil {
		return
	}
	if err := e.cfg.Channels.Probe.Send(b); err != nil {
		e.noteChannelError(datachannel.LabelProbe, err)
		return
	}
	metrics.ProbesSent.WithLabelValues(datachannel.LabelProbe).Inc()
	e.state.RecordSentProbe(SentProbe{Seq: p.Seq, SentAt: now})
}

// emitBulk sends one bulk payload while server traffic is active.
func (e *Engine) emitBulk() {
	e.mu.Lock()
	active := e.bulkActive
	e.mu.Unlock()
	if !active {
		return
	}

	if err := e.cfg.Channels.Bulk.Send(make([]byte, e.cfg.BulkSize)); err != nil {
		e.noteChannelError(datachannel.LabelBulk, err)
		return
	}
	metrics.ProbesSent.WithLabelValues(datachannel.LabelBulk).Inc()
	e.state.AddBulkBytesSent(e.cfg.BulkSize)
}

// emitTestprobe sends one traceroute or MTU probe with per-packet options.
func (e *Engine) emitTestprobe() {
	e.mu.Lock()
	if e.trace.mode == traceIdle {
		e.mu.Unlock()
		return
	}
	mode := e.trace.mode
	opts, targetSize, wrapped := e.trace.next(e.cfg.TestprobeSize)
	e.mu.Unlock()

	now := e.cfg.Clock.Now()
	seq := e.state.NextTestprobeSeq()
	// The tracker stamps this sequence onto the packet it records for the
	// sendmsg this message becomes.
	e.cfg.Tracker.SetNextSeq(seq)

	p := &wire.ProbePacket{
		Seq:         seq,
		TimestampMS: uint64(now.UnixMilli()),
		Direction:   wire.DirectionS2C,
		SendOptions: wire.SendOptionsFrom(opts),
	}
	b, err := p.PadToSize(targetSize - stackOverhead)
	if err != nil {
		b, err = p.Marshal()
		if err != nil {
			return
		}
	}
	if err := e.cfg.Channels.TestProbe.SendWithOptions(b, opts); err != nil {
		e.noteChannelError(datachannel.LabelTestProbe, err)
		return
	}
	metrics.ProbesSent.WithLabelValues(datachannel.LabelTestProbe).Inc()
	e.state.RecordSentTestprobe(SentProbe{Seq: seq, SentAt: now})

	if wrapped {
		if mode == traceMTU {
			e.sendControl(wire.MtuComplete{})
		} else {
			e.sendControl(wire.TraceComplete{})
		}
	}
}

// publishStats computes the rolling windows and reports them on the control
// channel.
func (e *Engine) publishStats() {
	stats := computeStats(e.cfg.ConnID, e.state, e.cfg.Clock.Now())
	e.sendControl(stats)
}

// Stats computes the current report without publishing, for snapshots.
func (e *Engine) Stats() wire.ProbeStats {
	return computeStats(e.cfg.ConnID, e.state, e.cfg.Clock.Now())
}

// OnHop consumes a correlated ICMP error for this session and forwards it to
// the client.
func (e *Engine) OnHop(hop tracker.HopEvent) {
	if e.log != nil {
		e.log.Debug("hop correlated", "seq", hop.Seq, "hop", hop.Hop,
			"router", hop.RouterIP.String(), "icmp_type", hop.ICMPType, "rtt", hop.RTT)
	}
	rttMS := float64(hop.RTT) / float64(time.Millisecond)
	if hop.NextHopMTU > 0 {
		e.sendControl(wire.MtuHop{
			Size:       hop.Size,
			NextHopMTU: hop.NextHopMTU,
			RouterIP:   hop.RouterIP.String(),
			RTTMS:      rttMS,
		})
		return
	}
	e.sendControl(wire.TraceHop{
		Hop:      hop.Hop,
		RouterIP: hop.RouterIP.String(),
		RTTMS:    rttMS,
	})
}

// NoteSendError classifies datagram-level write failures surfaced by the
// transport. Wire this as the association's OnSendError.
func (e *Engine) NoteSendError(err error) {
	switch {
	case errors.Is(err, udpx.ErrMessageTooBig):
		// Local fragmentation-needed: the kernel refused the send before the
		// packet ever left. Reported with the zero router marker.
		metrics.SendErrors.WithLabelValues(metrics.ErrnoMsgTooBig).Inc()
		e.sendControl(wire.MtuHop{RouterIP: "0.0.0.0"})
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		metrics.SendErrors.WithLabelValues(metrics.ErrnoUnreachable).Inc()
		e.mu.Lock()
		e.unreach++
		fatal := e.unreach >= e.cfg.UnreachableLimit
		if fatal {
			e.unreach = 0
		}
		e.mu.Unlock()
		if fatal && e.cfg.OnFatal != nil {
			e.cfg.OnFatal(fmt.Errorf("%d consecutive failures: %w", e.cfg.UnreachableLimit, ErrPeerUnreachable))
		}
	case errors.Is(err, syscall.EINVAL):
		// A cmsg construction defect; loud because it should be impossible.
		metrics.SendErrors.WithLabelValues(metrics.ErrnoInvalid).Inc()
		if e.log != nil {
			e.log.Error("sendmsg rejected ancillary data", "error", err)
		}
	default:
		metrics.SendErrors.WithLabelValues(metrics.ErrnoOther).Inc()
	}
}

func (e *Engine) handleProbeMessage(b []byte) {
	p, err := wire.UnmarshalProbePacket(b)
	if err != nil {
		return
	}
	now := e.cfg.Clock.Now()
	metrics.ProbesReceived.WithLabelValues(datachannel.LabelProbe).Inc()

	switch p.Direction {
	case wire.DirectionC2S:
		// Hearing from the client resets the unreachable streak.
		e.mu.Lock()
		e.unreach = 0
		e.mu.Unlock()
		e.state.RecordReceivedProbe(ReceivedProbe{
			Seq:      p.Seq,
			SentTSMS: p.TimestampMS,
			RecvAt:   now,
			Size:     len(b),
		})
	case wire.DirectionS2C:
		// Our probe, echoed back by the client.
		sent, ok := e.state.SentProbeAt(p.Seq)
		if !ok {
			return
		}
		e.state.RecordEchoedProbe(EchoedProbe{
			Seq:      p.Seq,
			SentAt:   sent.SentAt,
			EchoedAt: now,
			Size:     len(b),
		})
	}
}

func (e *Engine) handleTestprobeMessage(b []byte) {
	p, err := wire.UnmarshalProbePacket(b)
	if err != nil {
		return
	}
	now := e.cfg.Clock.Now()
	metrics.ProbesReceived.WithLabelValues(datachannel.LabelTestProbe).Inc()

	switch p.Direction {
	case wire.DirectionS2C:
		// Echo of our testprobe: the destination is reachable. Reset the
		// sequence before the next scheduled send and restart the cycle.
		sent, ok := e.state.SentTestprobeAt(p.Seq)
		if ok {
			e.state.RecordEchoedTestprobe(EchoedProbe{
				Seq:      p.Seq,
				SentAt:   sent.SentAt,
				EchoedAt: now,
				Size:     len(b),
			})
		}
		e.state.ResetTestprobeSeq()

		e.mu.Lock()
		tracing := e.trace.mode == traceTTL
		e.trace.onEcho()
		e.mu.Unlock()
		if tracing {
			e.sendControl(wire.TraceComplete{})
		}
	case wire.DirectionC2S:
		// Client-originated testprobe: reflect it so the client sees its own
		// echo signal. Never touches probe statistics.
		if err := e.cfg.Channels.TestProbe.Send(b); err != nil {
			e.noteChannelError(datachannel.LabelTestProbe, err)
		}
	}
}

func (e *Engine) handleBulkMessage(b []byte) {
	metrics.ProbesReceived.WithLabelValues(datachannel.LabelBulk).Inc()
	e.state.RecordReceivedBulk(ReceivedBulk{RecvAt: e.cfg.Clock.Now(), Size: len(b)})
}

func (e *Engine) handleControlMessage(b []byte) {
	msg, _, err := wire.UnmarshalControl(b)
	if err != nil {
		if e.log != nil {
			e.log.Debug("bad control message", "error", err)
		}
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch m := msg.(type) {
	case wire.StartProbeStreams:
		e.probeActive = true
	case wire.StopProbeStreams:
		e.probeActive = false
	case wire.StartServerTraffic:
		e.bulkActive = true
	case wire.StopServerTraffic:
		e.bulkActive = false
	case wire.StartTraceroute:
		e.trace.startTTL(e.cfg.MaxTTL)
	case wire.StartMtuTraceroute:
		e.trace.startMTU(e.cfg.MTUSweep, e.cfg.MTUHopLimit)
	case wire.StopTraceroute:
		e.trace.stop()
	case wire.StartSurveySession:
		e.surveyID = m.SurveySessionID
	}
}

// sendControl frames and writes one control message with the active survey
// session id attached.
func (e *Engine) sendControl(msg wire.ControlMessage) {
	e.mu.Lock()
	surveyID := e.surveyID
	e.mu.Unlock()

	b, err := wire.MarshalControl(msg, surveyID)
	if err != nil {
		if e.log != nil {
			e.log.Error("marshal control message", "type", msg.ControlType(), "error", err)
		}
		return
	}
	if err := e.cfg.Channels.Control.Send(b); err != nil {
		e.noteChannelError(datachannel.LabelControl, err)
	}
}

// noteChannelError handles a failed channel write: emission on that channel
// simply stops contributing until the peer-connection close path tears the
// session down.
func (e *Engine) noteChannelError(label string, err error) {
	if e.log != nil {
		e.log.Debug("channel send failed", "channel", label, "error", err)
	}
	metrics.SendErrors.WithLabelValues(metrics.ErrnoOther).Inc()
}
