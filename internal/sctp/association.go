package sctp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/netpoke/pkg/udpx"
)

const (
	defaultMTU        = 1200
	defaultRTO        = 200 * time.Millisecond
	maxSendAttempts   = 8
	initialCwndMTUs   = 10
	defaultARwnd      = 1 << 20
	payloadProtocolID = 53 // WebRTC binary
)

var (
	// ErrAssociationClosed is returned for sends on a closed association.
	ErrAssociationClosed = errors.New("association closed")

	// ErrRetriesExhausted reports a reliable chunk dropped after the
	// retransmission budget; the association is considered failed.
	ErrRetriesExhausted = errors.New("retransmission attempts exhausted")
)

// RecordSender is the protected-datagram surface the association writes to.
// *dtlsx.Adaptor satisfies it.
type RecordSender interface {
	Send(b []byte) (int, error)
	SendWithOptions(b []byte, opts udpx.Options) (int, error)
}

// Config configures an association.
type Config struct {
	Logger  *slog.Logger
	Sender  RecordSender // required
	Clock   clockwork.Clock
	MTU     int           // max marshalled packet size; 0 = default
	RTO     time.Duration // retransmission timeout; 0 = default
	SrcPort uint16
	DstPort uint16

	// VerificationTag authenticates packets to this association; both ends
	// of the internal stack share it, exchanged during signalling.
	VerificationTag uint32

	// OnError receives terminal association failures (retransmission budget
	// exhausted). Optional.
	OnError func(error)

	// OnSendError receives per-packet write failures from the underlying
	// datagram path (EMSGSIZE during MTU discovery, unreachable peers).
	// Optional; the write loop keeps going either way.
	OnSendError func(error)
}

func (cfg *Config) Validate() error {
	if cfg.Sender == nil {
		return fmt.Errorf("sender is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.MTU < packetHeaderLen+chunkHeaderLen+16 {
		return fmt.Errorf("mtu %d too small", cfg.MTU)
	}
	if cfg.RTO == 0 {
		cfg.RTO = defaultRTO
	}
	return nil
}

// inflightEntry is one transmitted, not yet acknowledged DATA chunk.
// Retransmissions reuse the chunk as queued, so the original send options are
// retained regardless of what the stream is sending by the time the
// retransmit fires.
type inflightEntry struct {
	chunk    *dataChunk
	sentAt   time.Time
	attempts int
	maxRexmt int // -1 = reliable (fails after maxSendAttempts), 0 = abandon on first loss
}

// Association multiplexes streams over the record adaptor, with per-chunk
// send options fanned out at fragmentation time and hoisted per packet at
// bundling time.
type Association struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	closed  bool
	streams map[uint16]*Stream

	// Outbound.
	nextTSN     uint32
	pending     []chunk
	inflight    map[uint32]*inflightEntry
	cwnd        int
	flight      int
	advancedCum uint32 // highest TSN with everything at or below acked/abandoned

	// Inbound.
	peerCum     uint32
	recvAbove   map[uint32]*dataChunk // received TSNs above peerCum
	reasm       map[uint16]*streamReassembly
	sackPending bool

	kick chan struct{}
}

// streamReassembly holds per-stream receive state.
type streamReassembly struct {
	nextSeq   uint16
	ordered   map[uint16][]byte // completed ordered messages awaiting delivery
	fragments map[uint32]*dataChunk
}

// NewAssociation creates an association in the established state; the
// handshake that agreed ports, verification tag and the record secret
// happened during signalling.
func NewAssociation(cfg Config) (*Association, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Association{
		log:       cfg.Logger,
		cfg:       cfg,
		streams:   make(map[uint16]*Stream),
		nextTSN:   1,
		inflight:  make(map[uint32]*inflightEntry),
		cwnd:      initialCwndMTUs * cfg.MTU,
		recvAbove: make(map[uint32]*dataChunk),
		reasm:     make(map[uint16]*streamReassembly),
		kick:      make(chan struct{}, 1),
	}, nil
}

// Run drives the write loop and the retransmission timer until ctx is done.
func (a *Association) Run(ctx context.Context) error {
	ticker := a.cfg.Clock.NewTicker(a.cfg.RTO / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.closed = true
			a.mu.Unlock()
			return nil
		case <-a.kick:
			a.flush()
		case <-ticker.Chan():
			a.retransmitExpired()
			a.flush()
		}
	}
}

// Flush synchronously bundles and writes everything currently sendable. Run
// drives this from the kick channel and the retransmission timer; callers may
// force it after enqueuing messages they need on the wire now.
func (a *Association) Flush() { a.flush() }

// OpenStream registers a stream. Opening an already-open id returns the
// existing stream.
func (a *Association) OpenStream(id uint16, cfg StreamConfig) *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.streams[id]; ok {
		return s
	}
	s := &Stream{assoc: a, id: id, cfg: cfg}
	a.streams[id] = s
	return s
}

// send fragments a user message onto the pending queue. Called by streams.
func (a *Association) send(s *Stream, b []byte, opts udpx.Options) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAssociationClosed
	}

	var streamSeq uint16
	if !s.cfg.Unordered {
		streamSeq = s.nextSeq
		s.nextSeq++
	}
	maxPayload := a.cfg.MTU - packetHeaderLen - chunkHeaderLen - 12
	chunks := fragmentMessage(b, s.id, streamSeq, payloadProtocolID, s.cfg.Unordered, opts, maxPayload, func() uint32 {
		tsn := a.nextTSN
		a.nextTSN++
		return tsn
	})
	for _, c := range chunks {
		a.pending = append(a.pending, c)
	}
	a.mu.Unlock()

	a.wake()
	return nil
}

func (a *Association) wake() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// flush bundles pending chunks into packets and writes them out, dispatching
// each packet to the plain or options-carrying path by the options its data
// chunks carry.
func (a *Association) flush() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	var out []chunk
	if a.sackPending {
		out = append(out, a.buildSACKLocked())
		a.sackPending = false
	}

	// Admit data under the congestion window; control chunks always pass.
	rest := a.pending[:0]
	for _, c := range a.pending {
		dc, ok := c.(*dataChunk)
		if !ok {
			out = append(out, c)
			continue
		}
		size := len(dc.userData) + chunkHeaderLen + 12
		if a.flight+size > a.cwnd {
			rest = append(rest, c)
			continue
		}
		entry, tracked := a.inflight[dc.tsn]
		if !tracked {
			entry = &inflightEntry{chunk: dc, maxRexmt: a.streamRexmtLocked(dc.streamID)}
			a.inflight[dc.tsn] = entry
		}
		entry.sentAt = a.cfg.Clock.Now()
		entry.attempts++
		a.flight += size
		out = append(out, c)
	}
	a.pending = append([]chunk(nil), rest...)

	packets := bundle(a.cfg.SrcPort, a.cfg.DstPort, a.cfg.VerificationTag, out, a.cfg.MTU)
	a.mu.Unlock()

	for _, p := range packets {
		var err error
		if p.options.IsZero() {
			_, err = a.cfg.Sender.Send(p.marshal())
		} else {
			_, err = a.cfg.Sender.SendWithOptions(p.marshal(), p.options)
		}
		if err != nil {
			if a.log != nil {
				a.log.Debug("packet send failed", "error", err, "chunks", len(p.chunks))
			}
			if a.cfg.OnSendError != nil {
				a.cfg.OnSendError(err)
			}
		}
	}
}

func (a *Association) streamRexmtLocked(id uint16) int {
	if s, ok := a.streams[id]; ok {
		return s.cfg.MaxRetransmits
	}
	return -1
}

// retransmitExpired re-queues timed-out reliable chunks with their original
// options and abandons zero-retransmit ones, advancing the forward TSN.
func (a *Association) retransmitExpired() {
	now := a.cfg.Clock.Now()

	a.mu.Lock()
	var (
		requeue  []chunk
		abandon  []uint32
		terminal error
	)
	for tsn, e := range a.inflight {
		if now.Sub(e.sentAt) < a.cfg.RTO {
			continue
		}
		size := len(e.chunk.userData) + chunkHeaderLen + 12
		a.flight -= size

		if e.maxRexmt >= 0 && e.attempts > e.maxRexmt {
			delete(a.inflight, tsn)
			abandon = append(abandon, tsn)
			continue
		}
		if e.attempts >= maxSendAttempts {
			delete(a.inflight, tsn)
			terminal = fmt.Errorf("tsn %d after %d attempts: %w", tsn, e.attempts, ErrRetriesExhausted)
			continue
		}
		// Loss signal: halve the window, floor one MTU.
		if a.cwnd > a.cfg.MTU {
			a.cwnd /= 2
		}
		requeue = append(requeue, e.chunk)
	}
	if len(abandon) > 0 {
		a.advanceAbandonedLocked(abandon)
		a.pending = append(a.pending, &forwardTSNChunk{newCumTSN: a.advancedCum})
	}
	a.pending = append(requeue, a.pending...)
	onErr := a.cfg.OnError
	a.mu.Unlock()

	if terminal != nil {
		if a.log != nil {
			a.log.Error("association failed", "error", terminal)
		}
		if onErr != nil {
			onErr(terminal)
		}
	}
}

// advanceAbandonedLocked lifts advancedCum over abandoned TSNs once nothing
// below them remains outstanding.
func (a *Association) advanceAbandonedLocked(abandoned []uint32) {
	for _, tsn := range abandoned {
		if tsn > a.advancedCum {
			a.advancedCum = tsn
		}
	}
	// Cannot advance past a TSN still in flight or still pending first send.
	for tsn := range a.inflight {
		if tsn <= a.advancedCum {
			a.advancedCum = tsn - 1
		}
	}
	for _, c := range a.pending {
		if dc, ok := c.(*dataChunk); ok && dc.tsn <= a.advancedCum {
			a.advancedCum = dc.tsn - 1
		}
	}
}

// HandleDatagram processes one decrypted SCTP packet from the peer.
func (a *Association) HandleDatagram(b []byte) error {
	p, err := parsePacket(b)
	if err != nil {
		return err
	}
	if p.vtag != a.cfg.VerificationTag {
		return ErrBadVerificationTag
	}

	var deliveries []delivery
	a.mu.Lock()
	for _, c := range p.chunks {
		switch c := c.(type) {
		case *dataChunk:
			deliveries = append(deliveries, a.handleDataLocked(c)...)
			a.sackPending = true
		case *sackChunk:
			a.handleSACKLocked(c)
		case *forwardTSNChunk:
			deliveries = append(deliveries, a.handleForwardTSNLocked(c)...)
			a.sackPending = true
		case *heartbeatChunk:
			if !c.ack {
				a.pending = append(a.pending, &heartbeatChunk{ack: true, info: c.info})
			}
		}
	}
	a.mu.Unlock()

	for _, d := range deliveries {
		d.stream.deliver(d.data)
	}
	a.wake()
	return nil
}

type delivery struct {
	stream *Stream
	data   []byte
}

func (a *Association) handleDataLocked(c *dataChunk) []delivery {
	if c.tsn <= a.peerCum {
		return nil // duplicate
	}
	if _, dup := a.recvAbove[c.tsn]; dup {
		return nil
	}
	a.recvAbove[c.tsn] = c

	// Advance the cumulative TSN over contiguous arrivals.
	for {
		next, ok := a.recvAbove[a.peerCum+1]
		if !ok {
			break
		}
		a.peerCum++
		delete(a.recvAbove, a.peerCum)
		a.stashFragmentLocked(next)
	}
	return a.assembleLocked()
}

func (a *Association) reasmFor(streamID uint16) *streamReassembly {
	r, ok := a.reasm[streamID]
	if !ok {
		r = &streamReassembly{
			ordered:   make(map[uint16][]byte),
			fragments: make(map[uint32]*dataChunk),
		}
		a.reasm[streamID] = r
	}
	return r
}

func (a *Association) stashFragmentLocked(c *dataChunk) {
	a.reasmFor(c.streamID).fragments[c.tsn] = c
}

// assembleLocked completes messages from contiguous fragments and resolves
// ordered-delivery queues.
func (a *Association) assembleLocked() []delivery {
	var out []delivery
	for streamID, r := range a.reasm {
		s := a.streams[streamID]
		for tsn, c := range r.fragments {
			if !c.beginning {
				continue
			}
			// Walk B..E over consecutive TSNs.
			var payload []byte
			last := tsn
			complete := false
			for t := tsn; ; t++ {
				f, ok := r.fragments[t]
				if !ok {
					break
				}
				payload = append(payload, f.userData...)
				last = t
				if f.end {
					complete = true
					break
				}
			}
			if !complete {
				continue
			}
			for t := tsn; t <= last; t++ {
				delete(r.fragments, t)
			}
			if s == nil {
				continue // no such stream; drop
			}
			if c.unordered {
				out = append(out, delivery{stream: s, data: payload})
				continue
			}
			r.ordered[c.streamSeq] = payload
		}

		if s != nil {
			for {
				payload, ok := r.ordered[r.nextSeq]
				if !ok {
					break
				}
				delete(r.ordered, r.nextSeq)
				r.nextSeq++
				out = append(out, delivery{stream: s, data: payload})
			}
		}
	}
	return out
}

func (a *Association) handleSACKLocked(c *sackChunk) {
	acked := func(tsn uint32) {
		e, ok := a.inflight[tsn]
		if !ok {
			return
		}
		delete(a.inflight, tsn)
		a.flight -= len(e.chunk.userData) + chunkHeaderLen + 12
		if tsn > a.advancedCum {
			a.advancedCum = tsn
		}
	}

	for tsn := range a.inflight {
		if tsn <= c.cumTSN {
			acked(tsn)
		}
	}
	for _, g := range c.gaps {
		for off := g.start; off <= g.end; off++ {
			acked(c.cumTSN + uint32(off))
		}
	}

	// New data acknowledged: grow the window one MTU per SACK, capped.
	if a.cwnd < defaultARwnd {
		a.cwnd += a.cfg.MTU
	}
	if a.flight < 0 {
		a.flight = 0
	}
}

func (a *Association) handleForwardTSNLocked(c *forwardTSNChunk) []delivery {
	if c.newCumTSN <= a.peerCum {
		return nil
	}
	for t := a.peerCum + 1; t <= c.newCumTSN; t++ {
		if f, ok := a.recvAbove[t]; ok {
			delete(a.recvAbove, t)
			a.stashFragmentLocked(f)
		}
	}
	a.peerCum = c.newCumTSN

	// Abandoned fragments below the new cumulative point can never complete.
	for _, r := range a.reasm {
		for tsn, f := range r.fragments {
			if tsn <= c.newCumTSN && !a.fragmentCompletableLocked(r, f) {
				delete(r.fragments, tsn)
			}
		}
	}

	// Skip stream sequence numbers lost with the abandoned messages so
	// ordered streams do not stall.
	for t := a.peerCum + 1; ; t++ {
		if _, ok := a.recvAbove[t]; !ok {
			break
		}
		a.peerCum = t
		a.stashFragmentLocked(a.recvAbove[t])
		delete(a.recvAbove, t)
	}
	return a.assembleLocked()
}

// fragmentCompletableLocked reports whether f is part of a fully received
// B..E run.
func (a *Association) fragmentCompletableLocked(r *streamReassembly, f *dataChunk) bool {
	start := f.tsn
	for !r.fragments[start].beginning {
		prev, ok := r.fragments[start-1]
		if !ok {
			return false
		}
		start = prev.tsn
	}
	for t := start; ; t++ {
		c, ok := r.fragments[t]
		if !ok {
			return false
		}
		if c.end {
			return true
		}
	}
}

func (a *Association) buildSACKLocked() *sackChunk {
	sack := &sackChunk{cumTSN: a.peerCum, arwnd: defaultARwnd}

	// Gap blocks over TSNs received above the cumulative point.
	var offsets []uint32
	for tsn := range a.recvAbove {
		offsets = append(offsets, tsn-a.peerCum)
	}
	if len(offsets) == 0 {
		return sack
	}
	slices.Sort(offsets)
	start := offsets[0]
	prev := offsets[0]
	for _, off := range offsets[1:] {
		if off == prev+1 {
			prev = off
			continue
		}
		sack.gaps = append(sack.gaps, gapBlock{start: uint16(start), end: uint16(prev)})
		start, prev = off, off
	}
	sack.gaps = append(sack.gaps, gapBlock{start: uint16(start), end: uint16(prev)})
	return sack
}
