package tracker

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/netpoke/internal/metrics"
)

const (
	defaultUnmatchedThreshold = 5
	defaultUnmatchedWindow    = 30 * time.Second
)

// HopEvent is one correlated ICMP error: an emitted testprobe matched with
// the router that answered for it.
type HopEvent struct {
	ConnID     string
	Seq        uint64 // testprobe sequence the probe was emitted with
	Hop        int    // the TTL the probe was sent with
	RouterIP   netip.Addr
	RTT        time.Duration
	ICMPType   int
	ICMPCode   int
	NextHopMTU int // Packet-Too-Big / Fragmentation-Needed only
	Size       int // UDP total length of the original probe
	SentAt     time.Time
	ReceivedAt time.Time
}

// CorrelatorConfig wires the correlator to the session layer.
type CorrelatorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// LookupTrackers returns the trackers of every session talking to peer.
	// Backed by the session registry's peer-address index.
	LookupTrackers func(peer netip.Addr) []*Tracker // required

	// OnHop consumes correlated hop events. Required.
	OnHop func(HopEvent)

	// OnOrphan is invoked when unmatched errors for a peer cross the
	// threshold; the registry uses it to clean up dead sessions. Optional.
	OnOrphan func(peer netip.Addr)

	// UnmatchedThreshold and UnmatchedWindow tune the orphan heuristic.
	UnmatchedThreshold int
	UnmatchedWindow    time.Duration
}

func (cfg *CorrelatorConfig) Validate() error {
	if cfg.LookupTrackers == nil {
		return fmt.Errorf("tracker lookup is required")
	}
	if cfg.OnHop == nil {
		return fmt.Errorf("hop callback is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.UnmatchedThreshold == 0 {
		cfg.UnmatchedThreshold = defaultUnmatchedThreshold
	}
	if cfg.UnmatchedWindow == 0 {
		cfg.UnmatchedWindow = defaultUnmatchedWindow
	}
	return nil
}

// Correlator matches parsed ICMP errors against session trackers and keeps
// the per-peer unmatched counters that drive orphan cleanup.
type Correlator struct {
	log *slog.Logger
	cfg CorrelatorConfig

	mu        sync.Mutex
	unmatched map[netip.Addr][]time.Time
}

func NewCorrelator(cfg CorrelatorConfig) (*Correlator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Correlator{
		log:       cfg.Logger,
		cfg:       cfg,
		unmatched: make(map[netip.Addr][]time.Time),
	}, nil
}

// HandleError correlates one parsed ICMP error. routerIP is the source
// address of the outer ICMP packet — the router that generated the error.
func (c *Correlator) HandleError(routerIP netip.Addr, e *ICMPError) {
	now := c.cfg.Clock.Now()
	peer := e.Dst.Unmap()

	for _, t := range c.cfg.LookupTrackers(peer) {
		tracked, ok := t.Match(peer, e.UDPLen, now)
		if !ok {
			continue
		}
		metrics.ICMPErrorsMatched.Inc()
		c.cfg.OnHop(HopEvent{
			ConnID:     tracked.ConnID,
			Seq:        tracked.Seq,
			Hop:        int(tracked.Options.TTL),
			RouterIP:   routerIP,
			RTT:        now.Sub(tracked.SentAt),
			ICMPType:   e.Type,
			ICMPCode:   e.Code,
			NextHopMTU: e.NextHopMTU,
			Size:       int(tracked.Key.UDPLen),
			SentAt:     tracked.SentAt,
			ReceivedAt: now,
		})
		return
	}

	metrics.ICMPErrorsUnmatched.Inc()
	c.noteUnmatched(peer, now)
}

// noteUnmatched counts an uncorrelated error against peer and fires the
// orphan callback when the rolling-window threshold is crossed.
func (c *Correlator) noteUnmatched(peer netip.Addr, now time.Time) {
	c.mu.Lock()
	cutoff := now.Add(-c.cfg.UnmatchedWindow)
	live := c.unmatched[peer][:0]
	for _, ts := range c.unmatched[peer] {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	live = append(live, now)
	c.unmatched[peer] = live
	crossed := len(live) >= c.cfg.UnmatchedThreshold
	if crossed {
		delete(c.unmatched, peer)
	}
	c.mu.Unlock()

	if crossed {
		if c.log != nil {
			c.log.Info("unmatched ICMP threshold crossed", "peer", peer.String())
		}
		metrics.OrphanCleanups.Inc()
		if c.cfg.OnOrphan != nil {
			c.cfg.OnOrphan(peer)
		}
	}
}
