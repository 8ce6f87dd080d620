// Package tracker records outgoing option-carrying probes and correlates
// ICMP error returns against them, producing hop events for the measurement
// engine and orphan signals for the session registry.
package tracker

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/netpoke/pkg/udpx"
)

const (
	// defaultEntryTTL is how long a tracked probe stays matchable; traceroute
	// answers arriving later than this are useless anyway.
	defaultEntryTTL = 5 * time.Second

	// maxEntriesPerKey bounds each (addr, len) bucket. Matching is first-hit
	// after pruning, uniqueness is not required.
	maxEntriesPerKey = 64

	// udpHeaderLen converts between payload length (seen at send time) and
	// the UDP total length quoted in embedded ICMP headers.
	udpHeaderLen = 8
)

// Key identifies tracked packets the only way an embedded ICMP quote can:
// by original destination address and UDP total length.
type Key struct {
	Addr   netip.Addr
	UDPLen uint16
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Addr, k.UDPLen) }

// TrackedPacket is one outgoing probe awaiting a possible ICMP error.
type TrackedPacket struct {
	Key           Key
	SentAt        time.Time
	Options       udpx.Options
	ConnID        string
	Seq           uint64
	PayloadPrefix []byte

	expiresAt time.Time
}

// bucket is the multi-entry list behind one key.
type bucket struct {
	mu      sync.Mutex
	entries []*TrackedPacket
}

// TrackerConfig configures a per-session tracker.
type TrackerConfig struct {
	Logger   *slog.Logger
	ConnID   string // required: the session this tracker belongs to
	Clock    clockwork.Clock
	EntryTTL time.Duration
}

func (cfg *TrackerConfig) Validate() error {
	if cfg.ConnID == "" {
		return fmt.Errorf("conn id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.EntryTTL == 0 {
		cfg.EntryTTL = defaultEntryTTL
	}
	return nil
}

// Tracker is the per-session in-memory probe store. Expired entries are
// pruned lazily on insert and lookup; the cache additionally drops whole
// buckets that have gone untouched for the entry TTL.
type Tracker struct {
	log   *slog.Logger
	cfg   TrackerConfig
	cache *ttlcache.Cache[Key, *bucket]

	// nextSeq is stamped onto the next tracked packet; the measurement
	// engine sets it immediately before each testprobe send, which the
	// session scheduler serialises.
	nextSeq atomic.Uint64
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[Key, *bucket](cfg.EntryTTL),
		ttlcache.WithDisableTouchOnHit[Key, *bucket](),
	)
	return &Tracker{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

// SetNextSeq sets the sequence number stamped on the next tracked packet.
func (t *Tracker) SetNextSeq(seq uint64) { t.nextSeq.Store(seq) }

// Track records one probe. Wired as the udpx.TrackFunc of the session's
// socket, so it runs synchronously after every successful options-carrying
// sendmsg.
func (t *Tracker) Track(dst netip.AddrPort, payloadLen int, opts udpx.Options, prefix []byte, sentAt time.Time) {
	key := Key{Addr: dst.Addr().Unmap(), UDPLen: uint16(payloadLen + udpHeaderLen)}

	item := t.cache.Get(key)
	var b *bucket
	if item == nil {
		b = &bucket{}
		t.cache.Set(key, b, t.cfg.EntryTTL)
	} else {
		b = item.Value()
		// Keep the bucket alive while entries keep landing in it.
		t.cache.Set(key, b, t.cfg.EntryTTL)
	}

	entry := &TrackedPacket{
		Key:           key,
		SentAt:        sentAt,
		Options:       opts,
		ConnID:        t.cfg.ConnID,
		Seq:           t.nextSeq.Load(),
		PayloadPrefix: append([]byte(nil), prefix...),
		expiresAt:     sentAt.Add(t.cfg.EntryTTL),
	}

	b.mu.Lock()
	b.prune(t.cfg.Clock.Now())
	if len(b.entries) >= maxEntriesPerKey {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, entry)
	b.mu.Unlock()
}

// Match drains and returns the first live entry for (addr, udpLen), where
// udpLen is the UDP total length quoted by the embedded header.
func (t *Tracker) Match(addr netip.Addr, udpLen uint16, now time.Time) (*TrackedPacket, bool) {
	key := Key{Addr: addr.Unmap(), UDPLen: udpLen}
	item := t.cache.Get(key)
	if item == nil {
		return nil, false
	}
	b := item.Value()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now)
	if len(b.entries) == 0 {
		return nil, false
	}
	entry := b.entries[0]
	b.entries = b.entries[1:]
	return entry, true
}

// Len reports the number of live entries, for diagnostics and tests.
func (t *Tracker) Len() int {
	now := t.cfg.Clock.Now()
	n := 0
	for _, key := range t.cache.Keys() {
		if item := t.cache.Get(key); item != nil {
			b := item.Value()
			b.mu.Lock()
			b.prune(now)
			n += len(b.entries)
			b.mu.Unlock()
		}
	}
	return n
}

// prune drops expired entries. Callers hold b.mu.
func (b *bucket) prune(now time.Time) {
	live := b.entries[:0]
	for _, e := range b.entries {
		if e.expiresAt.After(now) {
			live = append(live, e)
		}
	}
	b.entries = live
}
