package session

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/malbeclabs/netpoke/internal/metrics"
	"github.com/malbeclabs/netpoke/internal/tracker"
)

// Registry maps session ids to sessions, with an auxiliary index from peer
// address to session ids for ICMP-driven cleanup. Insert indexes a session by
// id only; BindPeer adds it to the peer index once its peer is known. Removal
// drops both sides under one lock.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	byID   map[string]*Session
	byPeer map[netip.Addr]map[string]struct{}
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		byID:   make(map[string]*Session),
		byPeer: make(map[netip.Addr]map[string]struct{}),
	}
}

// Insert registers a new session.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
	metrics.ActiveSessions.Set(float64(len(r.byID)))
}

// BindPeer records the session's peer address in the cleanup index once
// connectivity is established.
func (r *Registry) BindPeer(id string, addr netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	s.SetPeerAddr(addr)
	key := addr.Addr().Unmap()
	if r.byPeer[key] == nil {
		r.byPeer[key] = make(map[string]struct{})
	}
	r.byPeer[key][id] = struct{}{}
}

// LookupByID returns the session with the given id.
func (r *Registry) LookupByID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// LookupByPeer returns every session connected to the given peer address.
func (r *Registry) LookupByPeer(addr netip.Addr) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for id := range r.byPeer[addr.Unmap()] {
		if s, ok := r.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// TrackersByPeer adapts the registry for the ICMP correlator's lookup.
func (r *Registry) TrackersByPeer(addr netip.Addr) []*tracker.Tracker {
	var out []*tracker.Tracker
	for _, s := range r.LookupByPeer(addr) {
		if s.Tracker != nil {
			out = append(out, s.Tracker)
		}
	}
	return out
}

// Remove drops the session and, cascading, every descendant of it. Returns
// the removed sessions; the caller closes them outside the lock.
func (r *Registry) Remove(id string) []*Session {
	r.mu.Lock()
	removed := r.removeLocked(id)
	metrics.ActiveSessions.Set(float64(len(r.byID)))
	r.mu.Unlock()

	for _, s := range removed {
		s.Close()
	}
	return removed
}

func (r *Registry) removeLocked(id string) []*Session {
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	r.unindexPeerLocked(s)

	removed := []*Session{s}
	// Children share the parent's lifecycle: top-down cascade.
	var children []string
	for cid, c := range r.byID {
		if c.ParentID == id {
			children = append(children, cid)
		}
	}
	for _, cid := range children {
		removed = append(removed, r.removeLocked(cid)...)
	}
	return removed
}

func (r *Registry) unindexPeerLocked(s *Session) {
	addr := s.PeerAddr()
	if !addr.IsValid() {
		return
	}
	key := addr.Addr().Unmap()
	if ids, ok := r.byPeer[key]; ok {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(r.byPeer, key)
		}
	}
}

// CleanupByPeer removes every session talking to the given peer address —
// the orphan path driven by unmatched ICMP errors. Returns the removed
// session ids.
func (r *Registry) CleanupByPeer(addr netip.Addr) []string {
	key := addr.Unmap()

	r.mu.RLock()
	var ids []string
	for id := range r.byPeer[key] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var removed []string
	for _, id := range ids {
		for _, s := range r.Remove(id) {
			removed = append(removed, s.ID)
		}
	}
	if len(removed) > 0 && r.log != nil {
		r.log.Info("cleaned up orphaned sessions", "peer", key.String(), "sessions", removed)
	}
	return removed
}

// EvictIdle removes every session whose last activity is older than maxIdle
// — the janitor path for peers that vanish without ever tripping the
// unmatched-ICMP threshold. Returns the removed session ids.
func (r *Registry) EvictIdle(now time.Time, maxIdle time.Duration) []string {
	cutoff := now.Add(-maxIdle)

	r.mu.RLock()
	var stale []string
	for id, s := range r.byID {
		if s.IdleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	var removed []string
	for _, id := range stale {
		for _, s := range r.Remove(id) {
			removed = append(removed, s.ID)
		}
	}
	if len(removed) > 0 && r.log != nil {
		r.log.Info("evicted idle sessions", "sessions", removed, "maxIdle", maxIdle)
	}
	return removed
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Range calls fn for every live session; used by the dashboard snapshotter.
func (r *Registry) Range(fn func(*Session)) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		fn(s)
	}
}
