// Package session owns the registry of live measurement sessions and the
// parent/child topology used for multi-connection ECMP experiments.
package session

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/malbeclabs/netpoke/internal/datachannel"
	"github.com/malbeclabs/netpoke/internal/dtlsx"
	"github.com/malbeclabs/netpoke/internal/measure"
	"github.com/malbeclabs/netpoke/internal/sctp"
	"github.com/malbeclabs/netpoke/internal/tracker"
	"github.com/malbeclabs/netpoke/pkg/udpx"
)

// Session is one logical peer connection: the socket, the protected datagram
// stack on top of it, the four data channels, and the measurement state.
// It is created on a signalling offer and becomes active once the transport
// is established and the peer address is known.
type Session struct {
	ID       string
	ParentID string // non-empty for children of an ECMP experiment

	Conn     *udpx.Conn
	Adaptor  *dtlsx.Adaptor
	Assoc    *sctp.Association
	Channels *datachannel.Set
	Engine   *measure.Engine
	Tracker  *tracker.Tracker

	CreatedAt time.Time

	mu         sync.RWMutex
	peerAddr   netip.AddrPort
	lastUpdate time.Time
	cancel     context.CancelFunc
	closed     bool
}

// SetCancel installs the cancel function covering the session's tasks.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// SetPeerAddr records the peer once connectivity is established. The
// registry's peer index is updated separately via Registry.BindPeer, and
// activity stamping is the caller's job via Touch (the clock is injected
// there, not here).
func (s *Session) SetPeerAddr(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerAddr = addr
}

// PeerAddr returns the peer address, zero until connected.
func (s *Session) PeerAddr() netip.AddrPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerAddr
}

// Touch bumps the activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdate = now
}

// LastUpdate returns the activity timestamp.
func (s *Session) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// IdleSince returns the last activity timestamp, falling back to creation
// time for sessions that never saw traffic.
func (s *Session) IdleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastUpdate.IsZero() {
		return s.CreatedAt
	}
	return s.lastUpdate
}

// Close tears the session down: cancel the task tree and drop the socket.
// There is no graceful SCTP shutdown; orphan cleanup cannot assume the peer
// is still there.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.Conn != nil {
		_ = s.Conn.Close()
	}
}
