package session_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/netpoke/internal/session"
	"github.com/malbeclabs/netpoke/internal/tracker"
)

func newSession(id, parent string) *session.Session {
	return &session.Session{ID: id, ParentID: parent}
}

func TestRegistry_InsertLookupRemove(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(nil)
	s := newSession("s1", "")
	r.Insert(s)

	got, ok := r.LookupByID("s1")
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, 1, r.Len())

	removed := r.Remove("s1")
	require.Len(t, removed, 1)
	require.Zero(t, r.Len())
	_, ok = r.LookupByID("s1")
	require.False(t, ok)
}

func TestRegistry_PeerIndexConsistency(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(nil)
	peer := netip.MustParseAddrPort("203.0.113.5:40000")
	r.Insert(newSession("s1", ""))
	r.BindPeer("s1", peer)

	byPeer := r.LookupByPeer(peer.Addr())
	require.Len(t, byPeer, 1)
	require.Equal(t, "s1", byPeer[0].ID)

	// Removal must drop both sides of the double index.
	r.Remove("s1")
	require.Empty(t, r.LookupByPeer(peer.Addr()))
	_, ok := r.LookupByID("s1")
	require.False(t, ok)
}

func TestRegistry_V4MappedPeerNormalised(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(nil)
	r.Insert(newSession("s1", ""))
	r.BindPeer("s1", netip.MustParseAddrPort("[::ffff:203.0.113.5]:40000"))

	require.Len(t, r.LookupByPeer(netip.MustParseAddr("203.0.113.5")), 1)
}

func TestRegistry_RemoveCascadesToChildren(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(nil)
	r.Insert(newSession("parent", ""))
	r.Insert(newSession("child-a", "parent"))
	r.Insert(newSession("child-b", "parent"))
	r.Insert(newSession("grandchild", "child-a"))
	r.Insert(newSession("unrelated", ""))

	removed := r.Remove("parent")
	ids := make(map[string]bool)
	for _, s := range removed {
		ids[s.ID] = true
	}
	require.Len(t, ids, 4)
	require.True(t, ids["parent"] && ids["child-a"] && ids["child-b"] && ids["grandchild"])

	require.Equal(t, 1, r.Len())
	_, ok := r.LookupByID("unrelated")
	require.True(t, ok)
}

func TestRegistry_CleanupByPeerRemovesAllSessions(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(nil)
	peer := netip.MustParseAddrPort("203.0.113.5:40000")
	other := netip.MustParseAddrPort("203.0.113.6:40000")

	r.Insert(newSession("s1", ""))
	r.Insert(newSession("s2", ""))
	r.Insert(newSession("s3", ""))
	r.BindPeer("s1", peer)
	r.BindPeer("s2", peer)
	r.BindPeer("s3", other)

	removed := r.CleanupByPeer(peer.Addr())
	require.ElementsMatch(t, []string{"s1", "s2"}, removed)
	require.Equal(t, 1, r.Len())
	require.Empty(t, r.LookupByPeer(peer.Addr()))
	require.Len(t, r.LookupByPeer(other.Addr()), 1)
}

func TestRegistry_CleanupCascadesChildrenOfOtherPeers(t *testing.T) {
	t.Parallel()

	// An ECMP child may be connected via a different address than its
	// parent; cleanup of the parent's peer must still take the child down.
	r := session.NewRegistry(nil)
	r.Insert(newSession("parent", ""))
	r.Insert(newSession("child", "parent"))
	r.BindPeer("parent", netip.MustParseAddrPort("203.0.113.5:40000"))
	r.BindPeer("child", netip.MustParseAddrPort("203.0.113.9:40000"))

	removed := r.CleanupByPeer(netip.MustParseAddr("203.0.113.5"))
	require.ElementsMatch(t, []string{"parent", "child"}, removed)
	require.Zero(t, r.Len())
	require.Empty(t, r.LookupByPeer(netip.MustParseAddr("203.0.113.9")))
}

func TestRegistry_EvictIdle(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(nil)
	now := time.Now()

	fresh := newSession("fresh", "")
	fresh.CreatedAt = now.Add(-time.Hour)
	fresh.Touch(now.Add(-time.Minute))

	stale := newSession("stale", "")
	stale.CreatedAt = now.Add(-time.Hour)
	stale.Touch(now.Add(-10 * time.Minute))

	// Never touched: creation time is the activity fallback.
	silent := newSession("silent", "")
	silent.CreatedAt = now.Add(-time.Hour)

	r.Insert(fresh)
	r.Insert(stale)
	r.Insert(silent)

	removed := r.EvictIdle(now, 5*time.Minute)
	require.ElementsMatch(t, []string{"stale", "silent"}, removed)
	require.Equal(t, 1, r.Len())
	_, ok := r.LookupByID("fresh")
	require.True(t, ok)
}

func TestRegistry_EvictIdleCascadesToChildren(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(nil)
	now := time.Now()

	parent := newSession("parent", "")
	parent.CreatedAt = now.Add(-time.Hour)

	child := newSession("child", "parent")
	child.CreatedAt = now.Add(-time.Hour)
	child.Touch(now) // active, but lifecycle follows the parent

	r.Insert(parent)
	r.Insert(child)

	removed := r.EvictIdle(now, 5*time.Minute)
	require.ElementsMatch(t, []string{"parent", "child"}, removed)
	require.Zero(t, r.Len())
}

func TestRegistry_TrackersByPeer(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(nil)
	tr, err := tracker.NewTracker(tracker.TrackerConfig{ConnID: "s1"})
	require.NoError(t, err)

	s := newSession("s1", "")
	s.Tracker = tr
	r.Insert(s)
	r.Insert(newSession("s2", "")) // no tracker yet
	peer := netip.MustParseAddrPort("203.0.113.5:40000")
	r.BindPeer("s1", peer)
	r.BindPeer("s2", peer)

	trackers := r.TrackersByPeer(peer.Addr())
	require.Len(t, trackers, 1)
	require.Same(t, tr, trackers[0])
}
