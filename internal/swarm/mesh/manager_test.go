package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// ========== MeshManager Tests ==========

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(common.NodeIdentity{
		NodeID: "self", Name: "Self", APIURL: "http://127.0.0.1:7000",
	}, DefaultConfig(), nil, nil, nil)
	m.now = clock.Now
	return m, clock
}

func peerIdentity(id string) common.NodeIdentity {
	return common.NodeIdentity{NodeID: id, Name: id, APIURL: "http://peers/" + id}
}

func TestHandleJoin_IdempotentAndURLRebind(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))
	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))
	assert.Equal(t, 1, m.Count())

	rebound := peerIdentity("node-a")
	rebound.APIURL = "http://peers/node-a-new"
	require.NoError(t, m.HandleJoin(rebound))

	entry, ok := m.GetPeer("node-a")
	require.True(t, ok)
	assert.Equal(t, "http://peers/node-a-new", entry.Identity.APIURL)
	assert.Equal(t, common.PeerActive, entry.Status)
}

func TestHandleJoin_RejectsSelfAndInvalid(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.HandleJoin(common.NodeIdentity{NodeID: "self", APIURL: "http://elsewhere"})
	assert.Error(t, err)

	err = m.HandleJoin(common.NodeIdentity{NodeID: "node-a"})
	assert.Error(t, err, "missing api_url")
}

func TestHandleHeartbeat_UnknownPeer(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.HandleHeartbeat(common.Heartbeat{NodeID: "stranger"})
	require.Error(t, err)
	var se *common.SwarmError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, common.ErrCodeUnknownPeer, se.Code)
}

func TestHandleHeartbeat_RefreshesAndRevives(t *testing.T) {
	m, clock := newTestManager(t)
	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))

	clock.Advance(12 * time.Second)
	m.SweepOnce()
	entry, _ := m.GetPeer("node-a")
	require.Equal(t, common.PeerSuspected, entry.Status)

	require.NoError(t, m.HandleHeartbeat(common.Heartbeat{
		NodeID: "node-a", Timestamp: clock.Now(), ActiveSessions: 2, Load: 0.4,
	}))
	entry, _ = m.GetPeer("node-a")
	assert.Equal(t, common.PeerActive, entry.Status)
	assert.Equal(t, 2, entry.ActiveSessions)
	assert.Equal(t, 0.4, entry.Load)
}

// A silent peer walks the full lattice: suspected at 10s, unreachable at
// 20s, evicted at 60s, and heartbeats from an evicted peer are refused.
func TestSweep_FailureDetectionLattice(t *testing.T) {
	m, clock := newTestManager(t)
	var degraded []common.PeerStatus
	m.SetPeerDegradedFunc(func(_ string, status common.PeerStatus) {
		degraded = append(degraded, status)
	})
	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))

	clock.Advance(5 * time.Second)
	m.SweepOnce()
	entry, _ := m.GetPeer("node-a")
	assert.Equal(t, common.PeerActive, entry.Status)

	clock.Advance(6 * time.Second) // t=11s
	m.SweepOnce()
	entry, _ = m.GetPeer("node-a")
	assert.Equal(t, common.PeerSuspected, entry.Status)

	clock.Advance(10 * time.Second) // t=21s
	m.SweepOnce()
	entry, _ = m.GetPeer("node-a")
	assert.Equal(t, common.PeerUnreachable, entry.Status)

	clock.Advance(40 * time.Second) // t=61s
	m.SweepOnce()
	entry, _ = m.GetPeer("node-a")
	assert.Equal(t, common.PeerEvicted, entry.Status)
	assert.Equal(t, 0, m.Count())

	assert.Equal(t, []common.PeerStatus{
		common.PeerSuspected, common.PeerUnreachable, common.PeerEvicted,
	}, degraded)

	err := m.HandleHeartbeat(common.Heartbeat{NodeID: "node-a", Timestamp: clock.Now()})
	assert.Error(t, err, "evicted peers must re-join")
}

func TestSweep_LongSilenceJumpsStraightToEviction(t *testing.T) {
	m, clock := newTestManager(t)
	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))

	clock.Advance(2 * time.Minute)
	m.SweepOnce()
	entry, _ := m.GetPeer("node-a")
	assert.Equal(t, common.PeerEvicted, entry.Status)
}

func TestHandleLeave_TerminalAndRejoinable(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))
	require.NoError(t, m.HandleLeave("node-a"))

	entry, _ := m.GetPeer("node-a")
	assert.Equal(t, common.PeerLeft, entry.Status)
	assert.Error(t, m.HandleHeartbeat(common.Heartbeat{NodeID: "node-a"}))

	// A clean rejoin starts over.
	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))
	entry, _ = m.GetPeer("node-a")
	assert.Equal(t, common.PeerActive, entry.Status)

	assert.Error(t, m.HandleLeave("stranger"))
}

func TestPeersFilterAndSummaries(t *testing.T) {
	m, clock := newTestManager(t)
	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))
	require.NoError(t, m.HandleJoin(peerIdentity("node-b")))

	clock.Advance(12 * time.Second)
	require.NoError(t, m.HandleHeartbeat(common.Heartbeat{NodeID: "node-b", Timestamp: clock.Now()}))
	m.SweepOnce()

	assert.Len(t, m.Peers(""), 2)
	assert.Len(t, m.Peers("suspected"), 1)
	require.Len(t, m.ActivePeers(), 1)
	assert.Equal(t, "node-b", m.ActivePeers()[0].Identity.NodeID)

	// Summaries carry self plus active peers only.
	sums := m.Summaries()
	ids := make([]string, len(sums))
	for i, s := range sums {
		ids[i] = s.NodeID
	}
	assert.ElementsMatch(t, []string{"self", "node-b"}, ids)
}

func TestGetPeer_ReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.HandleJoin(peerIdentity("node-a")))

	entry, _ := m.GetPeer("node-a")
	entry.Status = common.PeerEvicted
	entry.Identity.Capabilities = append(entry.Identity.Capabilities, "tampered")

	fresh, _ := m.GetPeer("node-a")
	assert.Equal(t, common.PeerActive, fresh.Status)
	assert.NotContains(t, fresh.Identity.Capabilities, "tampered")
}
