// Package mesh maintains the peer table: who we know, how alive they are,
// and when to give up on them. Status runs forward through
// active → suspected → unreachable → evicted, with revival back to active on
// a fresh heartbeat and "left" as a clean terminal.
package mesh

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/transport"
)

// Config carries the liveness thresholds, all in ms.
type Config struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms"`
	SweepIntervalMs     int64 `json:"sweep_interval_ms"`
	SuspectedAfterMs    int64 `json:"suspected_after_ms"`
	UnreachableAfterMs  int64 `json:"unreachable_after_ms"`
	EvictAfterMs        int64 `json:"evict_after_ms"`
	GossipIntervalMs    int64 `json:"gossip_interval_ms"`
	MaxHeartbeatFails   int   `json:"max_heartbeat_fails"`
}

// DefaultConfig returns the standard liveness thresholds.
func DefaultConfig() Config {
	return Config{
		HeartbeatIntervalMs: 2_000,
		SweepIntervalMs:     5_000,
		SuspectedAfterMs:    10_000,
		UnreachableAfterMs:  20_000,
		EvictAfterMs:        60_000,
		GossipIntervalMs:    15_000,
		MaxHeartbeatFails:   3,
	}
}

// LoadSnapshot is what outbound heartbeats report about this node.
type LoadSnapshot struct {
	ActiveSessions int
	Load           float64
}

// Manager owns the peer table.
type Manager struct {
	self    common.NodeIdentity
	config  Config
	client  *transport.Client
	journal *journal.Journal
	logger  *slog.Logger

	mu    sync.RWMutex
	peers map[string]*common.PeerEntry

	// loadFn supplies the outbound heartbeat payload.
	loadFn func() LoadSnapshot
	// onPeerDegraded fires when a peer leaves active (suspected or worse)
	// so in-flight delegations can react.
	onPeerDegraded func(nodeID string, status common.PeerStatus)
	// onGossipReply hands summaries from gossip exchanges to discovery.
	onGossipReply func([]common.PeerSummary)

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a mesh manager. journal may be nil.
func NewManager(self common.NodeIdentity, config Config, client *transport.Client, jnl *journal.Journal, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		self:    self,
		config:  config,
		client:  client,
		journal: jnl,
		logger:  logger.With("component", "mesh"),
		peers:   make(map[string]*common.PeerEntry),
		loadFn:  func() LoadSnapshot { return LoadSnapshot{} },
		now:     time.Now,
	}
}

// SetLoadFunc wires the node's load snapshot into outbound heartbeats.
func (m *Manager) SetLoadFunc(fn func() LoadSnapshot) {
	if fn != nil {
		m.loadFn = fn
	}
}

// SetPeerDegradedFunc wires the degradation callback.
func (m *Manager) SetPeerDegradedFunc(fn func(nodeID string, status common.PeerStatus)) {
	m.onPeerDegraded = fn
}

// SetGossipReplyFunc wires gossip replies into the discovery dedupe path.
func (m *Manager) SetGossipReplyFunc(fn func([]common.PeerSummary)) {
	m.onGossipReply = fn
}

// SetAdvertiseURL rebinds our own URL once the listener address is known.
// Must be called before Start.
func (m *Manager) SetAdvertiseURL(url string) {
	m.mu.Lock()
	m.self.APIURL = url
	m.mu.Unlock()
}

func (m *Manager) emit(event string, fields map[string]any) {
	if m.journal != nil {
		m.journal.Emit(event, fields)
	}
}

// HandleJoin registers or refreshes a peer. Joining twice is idempotent; a
// changed URL rebinds the entry and is journaled.
func (m *Manager) HandleJoin(identity common.NodeIdentity) error {
	if err := identity.Validate(); err != nil {
		return common.ErrValidation(err.Error())
	}
	if identity.NodeID == m.self.NodeID {
		return common.ErrValidation("node cannot join itself")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	entry, ok := m.peers[identity.NodeID]
	if !ok {
		m.peers[identity.NodeID] = &common.PeerEntry{
			Identity:        identity,
			Status:          common.PeerActive,
			JoinedAt:        now,
			LastHeartbeatAt: now,
		}
		m.logger.Info("peer joined", "node_id", identity.NodeID, "api_url", identity.APIURL)
		m.emit(common.EventPeerJoined, map[string]any{"node_id": identity.NodeID, "api_url": identity.APIURL})
		return nil
	}

	if entry.Status == common.PeerLeft || entry.Status == common.PeerEvicted {
		// A departed peer rejoining starts a fresh entry.
		m.peers[identity.NodeID] = &common.PeerEntry{
			Identity:        identity,
			Status:          common.PeerActive,
			JoinedAt:        now,
			LastHeartbeatAt: now,
		}
		m.emit(common.EventPeerJoined, map[string]any{"node_id": identity.NodeID, "rejoined": true})
		return nil
	}

	if entry.Identity.APIURL != identity.APIURL {
		m.logger.Info("peer url rebound", "node_id", identity.NodeID,
			"old", entry.Identity.APIURL, "new", identity.APIURL)
		m.emit(common.EventPeerURLRebound, map[string]any{
			"node_id": identity.NodeID, "old_url": entry.Identity.APIURL, "new_url": identity.APIURL,
		})
	}
	entry.Identity = identity
	entry.LastHeartbeatAt = now
	m.reviveLocked(entry)
	return nil
}

// HandleLeave marks a peer as cleanly departed.
func (m *Manager) HandleLeave(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.peers[nodeID]
	if !ok {
		return common.ErrUnknownPeer(nodeID)
	}
	if !entry.Status.CanTransitionTo(common.PeerLeft) {
		return nil
	}
	entry.Status = common.PeerLeft
	m.logger.Info("peer left", "node_id", nodeID)
	m.emit(common.EventPeerLeft, map[string]any{"node_id": nodeID})
	return nil
}

// HandleHeartbeat refreshes liveness for a known peer; unknown peers get
// UNKNOWN_PEER so they re-join.
func (m *Manager) HandleHeartbeat(hb common.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.peers[hb.NodeID]
	if !ok || entry.Status == common.PeerLeft || entry.Status == common.PeerEvicted {
		return common.ErrUnknownPeer(hb.NodeID)
	}
	entry.LastHeartbeatAt = m.now().UTC()
	entry.ActiveSessions = hb.ActiveSessions
	entry.Load = hb.Load
	entry.ConsecutiveFailures = 0
	m.reviveLocked(entry)
	return nil
}

func (m *Manager) reviveLocked(entry *common.PeerEntry) {
	if entry.Status == common.PeerActive {
		return
	}
	if entry.Status.CanTransitionTo(common.PeerActive) {
		prev := entry.Status
		entry.Status = common.PeerActive
		m.logger.Info("peer revived", "node_id", entry.Identity.NodeID, "from", prev)
		m.emit(common.EventPeerRevived, map[string]any{"node_id": entry.Identity.NodeID, "from": string(prev)})
	}
}

// GetPeer returns a copy of a peer entry.
func (m *Manager) GetPeer(nodeID string) (*common.PeerEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.peers[nodeID]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// Peers returns copies of entries, optionally filtered by status.
func (m *Manager) Peers(statusFilter string) []common.PeerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.PeerEntry, 0, len(m.peers))
	for _, entry := range m.peers {
		if statusFilter != "" && string(entry.Status) != statusFilter {
			continue
		}
		out = append(out, *entry.Clone())
	}
	return out
}

// ActivePeers returns copies of every active entry.
func (m *Manager) ActivePeers() []common.PeerEntry {
	return m.Peers(string(common.PeerActive))
}

// Count returns the number of non-terminal peers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, entry := range m.peers {
		if entry.Status != common.PeerLeft && entry.Status != common.PeerEvicted {
			n++
		}
	}
	return n
}

// Summaries builds the gossip payload from active peers, plus ourselves.
func (m *Manager) Summaries() []common.PeerSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []common.PeerSummary{{NodeID: m.self.NodeID, APIURL: m.self.APIURL}}
	for _, entry := range m.peers {
		if entry.Status == common.PeerActive {
			out = append(out, common.PeerSummary{
				NodeID: entry.Identity.NodeID,
				APIURL: entry.Identity.APIURL,
			})
		}
	}
	return out
}

// RecordCallLatency folds an observed round-trip into the peer entry.
func (m *Manager) RecordCallLatency(nodeID string, latencyMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.peers[nodeID]; ok {
		entry.LastLatencyMs = latencyMs
	}
}

// Start launches the heartbeat, sweep, and gossip loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop halts the loops and sends a best-effort leave to active peers.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	for _, peer := range m.ActivePeers() {
		_, _ = m.client.Leave(ctx, peer.Identity.APIURL, m.self.NodeID)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	heartbeat := time.NewTicker(time.Duration(m.config.HeartbeatIntervalMs) * time.Millisecond)
	sweep := time.NewTicker(time.Duration(m.config.SweepIntervalMs) * time.Millisecond)
	gossip := time.NewTicker(time.Duration(m.config.GossipIntervalMs) * time.Millisecond)
	defer heartbeat.Stop()
	defer sweep.Stop()
	defer gossip.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			m.heartbeatOnce(ctx)
		case <-sweep.C:
			m.SweepOnce()
		case <-gossip.C:
			m.gossipOnce(ctx)
		}
	}
}

// heartbeatOnce fans heartbeats out to every peer worth contacting. Calls to
// distinct peers run in parallel; per-peer there is one call per tick.
func (m *Manager) heartbeatOnce(ctx context.Context) {
	snapshot := m.loadFn()
	hb := common.Heartbeat{
		NodeID:         m.self.NodeID,
		Timestamp:      m.now().UTC(),
		ActiveSessions: snapshot.ActiveSessions,
		Load:           snapshot.Load,
	}

	var wg sync.WaitGroup
	for _, peer := range m.Peers("") {
		if peer.Status == common.PeerLeft || peer.Status == common.PeerEvicted {
			continue
		}
		wg.Add(1)
		go func(peer common.PeerEntry) {
			defer wg.Done()
			res, err := m.client.SendHeartbeat(ctx, peer.Identity.APIURL, hb)
			m.recordHeartbeatResult(ctx, peer.Identity, res, err)
		}(peer)
	}
	wg.Wait()
}

func (m *Manager) recordHeartbeatResult(ctx context.Context, identity common.NodeIdentity, res *transport.CallResult, err error) {
	if err == nil {
		m.mu.Lock()
		if entry, ok := m.peers[identity.NodeID]; ok {
			entry.ConsecutiveFailures = 0
			entry.LastLatencyMs = res.LatencyMs
		}
		m.mu.Unlock()
		return
	}
	if res != nil && res.Status == 404 {
		// The peer dropped us; re-introduce ourselves.
		if _, jerr := m.client.Join(ctx, identity.APIURL, m.self); jerr == nil {
			return
		}
	}
	m.mu.Lock()
	entry, ok := m.peers[identity.NodeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.ConsecutiveFailures++
	degrade := entry.ConsecutiveFailures >= m.config.MaxHeartbeatFails &&
		entry.Status == common.PeerActive
	if degrade {
		entry.Status = common.PeerSuspected
	}
	m.mu.Unlock()

	if degrade {
		m.logger.Warn("peer suspected after failed heartbeats",
			"node_id", identity.NodeID, "failures", m.config.MaxHeartbeatFails)
		m.emit(common.EventPeerSuspected, map[string]any{"node_id": identity.NodeID, "cause": "heartbeat_failures"})
		m.notifyDegraded(identity.NodeID, common.PeerSuspected)
	}
}

// SweepOnce applies the liveness thresholds to every entry. Exported so the
// node can force a sweep; normally driven by the ticker.
func (m *Manager) SweepOnce() {
	now := m.now().UTC()
	type change struct {
		nodeID string
		status common.PeerStatus
	}
	var changes []change

	m.mu.Lock()
	for id, entry := range m.peers {
		if entry.Status == common.PeerLeft || entry.Status == common.PeerEvicted {
			continue
		}
		silence := now.Sub(entry.LastHeartbeatAt).Milliseconds()
		var next common.PeerStatus
		switch {
		case silence >= m.config.EvictAfterMs:
			next = common.PeerEvicted
		case silence >= m.config.UnreachableAfterMs:
			next = common.PeerUnreachable
		case silence >= m.config.SuspectedAfterMs:
			next = common.PeerSuspected
		default:
			continue
		}
		if next != entry.Status && entry.Status.CanTransitionTo(next) {
			entry.Status = next
			changes = append(changes, change{nodeID: id, status: next})
		}
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.logger.Warn("peer liveness degraded", "node_id", c.nodeID, "status", c.status)
		switch c.status {
		case common.PeerSuspected:
			m.emit(common.EventPeerSuspected, map[string]any{"node_id": c.nodeID, "cause": "silence"})
		case common.PeerUnreachable:
			m.emit(common.EventPeerUnreachable, map[string]any{"node_id": c.nodeID})
		case common.PeerEvicted:
			m.emit(common.EventPeerEvicted, map[string]any{"node_id": c.nodeID})
		}
		m.notifyDegraded(c.nodeID, c.status)
	}
}

func (m *Manager) notifyDegraded(nodeID string, status common.PeerStatus) {
	if m.onPeerDegraded != nil {
		m.onPeerDegraded(nodeID, status)
	}
}

// gossipOnce exchanges summaries with one random active peer.
func (m *Manager) gossipOnce(ctx context.Context) {
	peers := m.ActivePeers()
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]
	reply, _, err := m.client.ExchangeGossip(ctx, target.Identity.APIURL, m.Summaries())
	if err != nil {
		m.logger.Debug("gossip exchange failed", "node_id", target.Identity.NodeID, "error", err)
		return
	}
	if m.onGossipReply != nil {
		m.onGossipReply(reply)
	}
}
