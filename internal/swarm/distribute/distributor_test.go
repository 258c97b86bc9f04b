package distribute

import (
	"context"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/mesh"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/reputation"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/transport"
)

// ========== Peer Scoring Tests ==========

func cand(id string, trust, latency, cost, capability float64) *candidate {
	c := &candidate{peer: common.PeerEntry{Identity: common.NodeIdentity{NodeID: id}}}
	c.objectives = [numObjectives]float64{trust, latency, cost, capability}
	return c
}

func TestDominates(t *testing.T) {
	a := cand("a", 0.9, 0.9, 0.9, 1.0)
	b := cand("b", 0.5, 0.9, 0.9, 1.0)
	c := cand("c", 0.5, 0.95, 0.9, 1.0)

	assert.True(t, dominates(a, b))
	assert.False(t, dominates(b, a))
	assert.False(t, dominates(b, c), "b worse on latency")
	assert.False(t, dominates(c, b), "c better on latency only, worse nowhere... ")
}

func TestNonDominatedSort_SingleDominantPeer(t *testing.T) {
	// D beats everyone on every axis; C loses to everyone.
	a := cand("a", 0.8, 0.5, 0.5, 1.0)
	b := cand("b", 0.5, 0.8, 0.5, 1.0)
	c := cand("c", 0.4, 0.4, 0.4, 1.0)
	d := cand("d", 0.9, 0.9, 0.9, 1.0)

	fronts := nonDominatedSort([]*candidate{a, b, c, d})
	require.GreaterOrEqual(t, len(fronts), 2)
	require.Len(t, fronts[0], 1)
	assert.Equal(t, "d", fronts[0][0].peer.Identity.NodeID)

	// a and b trade wins, so they share the second front; c trails alone.
	second := fronts[1]
	ids := []string{}
	for _, x := range second {
		ids = append(ids, x.peer.Identity.NodeID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
	require.Len(t, fronts[2], 1)
	assert.Equal(t, "c", fronts[2][0].peer.Identity.NodeID)
}

func TestCrowdingDistance_BoundariesInfinite(t *testing.T) {
	low := cand("low", 0.1, 0.9, 0.5, 1.0)
	mid := cand("mid", 0.5, 0.5, 0.5, 1.0)
	high := cand("high", 0.9, 0.1, 0.5, 1.0)
	front := []*candidate{mid, high, low}

	crowdingDistance(front)
	assert.True(t, math.IsInf(low.distance, 1))
	assert.True(t, math.IsInf(high.distance, 1))
	assert.False(t, math.IsInf(mid.distance, 1))
	assert.Greater(t, mid.distance, 0.0)
}

func TestCapabilityMatch(t *testing.T) {
	peer := &common.PeerEntry{Identity: common.NodeIdentity{
		NodeID: "p", Capabilities: []string{"research", "code_review"},
	}}
	assert.Equal(t, 1.0, capabilityMatch(peer, nil))
	assert.Equal(t, 1.0, capabilityMatch(peer, []string{"research"}))
	assert.Equal(t, 0.5, capabilityMatch(peer, []string{"research", "deploy"}))
	assert.Equal(t, 0.0, capabilityMatch(peer, []string{"deploy"}))
}

func TestCostScore_UnknownPeerAssumedCheapest(t *testing.T) {
	rep := reputation.NewStore("", nil)
	assert.Equal(t, 1.0, costScore(rep, "fresh-peer", 1.0))

	// History pulls the score down; no ceiling degenerates to the middle.
	rep.RecordOutcome("spender", &common.TaskResult{
		TaskID: "t", Status: common.TaskCompleted, CostUSD: 0.5,
	})
	assert.InDelta(t, 0.5, costScore(rep, "spender", 1.0), 1e-9)
	assert.Equal(t, 0.5, costScore(rep, "spender", 0))
}

// ========== WorkDistributor Tests ==========

type fakePeer struct {
	identity common.NodeIdentity
	server   *httptest.Server
}

// newFakePeer runs a peer that accepts (or declines) tasks and posts its
// result back through deliver after a beat.
func newFakePeer(t *testing.T, id string, accept bool, result *common.TaskResult, deliver func(common.TaskResult)) *fakePeer {
	t.Helper()
	identity := common.NodeIdentity{
		NodeID: id, Name: id, Capabilities: []string{"research"}, Version: "1.0.0",
	}
	handlers := transport.Handlers{
		OnTask: func(env common.TaskEnvelope) common.TaskAccept {
			if !accept {
				return common.TaskAccept{Accepted: false, Reason: "busy"}
			}
			if result != nil {
				r := *result
				r.TaskID = env.TaskID
				r.PeerNodeID = id
				go func() {
					time.Sleep(20 * time.Millisecond)
					deliver(r)
				}()
			}
			return common.TaskAccept{Accepted: true}
		},
		OnTaskCancel: func(string, string) error { return nil },
	}
	srv := transport.NewServer(identity, transport.ServerConfig{Enabled: true}, handlers, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	identity.APIURL = ts.URL
	return &fakePeer{identity: identity, server: ts}
}

func newDistributor(t *testing.T, config Config, peers ...*fakePeer) *Distributor {
	t.Helper()
	self := common.NodeIdentity{NodeID: "self", Name: "Self", APIURL: "http://127.0.0.1:1"}
	client := transport.NewClient(2*time.Second, nil)
	manager := mesh.NewManager(self, mesh.DefaultConfig(), client, nil, nil)
	for _, p := range peers {
		require.NoError(t, manager.HandleJoin(p.identity))
	}
	rep := reputation.NewStore("", nil)
	return New(self, config, manager, rep, nil, client, nil, nil)
}

func okResult() *common.TaskResult {
	return &common.TaskResult{
		Status:     common.TaskCompleted,
		Findings:   []common.Finding{{StepTitle: "work", Summary: "done"}},
		TokensUsed: 50,
		CostUSD:    0.01,
		DurationMs: 20,
	}
}

func TestDistribute_HappyPath(t *testing.T) {
	var d *Distributor
	peer := newFakePeer(t, "node-beta", true, okResult(), func(r common.TaskResult) {
		d.HandleResult(r)
	})
	d = newDistributor(t, DefaultConfig(), peer)

	result := d.Distribute(context.Background(), "summarize the report", "s-1", nil, 0)
	require.NotNil(t, result)
	assert.Equal(t, common.TaskCompleted, result.Status)
	assert.Equal(t, "node-beta", result.PeerNodeID)
	assert.Equal(t, 0, d.Active(), "delegation cleaned up")

	// The outcome fed reputation.
	rec, ok := d.rep.Get("node-beta")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.TasksCompleted)
}

func TestDistribute_NoEligiblePeers(t *testing.T) {
	d := newDistributor(t, DefaultConfig())
	result := d.Distribute(context.Background(), "anything", "s-1", nil, 0)
	require.NotNil(t, result)
	assert.Equal(t, common.TaskFailed, result.Status)
	assert.Contains(t, result.Error, common.ErrCodeInsufficientPeers)
}

func TestDistribute_CapabilityFilterIsHard(t *testing.T) {
	var d *Distributor
	peer := newFakePeer(t, "node-beta", true, okResult(), func(r common.TaskResult) {
		d.HandleResult(r)
	})
	d = newDistributor(t, DefaultConfig(), peer)

	result := d.Distribute(context.Background(), "deploy it", "s-1",
		&common.TaskConstraints{RequiredCapabilities: []string{"deploy"}}, 0)
	assert.Equal(t, common.TaskFailed, result.Status)
	assert.Contains(t, result.Error, common.ErrCodeInsufficientPeers)
}

func TestDistribute_RetriesOnDecline(t *testing.T) {
	var d *Distributor
	busy := newFakePeer(t, "node-a-busy", false, nil, nil)
	willing := newFakePeer(t, "node-b-willing", true, okResult(), func(r common.TaskResult) {
		d.HandleResult(r)
	})
	config := DefaultConfig()
	config.Strategy = StrategyRoundRobin
	d = newDistributor(t, config, busy, willing)

	// Round robin starts at the busy peer (sorted by node id), declines,
	// then lands on the willing one.
	result := d.Distribute(context.Background(), "task", "s-1", nil, 0)
	assert.Equal(t, common.TaskCompleted, result.Status)
	assert.Equal(t, "node-b-willing", result.PeerNodeID)
}

func TestDistribute_TimeoutAborts(t *testing.T) {
	// Peer accepts but never reports.
	peer := newFakePeer(t, "node-beta", true, nil, nil)
	config := DefaultConfig()
	config.DelegationTimeoutMs = 80
	config.MaxRetries = 0
	d := newDistributor(t, config, peer)

	result := d.Distribute(context.Background(), "task", "s-1", nil, 0)
	assert.Equal(t, common.TaskAborted, result.Status)
	assert.Contains(t, result.Error, common.ErrCodeTimeout)
}

func TestHandleResult_EarlyBuffer(t *testing.T) {
	var d *Distributor
	// The peer reports synchronously inside OnTask, before SendTask even
	// returns to the delegator.
	early := newFakePeerSyncResult(t, "node-early", func(r common.TaskResult) {
		d.HandleResult(r)
	})
	d = newDistributor(t, DefaultConfig(), early)

	result := d.Distribute(context.Background(), "task", "s-1", nil, 0)
	assert.Equal(t, common.TaskCompleted, result.Status)
}

func TestHandleResult_UnknownTaskBuffersBriefly(t *testing.T) {
	d := newDistributor(t, DefaultConfig())
	r := *okResult()
	r.TaskID = "task-orphan"

	assert.False(t, d.HandleResult(r), "no waiter registered")
	_, buffered := d.early.Get("task-orphan")
	assert.True(t, buffered)
}

// newFakePeerSyncResult posts the result during task acceptance.
func newFakePeerSyncResult(t *testing.T, id string, deliver func(common.TaskResult)) *fakePeer {
	t.Helper()
	identity := common.NodeIdentity{NodeID: id, Name: id, Capabilities: []string{"research"}}
	handlers := transport.Handlers{
		OnTask: func(env common.TaskEnvelope) common.TaskAccept {
			r := *okResult()
			r.TaskID = env.TaskID
			r.PeerNodeID = id
			deliver(r)
			return common.TaskAccept{Accepted: true}
		},
	}
	srv := transport.NewServer(identity, transport.ServerConfig{Enabled: true}, handlers, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	identity.APIURL = ts.URL
	return &fakePeer{identity: identity, server: ts}
}

func TestHandlePeerDegradation_AbortsWait(t *testing.T) {
	// Peer accepts and goes silent; degradation cuts the wait short.
	peer := newFakePeer(t, "node-beta", true, nil, nil)
	config := DefaultConfig()
	config.DelegationTimeoutMs = 5_000
	config.MaxRetries = 0
	d := newDistributor(t, config, peer)

	done := make(chan *common.TaskResult, 1)
	go func() {
		done <- d.Distribute(context.Background(), "task", "s-1", nil, 0)
	}()

	var result *common.TaskResult
	require.Eventually(t, func() bool { return d.Active() == 1 }, time.Second, 10*time.Millisecond)
	d.HandlePeerDegradation("node-beta", common.PeerSuspected)

	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("distribute did not return after degradation")
	}
	assert.Equal(t, common.TaskFailed, result.Status)
	assert.Contains(t, result.Error, common.ErrCodePeerUnreachable)
}

func TestCancelTask(t *testing.T) {
	peer := newFakePeer(t, "node-beta", true, nil, nil)
	config := DefaultConfig()
	config.MaxRetries = 0
	d := newDistributor(t, config, peer)

	done := make(chan *common.TaskResult, 1)
	go func() {
		done <- d.Distribute(context.Background(), "task", "s-1", nil, 0)
	}()
	require.Eventually(t, func() bool { return d.Active() == 1 }, time.Second, 10*time.Millisecond)

	var taskID string
	for _, del := range d.ActiveDelegations() {
		taskID = del.TaskID
	}
	require.NoError(t, d.CancelTask(context.Background(), taskID, "operator stop"))

	result := <-done
	assert.Equal(t, common.TaskCancelled, result.Status)

	err := d.CancelTask(context.Background(), "no-such-task", "x")
	assert.Error(t, err)
}

func TestStrategies_OrderCandidates(t *testing.T) {
	d := newDistributor(t, DefaultConfig())
	// Seed reputation so trust separates the peers.
	manager := d.peers
	require.NoError(t, manager.HandleJoin(common.NodeIdentity{
		NodeID: "node-good", APIURL: "http://peers/good", Capabilities: []string{"research"},
	}))
	require.NoError(t, manager.HandleJoin(common.NodeIdentity{
		NodeID: "node-bad", APIURL: "http://peers/bad", Capabilities: []string{"research"},
	}))
	for i := 0; i < 10; i++ {
		d.rep.RecordOutcome("node-good", &common.TaskResult{TaskID: "t", Status: common.TaskCompleted})
		d.rep.RecordOutcome("node-bad", &common.TaskResult{TaskID: "t", Status: common.TaskFailed})
	}

	for _, strategy := range []string{StrategyParetoWeighted, StrategyParetoCrowding, StrategySingleSolution} {
		d.config.Strategy = strategy
		ranked := d.rankCandidates(nil)
		require.NotEmpty(t, ranked, strategy)
		assert.Equal(t, "node-good", ranked[0].peer.Identity.NodeID, strategy)
	}

	d.config.Strategy = StrategySingleSolution
	assert.Len(t, d.rankCandidates(nil), 1)

	// Round robin rotates the start point.
	d.config.Strategy = StrategyRoundRobin
	first := d.rankCandidates(nil)[0].peer.Identity.NodeID
	second := d.rankCandidates(nil)[0].peer.Identity.NodeID
	assert.NotEqual(t, first, second)
}
