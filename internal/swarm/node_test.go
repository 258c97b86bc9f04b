package swarm

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/route"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/security"
)

// ========== Node Tests ==========

func testConfig(t *testing.T, name string, seeds []string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NodeName = name
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.Secret = "test-secret"
	cfg.Capabilities = []string{"general", "analysis"}
	cfg.Discovery.Seeds = seeds
	cfg.Discovery.MulticastEnabled = false
	return cfg
}

func startNode(t *testing.T, name string, seeds []string) *Node {
	t.Helper()
	n, err := NewNode(testConfig(t, name, seeds), nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	})
	return n
}

func echoExecutor(nodeName string) Executor {
	return func(ctx context.Context, env common.TaskEnvelope) (*common.TaskResult, error) {
		return &common.TaskResult{
			Status: common.TaskCompleted,
			Findings: []common.Finding{{
				StepTitle: "echo",
				Summary:   nodeName + " handled: " + env.Task,
				Status:    "succeeded",
			}},
			TokensUsed: 100,
			CostUSD:    0.01,
		}, nil
	}
}

func waitForPeers(t *testing.T, n *Node, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.Peers().Count() >= want
	}, 5*time.Second, 20*time.Millisecond, "node %s never saw %d peers", n.Identity().Name, want)
}

func TestTwoNodes_JoinAndDelegate(t *testing.T) {
	alpha := startNode(t, "alpha", nil)
	beta := startNode(t, "beta", []string{alpha.Identity().APIURL})
	beta.SetExecutor(echoExecutor("beta"))

	// Bootstrap is mutual: beta joins alpha's table and vice versa.
	waitForPeers(t, alpha, 1)
	waitForPeers(t, beta, 1)

	result := alpha.Delegate(context.Background(), "summarize the incident log", "session-1",
		route.TaskProfile{}, nil, 0)
	require.NotNil(t, result)
	require.Equal(t, common.TaskCompleted, result.Status, "error: %s", result.Error)
	assert.Equal(t, beta.Identity().NodeID, result.PeerNodeID)
	require.Len(t, result.Findings, 1)
	assert.Contains(t, result.Findings[0].Summary, "beta handled")

	// The delegatee's outcome lands in the trust book.
	rep, ok := alpha.Reputation().Get(beta.Identity().NodeID)
	require.True(t, ok)
	assert.EqualValues(t, 1, rep.TasksCompleted)
	assert.Greater(t, alpha.Reputation().GetTrustScore(beta.Identity().NodeID), 0.5)
}

func TestTwoNodes_FanOutAggregates(t *testing.T) {
	alpha := startNode(t, "alpha", nil)
	beta := startNode(t, "beta", []string{alpha.Identity().APIURL})
	beta.SetExecutor(echoExecutor("beta"))

	waitForPeers(t, alpha, 1)
	waitForPeers(t, beta, 1)

	outcome, err := alpha.FanOut(context.Background(),
		[]string{"scan auth service", "scan billing service"}, "session-2", nil, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Partial)
	assert.Empty(t, outcome.Missing)
	require.Len(t, outcome.Findings, 2)
	for _, f := range outcome.Findings {
		assert.True(t, strings.HasPrefix(f.StepTitle, "["), "fan-in prefixes the source peer: %q", f.StepTitle)
	}
	assert.InDelta(t, 0.02, outcome.CostUSD, 1e-9)
	assert.EqualValues(t, 200, outcome.TokensUsed)
}

func TestDelegate_NoExecutorOnPeerFails(t *testing.T) {
	alpha := startNode(t, "alpha", nil)
	beta := startNode(t, "beta", []string{alpha.Identity().APIURL})
	// beta has no executor and declines everything.

	waitForPeers(t, alpha, 1)

	result := alpha.Delegate(context.Background(), "anything", "session-3",
		route.TaskProfile{}, nil, 0)
	require.NotNil(t, result)
	assert.Equal(t, common.TaskFailed, result.Status)

	_ = beta
}

func TestDelegate_HumanRoutedNeverEntersMesh(t *testing.T) {
	alpha := startNode(t, "alpha", nil)

	result := alpha.Delegate(context.Background(), "approve production deletion", "session-4",
		route.TaskProfile{Criticality: route.LevelHigh, Reversibility: route.LevelLow}, nil, 0)
	require.NotNil(t, result)
	assert.Equal(t, common.TaskPaused, result.Status)
	assert.Contains(t, result.Error, "routed to human")
	assert.Zero(t, alpha.Status().ActiveDelegations)
}

func TestDelegate_NoPeersFailsFast(t *testing.T) {
	alpha := startNode(t, "alpha", nil)

	result := alpha.Delegate(context.Background(), "anything at all", "session-5",
		route.TaskProfile{}, nil, 0)
	require.NotNil(t, result)
	assert.Equal(t, common.TaskFailed, result.Status)
	assert.Contains(t, result.Error, "INSUFFICIENT_PEERS")
}

func TestStatus_ReportsVitals(t *testing.T) {
	alpha := startNode(t, "alpha", nil)

	st := alpha.Status()
	assert.Equal(t, alpha.Identity().NodeID, st.NodeID)
	assert.Zero(t, st.PeerCount)
	assert.Zero(t, st.ActiveDelegations)
	assert.GreaterOrEqual(t, st.UptimeMs, int64(0))
}

func TestLocalTask_StatusAndCancel(t *testing.T) {
	alpha := startNode(t, "alpha", nil)
	beta := startNode(t, "beta", []string{alpha.Identity().APIURL})

	started := make(chan struct{})
	beta.SetExecutor(func(ctx context.Context, env common.TaskEnvelope) (*common.TaskResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	waitForPeers(t, alpha, 1)
	waitForPeers(t, beta, 1)

	done := make(chan *common.TaskResult, 1)
	go func() {
		done <- alpha.Delegate(context.Background(), "long running scan", "session-6",
			route.TaskProfile{}, nil, 0)
	}()
	<-started

	// The checkpoint surface sees the running task on beta.
	require.Eventually(t, func() bool {
		var taskID string
		for _, del := range alpha.dist.ActiveDelegations() {
			taskID = del.TaskID
		}
		if taskID == "" {
			return false
		}
		cp, err := beta.taskStatus(taskID)
		return err == nil && cp.Status == common.TaskRunning
	}, 5*time.Second, 20*time.Millisecond)

	var taskID string
	for _, del := range alpha.dist.ActiveDelegations() {
		taskID = del.TaskID
	}
	require.NoError(t, alpha.dist.CancelTask(context.Background(), taskID, "test cancel"))

	result := <-done
	assert.Equal(t, common.TaskCancelled, result.Status)

	// Cancelling a finished task is a no-op.
	assert.NoError(t, beta.cancelLocalTask(taskID, "again"))
}

func TestNodeScorer_LatencyDragsCompositeDown(t *testing.T) {
	alpha := startNode(t, "alpha", nil)
	for _, id := range []string{"peer-fast", "peer-slow"} {
		require.NoError(t, alpha.Peers().HandleJoin(common.NodeIdentity{
			NodeID: id, Name: id, APIURL: "http://127.0.0.1:1",
			Capabilities: []string{"general"}, Version: "1.0.0",
		}))
	}
	alpha.Peers().RecordCallLatency("peer-fast", 50)
	alpha.Peers().RecordCallLatency("peer-slow", 9_000)

	// Equal (default) trust: the slow peer's live latency must separate them.
	s := &nodeScorer{node: alpha}
	fast, slow := s.PeerScore("peer-fast"), s.PeerScore("peer-slow")
	assert.Greater(t, fast, slow)
	assert.Less(t, slow, 0.35, "9s latency should gut the composite")

	best, score, ok := s.BestPeer("peer-slow")
	require.True(t, ok)
	assert.Equal(t, "peer-fast", best)
	assert.InDelta(t, fast, score, 1e-9)

	// An unknown peer falls back to bare trust.
	assert.InDelta(t, alpha.Reputation().GetTrustScore("ghost"), s.PeerScore("ghost"), 1e-9)
}

func TestNewNode_RequiresSecret(t *testing.T) {
	cfg := testConfig(t, "bare", nil)
	cfg.Secret = ""
	_, err := NewNode(cfg, nil)
	require.Error(t, err)
	var se *common.SwarmError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, common.ErrCodeValidation, se.Code)
}

func TestAttest_SignedAndVerifiable(t *testing.T) {
	alpha := startNode(t, "alpha", nil)

	result := &common.TaskResult{
		TaskID: "task-att",
		Status: common.TaskCompleted,
		Findings: []common.Finding{{
			StepTitle: "probe", Summary: "done", Status: "succeeded",
		}},
	}
	att, err := alpha.Attest(result)
	require.NoError(t, err)
	require.NotNil(t, att)
	assert.NotEmpty(t, att.Ed25519Signature)
	assert.True(t, security.VerifyAttestation(att, []byte("test-secret")))

	pub, err := base64.StdEncoding.DecodeString(alpha.Identity().PublicKey)
	require.NoError(t, err)
	assert.True(t, security.VerifySignature(att, ed25519.PublicKey(pub)))
}
