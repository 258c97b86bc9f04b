package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

var testSecret = []byte("swarm-shared-secret-for-tests")

func sampleResult(taskID, peerID string) *common.TaskResult {
	return &common.TaskResult{
		TaskID:     taskID,
		PeerNodeID: peerID,
		Status:     common.TaskCompleted,
		Findings: []common.Finding{
			{StepTitle: "scan", Summary: "ok", Tool: "grep", Status: "succeeded"},
		},
		TokensUsed: 120,
		CostUSD:    0.002,
		DurationMs: 150,
	}
}

// ========== Attestation Tests ==========

func TestCreateAttestation_RoundTrip(t *testing.T) {
	att, err := CreateAttestation(sampleResult("task-1", "node-b"), testSecret)
	require.NoError(t, err)
	require.NotNil(t, att)

	assert.Equal(t, "task-1", att.TaskID)
	assert.NotEmpty(t, att.FindingsHash)
	assert.True(t, VerifyAttestation(att, testSecret))
}

func TestVerifyAttestation_WrongKey(t *testing.T) {
	att, err := CreateAttestation(sampleResult("task-1", "node-b"), testSecret)
	require.NoError(t, err)

	assert.False(t, VerifyAttestation(att, []byte("some-other-secret")))
}

func TestVerifyAttestation_TamperedFields(t *testing.T) {
	att, err := CreateAttestation(sampleResult("task-1", "node-b"), testSecret)
	require.NoError(t, err)

	tampered := *att
	tampered.FindingsHash = "deadbeef"
	assert.False(t, VerifyAttestation(&tampered, testSecret))

	tampered = *att
	tampered.Status = common.TaskFailed
	assert.False(t, VerifyAttestation(&tampered, testSecret))
}

func TestAttestation_Ed25519Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	att, err := CreateAttestation(sampleResult("task-1", "node-b"), testSecret)
	require.NoError(t, err)

	assert.False(t, VerifySignature(att, pub), "unsigned attestation must not verify")

	att.Sign(priv)
	assert.True(t, VerifySignature(att, pub))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.False(t, VerifySignature(att, otherPub))
}

func TestFindingsHash_Deterministic(t *testing.T) {
	findings := []common.Finding{{StepTitle: "a", Summary: "b"}}
	h1, err := FindingsHash(findings)
	require.NoError(t, err)
	h2, err := FindingsHash(findings)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := FindingsHash(nil)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

// ========== AttestationChain Tests ==========

func buildChain(t *testing.T, nodes []string) *AttestationChain {
	t.Helper()
	chain := &AttestationChain{RootTaskID: "task-root"}
	for i := 0; i+1 < len(nodes); i++ {
		result := sampleResult("task-root", nodes[i+1])
		att, err := CreateAttestation(result, testSecret)
		require.NoError(t, err)
		require.NoError(t, chain.Append(ChainLink{
			Attestation:     *att,
			DelegatorNodeID: nodes[i],
			DelegateeNodeID: nodes[i+1],
			Depth:           i,
		}))
	}
	return chain
}

func TestVerifyChain_FreshChainIsValid(t *testing.T) {
	chain := buildChain(t, []string{"A", "B", "C", "D"})
	res := VerifyChain(chain, testSecret)
	assert.True(t, res.Valid)
	assert.Equal(t, -1, res.InvalidAtDepth)
}

func TestVerifyChain_TamperedFindingsHash(t *testing.T) {
	chain := buildChain(t, []string{"A", "B", "C", "D"})
	chain.Links[1].Attestation.FindingsHash = "0123456789abcdef"

	res := VerifyChain(chain, testSecret)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.InvalidAtDepth)
}

func TestVerifyChain_TamperedHMAC(t *testing.T) {
	chain := buildChain(t, []string{"A", "B", "C"})
	chain.Links[0].Attestation.HMAC = "ffff"

	res := VerifyChain(chain, testSecret)
	assert.False(t, res.Valid)
	assert.Equal(t, 0, res.InvalidAtDepth)
}

func TestVerifyChain_BrokenContinuity(t *testing.T) {
	chain := buildChain(t, []string{"A", "B", "C", "D"})
	chain.Links[2].DelegatorNodeID = "Z"

	res := VerifyChain(chain, testSecret)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, res.InvalidAtDepth)
}

func TestVerifyChain_Empty(t *testing.T) {
	res := VerifyChain(&AttestationChain{RootTaskID: "t"}, testSecret)
	assert.False(t, res.Valid)
}

func TestChainAppend_RejectsGapsAndForeignTasks(t *testing.T) {
	chain := &AttestationChain{RootTaskID: "task-root"}
	att, err := CreateAttestation(sampleResult("task-root", "B"), testSecret)
	require.NoError(t, err)

	err = chain.Append(ChainLink{Attestation: *att, DelegatorNodeID: "A", DelegateeNodeID: "B", Depth: 3})
	assert.Error(t, err)

	other, err := CreateAttestation(sampleResult("other-task", "B"), testSecret)
	require.NoError(t, err)
	err = chain.Append(ChainLink{Attestation: *other, DelegatorNodeID: "A", DelegateeNodeID: "B", Depth: 0})
	assert.Error(t, err)
}
