package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// ========== ContractStore Tests ==========

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	c, err := s.Create("node-alpha", "node-beta", "task-1",
		common.SLO{MaxDurationMs: 60_000, MaxTokens: 50_000, MaxCostUSD: 1.5},
		common.PermissionBoundary{ToolAllowlist: []string{"read_file", "web_search"}},
		common.MonitoringTerms{RequireCheckpoints: true, ReportIntervalMs: 5_000},
	)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ContractID)
	assert.Equal(t, common.ContractActive, c.Status)
	assert.False(t, c.ExpiresAt.IsZero())

	got, err := s.Get(c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, c.DelegateeNodeID, got.DelegateeNodeID)
	assert.Equal(t, c.SLO, got.SLO)
	assert.Equal(t, []string{"read_file", "web_search"}, got.PermissionBoundary.ToolAllowlist)
}

func TestCreate_UnboundedDurationHasNoExpiry(t *testing.T) {
	s := openTestStore(t)

	c, err := s.Create("node-alpha", "node-beta", "task-1",
		common.SLO{MaxDurationMs: common.MaxSafeInteger, MaxTokens: common.MaxSafeInteger, MaxCostUSD: 10},
		common.PermissionBoundary{}, common.MonitoringTerms{},
	)
	require.NoError(t, err)
	assert.True(t, c.ExpiresAt.IsZero())
}

func TestGet_Unknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("no-such-contract")
	require.Error(t, err)
	var se *common.SwarmError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, common.ErrCodeUnknownPeer, se.Code)
}

func TestTerminate_DeletesAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	c, err := s.Create("node-alpha", "node-beta", "task-1",
		common.SLO{}, common.PermissionBoundary{}, common.MonitoringTerms{})
	require.NoError(t, err)

	require.NoError(t, s.Terminate(c.ContractID, common.ContractCompleted))
	_, err = s.Get(c.ContractID)
	assert.Error(t, err)

	require.NoError(t, s.Terminate(c.ContractID, common.ContractCompleted))

	assert.Error(t, s.Terminate(c.ContractID, common.ContractActive), "active is not terminal")
}

func TestActiveForPeer(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Create("node-alpha", "node-beta", "task-b",
			common.SLO{}, common.PermissionBoundary{}, common.MonitoringTerms{})
		require.NoError(t, err)
	}
	other, err := s.Create("node-alpha", "node-gamma", "task-g",
		common.SLO{}, common.PermissionBoundary{}, common.MonitoringTerms{})
	require.NoError(t, err)
	require.NoError(t, s.Terminate(other.ContractID, common.ContractCancelled))

	active, err := s.ActiveForPeer("node-beta")
	require.NoError(t, err)
	assert.Len(t, active, 3)

	active, err = s.ActiveForPeer("node-gamma")
	require.NoError(t, err)
	assert.Empty(t, active)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
