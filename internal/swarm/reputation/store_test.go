package reputation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

func completed(durationMs int64) *common.TaskResult {
	return &common.TaskResult{
		TaskID:     "t",
		Status:     common.TaskCompleted,
		DurationMs: durationMs,
		TokensUsed: 100,
		CostUSD:    0.01,
	}
}

func failed() *common.TaskResult {
	return &common.TaskResult{TaskID: "t", Status: common.TaskFailed}
}

func TestGetTrustScore_UnknownDefaultsToNeutral(t *testing.T) {
	s := NewStore("", nil)
	assert.Equal(t, 0.5, s.GetTrustScore("nobody"))
}

func TestRecordOutcome_SuccessRaisesTrust(t *testing.T) {
	s := NewStore("", nil)
	for i := 0; i < 5; i++ {
		s.RecordOutcome("peer-1", completed(200))
	}

	rec, ok := s.Get("peer-1")
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.TasksCompleted)
	assert.Equal(t, 5, rec.ConsecutiveSuccesses)
	assert.InDelta(t, 200.0, rec.AvgLatencyMs, 0.001)
	assert.Greater(t, s.GetTrustScore("peer-1"), 0.8)
}

func TestRecordOutcome_FailuresDropTrust(t *testing.T) {
	s := NewStore("", nil)
	for i := 0; i < 5; i++ {
		s.RecordOutcome("peer-1", failed())
	}

	rec, ok := s.Get("peer-1")
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.TasksFailed)
	assert.Equal(t, 5, rec.ConsecutiveFailures)
	assert.Less(t, s.GetTrustScore("peer-1"), 0.2)
}

func TestRecordOutcome_StreakCaps(t *testing.T) {
	s := NewStore("", nil)
	// 50 straight successes with instant latency: score = 0.7 + 0.2 + 0.1(bonus cap) + 0.1 → clamped to 1.
	for i := 0; i < 50; i++ {
		s.RecordOutcome("peer-1", completed(0))
	}
	assert.Equal(t, 1.0, s.GetTrustScore("peer-1"))

	// A failure breaks the streak.
	s.RecordOutcome("peer-1", failed())
	rec, _ := s.Get("peer-1")
	assert.Equal(t, 0, rec.ConsecutiveSuccesses)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestRecordOutcome_AbortedBreaksStreakWithoutFailurePenalty(t *testing.T) {
	s := NewStore("", nil)
	s.RecordOutcome("peer-1", completed(100))
	s.RecordOutcome("peer-1", &common.TaskResult{TaskID: "t", Status: common.TaskAborted})

	rec, _ := s.Get("peer-1")
	assert.Equal(t, int64(1), rec.TasksAborted)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Equal(t, 0, rec.ConsecutiveSuccesses)
}

func TestDecay_MovesTowardNeutral(t *testing.T) {
	s := NewStore("", nil)
	for i := 0; i < 10; i++ {
		s.RecordOutcome("good", completed(0))
		s.RecordOutcome("bad", failed())
	}
	high := s.GetTrustScore("good")
	low := s.GetTrustScore("bad")

	s.Decay(0.5)
	assert.InDelta(t, high+(0.5-high)*0.5, s.GetTrustScore("good"), 1e-9)
	assert.InDelta(t, low+(0.5-low)*0.5, s.GetTrustScore("bad"), 1e-9)

	s.Decay(1.0)
	assert.Equal(t, 0.5, s.GetTrustScore("good"))
	assert.Equal(t, 0.5, s.GetTrustScore("bad"))
}

type fixedBehavior struct{ score float64 }

func (f fixedBehavior) BehavioralScore(string) (float64, bool) { return f.score, true }

func TestBehavioralBlend(t *testing.T) {
	s := NewStore("", nil)
	s.SetBehavioralScorer(fixedBehavior{score: 0.0})
	s.RecordOutcome("peer-1", completed(0))

	blended := s.GetTrustScore("peer-1")
	s2 := NewStore("", nil)
	s2.RecordOutcome("peer-1", completed(0))
	pure := s2.GetTrustScore("peer-1")

	assert.InDelta(t, 0.7*pure, blended, 1e-9)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reputation.jsonl")

	s := NewStore(path, nil)
	for i := 0; i < 3; i++ {
		s.RecordOutcome("peer-a", completed(100))
	}
	s.RecordOutcome("peer-b", failed())
	require.NoError(t, s.Save())

	fresh := NewStore(path, nil)
	require.NoError(t, fresh.Load())

	assert.Equal(t, s.Len(), fresh.Len())
	for _, id := range []string{"peer-a", "peer-b"} {
		want, _ := s.Get(id)
		got, ok := fresh.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, want, got)
	}
}

func TestLoad_SkipsCorruptLines_LastWriteWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reputation.jsonl")
	content := `{"node_id":"peer-a","tasks_completed":1,"trust_score":0.6}
not json at all
{"missing_node_id":true}
{"node_id":"peer-a","tasks_completed":9,"trust_score":0.9}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := NewStore(path, nil)
	require.NoError(t, s.Load())

	assert.Equal(t, 1, s.Len())
	rec, ok := s.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, int64(9), rec.TasksCompleted)
	assert.Equal(t, 0.9, rec.TrustScore)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.jsonl"), nil)
	assert.NoError(t, s.Load())
	assert.Equal(t, 0, s.Len())
}
