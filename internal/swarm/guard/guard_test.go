package guard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== Feedback Guard Tests ==========

func fb(from, about string, score float64) Feedback {
	return Feedback{FromNodeID: from, AboutNodeID: about, Score: score}
}

func TestSabotage_SingleSourceDominatingNegatives(t *testing.T) {
	g := New(nil, nil)
	// node-x files every negative about node-victim.
	for i := 0; i < 6; i++ {
		g.AddFeedback(fb("node-x", "node-victim", 0.1))
	}

	reports := g.Reports()
	require.NotEmpty(t, reports)
	var kinds []string
	for _, r := range reports {
		kinds = append(kinds, r.Kind)
	}
	assert.Contains(t, kinds, "sabotage")
	assert.True(t, g.Discounted("node-x", "node-victim"))
}

func TestSabotage_NotFlaggedWhenNegativesSpread(t *testing.T) {
	g := New(nil, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Spread negatives over sources and time so neither sabotage nor
	// bombing trips.
	for i := 0; i < 8; i++ {
		g.AddFeedback(Feedback{
			FromNodeID:  fmt.Sprintf("node-%d", i%4),
			AboutNodeID: "node-victim",
			Score:       0.2,
			At:          now.Add(time.Duration(i) * 10 * time.Minute),
		})
	}
	for _, r := range g.Reports() {
		assert.NotEqual(t, "sabotage", r.Kind)
	}
}

func TestReviewBombing_BurstInsideWindow(t *testing.T) {
	g := New(nil, nil)
	for i := 0; i < 5; i++ {
		g.AddFeedback(fb("node-x", "node-victim", 0.3))
	}

	var found bool
	for _, r := range g.Reports() {
		if r.Kind == "review_bombing" {
			found = true
			assert.Equal(t, "node-x", r.FromNodeID)
		}
	}
	assert.True(t, found)
}

func TestReviewBombing_SlowDripDoesNotTrip(t *testing.T) {
	g := New(nil, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		g.AddFeedback(Feedback{
			FromNodeID: "node-x", AboutNodeID: "node-victim",
			Score: 0.3, At: now.Add(time.Duration(i) * 5 * time.Minute),
		})
	}
	for _, r := range g.Reports() {
		assert.NotEqual(t, "review_bombing", r.Kind)
	}
}

func TestCollusion_MutualPraiseRing(t *testing.T) {
	g := New(nil, nil)
	for i := 0; i < 5; i++ {
		g.AddFeedback(fb("node-a", "node-b", 0.95))
		g.AddFeedback(fb("node-b", "node-a", 0.95))
	}

	var found bool
	for _, r := range g.Reports() {
		if r.Kind == "collusion" {
			found = true
		}
	}
	assert.True(t, found)
	assert.True(t, g.Discounted("node-a", "node-b"))
	assert.True(t, g.Discounted("node-b", "node-a"))
}

func TestCollusion_OneWayPraiseIsFine(t *testing.T) {
	g := New(nil, nil)
	for i := 0; i < 10; i++ {
		g.AddFeedback(fb("node-a", "node-b", 0.95))
	}
	for _, r := range g.Reports() {
		assert.NotEqual(t, "collusion", r.Kind)
	}
}

func TestBehavioralScore_DiscountsSuspectEdges(t *testing.T) {
	g := New(nil, nil)
	// Honest mixed feedback.
	g.AddFeedback(fb("node-1", "node-victim", 0.9))
	g.AddFeedback(fb("node-2", "node-victim", 0.8))
	clean, ok := g.BehavioralScore("node-victim")
	require.True(t, ok)
	assert.InDelta(t, 0.85, clean, 1e-9)

	// A saboteur piles on; once flagged, its edge carries 0.2 weight.
	for i := 0; i < 6; i++ {
		g.AddFeedback(fb("node-x", "node-victim", 0.0))
	}
	require.True(t, g.Discounted("node-x", "node-victim"))

	after, ok := g.BehavioralScore("node-victim")
	require.True(t, ok)
	// (0.9 + 0.8 + 6*0*0.2) / (2 + 6*0.2)
	assert.InDelta(t, 1.7/3.2, after, 1e-9)
	assert.Greater(t, after, 0.5, "discounting keeps the victim above neutral")
}

func TestBehavioralScore_UnknownPeer(t *testing.T) {
	g := New(nil, nil)
	_, ok := g.BehavioralScore("nobody")
	assert.False(t, ok)
}

func TestFeedbackBufferBounded(t *testing.T) {
	g := New(nil, nil)
	for i := 0; i < maxFeedback+50; i++ {
		g.AddFeedback(Feedback{
			FromNodeID:  fmt.Sprintf("node-%d", i),
			AboutNodeID: "node-other",
			Score:       0.9,
			At:          time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Len(t, g.feedback, maxFeedback)
}

func TestDuplicateReportsCollapse(t *testing.T) {
	g := New(nil, nil)
	for i := 0; i < 20; i++ {
		g.AddFeedback(fb("node-x", "node-victim", 0.1))
	}
	counts := map[string]int{}
	for _, r := range g.Reports() {
		counts[r.Kind]++
	}
	assert.LessOrEqual(t, counts["sabotage"], 1)
	assert.LessOrEqual(t, counts["review_bombing"], 1)
}
