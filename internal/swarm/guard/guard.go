// Package guard watches peer-to-peer feedback for manipulation: sabotage
// (one peer tanking another's reputation), review bombing, and collusion
// rings. Confirmed manipulation discounts the offending feedback edge in the
// behavioral score that blends into trust.
package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

const (
	maxFeedback      = 10_000
	maxReports       = 1_000
	maxDiscountPairs = 5_000

	// A single source supplying more than 80% of a peer's negatives, with at
	// least this many negatives on record, reads as sabotage.
	sabotageShare       = 0.8
	sabotageMinNegative = 5

	// Five negatives from one source inside a minute is review bombing.
	bombingCount  = 5
	bombingWindow = time.Minute

	// Mutual praise: both directions ≥ this many entries, ≥90% positive.
	collusionMinEach       = 5
	collusionPositiveShare = 0.9

	// Discounted edges contribute at this weight.
	discountWeight = 0.2
)

// Feedback is one peer's judgement of another's work.
type Feedback struct {
	FromNodeID  string    `json:"from_node_id"`
	AboutNodeID string    `json:"about_node_id"`
	Score       float64   `json:"score"` // [0,1]
	Comment     string    `json:"comment,omitempty"`
	At          time.Time `json:"at"`
}

func (f *Feedback) negative() bool { return f.Score < 0.5 }
func (f *Feedback) positive() bool { return f.Score >= 0.5 }

// Report flags one detected manipulation pattern.
type Report struct {
	Kind        string    `json:"kind"` // "sabotage" | "review_bombing" | "collusion"
	FromNodeID  string    `json:"from_node_id"`
	AboutNodeID string    `json:"about_node_id"`
	Detail      string    `json:"detail"`
	At          time.Time `json:"at"`
}

// Guard is the feedback manipulation detector. It implements the behavioral
// scorer consumed by the reputation store.
type Guard struct {
	mu        sync.Mutex
	feedback  []Feedback
	reports   []Report
	discounts map[string]struct{} // "from|about"

	journal *journal.Journal
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Guard. journal may be nil.
func New(jnl *journal.Journal, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		discounts: make(map[string]struct{}),
		journal:   jnl,
		logger:    logger.With("component", "guard"),
		now:       time.Now,
	}
}

func pairKey(from, about string) string { return from + "|" + about }

// AddFeedback folds one feedback entry in and re-runs detection for the
// affected peer. Oldest entries fall off past the buffer bound.
func (g *Guard) AddFeedback(fb Feedback) {
	if fb.FromNodeID == "" || fb.AboutNodeID == "" || fb.FromNodeID == fb.AboutNodeID {
		return
	}
	fb.Score = common.Clamp01(fb.Score)
	if fb.At.IsZero() {
		fb.At = g.now().UTC()
	}

	g.mu.Lock()
	g.feedback = append(g.feedback, fb)
	if len(g.feedback) > maxFeedback {
		g.feedback = g.feedback[len(g.feedback)-maxFeedback:]
	}
	g.detectSabotage(fb.AboutNodeID)
	g.detectBombing(fb.FromNodeID, fb.AboutNodeID)
	g.detectCollusion(fb.FromNodeID, fb.AboutNodeID)
	g.mu.Unlock()
}

// detectSabotage flags a single source dominating a peer's negatives.
// Caller holds the lock.
func (g *Guard) detectSabotage(about string) {
	negBySource := make(map[string]int)
	totalNeg := 0
	for i := range g.feedback {
		fb := &g.feedback[i]
		if fb.AboutNodeID == about && fb.negative() {
			negBySource[fb.FromNodeID]++
			totalNeg++
		}
	}
	if totalNeg < sabotageMinNegative {
		return
	}
	for source, n := range negBySource {
		if float64(n)/float64(totalNeg) > sabotageShare {
			g.flag(Report{
				Kind: "sabotage", FromNodeID: source, AboutNodeID: about,
				Detail: "single source dominates negative feedback",
			}, common.EventSabotageDetected)
		}
	}
}

// detectBombing flags a burst of negatives from one source. Caller holds the
// lock.
func (g *Guard) detectBombing(from, about string) {
	cutoff := g.now().UTC().Add(-bombingWindow)
	n := 0
	for i := range g.feedback {
		fb := &g.feedback[i]
		if fb.FromNodeID == from && fb.AboutNodeID == about && fb.negative() && fb.At.After(cutoff) {
			n++
		}
	}
	if n >= bombingCount {
		g.flag(Report{
			Kind: "review_bombing", FromNodeID: from, AboutNodeID: about,
			Detail: "burst of negative feedback inside the window",
		}, common.EventSabotageDetected)
	}
}

// detectCollusion cross-references mutual praise between two peers. Caller
// holds the lock.
func (g *Guard) detectCollusion(a, b string) {
	fwdTotal, fwdPos, revTotal, revPos := 0, 0, 0, 0
	for i := range g.feedback {
		fb := &g.feedback[i]
		switch {
		case fb.FromNodeID == a && fb.AboutNodeID == b:
			fwdTotal++
			if fb.positive() {
				fwdPos++
			}
		case fb.FromNodeID == b && fb.AboutNodeID == a:
			revTotal++
			if fb.positive() {
				revPos++
			}
		}
	}
	if fwdTotal < collusionMinEach || revTotal < collusionMinEach {
		return
	}
	if float64(fwdPos)/float64(fwdTotal) >= collusionPositiveShare &&
		float64(revPos)/float64(revTotal) >= collusionPositiveShare {
		g.flag(Report{
			Kind: "collusion", FromNodeID: a, AboutNodeID: b,
			Detail: "mutual praise ring",
		}, common.EventCollusionDetected)
		g.discount(b, a)
	}
}

// flag records a report once per (kind, from, about) and discounts the edge.
// Caller holds the lock.
func (g *Guard) flag(r Report, event string) {
	for i := range g.reports {
		existing := &g.reports[i]
		if existing.Kind == r.Kind && existing.FromNodeID == r.FromNodeID && existing.AboutNodeID == r.AboutNodeID {
			return
		}
	}
	r.At = g.now().UTC()
	g.reports = append(g.reports, r)
	if len(g.reports) > maxReports {
		g.reports = g.reports[len(g.reports)-maxReports:]
	}
	g.discount(r.FromNodeID, r.AboutNodeID)

	g.logger.Warn("feedback manipulation detected",
		"kind", r.Kind, "from", r.FromNodeID, "about", r.AboutNodeID)
	if g.journal != nil {
		g.journal.Emit(event, map[string]any{
			"kind": r.Kind, "from": r.FromNodeID, "about": r.AboutNodeID, "detail": r.Detail,
		})
	}
}

// discount marks one feedback edge as suspect. Caller holds the lock.
func (g *Guard) discount(from, about string) {
	if len(g.discounts) >= maxDiscountPairs {
		return
	}
	g.discounts[pairKey(from, about)] = struct{}{}
}

// Discounted reports whether the from→about edge is suspect.
func (g *Guard) Discounted(from, about string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.discounts[pairKey(from, about)]
	return ok
}

// Reports returns a copy of the report log.
func (g *Guard) Reports() []Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Report(nil), g.reports...)
}

// BehavioralScore aggregates feedback about a peer, with discounted edges
// contributing at reduced weight. Satisfies reputation.BehavioralScorer.
func (g *Guard) BehavioralScore(nodeID string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var sum, weight float64
	for i := range g.feedback {
		fb := &g.feedback[i]
		if fb.AboutNodeID != nodeID {
			continue
		}
		w := 1.0
		if _, suspect := g.discounts[pairKey(fb.FromNodeID, fb.AboutNodeID)]; suspect {
			w = discountWeight
		}
		sum += fb.Score * w
		weight += w
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}
