package distribute

import (
	"math"
	"sort"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// Objective indices. All objectives are maximized in [0,1].
const (
	objTrust = iota
	objLatency
	objCost
	objCapability
	numObjectives
)

// Weighted tie-break coefficients.
var objectiveWeights = [numObjectives]float64{
	objTrust:      0.40,
	objLatency:    0.25,
	objCost:       0.15,
	objCapability: 0.20,
}

// latencyWindowMs normalizes round-trip latency; at or beyond scores 0.
const latencyWindowMs = 10_000

// candidate is one peer scored for a delegation.
type candidate struct {
	peer       common.PeerEntry
	objectives [numObjectives]float64
	rank       int
	distance   float64
}

func (c *candidate) weightedScore() float64 {
	s := 0.0
	for i, w := range objectiveWeights {
		s += w * c.objectives[i]
	}
	return s
}

// dominates reports Pareto dominance: no objective worse, at least one
// strictly better.
func dominates(a, b *candidate) bool {
	better := false
	for i := 0; i < numObjectives; i++ {
		if a.objectives[i] < b.objectives[i] {
			return false
		}
		if a.objectives[i] > b.objectives[i] {
			better = true
		}
	}
	return better
}

// nonDominatedSort buckets candidates into Pareto fronts, best first.
func nonDominatedSort(pop []*candidate) [][]*candidate {
	if len(pop) == 0 {
		return nil
	}
	dominationCount := make(map[*candidate]int, len(pop))
	dominatedSet := make(map[*candidate][]*candidate, len(pop))

	var fronts [][]*candidate
	var current []*candidate
	for _, p := range pop {
		for _, q := range pop {
			if p == q {
				continue
			}
			if dominates(p, q) {
				dominatedSet[p] = append(dominatedSet[p], q)
			} else if dominates(q, p) {
				dominationCount[p]++
			}
		}
		if dominationCount[p] == 0 {
			p.rank = 0
			current = append(current, p)
		}
	}
	fronts = append(fronts, current)

	for i := 0; len(fronts[i]) > 0; {
		var next []*candidate
		for _, p := range fronts[i] {
			for _, q := range dominatedSet[p] {
				dominationCount[q]--
				if dominationCount[q] == 0 {
					q.rank = i + 1
					next = append(next, q)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		fronts = append(fronts, next)
		i++
	}
	return fronts
}

// crowdingDistance assigns per-candidate crowding within one front. Boundary
// candidates get +Inf so the extremes of the front always survive.
func crowdingDistance(front []*candidate) {
	if len(front) == 0 {
		return
	}
	for _, c := range front {
		c.distance = 0
	}
	for m := 0; m < numObjectives; m++ {
		sort.Slice(front, func(i, j int) bool {
			return front[i].objectives[m] < front[j].objectives[m]
		})
		front[0].distance = math.Inf(1)
		front[len(front)-1].distance = math.Inf(1)
		objRange := front[len(front)-1].objectives[m] - front[0].objectives[m]
		if objRange == 0 {
			continue
		}
		for i := 1; i < len(front)-1; i++ {
			front[i].distance += (front[i+1].objectives[m] - front[i-1].objectives[m]) / objRange
		}
	}
}

// capabilityMatch scores how much of the required capability set the peer
// covers. No requirements means a full match.
func capabilityMatch(peer *common.PeerEntry, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	matched := 0
	for _, cap := range required {
		if peer.Identity.HasCapability(cap) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}
