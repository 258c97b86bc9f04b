// Package route decides whether a task belongs with an autonomous peer, a
// human reviewer, or either. The rules run top down; the first match wins.
package route

import (
	"log/slog"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// Delegatee targets.
const (
	TargetAI    = "ai"
	TargetHuman = "human"
	TargetAny   = "any"
)

// Attribute levels used by the routing rules.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// TaskProfile describes the routing-relevant properties of a task.
type TaskProfile struct {
	Criticality    string `json:"criticality,omitempty"`
	Reversibility  string `json:"reversibility,omitempty"`
	Verifiability  string `json:"verifiability,omitempty"`
	ExplicitTarget string `json:"explicit_target,omitempty"`
}

// Decision is a routing verdict.
type Decision struct {
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Router applies the delegatee rule table.
type Router struct {
	journal *journal.Journal
	logger  *slog.Logger
}

// New builds a Router. journal may be nil.
func New(jnl *journal.Journal, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{journal: jnl, logger: logger.With("component", "router")}
}

// Route classifies one task.
func (r *Router) Route(taskID string, profile TaskProfile) Decision {
	d := decide(profile)
	r.logger.Info("delegatee routed",
		"task_id", taskID, "target", d.Target, "confidence", d.Confidence)
	if r.journal != nil {
		r.journal.Emit(common.EventDelegateeRouted, map[string]any{
			"task_id": taskID, "target": d.Target,
			"confidence": d.Confidence, "rationale": d.Rationale,
		})
		if d.Target == TargetHuman {
			r.journal.Emit(common.EventHumanDelegationNeeded, map[string]any{
				"task_id": taskID, "rationale": d.Rationale,
			})
		}
	}
	return d
}

func decide(p TaskProfile) Decision {
	switch {
	case p.ExplicitTarget != "":
		return Decision{Target: p.ExplicitTarget, Confidence: 1.0,
			Rationale: "explicit target requested"}
	case p.Criticality == LevelHigh && p.Reversibility == LevelLow:
		return Decision{Target: TargetHuman, Confidence: 0.9,
			Rationale: "high criticality with low reversibility"}
	case p.Verifiability == LevelLow:
		return Decision{Target: TargetHuman, Confidence: 0.8,
			Rationale: "outcome hard to verify"}
	case p.Verifiability == LevelHigh && p.Criticality == LevelLow:
		return Decision{Target: TargetAI, Confidence: 0.9,
			Rationale: "verifiable and low stakes"}
	default:
		return Decision{Target: TargetAny, Confidence: 0.6,
			Rationale: "no decisive attribute"}
	}
}
