// Package aggregate fans results from parallel delegations back into one
// merged outcome. Findings keep arrival order and carry a [peer] prefix so
// provenance survives the merge.
package aggregate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// maxPendingAggregations bounds concurrent fan-ins.
const maxPendingAggregations = 1000

// Outcome is the merged result of one aggregation.
type Outcome struct {
	AggregationID string              `json:"aggregation_id"`
	Partial       bool                `json:"partial"`
	Missing       []string            `json:"missing,omitempty"` // task ids never delivered
	Findings      []common.Finding    `json:"findings"`
	Results       []common.TaskResult `json:"results"`
	TokensUsed    int64               `json:"tokens_used"`
	CostUSD       float64             `json:"cost_usd"`
	DurationMs    int64               `json:"duration_ms"`
	Err           error               `json:"-"`
}

type aggregation struct {
	id       string
	expected map[string]struct{} // task ids still outstanding
	results  []common.TaskResult // arrival order
	out      chan *Outcome
	timer    *time.Timer
}

// Aggregator routes incoming task results to their pending aggregation.
type Aggregator struct {
	mu      sync.Mutex
	pending map[string]*aggregation
	byTask  map[string]string // task id → aggregation id
	journal *journal.Journal
	logger  *slog.Logger
}

// New builds an Aggregator. journal may be nil.
func New(jnl *journal.Journal, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		pending: make(map[string]*aggregation),
		byTask:  make(map[string]string),
		journal: jnl,
		logger:  logger.With("component", "aggregator"),
	}
}

// Begin opens an aggregation over the given task ids. The returned channel
// delivers exactly one Outcome: when every task reports, or at the timeout
// with whatever arrived (Partial), or a TIMEOUT error when nothing did.
func (a *Aggregator) Begin(aggregationID string, taskIDs []string, timeout time.Duration) (<-chan *Outcome, error) {
	if aggregationID == "" || len(taskIDs) == 0 {
		return nil, common.ErrValidation("aggregation needs an id and at least one task")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) >= maxPendingAggregations {
		return nil, common.ErrCapacityExceeded("aggregations", maxPendingAggregations)
	}
	if _, dup := a.pending[aggregationID]; dup {
		return nil, common.ErrValidation(fmt.Sprintf("aggregation %s already open", aggregationID))
	}

	agg := &aggregation{
		id:       aggregationID,
		expected: make(map[string]struct{}, len(taskIDs)),
		out:      make(chan *Outcome, 1),
	}
	for _, id := range taskIDs {
		if _, claimed := a.byTask[id]; claimed {
			return nil, common.ErrValidation(fmt.Sprintf("task %s already aggregating", id))
		}
	}
	for _, id := range taskIDs {
		agg.expected[id] = struct{}{}
		a.byTask[id] = aggregationID
	}
	agg.timer = time.AfterFunc(timeout, func() { a.expire(aggregationID) })
	a.pending[aggregationID] = agg
	return agg.out, nil
}

// Deliver routes one task result to its aggregation. Returns false when no
// aggregation is waiting on the task.
func (a *Aggregator) Deliver(result common.TaskResult) bool {
	a.mu.Lock()
	aggID, ok := a.byTask[result.TaskID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	agg := a.pending[aggID]
	if _, waiting := agg.expected[result.TaskID]; !waiting {
		a.mu.Unlock()
		return false
	}
	delete(agg.expected, result.TaskID)
	delete(a.byTask, result.TaskID)
	agg.results = append(agg.results, result)
	complete := len(agg.expected) == 0
	if complete {
		agg.timer.Stop()
		delete(a.pending, aggID)
	}
	a.mu.Unlock()

	if complete {
		a.finish(agg, false)
	}
	return true
}

// expire fires the timeout path for one aggregation.
func (a *Aggregator) expire(aggregationID string) {
	a.mu.Lock()
	agg, ok := a.pending[aggregationID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.pending, aggregationID)
	for id := range agg.expected {
		delete(a.byTask, id)
	}
	a.mu.Unlock()

	if len(agg.results) == 0 {
		agg.out <- &Outcome{
			AggregationID: aggregationID,
			Partial:       true,
			Missing:       missingOf(agg),
			Err:           common.ErrTimeout("aggregation", aggregationID),
		}
		close(agg.out)
		return
	}
	a.finish(agg, true)
}

func missingOf(agg *aggregation) []string {
	out := make([]string, 0, len(agg.expected))
	for id := range agg.expected {
		out = append(out, id)
	}
	return out
}

// finish merges results in arrival order and emits the outcome.
func (a *Aggregator) finish(agg *aggregation, partial bool) {
	outcome := &Outcome{
		AggregationID: agg.id,
		Partial:       partial,
		Missing:       missingOf(agg),
		Results:       agg.results,
	}
	for _, r := range agg.results {
		for _, f := range r.Findings {
			f.StepTitle = fmt.Sprintf("[%s] %s", r.PeerNodeID, f.StepTitle)
			outcome.Findings = append(outcome.Findings, f)
		}
		outcome.TokensUsed += r.TokensUsed
		outcome.CostUSD += r.CostUSD
		if r.DurationMs > outcome.DurationMs {
			// Parallel fan-out: wall time is the slowest branch.
			outcome.DurationMs = r.DurationMs
		}
	}
	a.logger.Info("aggregation complete",
		"aggregation_id", agg.id, "results", len(agg.results), "partial", partial)
	if a.journal != nil {
		a.journal.Emit(common.EventAggregationComplete, map[string]any{
			"aggregation_id": agg.id, "results": len(agg.results), "partial": partial,
		})
	}
	agg.out <- outcome
	close(agg.out)
}

// Pending returns how many aggregations are open.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// CancelAll rejects every open aggregation. Results that already arrived
// ride along on the outcome for inspection, but the Err marks the
// aggregation as failed rather than partially resolved.
func (a *Aggregator) CancelAll() {
	a.mu.Lock()
	open := make([]*aggregation, 0, len(a.pending))
	for id, agg := range a.pending {
		agg.timer.Stop()
		open = append(open, agg)
		delete(a.pending, id)
		for taskID := range agg.expected {
			delete(a.byTask, taskID)
		}
	}
	a.mu.Unlock()

	for _, agg := range open {
		agg.out <- &Outcome{
			AggregationID: agg.id,
			Partial:       true,
			Missing:       missingOf(agg),
			Results:       agg.results,
			Err: common.NewSwarmError(common.ErrCodeCancelled, "aggregation cancelled").
				WithContext("aggregation_id", agg.id),
		}
		close(agg.out)
	}
}
