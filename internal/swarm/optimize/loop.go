// Package optimize re-evaluates in-flight delegations: when a materially
// better peer shows up, the task moves; when the delegatee goes quiet, it
// escalates; otherwise it stays put. Redelegation is damped so a task never
// thrashes between peers.
package optimize

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// maxTrackedTasks bounds the state table; least-recently-evaluated entries
// fall off first.
const maxTrackedTasks = 10_000

// Config controls the evaluation loop.
type Config struct {
	EvalIntervalMs  int64   `json:"eval_interval_ms"`
	DriftThreshold  float64 `json:"drift_threshold"`
	OverheadFactor  float64 `json:"overhead_factor"`
	MinRedelegateMs int64   `json:"min_redelegate_ms"`
	MaxMissed       int     `json:"max_missed_checkpoints"`
}

// DefaultConfig returns the standard optimization settings.
func DefaultConfig() Config {
	return Config{
		EvalIntervalMs:  5_000,
		DriftThreshold:  0.3,
		OverheadFactor:  0.2,
		MinRedelegateMs: 60_000,
		MaxMissed:       3,
	}
}

// Actions are the verdicts the loop can reach for a task.
const (
	ActionKeep       = "keep"
	ActionRedelegate = "redelegate"
	ActionEscalate   = "escalate"
)

// Decision is the outcome of evaluating one tracked task.
type Decision struct {
	TaskID     string  `json:"task_id"`
	PeerNodeID string  `json:"peer_node_id"`
	Action     string  `json:"action"`
	Drift      float64 `json:"drift"`
	BestPeer   string  `json:"best_peer,omitempty"`
	Reason     string  `json:"reason"`
}

type taskState struct {
	taskID    string
	peerID    string
	startedAt time.Time
	missed    int
	elem      *list.Element
}

// Scorer supplies current peer quality. Implemented by the node on top of
// the distributor's candidate scoring.
type Scorer interface {
	PeerScore(nodeID string) float64
	BestPeer(excludeNodeID string) (nodeID string, score float64, ok bool)
}

// Loop is the optimization engine.
type Loop struct {
	config  Config
	scorer  Scorer
	journal *journal.Journal
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*taskState
	lru    *list.List // front = most recently touched

	onRedelegate func(taskID, fromPeer, toPeer string)
	onEscalate   func(taskID, peerID string)

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Loop. journal may be nil.
func New(config Config, scorer Scorer, jnl *journal.Journal, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		config:  config,
		scorer:  scorer,
		journal: jnl,
		logger:  logger.With("component", "optimizer"),
		states:  make(map[string]*taskState),
		lru:     list.New(),
		now:     time.Now,
	}
}

// SetRedelegateFunc wires the redelegation callback.
func (l *Loop) SetRedelegateFunc(fn func(taskID, fromPeer, toPeer string)) {
	l.onRedelegate = fn
}

// SetEscalateFunc wires the escalation callback.
func (l *Loop) SetEscalateFunc(fn func(taskID, peerID string)) {
	l.onEscalate = fn
}

// Track starts watching a delegation.
func (l *Loop) Track(taskID, peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[taskID]; ok {
		st.peerID = peerID
		st.missed = 0
		l.lru.MoveToFront(st.elem)
		return
	}
	for len(l.states) >= maxTrackedTasks {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		evict := oldest.Value.(*taskState)
		l.lru.Remove(oldest)
		delete(l.states, evict.taskID)
	}
	st := &taskState{taskID: taskID, peerID: peerID, startedAt: l.now().UTC()}
	st.elem = l.lru.PushFront(st)
	l.states[taskID] = st
}

// Untrack drops a finished delegation.
func (l *Loop) Untrack(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[taskID]; ok {
		l.lru.Remove(st.elem)
		delete(l.states, taskID)
	}
}

// RecordMissed folds the monitor's missed-checkpoint count in.
func (l *Loop) RecordMissed(taskID string, missed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[taskID]; ok {
		st.missed = missed
	}
}

// Tracked returns the number of watched delegations.
func (l *Loop) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

// EvaluateOnce grades every tracked delegation and fires callbacks for
// redelegations and escalations. Decided tasks leave the table.
func (l *Loop) EvaluateOnce() []Decision {
	l.mu.Lock()
	snapshot := make([]*taskState, 0, len(l.states))
	for _, st := range l.states {
		snapshot = append(snapshot, st)
		l.lru.MoveToFront(st.elem)
	}
	l.mu.Unlock()

	var decisions []Decision
	for _, st := range snapshot {
		d := l.evaluate(st)
		decisions = append(decisions, d)
		// Every evaluation is journaled, kept tasks included, so observers
		// can watch drift build up below the threshold.
		l.emit(common.EventReoptimizationTrigger, map[string]any{
			"task_id": st.taskID, "peer": st.peerID, "drift": d.Drift,
			"action": d.Action, "reason": d.Reason,
		})
		switch d.Action {
		case ActionEscalate:
			l.Untrack(st.taskID)
			l.emit(common.EventEscalation, map[string]any{
				"task_id": st.taskID, "peer": st.peerID, "missed": st.missed,
			})
			if l.onEscalate != nil {
				l.onEscalate(st.taskID, st.peerID)
			}
		case ActionRedelegate:
			l.Untrack(st.taskID)
			l.emit(common.EventRedelegateOnDrift, map[string]any{
				"task_id": st.taskID, "from": st.peerID, "to": d.BestPeer,
			})
			if l.onRedelegate != nil {
				l.onRedelegate(st.taskID, st.peerID, d.BestPeer)
			}
		}
	}
	return decisions
}

func (l *Loop) evaluate(st *taskState) Decision {
	d := Decision{TaskID: st.taskID, PeerNodeID: st.peerID, Action: ActionKeep}

	if st.missed >= l.config.MaxMissed {
		d.Action = ActionEscalate
		d.Reason = "delegatee unresponsive"
		return d
	}
	if l.scorer == nil {
		d.Reason = "no scorer wired"
		return d
	}

	current := l.scorer.PeerScore(st.peerID)
	bestPeer, bestScore, ok := l.scorer.BestPeer(st.peerID)
	if !ok {
		d.Reason = "no alternative peers"
		return d
	}
	d.BestPeer = bestPeer
	// Switching has a cost; the overhead factor discounts the apparent gain.
	d.Drift = (bestScore - current) * (1 - l.config.OverheadFactor)
	if d.Drift <= l.config.DriftThreshold {
		d.BestPeer = ""
		d.Reason = "drift within tolerance"
		return d
	}

	age := l.now().UTC().Sub(st.startedAt).Milliseconds()
	if age < l.config.MinRedelegateMs {
		d.Reason = "anti-thrashing window"
		return d
	}
	d.Action = ActionRedelegate
	d.Reason = "better peer available"
	return d
}

func (l *Loop) emit(event string, fields map[string]any) {
	if l.journal != nil {
		l.journal.Emit(event, fields)
	}
}

// Start runs the evaluation ticker until the context ends.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(time.Duration(l.config.EvalIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvaluateOnce()
			}
		}
	}()
}

// Stop halts the ticker.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}
