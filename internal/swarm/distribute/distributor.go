// Package distribute picks a peer for each task and sees the delegation
// through: contract, hand-off, the wait for the result, retries, and
// degradation. Distribute never returns an error to the caller; a delegation
// that cannot land anywhere comes back as a failed TaskResult.
package distribute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/contract"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/mesh"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/reputation"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/transport"
)

// Selection strategies.
const (
	StrategyRoundRobin     = "round_robin"
	StrategyParetoWeighted = "pareto_weighted"
	StrategyParetoCrowding = "pareto_crowding"
	StrategySingleSolution = "single_solution"
)

// Config controls delegation behavior.
type Config struct {
	Strategy            string  `json:"strategy"`
	DelegationTimeoutMs int64   `json:"delegation_timeout_ms"`
	MaxRetries          int     `json:"max_retries"`
	EarlyResultWindowMs int64   `json:"early_result_window_ms"`
	DefaultMaxCostUSD   float64 `json:"default_max_cost_usd"`
}

// DefaultConfig returns the standard delegation settings.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyRoundRobin,
		DelegationTimeoutMs: 15_000,
		MaxRetries:          2,
		EarlyResultWindowMs: 500,
		DefaultMaxCostUSD:   1.0,
	}
}

// ActiveDelegation is the public view of one in-flight delegation.
type ActiveDelegation struct {
	TaskID     string    `json:"task_id"`
	PeerNodeID string    `json:"peer_node_id"`
	PeerURL    string    `json:"peer_url"`
	ContractID string    `json:"contract_id,omitempty"`
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
}

type delegation struct {
	ActiveDelegation
	resultCh chan *common.TaskResult
}

// Distributor delegates tasks across the mesh.
type Distributor struct {
	self      common.NodeIdentity
	config    Config
	peers     *mesh.Manager
	rep       *reputation.Store
	contracts *contract.Store
	client    *transport.Client
	journal   *journal.Journal
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*delegation
	// early buffers results that land before their waiter registers.
	early *cache.Cache

	// onDelegated fires after a peer accepts, before the result wait.
	onDelegated func(ActiveDelegation)

	rrIndex int
}

// SetDelegatedFunc wires a callback fired once a peer accepts a task; the
// node uses it to arm monitoring.
func (d *Distributor) SetDelegatedFunc(fn func(ActiveDelegation)) {
	d.onDelegated = fn
}

// New builds a Distributor. contracts and journal may be nil.
func New(self common.NodeIdentity, config Config, peers *mesh.Manager, rep *reputation.Store, contracts *contract.Store, client *transport.Client, jnl *journal.Journal, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	window := time.Duration(config.EarlyResultWindowMs) * time.Millisecond
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &Distributor{
		self:      self,
		config:    config,
		peers:     peers,
		rep:       rep,
		contracts: contracts,
		client:    client,
		journal:   jnl,
		logger:    logger.With("component", "distributor"),
		active:    make(map[string]*delegation),
		early:     cache.New(window, window),
	}
}

func (d *Distributor) emit(event string, fields map[string]any) {
	if d.journal != nil {
		d.journal.Emit(event, fields)
	}
}

// Active returns how many delegations are in flight.
func (d *Distributor) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// ActiveDelegations lists the in-flight delegations.
func (d *Distributor) ActiveDelegations() []ActiveDelegation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActiveDelegation, 0, len(d.active))
	for _, del := range d.active {
		out = append(out, del.ActiveDelegation)
	}
	return out
}

// Distribute delegates one task and blocks until a result, a timeout, or
// retry exhaustion. The returned result is never nil.
func (d *Distributor) Distribute(ctx context.Context, taskText, sessionID string, constraints *common.TaskConstraints, priority int) *common.TaskResult {
	return d.DistributeWithID(ctx, uuid.NewString(), taskText, sessionID, constraints, priority)
}

// DistributeWithID is Distribute with a caller-chosen task id, used by
// fan-out so the aggregator can be armed before any peer reports.
func (d *Distributor) DistributeWithID(ctx context.Context, taskID, taskText, sessionID string, constraints *common.TaskConstraints, priority int) *common.TaskResult {
	ordered := d.rankCandidates(constraints)
	if len(ordered) == 0 {
		return &common.TaskResult{
			TaskID: taskID,
			Status: common.TaskFailed,
			Error:  fmt.Sprintf("[%s] no eligible peers for delegation", common.ErrCodeInsufficientPeers),
		}
	}

	attempts := d.config.MaxRetries + 1
	if attempts > len(ordered) {
		attempts = len(ordered)
	}
	var last *common.TaskResult
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		peer := ordered[attempt]
		if attempt > 0 {
			d.emit(common.EventTaskRetried, map[string]any{
				"task_id": taskID, "attempt": attempt, "peer": peer.peer.Identity.NodeID,
			})
		}
		result := d.delegateTo(ctx, taskID, taskText, sessionID, constraints, priority, &peer.peer)
		d.rep.RecordOutcome(peer.peer.Identity.NodeID, result)
		if result.Status == common.TaskCompleted || result.Status == common.TaskCancelled {
			return result
		}
		last = result
	}
	if last == nil {
		last = &common.TaskResult{
			TaskID: taskID,
			Status: common.TaskFailed,
			Error:  "delegation cancelled before any attempt",
		}
	}
	d.emit(common.EventTaskFailed, map[string]any{"task_id": taskID, "error": last.Error})
	return last
}

// delegateTo runs one attempt against one peer.
func (d *Distributor) delegateTo(ctx context.Context, taskID, taskText, sessionID string, constraints *common.TaskConstraints, priority int, peer *common.PeerEntry) *common.TaskResult {
	peerID := peer.Identity.NodeID
	env := common.TaskEnvelope{
		TaskID:          taskID,
		DelegatorNodeID: d.self.NodeID,
		Task:            taskText,
		SessionID:       sessionID,
		Priority:        priority,
		Constraints:     constraints,
		CorrelationID:   uuid.NewString(),
	}

	var contractID string
	if d.contracts != nil {
		c, err := d.contracts.Create(d.self.NodeID, peerID, taskID,
			d.sloFor(constraints),
			common.PermissionBoundary{ToolAllowlist: toolAllowlist(constraints)},
			common.MonitoringTerms{RequireCheckpoints: true, ReportIntervalMs: 5_000},
		)
		if err != nil {
			d.logger.Warn("contract creation failed", "task_id", taskID, "error", err)
		} else {
			contractID = c.ContractID
			env.Contract = c
		}
	}

	del := &delegation{
		ActiveDelegation: ActiveDelegation{
			TaskID:     taskID,
			PeerNodeID: peerID,
			PeerURL:    peer.Identity.APIURL,
			ContractID: contractID,
			SessionID:  sessionID,
			StartedAt:  time.Now().UTC(),
		},
		resultCh: make(chan *common.TaskResult, 1),
	}
	d.register(del)
	defer d.unregister(taskID)

	accept, res, err := d.client.SendTask(ctx, peer.Identity.APIURL, env)
	if err != nil {
		d.terminateContract(contractID, common.ContractFailed)
		return failedResult(taskID, peerID, fmt.Sprintf("[%s] %v", common.ErrCodePeerUnreachable, err))
	}
	d.peers.RecordCallLatency(peerID, res.LatencyMs)
	if !accept.Accepted {
		d.terminateContract(contractID, common.ContractCancelled)
		return failedResult(taskID, peerID, fmt.Sprintf("peer declined: %s", accept.Reason))
	}

	d.logger.Info("task delegated", "task_id", taskID, "peer", peerID)
	d.emit(common.EventTaskDelegated, map[string]any{
		"task_id": taskID, "peer": peerID, "contract_id": contractID,
	})
	if d.onDelegated != nil {
		d.onDelegated(del.ActiveDelegation)
	}

	// A fast peer may have posted the result before we start waiting.
	if raw, ok := d.early.Get(taskID); ok {
		d.early.Delete(taskID)
		return d.settle(raw.(*common.TaskResult), contractID)
	}

	timeout := time.Duration(d.config.DelegationTimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-del.resultCh:
		return d.settle(result, contractID)
	case <-timer.C:
		d.terminateContract(contractID, common.ContractFailed)
		_, _ = d.client.CancelTask(ctx, peer.Identity.APIURL, taskID, "delegation timeout")
		return &common.TaskResult{
			TaskID:     taskID,
			PeerNodeID: peerID,
			Status:     common.TaskAborted,
			Error:      fmt.Sprintf("[%s] no result within %s", common.ErrCodeTimeout, timeout),
			DurationMs: timeout.Milliseconds(),
		}
	case <-ctx.Done():
		d.terminateContract(contractID, common.ContractCancelled)
		_, _ = d.client.CancelTask(context.Background(), peer.Identity.APIURL, taskID, "delegator shutdown")
		return &common.TaskResult{
			TaskID:     taskID,
			PeerNodeID: peerID,
			Status:     common.TaskCancelled,
			Error:      "delegation cancelled",
		}
	}
}

func (d *Distributor) settle(result *common.TaskResult, contractID string) *common.TaskResult {
	switch result.Status {
	case common.TaskCompleted:
		d.terminateContract(contractID, common.ContractCompleted)
		d.emit(common.EventTaskCompleted, map[string]any{
			"task_id": result.TaskID, "peer": result.PeerNodeID, "cost_usd": result.CostUSD,
		})
	case common.TaskCancelled:
		d.terminateContract(contractID, common.ContractCancelled)
	default:
		d.terminateContract(contractID, common.ContractFailed)
	}
	return result
}

func (d *Distributor) terminateContract(contractID string, status common.ContractStatus) {
	if contractID == "" || d.contracts == nil {
		return
	}
	if err := d.contracts.Terminate(contractID, status); err != nil {
		d.logger.Warn("contract terminate failed", "contract_id", contractID, "error", err)
	}
}

func (d *Distributor) register(del *delegation) {
	d.mu.Lock()
	d.active[del.TaskID] = del
	d.mu.Unlock()
}

func (d *Distributor) unregister(taskID string) {
	d.mu.Lock()
	delete(d.active, taskID)
	d.mu.Unlock()
}

// HandleResult routes an incoming result to its waiter. Results for unknown
// tasks sit in the early buffer for one window in case the waiter is still
// registering.
func (d *Distributor) HandleResult(result common.TaskResult) bool {
	d.mu.Lock()
	del, ok := d.active[result.TaskID]
	d.mu.Unlock()
	if !ok {
		d.early.SetDefault(result.TaskID, &result)
		return false
	}
	select {
	case del.resultCh <- &result:
	default:
		// Waiter already satisfied; duplicate result dropped.
	}
	return true
}

// CancelTask cancels one in-flight delegation on its peer.
func (d *Distributor) CancelTask(ctx context.Context, taskID, reason string) error {
	d.mu.Lock()
	del, ok := d.active[taskID]
	d.mu.Unlock()
	if !ok {
		return common.NewSwarmError(common.ErrCodeUnknownPeer, "no active delegation for task").
			WithContext("task_id", taskID)
	}
	_, err := d.client.CancelTask(ctx, del.PeerURL, taskID, reason)
	d.HandleResult(common.TaskResult{
		TaskID:     taskID,
		PeerNodeID: del.PeerNodeID,
		Status:     common.TaskCancelled,
		Error:      reason,
	})
	d.emit(common.EventTaskCancelled, map[string]any{"task_id": taskID, "reason": reason})
	return err
}

// HandlePeerDegradation aborts waits on a degraded peer so the retry loop
// can re-delegate elsewhere.
func (d *Distributor) HandlePeerDegradation(nodeID string, status common.PeerStatus) {
	d.mu.Lock()
	var hit []*delegation
	for _, del := range d.active {
		if del.PeerNodeID == nodeID {
			hit = append(hit, del)
		}
	}
	d.mu.Unlock()

	for _, del := range hit {
		d.logger.Warn("delegatee degraded mid-task",
			"task_id", del.TaskID, "peer", nodeID, "status", status)
		d.emit(common.EventRedelegateOnDrift, map[string]any{
			"task_id": del.TaskID, "peer": nodeID, "peer_status": string(status),
		})
		select {
		case del.resultCh <- &common.TaskResult{
			TaskID:     del.TaskID,
			PeerNodeID: nodeID,
			Status:     common.TaskFailed,
			Error:      fmt.Sprintf("[%s] delegatee became %s", common.ErrCodePeerUnreachable, status),
		}:
		default:
		}
	}
}

// rankCandidates scores eligible peers and orders them per the configured
// strategy.
func (d *Distributor) rankCandidates(constraints *common.TaskConstraints) []*candidate {
	peers := d.peers.ActivePeers()
	var required []string
	maxCost := d.config.DefaultMaxCostUSD
	if constraints != nil {
		required = constraints.RequiredCapabilities
		if constraints.MaxCostUSD > 0 {
			maxCost = constraints.MaxCostUSD
		}
	}

	var pop []*candidate
	for i := range peers {
		peer := peers[i]
		match := capabilityMatch(&peer, required)
		if len(required) > 0 && match < 1 {
			// Hard requirement: a peer missing capabilities is out.
			continue
		}
		c := &candidate{peer: peer}
		c.objectives[objTrust] = d.rep.GetTrustScore(peer.Identity.NodeID)
		c.objectives[objLatency] = 1 - common.Clamp01(peer.LastLatencyMs/latencyWindowMs)
		c.objectives[objCost] = costScore(d.rep, peer.Identity.NodeID, maxCost)
		c.objectives[objCapability] = match
		pop = append(pop, c)
	}
	if len(pop) == 0 {
		return nil
	}

	switch d.config.Strategy {
	case StrategyParetoWeighted:
		front := nonDominatedSort(pop)[0]
		sortByWeighted(front)
		return front
	case StrategyParetoCrowding:
		front := nonDominatedSort(pop)[0]
		crowdingDistance(front)
		sort.SliceStable(front, func(i, j int) bool {
			if front[i].distance != front[j].distance {
				return front[i].distance > front[j].distance
			}
			return front[i].weightedScore() > front[j].weightedScore()
		})
		return front
	case StrategySingleSolution:
		sortByWeighted(pop)
		return pop[:1]
	default: // round robin
		sort.Slice(pop, func(i, j int) bool {
			return pop[i].peer.Identity.NodeID < pop[j].peer.Identity.NodeID
		})
		d.mu.Lock()
		start := d.rrIndex % len(pop)
		d.rrIndex++
		d.mu.Unlock()
		rotated := make([]*candidate, 0, len(pop))
		rotated = append(rotated, pop[start:]...)
		rotated = append(rotated, pop[:start]...)
		return rotated
	}
}

func sortByWeighted(pop []*candidate) {
	sort.SliceStable(pop, func(i, j int) bool {
		wi, wj := pop[i].weightedScore(), pop[j].weightedScore()
		if wi != wj {
			return wi > wj
		}
		return pop[i].peer.Identity.NodeID < pop[j].peer.Identity.NodeID
	})
}

// costScore maps a peer's average spend into [0,1], cheaper is better. Peers
// with no history count as cheapest so fresh nodes are not penalized.
func costScore(rep *reputation.Store, nodeID string, maxCost float64) float64 {
	avg, ok := rep.AvgCostPerTask(nodeID)
	if !ok {
		return 1
	}
	if maxCost <= 0 {
		// No meaningful ceiling to normalize against.
		return 0.5
	}
	return 1 - common.Clamp01(avg/maxCost)
}

func (d *Distributor) sloFor(constraints *common.TaskConstraints) common.SLO {
	slo := common.SLO{
		MaxDurationMs: d.config.DelegationTimeoutMs,
		MaxTokens:     common.MaxSafeInteger,
		MaxCostUSD:    d.config.DefaultMaxCostUSD,
	}
	if constraints != nil && constraints.MaxCostUSD > 0 {
		slo.MaxCostUSD = constraints.MaxCostUSD
	}
	return slo
}

func toolAllowlist(constraints *common.TaskConstraints) []string {
	if constraints == nil {
		return nil
	}
	return constraints.ToolAllowlist
}

func failedResult(taskID, peerID, msg string) *common.TaskResult {
	return &common.TaskResult{
		TaskID:     taskID,
		PeerNodeID: peerID,
		Status:     common.TaskFailed,
		Error:      msg,
	}
}
