package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/aggregate"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/contract"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/discovery"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/distribute"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/guard"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/mesh"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/monitor"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/optimize"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/reputation"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/route"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/security"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/transport"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/trigger"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/verify"
)

// maxLocalTasks bounds concurrently executing incoming delegations.
const maxLocalTasks = 10_000

// Executor runs one delegated task on this node. The swarm layer treats
// execution as opaque: it hands over the envelope and takes back a result.
type Executor func(ctx context.Context, env common.TaskEnvelope) (*common.TaskResult, error)

// delegRecord remembers what was asked so a task can be re-delegated.
type delegRecord struct {
	task        string
	sessionID   string
	constraints *common.TaskConstraints
	priority    int
}

// localTask is an incoming delegation executing on this node.
type localTask struct {
	env          common.TaskEnvelope
	status       common.TaskStatus
	progress     float64
	lastActivity time.Time
	cancel       context.CancelFunc
}

// Node is one swarm participant.
type Node struct {
	config   Config
	identity common.NodeIdentity
	privKey  ed25519.PrivateKey
	logger   *slog.Logger

	journal   *journal.Journal
	natsConn  *nats.Conn
	server    *transport.Server
	client    *transport.Client
	peers     *mesh.Manager
	disc      *discovery.Discovery
	rep       *reputation.Store
	contracts *contract.Store
	agg       *aggregate.Aggregator
	mon       *monitor.Monitor
	opt       *optimize.Loop
	dist      *distribute.Distributor
	router    *route.Router
	verifier  *verify.Verifier
	guard     *guard.Guard
	tokens    *security.TokenManager
	triggers  *trigger.Handler

	mu          sync.Mutex
	executor    Executor
	delegations map[string]delegRecord
	localTasks  map[string]*localTask

	startedAt time.Time
	cancel    context.CancelFunc
}

// NewNode builds a fully wired node. Nothing runs until Start.
func NewNode(config Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Secret == "" {
		return nil, common.ErrValidation("swarm secret is required")
	}
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	identity := common.NodeIdentity{
		NodeID:       uuid.NewString(),
		Name:         config.NodeName,
		APIURL:       config.AdvertiseURL,
		Capabilities: config.Capabilities,
		Version:      config.Version,
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
	}

	var jnlOpts []journal.Option
	var nc *nats.Conn
	if config.NATSUrl != "" {
		nc, err = nats.Connect(config.NATSUrl, nats.Name("swarm-"+config.NodeName))
		if err != nil {
			logger.Warn("nats unavailable, journal stays local", "url", config.NATSUrl, "error", err)
		} else {
			jnlOpts = append(jnlOpts, journal.WithNATS(nc, "swarm.events."+identity.NodeID))
		}
	}
	jnl, err := journal.New(config.journalPath(), logger, jnlOpts...)
	if err != nil {
		return nil, err
	}

	secret := []byte(config.Secret)
	client := transport.NewClient(10*time.Second, logger)
	contracts, err := contract.Open(config.contractsPath(), logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:      config,
		identity:    identity,
		privKey:     priv,
		logger:      logger.With("component", "swarm", "node_id", identity.NodeID),
		journal:     jnl,
		natsConn:    nc,
		client:      client,
		contracts:   contracts,
		rep:         reputation.NewStore(config.reputationPath(), logger),
		agg:         aggregate.New(jnl, logger),
		router:      route.New(jnl, logger),
		verifier:    verify.New(secret, logger),
		guard:       guard.New(jnl, logger),
		tokens:      security.NewTokenManager(secret, config.Tokens, logger),
		triggers:    trigger.New(config.Trigger, jnl, logger),
		delegations: make(map[string]delegRecord),
		localTasks:  make(map[string]*localTask),
	}

	n.peers = mesh.NewManager(identity, config.Mesh, client, jnl, logger)
	n.disc = discovery.New(identity, config.Discovery, client, n.onPeerDiscovered, logger)
	n.mon = monitor.New(config.Monitor, client, jnl, logger)
	n.opt = optimize.New(config.Optimize, &nodeScorer{node: n}, jnl, logger)
	n.dist = distribute.New(identity, config.Distribute, n.peers, n.rep, contracts, client, jnl, logger)
	n.server = transport.NewServer(identity, transport.ServerConfig{
		ListenAddr: config.ListenAddr,
		Enabled:    config.Enabled,
	}, n.handlers(), jnl, logger)

	n.wire()
	return n, nil
}

// wire connects the cross-component callbacks.
func (n *Node) wire() {
	n.rep.SetBehavioralScorer(n.guard)

	n.peers.SetPeerDegradedFunc(n.dist.HandlePeerDegradation)
	n.peers.SetGossipReplyFunc(func(summaries []common.PeerSummary) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.disc.IngestGossip(ctx, summaries)
	})
	n.peers.SetLoadFunc(func() mesh.LoadSnapshot {
		n.mu.Lock()
		running := len(n.localTasks)
		n.mu.Unlock()
		return mesh.LoadSnapshot{
			ActiveSessions: running,
			Load:           common.Clamp01(float64(running) / float64(maxLocalTasks)),
		}
	})

	n.dist.SetDelegatedFunc(func(del distribute.ActiveDelegation) {
		n.opt.Track(del.TaskID, del.PeerNodeID)
		n.mon.Watch(del.TaskID, del.PeerURL)
	})

	n.mon.SetEscalateFunc(func(taskID string, missed int) {
		n.opt.RecordMissed(taskID, missed)
		// An unresponsive delegatee forfeits the task.
		_ = n.dist.CancelTask(context.Background(), taskID, "checkpoints missed")
	})

	n.opt.SetRedelegateFunc(func(taskID, fromPeer, _ string) {
		n.redelegate(taskID, fromPeer)
	})
	n.opt.SetEscalateFunc(func(taskID, _ string) {
		_ = n.dist.CancelTask(context.Background(), taskID, "escalated by optimizer")
	})

	n.triggers.SetCancelFunc(func(taskID, reason string) error {
		return n.dist.CancelTask(context.Background(), taskID, reason)
	})
	n.triggers.SetBudgetFunc(n.budgetFor)
	n.triggers.SetPreemptFunc(n.preempt)
}

// handlers builds the HTTP dispatch table.
func (n *Node) handlers() transport.Handlers {
	return transport.Handlers{
		OnJoin:  n.peers.HandleJoin,
		OnLeave: n.peers.HandleLeave,
		OnHeartbeat: func(hb common.Heartbeat) error {
			return n.peers.HandleHeartbeat(hb)
		},
		OnGossip: func(in []common.PeerSummary) []common.PeerSummary {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				n.disc.IngestGossip(ctx, in)
			}()
			return n.peers.Summaries()
		},
		OnTask:       n.acceptTask,
		OnResult:     n.receiveResult,
		OnTaskStatus: n.taskStatus,
		OnTaskCancel: n.cancelLocalTask,
		OnTrigger:    n.triggers.Handle,
		OnStatus:     n.Status,
		OnPeers:      n.peers.Peers,
	}
}

// Start brings the node online: listener, discovery, mesh loops.
func (n *Node) Start(ctx context.Context) error {
	if err := n.rep.Load(); err != nil {
		return err
	}
	addr, err := n.server.Start()
	if err != nil {
		return err
	}
	if n.identity.APIURL == "" {
		n.identity.APIURL = "http://" + addr
		n.peers.SetAdvertiseURL(n.identity.APIURL)
		n.disc.SetAdvertiseURL(n.identity.APIURL)
	}
	n.startedAt = time.Now().UTC()

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if n.config.Enabled {
		reached := n.disc.Bootstrap(ctx)
		n.logger.Info("swarm started", "addr", addr, "seeds_reached", reached)
		n.disc.Start(ctx)
		n.peers.Start(ctx)
		n.opt.Start(ctx)
	} else {
		n.logger.Info("swarm disabled, serving identity only", "addr", addr)
	}
	return nil
}

// Stop takes the node offline and flushes state.
func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	n.mon.StopAll()
	n.agg.CancelAll()
	if n.config.Enabled {
		n.opt.Stop()
		n.disc.Stop()
		n.peers.Stop(ctx)
	}
	if err := n.server.Stop(ctx); err != nil {
		n.logger.Warn("server shutdown", "error", err)
	}
	if err := n.rep.Save(); err != nil {
		n.logger.Warn("reputation save failed", "error", err)
	}
	if err := n.contracts.Close(); err != nil {
		n.logger.Warn("contract db close failed", "error", err)
	}
	if n.natsConn != nil {
		n.natsConn.Close()
	}
	return n.journal.Close()
}

// Identity returns this node's identity.
func (n *Node) Identity() common.NodeIdentity { return n.identity }

// SetExecutor wires the local task executor; without one the node declines
// incoming delegations.
func (n *Node) SetExecutor(fn Executor) {
	n.mu.Lock()
	n.executor = fn
	n.mu.Unlock()
}

// TokenManager exposes the capability token layer.
func (n *Node) TokenManager() *security.TokenManager { return n.tokens }

// Guard exposes the feedback guard for peer feedback ingestion.
func (n *Node) Guard() *guard.Guard { return n.guard }

// Reputation exposes the trust book.
func (n *Node) Reputation() *reputation.Store { return n.rep }

// Peers exposes the mesh manager.
func (n *Node) Peers() *mesh.Manager { return n.peers }

// Status reports the node's vitals.
func (n *Node) Status() common.NodeStatus {
	uptime := int64(0)
	if !n.startedAt.IsZero() {
		uptime = time.Since(n.startedAt).Milliseconds()
	}
	return common.NodeStatus{
		NodeID:              n.identity.NodeID,
		PeerCount:           n.peers.Count(),
		ActiveDelegations:   n.dist.Active(),
		PendingAggregations: n.agg.Pending(),
		UptimeMs:            uptime,
		Version:             n.identity.Version,
	}
}

// ---- delegating out ----

// Delegate routes and distributes one task, blocking for the result.
func (n *Node) Delegate(ctx context.Context, task, sessionID string, profile route.TaskProfile, constraints *common.TaskConstraints, priority int) *common.TaskResult {
	taskID := uuid.NewString()
	decision := n.router.Route(taskID, profile)
	if decision.Target == route.TargetHuman {
		// Human-routed work never enters the mesh; the caller owns the
		// hand-off.
		return &common.TaskResult{
			TaskID: taskID,
			Status: common.TaskPaused,
			Error:  "routed to human delegatee: " + decision.Rationale,
		}
	}

	n.mu.Lock()
	n.delegations[taskID] = delegRecord{task: task, sessionID: sessionID, constraints: constraints, priority: priority}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.delegations, taskID)
		n.mu.Unlock()
		n.mon.Stop(taskID)
		n.opt.Untrack(taskID)
	}()

	result := n.dist.DistributeWithID(ctx, taskID, task, sessionID, constraints, priority)
	n.recordOutcomeFeedback(result)
	return result
}

// FanOut distributes several tasks in parallel and aggregates the results.
func (n *Node) FanOut(ctx context.Context, tasks []string, sessionID string, constraints *common.TaskConstraints, timeout time.Duration) (*aggregate.Outcome, error) {
	if len(tasks) == 0 {
		return nil, common.ErrValidation("fan-out needs at least one task")
	}
	taskIDs := make([]string, len(tasks))
	for i := range tasks {
		taskIDs[i] = uuid.NewString()
	}
	out, err := n.agg.Begin(uuid.NewString(), taskIDs, timeout)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		go func(taskID, task string) {
			result := n.dist.DistributeWithID(ctx, taskID, task, sessionID, constraints, 0)
			n.recordOutcomeFeedback(result)
			n.agg.Deliver(*result)
		}(taskIDs[i], tasks[i])
	}
	outcome := <-out
	return outcome, outcome.Err
}

// recordOutcomeFeedback verifies the result and feeds the guard.
func (n *Node) recordOutcomeFeedback(result *common.TaskResult) {
	if result == nil || result.PeerNodeID == "" {
		return
	}
	report := n.verifier.Verify(result, nil, nil, "")
	n.guard.AddFeedback(guard.Feedback{
		FromNodeID:  n.identity.NodeID,
		AboutNodeID: result.PeerNodeID,
		Score:       report.OutcomeScore,
	})
}

// redelegate cancels a drifted delegation and re-runs it.
func (n *Node) redelegate(taskID, fromPeer string) {
	n.mu.Lock()
	rec, ok := n.delegations[taskID]
	n.mu.Unlock()
	_ = n.dist.CancelTask(context.Background(), taskID, "redelegating to better peer")
	if !ok {
		return
	}
	n.logger.Info("redelegating task", "task_id", taskID, "from", fromPeer)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			2*time.Duration(n.config.Distribute.DelegationTimeoutMs)*time.Millisecond)
		defer cancel()
		result := n.dist.Distribute(ctx, rec.task, rec.sessionID, rec.constraints, rec.priority)
		n.recordOutcomeFeedback(result)
	}()
}

// budgetFor resolves the SLO of one in-flight delegation's contract.
func (n *Node) budgetFor(taskID string) (common.SLO, bool) {
	for _, del := range n.dist.ActiveDelegations() {
		if del.TaskID != taskID || del.ContractID == "" {
			continue
		}
		c, err := n.contracts.Get(del.ContractID)
		if err != nil {
			return common.SLO{}, false
		}
		return c.SLO, true
	}
	return common.SLO{}, false
}

// preempt cancels the lowest-priority delegation under the incoming
// priority and distributes the new task in its place.
func (n *Node) preempt(task string, priority int) {
	victimID := ""
	victimPriority := priority
	n.mu.Lock()
	for taskID, rec := range n.delegations {
		if rec.priority < victimPriority {
			victimID = taskID
			victimPriority = rec.priority
		}
	}
	n.mu.Unlock()

	if victimID != "" {
		_ = n.dist.CancelTask(context.Background(), victimID, "preempted by higher priority task")
		if n.journal != nil {
			n.journal.Emit(common.EventTaskPreempted, map[string]any{
				"task_id": victimID, "preempted_by_priority": priority,
			})
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			2*time.Duration(n.config.Distribute.DelegationTimeoutMs)*time.Millisecond)
		defer cancel()
		result := n.dist.Distribute(ctx, task, "preempt-"+uuid.NewString(), nil, priority)
		n.recordOutcomeFeedback(result)
	}()
}

// ---- executing as delegatee ----

// acceptTask is the inbound half of delegation: admit, execute, report back.
func (n *Node) acceptTask(env common.TaskEnvelope) common.TaskAccept {
	n.mu.Lock()
	if n.executor == nil {
		n.mu.Unlock()
		return common.TaskAccept{Accepted: false, Reason: "no executor on this node"}
	}
	if len(n.localTasks) >= maxLocalTasks {
		n.mu.Unlock()
		return common.TaskAccept{Accepted: false, Reason: "at capacity"}
	}
	if _, dup := n.localTasks[env.TaskID]; dup {
		n.mu.Unlock()
		return common.TaskAccept{Accepted: true, Reason: "already running"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	lt := &localTask{
		env:          env,
		status:       common.TaskRunning,
		lastActivity: time.Now().UTC(),
		cancel:       cancel,
	}
	n.localTasks[env.TaskID] = lt
	executor := n.executor
	n.mu.Unlock()

	go n.runLocal(ctx, executor, lt)
	return common.TaskAccept{Accepted: true}
}

func (n *Node) runLocal(ctx context.Context, executor Executor, lt *localTask) {
	env := lt.env
	started := time.Now()
	result, err := executor(ctx, env)
	if err != nil || result == nil {
		status := common.TaskFailed
		msg := "execution failed"
		if err != nil {
			msg = err.Error()
		}
		if ctx.Err() != nil {
			status = common.TaskCancelled
			msg = "cancelled"
		}
		result = &common.TaskResult{
			TaskID: env.TaskID,
			Status: status,
			Error:  msg,
		}
	}
	result.TaskID = env.TaskID
	result.PeerNodeID = n.identity.NodeID
	result.CorrelationID = env.CorrelationID
	if result.DurationMs == 0 {
		result.DurationMs = time.Since(started).Milliseconds()
	}
	result.CompletedAt = time.Now().UTC()

	n.mu.Lock()
	lt.status = result.Status
	lt.lastActivity = time.Now().UTC()
	delete(n.localTasks, env.TaskID)
	n.mu.Unlock()

	n.reportResult(env, result)
}

// reportResult posts a signed result back to the delegator.
func (n *Node) reportResult(env common.TaskEnvelope, result *common.TaskResult) {
	peer, ok := n.peers.GetPeer(env.DelegatorNodeID)
	if !ok {
		n.logger.Warn("delegator unknown, dropping result",
			"task_id", env.TaskID, "delegator", env.DelegatorNodeID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := n.client.PostResult(ctx, peer.Identity.APIURL, *result); err != nil {
		n.logger.Warn("result delivery failed", "task_id", env.TaskID, "error", err)
	}
}

// Attest builds a signed attestation for a locally produced result.
func (n *Node) Attest(result *common.TaskResult) (*security.Attestation, error) {
	att, err := security.CreateAttestation(result, []byte(n.config.Secret))
	if err != nil {
		return nil, err
	}
	att.Sign(n.privKey)
	return att, nil
}

// receiveResult is the inbound half of result delivery.
func (n *Node) receiveResult(result common.TaskResult) error {
	if n.dist.HandleResult(result) {
		return nil
	}
	if n.agg.Deliver(result) {
		return nil
	}
	// Late or duplicate results are acknowledged and dropped; the sender
	// should not retry.
	n.logger.Debug("unmatched result dropped", "task_id", result.TaskID)
	return nil
}

// taskStatus serves checkpoint polls for local tasks.
func (n *Node) taskStatus(taskID string) (*common.Checkpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	lt, ok := n.localTasks[taskID]
	if !ok {
		return nil, common.NewSwarmError(common.ErrCodeUnknownPeer, "task not running here").
			WithContext("task_id", taskID)
	}
	progress := lt.progress
	return &common.Checkpoint{
		TaskID:         taskID,
		Status:         lt.status,
		ProgressPct:    &progress,
		LastActivityAt: lt.lastActivity,
	}, nil
}

// cancelLocalTask stops a running local task.
func (n *Node) cancelLocalTask(taskID, reason string) error {
	n.mu.Lock()
	lt, ok := n.localTasks[taskID]
	n.mu.Unlock()
	if !ok {
		// Cancel is idempotent: an already-finished task is fine.
		return nil
	}
	n.logger.Info("local task cancelled", "task_id", taskID, "reason", reason)
	lt.cancel()
	return nil
}

// onPeerDiscovered introduces this node to a newly found peer.
func (n *Node) onPeerDiscovered(identity common.NodeIdentity) {
	if err := n.peers.HandleJoin(identity); err != nil {
		n.logger.Debug("discovered peer rejected", "node_id", identity.NodeID, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := n.client.Join(ctx, identity.APIURL, n.identity); err != nil {
			n.logger.Debug("reciprocal join failed", "node_id", identity.NodeID, "error", err)
		}
	}()
}

// scorerLatencyWindowMs mirrors the distributor's latency normalization
// window, so both selection and re-optimization grade latency on one scale.
const scorerLatencyWindowMs = 10_000

// nodeScorer grades peers for the optimizer on a composite of trust and
// live latency, so drift reacts to slow peers as well as untrusted ones.
type nodeScorer struct {
	node *Node
}

func compositeScore(trust, latencyMs float64) float64 {
	latency := 1 - common.Clamp01(latencyMs/scorerLatencyWindowMs)
	return 0.5*trust + 0.5*latency
}

func (s *nodeScorer) PeerScore(nodeID string) float64 {
	trust := s.node.rep.GetTrustScore(nodeID)
	peer, ok := s.node.peers.GetPeer(nodeID)
	if !ok {
		return trust
	}
	return compositeScore(trust, peer.LastLatencyMs)
}

func (s *nodeScorer) BestPeer(exclude string) (string, float64, bool) {
	best := ""
	bestScore := -1.0
	for _, peer := range s.node.peers.ActivePeers() {
		id := peer.Identity.NodeID
		if id == exclude {
			continue
		}
		score := compositeScore(s.node.rep.GetTrustScore(id), peer.LastLatencyMs)
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}
