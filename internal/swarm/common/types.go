// Package common holds the wire-level and shared in-memory types of the
// swarm subsystem. Wire format is JSON with stable field names; timestamps
// are ISO-8601 UTC, node ids are opaque stable strings.
package common

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxSafeInteger is the sentinel for "unbounded" numeric SLO fields.
// Values at or above it are skipped during budget evaluation.
const MaxSafeInteger = int64(1)<<53 - 1

// NodeIdentity identifies a node in the mesh. Created once per process;
// immutable afterwards.
type NodeIdentity struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"node_name"`
	APIURL       string   `json:"api_url"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
	PublicKey    string   `json:"public_key,omitempty"` // base64 ed25519
}

func (n *NodeIdentity) Validate() error {
	if strings.TrimSpace(n.NodeID) == "" {
		return errors.New("node_id is required")
	}
	if strings.TrimSpace(n.APIURL) == "" {
		return errors.New("api_url is required")
	}
	return nil
}

func (n *NodeIdentity) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// PeerStatus is the lifecycle state of a peer table entry.
type PeerStatus string

const (
	PeerActive      PeerStatus = "active"
	PeerSuspected   PeerStatus = "suspected"
	PeerUnreachable PeerStatus = "unreachable"
	PeerLeft        PeerStatus = "left"
	PeerEvicted     PeerStatus = "evicted"
)

// rank orders the forward lattice active → suspected → unreachable → evicted.
func (s PeerStatus) rank() int {
	switch s {
	case PeerActive:
		return 0
	case PeerSuspected:
		return 1
	case PeerUnreachable:
		return 2
	case PeerEvicted:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving to next is a legal transition.
// Transitions only run forward, except suspected/unreachable → active on a
// fresh heartbeat. "left" is a one-way terminal from any non-evicted state.
func (s PeerStatus) CanTransitionTo(next PeerStatus) bool {
	if s == next {
		return true
	}
	switch {
	case s == PeerLeft || s == PeerEvicted:
		return false
	case next == PeerLeft:
		return true
	case next == PeerActive:
		return s == PeerSuspected || s == PeerUnreachable
	default:
		return next.rank() > s.rank()
	}
}

// PeerEntry is a row in the peer table. Mutated only by the mesh manager.
type PeerEntry struct {
	Identity            NodeIdentity `json:"identity"`
	Status              PeerStatus   `json:"status"`
	JoinedAt            time.Time    `json:"joined_at"`
	LastHeartbeatAt     time.Time    `json:"last_heartbeat_at"`
	LastLatencyMs       float64      `json:"last_latency_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ActiveSessions      int          `json:"active_sessions"`
	Load                float64      `json:"load"`
}

// Clone returns a copy safe to hand outside the peer table lock.
func (p *PeerEntry) Clone() *PeerEntry {
	cp := *p
	cp.Identity.Capabilities = append([]string(nil), p.Identity.Capabilities...)
	return &cp
}

// TaskStatus is the lifecycle state of a delegated task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskAborted   TaskStatus = "aborted"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskAborted, TaskCancelled:
		return true
	}
	return false
}

// Finding is one unit of task output.
type Finding struct {
	StepTitle string         `json:"step_title"`
	Summary   string         `json:"summary"`
	Tool      string         `json:"tool,omitempty"`
	Status    string         `json:"status,omitempty"` // "succeeded" | "failed"
	Data      map[string]any `json:"data,omitempty"`
}

// TaskResult is the outcome of a delegated task. distribute() always returns
// one, even on failure.
type TaskResult struct {
	TaskID        string     `json:"task_id"`
	PeerNodeID    string     `json:"peer_node_id,omitempty"`
	Status        TaskStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	Findings      []Finding  `json:"findings,omitempty"`
	TokensUsed    int64      `json:"tokens_used"`
	CostUSD       float64    `json:"cost_usd"`
	DurationMs    int64      `json:"duration_ms"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	CompletedAt   time.Time  `json:"completed_at,omitzero"`
}

func (r *TaskResult) Validate() error {
	if r.TaskID == "" {
		return errors.New("task_id is required")
	}
	if r.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// SLO bounds a delegation. MaxSafeInteger values mean "unbounded".
type SLO struct {
	MaxDurationMs int64   `json:"max_duration_ms"`
	MaxTokens     int64   `json:"max_tokens"`
	MaxCostUSD    float64 `json:"max_cost_usd"`
}

// PermissionBoundary narrows what a delegatee may touch.
type PermissionBoundary struct {
	ToolAllowlist  []string `json:"tool_allowlist,omitempty"`
	ReadonlyPaths  []string `json:"readonly_paths,omitempty"`
	MaxPermissions []string `json:"max_permissions,omitempty"`
}

// MonitoringTerms declare how a delegation is observed.
type MonitoringTerms struct {
	RequireCheckpoints bool   `json:"require_checkpoints"`
	ReportIntervalMs   int64  `json:"report_interval_ms,omitempty"`
	MonitoringLevel    string `json:"monitoring_level,omitempty"`
}

// ContractStatus is the lifecycle state of a delegation contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractFailed    ContractStatus = "failed"
	ContractCancelled ContractStatus = "cancelled"
)

// DelegationContract governs one delegation. Attenuated contracts may only
// narrow the parent's bounds.
type DelegationContract struct {
	ContractID         string             `json:"contract_id"`
	DelegatorNodeID    string             `json:"delegator_node_id"`
	DelegateeNodeID    string             `json:"delegatee_node_id"`
	TaskID             string             `json:"task_id"`
	SLO                SLO                `json:"slo"`
	PermissionBoundary PermissionBoundary `json:"permission_boundary"`
	Monitoring         MonitoringTerms    `json:"monitoring"`
	Status             ContractStatus     `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	ExpiresAt          time.Time          `json:"expires_at,omitzero"`
}

// NarrowerThan verifies the attenuation invariant against a parent contract:
// cost limit not raised, tools a subset of the parent allowlist, expiry not
// extended.
func (c *DelegationContract) NarrowerThan(parent *DelegationContract) error {
	if c.SLO.MaxCostUSD > parent.SLO.MaxCostUSD {
		return fmt.Errorf("cost limit %.4f exceeds parent's limit %.4f", c.SLO.MaxCostUSD, parent.SLO.MaxCostUSD)
	}
	if c.SLO.MaxTokens > parent.SLO.MaxTokens {
		return fmt.Errorf("token limit %d exceeds parent's limit %d", c.SLO.MaxTokens, parent.SLO.MaxTokens)
	}
	if c.SLO.MaxDurationMs > parent.SLO.MaxDurationMs {
		return fmt.Errorf("duration limit %d exceeds parent's limit %d", c.SLO.MaxDurationMs, parent.SLO.MaxDurationMs)
	}
	if len(parent.PermissionBoundary.ToolAllowlist) > 0 {
		allowed := make(map[string]struct{}, len(parent.PermissionBoundary.ToolAllowlist))
		for _, t := range parent.PermissionBoundary.ToolAllowlist {
			allowed[t] = struct{}{}
		}
		for _, t := range c.PermissionBoundary.ToolAllowlist {
			if _, ok := allowed[t]; !ok {
				return fmt.Errorf("tool %q not in parent allowlist", t)
			}
		}
	}
	if !parent.ExpiresAt.IsZero() && c.ExpiresAt.After(parent.ExpiresAt) {
		return errors.New("expiry extends beyond parent's expiry")
	}
	return nil
}

// Heartbeat is the payload of POST /api/heartbeat.
type Heartbeat struct {
	NodeID         string    `json:"node_id"`
	Timestamp      time.Time `json:"timestamp"`
	ActiveSessions int       `json:"active_sessions"`
	Load           float64   `json:"load"`
}

func (h *Heartbeat) Validate() error {
	if h.NodeID == "" {
		return errors.New("node_id is required")
	}
	return nil
}

// PeerSummary is the gossip exchange unit: just enough to chase an identity.
type PeerSummary struct {
	NodeID string `json:"node_id"`
	APIURL string `json:"api_url"`
}

// Checkpoint is the reply of GET /api/task/{id}/status.
type Checkpoint struct {
	TaskID         string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	ProgressPct    *float64   `json:"progress_pct,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// TaskConstraints restrict candidate selection for a delegation.
type TaskConstraints struct {
	ToolAllowlist        []string `json:"tool_allowlist,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	MaxCostUSD           float64  `json:"max_cost_usd,omitempty"`
}

// TaskEnvelope is the payload of POST /api/task.
type TaskEnvelope struct {
	TaskID          string              `json:"task_id"`
	DelegatorNodeID string              `json:"delegator_node_id"`
	Task            string              `json:"task"`
	SessionID       string              `json:"session_id"`
	Priority        int                 `json:"priority,omitempty"`
	Constraints     *TaskConstraints    `json:"constraints,omitempty"`
	CorrelationID   string              `json:"correlation_id,omitempty"`
	Contract        *DelegationContract `json:"contract,omitempty"`
}

func (t *TaskEnvelope) Validate() error {
	if t.TaskID == "" {
		return errors.New("task_id is required")
	}
	if t.DelegatorNodeID == "" {
		return errors.New("delegator_node_id is required")
	}
	if strings.TrimSpace(t.Task) == "" {
		return errors.New("task is required")
	}
	return nil
}

// TaskAccept is the synchronous reply of POST /api/task.
type TaskAccept struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// TriggerType classifies external triggers.
type TriggerType string

const (
	TriggerTaskCancel      TriggerType = "task_cancel"
	TriggerBudgetAlert     TriggerType = "budget_alert"
	TriggerPriorityPreempt TriggerType = "priority_preempt"
)

// ResourceUsage is the consumption snapshot carried by budget triggers.
type ResourceUsage struct {
	CostUSD    float64 `json:"cost_usd"`
	Tokens     int64   `json:"tokens"`
	DurationMs int64   `json:"duration_ms"`
}

// Trigger is the payload of POST /api/trigger.
type Trigger struct {
	Type     TriggerType    `json:"type"`
	TaskID   string         `json:"task_id,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Usage    *ResourceUsage `json:"usage,omitempty"`
	Task     string         `json:"task,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

func (t *Trigger) Validate() error {
	switch t.Type {
	case TriggerTaskCancel, TriggerBudgetAlert, TriggerPriorityPreempt:
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}

// NodeStatus is the reply of GET /api/status.
type NodeStatus struct {
	NodeID              string `json:"node_id"`
	PeerCount           int    `json:"peer_count"`
	ActiveDelegations   int    `json:"active_delegations"`
	PendingAggregations int    `json:"pending_aggregations"`
	UptimeMs            int64  `json:"uptime_ms"`
	Version             string `json:"version"`
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
