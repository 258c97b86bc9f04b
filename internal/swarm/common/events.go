package common

// Journal event names. Downstream consumers match on these strings, so they
// are append-only.
const (
	EventPeerJoined            = "swarm.peer_joined"
	EventPeerLeft              = "swarm.peer_left"
	EventPeerSuspected         = "swarm.peer_suspected"
	EventPeerUnreachable       = "swarm.peer_unreachable"
	EventPeerEvicted           = "swarm.peer_evicted"
	EventPeerRevived           = "swarm.peer_revived"
	EventPeerURLRebound        = "swarm.peer_url_rebound"
	EventPeerDiscovered        = "swarm.peer_discovered"
	EventTaskDelegated         = "swarm.task_delegated"
	EventTaskCompleted         = "swarm.task_completed"
	EventTaskFailed            = "swarm.task_failed"
	EventTaskCancelled         = "swarm.task_cancelled"
	EventTaskPreempted         = "swarm.task_preempted"
	EventTaskRetried           = "swarm.task_retried"
	EventBudgetAlert           = "swarm.budget_alert"
	EventReoptimizationTrigger = "swarm.reoptimization_triggered"
	EventRedelegateOnDrift     = "swarm.peer_redelegate_on_drift"
	EventEscalation            = "swarm.escalation"
	EventSabotageDetected      = "swarm.sabotage_detected"
	EventCollusionDetected     = "swarm.collusion_detected"
	EventDelegateeRouted       = "swarm.delegatee_routed"
	EventHumanDelegationNeeded = "swarm.human_delegation_requested"
	EventMonitoringStarted     = "swarm.task_monitoring_started"
	EventMonitoringStopped     = "swarm.task_monitoring_stopped"
	EventCheckpointReceived    = "swarm.task_checkpoint_received"
	EventCheckpointMissed      = "swarm.task_checkpoint_missed"
	EventAggregationComplete   = "swarm.aggregation_complete"
	EventTokenRevoked          = "swarm.token_revoked"
)
