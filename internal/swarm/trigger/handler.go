// Package trigger reacts to external control events: outright cancellation,
// budget pressure, and priority preemption. The handler owns no delegation
// state itself; it drives the distributor through injected callbacks.
package trigger

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// maxListeners bounds trigger subscribers; the oldest is dropped when full.
const maxListeners = 100

// Config controls budget sensitivity.
type Config struct {
	// BudgetAlertThreshold is the spend ratio that raises an alert; at 1.0
	// the task is cancelled outright.
	BudgetAlertThreshold float64 `json:"budget_alert_threshold"`
}

// DefaultConfig returns the standard trigger settings.
func DefaultConfig() Config {
	return Config{BudgetAlertThreshold: 0.8}
}

// Handler dispatches external triggers.
type Handler struct {
	config  Config
	journal *journal.Journal
	logger  *slog.Logger

	// onCancel cancels one in-flight delegation.
	onCancel func(taskID, reason string) error
	// budgetFor returns the SLO of a task's contract, when one exists.
	budgetFor func(taskID string) (common.SLO, bool)
	// onPreempt cancels the lowest-priority delegation below the given
	// priority and redistributes the incoming task.
	onPreempt func(task string, priority int)

	mu        sync.Mutex
	listeners []func(common.Trigger)
}

// New builds a Handler. journal may be nil.
func New(config Config, jnl *journal.Journal, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  config,
		journal: jnl,
		logger:  logger.With("component", "triggers"),
	}
}

// SetCancelFunc wires task cancellation.
func (h *Handler) SetCancelFunc(fn func(taskID, reason string) error) { h.onCancel = fn }

// SetBudgetFunc wires per-task SLO lookup.
func (h *Handler) SetBudgetFunc(fn func(taskID string) (common.SLO, bool)) { h.budgetFor = fn }

// SetPreemptFunc wires priority preemption.
func (h *Handler) SetPreemptFunc(fn func(task string, priority int)) { h.onPreempt = fn }

// Subscribe registers a listener for every handled trigger. Past the bound
// the oldest listener is dropped, FIFO.
func (h *Handler) Subscribe(fn func(common.Trigger)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
	if len(h.listeners) > maxListeners {
		h.listeners = h.listeners[len(h.listeners)-maxListeners:]
	}
}

// Listeners returns the subscriber count.
func (h *Handler) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *Handler) emit(event string, fields map[string]any) {
	if h.journal != nil {
		h.journal.Emit(event, fields)
	}
}

// Handle dispatches one trigger.
func (h *Handler) Handle(trig common.Trigger) error {
	if err := trig.Validate(); err != nil {
		return common.ErrValidation(err.Error())
	}

	h.mu.Lock()
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(trig)
	}

	switch trig.Type {
	case common.TriggerTaskCancel:
		return h.handleCancel(trig)
	case common.TriggerBudgetAlert:
		return h.handleBudget(trig)
	case common.TriggerPriorityPreempt:
		return h.handlePreempt(trig)
	}
	return nil
}

func (h *Handler) handleCancel(trig common.Trigger) error {
	if trig.TaskID == "" {
		return common.ErrValidation("task_cancel requires task_id")
	}
	if h.onCancel == nil {
		return common.ErrUnimplemented("task cancellation")
	}
	reason := trig.Reason
	if reason == "" {
		reason = "external cancel"
	}
	h.logger.Info("task cancel trigger", "task_id", trig.TaskID, "reason", reason)
	h.emit(common.EventTaskCancelled, map[string]any{"task_id": trig.TaskID, "reason": reason})
	return h.onCancel(trig.TaskID, reason)
}

// usageRatio is the worst spend fraction across the SLO's bounded
// dimensions (cost, tokens, duration). Unbounded dimensions (non-positive or
// the MAX_SAFE_INTEGER sentinel) are skipped; ok is false when every
// dimension is unbounded.
func usageRatio(usage *common.ResourceUsage, slo common.SLO) (worst float64, dimension string, ok bool) {
	check := func(name string, spent, limit float64) {
		if limit <= 0 || limit >= float64(common.MaxSafeInteger) {
			return
		}
		ok = true
		if r := spent / limit; r > worst {
			worst, dimension = r, name
		}
	}
	check("cost_usd", usage.CostUSD, slo.MaxCostUSD)
	check("tokens", float64(usage.Tokens), float64(slo.MaxTokens))
	check("duration_ms", float64(usage.DurationMs), float64(slo.MaxDurationMs))
	return worst, dimension, ok
}

func (h *Handler) handleBudget(trig common.Trigger) error {
	if trig.TaskID == "" || trig.Usage == nil {
		return common.ErrValidation("budget_alert requires task_id and usage")
	}
	if h.budgetFor == nil {
		return common.ErrUnimplemented("budget tracking")
	}
	slo, ok := h.budgetFor(trig.TaskID)
	if !ok {
		return nil
	}
	ratio, dimension, bounded := usageRatio(trig.Usage, slo)
	if !bounded {
		// Fully unbounded budget: nothing to alert on.
		return nil
	}
	switch {
	case ratio >= 1.0:
		h.logger.Warn("budget exhausted, cancelling",
			"task_id", trig.TaskID, "dimension", dimension, "ratio", ratio)
		h.emit(common.EventTaskCancelled, map[string]any{
			"task_id": trig.TaskID, "reason": "budget exhausted", "dimension": dimension,
		})
		if h.onCancel != nil {
			return h.onCancel(trig.TaskID, fmt.Sprintf("budget exhausted: %s at %.2fx of SLO", dimension, ratio))
		}
	case ratio >= h.config.BudgetAlertThreshold:
		h.logger.Warn("budget alert",
			"task_id", trig.TaskID, "dimension", dimension, "ratio", ratio)
		h.emit(common.EventBudgetAlert, map[string]any{
			"task_id": trig.TaskID, "ratio": ratio, "dimension": dimension,
		})
	}
	return nil
}

func (h *Handler) handlePreempt(trig common.Trigger) error {
	if trig.Task == "" {
		return common.ErrValidation("priority_preempt requires a task")
	}
	if h.onPreempt == nil {
		return common.ErrUnimplemented("priority preemption")
	}
	h.logger.Info("priority preempt trigger", "priority", trig.Priority)
	h.emit(common.EventTaskPreempted, map[string]any{"priority": trig.Priority})
	h.onPreempt(trig.Task, trig.Priority)
	return nil
}
