// Package monitor watches delegated tasks through checkpoint polls and
// escalates when a delegatee goes quiet.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/transport"
)

// Config controls polling cadence and patience.
type Config struct {
	PollIntervalMs      int64 `json:"poll_interval_ms"`
	CheckpointTimeoutMs int64 `json:"checkpoint_timeout_ms"`
	MaxMissed           int   `json:"max_missed_checkpoints"`
}

// DefaultConfig returns the standard monitoring cadence.
func DefaultConfig() Config {
	return Config{
		PollIntervalMs:      1_000,
		CheckpointTimeoutMs: 5_000,
		MaxMissed:           3,
	}
}

// pollFunc fetches one checkpoint; swapped out in tests.
type pollFunc func(ctx context.Context, taskID string) (*common.Checkpoint, error)

type watch struct {
	taskID    string
	peerURL   string
	missed    int
	escalated bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Monitor polls one goroutine per watched task.
type Monitor struct {
	config  Config
	client  *transport.Client
	journal *journal.Journal
	logger  *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch

	// onEscalate fires exactly once per watch when MaxMissed is reached.
	onEscalate func(taskID string, missed int)
	// onCheckpoint fires on every successful poll.
	onCheckpoint func(taskID string, cp *common.Checkpoint)

	poll pollFunc
}

// New builds a Monitor. journal may be nil.
func New(config Config, client *transport.Client, jnl *journal.Journal, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		config:  config,
		client:  client,
		journal: jnl,
		logger:  logger.With("component", "monitor"),
		watches: make(map[string]*watch),
	}
	return m
}

// SetEscalateFunc wires the escalation callback.
func (m *Monitor) SetEscalateFunc(fn func(taskID string, missed int)) {
	m.onEscalate = fn
}

// SetCheckpointFunc wires the per-checkpoint callback.
func (m *Monitor) SetCheckpointFunc(fn func(taskID string, cp *common.Checkpoint)) {
	m.onCheckpoint = fn
}

func (m *Monitor) emit(event string, fields map[string]any) {
	if m.journal != nil {
		m.journal.Emit(event, fields)
	}
}

// Watch starts polling a task on its delegatee. Watching an already-watched
// task is a no-op.
func (m *Monitor) Watch(taskID, peerURL string) {
	m.mu.Lock()
	if _, exists := m.watches[taskID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		taskID:  taskID,
		peerURL: peerURL,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.watches[taskID] = w
	m.mu.Unlock()

	m.logger.Info("monitoring started", "task_id", taskID)
	m.emit(common.EventMonitoringStarted, map[string]any{"task_id": taskID, "peer_url": peerURL})
	go m.run(ctx, w)
}

// Stop halts the watch for one task.
func (m *Monitor) Stop(taskID string) {
	m.mu.Lock()
	w, ok := m.watches[taskID]
	if ok {
		delete(m.watches, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
	m.emit(common.EventMonitoringStopped, map[string]any{"task_id": taskID})
}

// StopAll halts every watch.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	all := make([]*watch, 0, len(m.watches))
	for id, w := range m.watches {
		all = append(all, w)
		delete(m.watches, id)
	}
	m.mu.Unlock()
	for _, w := range all {
		w.cancel()
		<-w.done
	}
}

// Watching returns how many tasks are under watch.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

func (m *Monitor) run(ctx context.Context, w *watch) {
	defer close(w.done)

	ticker := time.NewTicker(time.Duration(m.config.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.pollOnce(ctx, w) {
				m.detach(w.taskID)
				return
			}
		}
	}
}

// pollOnce runs one checkpoint poll. Returns true when the watch should end.
func (m *Monitor) pollOnce(ctx context.Context, w *watch) bool {
	pollCtx, cancel := context.WithTimeout(ctx, time.Duration(m.config.CheckpointTimeoutMs)*time.Millisecond)
	cp, err := m.fetch(pollCtx, w)
	cancel()

	if err != nil {
		w.missed++
		m.logger.Warn("checkpoint missed", "task_id", w.taskID, "missed", w.missed, "error", err)
		m.emit(common.EventCheckpointMissed, map[string]any{"task_id": w.taskID, "missed": w.missed})
		if w.missed >= m.config.MaxMissed && !w.escalated {
			w.escalated = true
			m.emit(common.EventEscalation, map[string]any{"task_id": w.taskID, "missed": w.missed})
			if m.onEscalate != nil {
				m.onEscalate(w.taskID, w.missed)
			}
			return true
		}
		return false
	}

	w.missed = 0
	m.emit(common.EventCheckpointReceived, map[string]any{
		"task_id": w.taskID, "status": string(cp.Status),
	})
	if m.onCheckpoint != nil {
		m.onCheckpoint(w.taskID, cp)
	}
	// Terminal checkpoints end the watch; the result arrives on its own.
	return cp.Status.Terminal()
}

func (m *Monitor) fetch(ctx context.Context, w *watch) (*common.Checkpoint, error) {
	if m.poll != nil {
		return m.poll(ctx, w.taskID)
	}
	cp, _, err := m.client.TaskStatus(ctx, w.peerURL, w.taskID)
	return cp, err
}

func (m *Monitor) detach(taskID string) {
	m.mu.Lock()
	delete(m.watches, taskID)
	m.mu.Unlock()
}
