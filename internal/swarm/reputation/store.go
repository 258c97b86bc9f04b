// Package reputation tracks per-peer outcome history and derives the trust
// score used for peer selection. State lives in memory and persists to a
// JSONL file, one record per peer, rewritten atomically on save.
package reputation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

const (
	defaultScore = 0.5

	// Streak adjustments are bounded: bonus tops out at +0.10,
	// penalty at -0.30.
	streakBonusStep   = 0.02
	streakBonusCap    = 0.10
	streakPenaltyStep = 0.10
	streakPenaltyCap  = 0.30

	// Latency normalization window in ms: anything at or above scores 0.
	latencyWindowMs = 10_000

	// Behavioral blend: 70% outcome-derived base, 30% behavioral multiplier.
	baseWeight       = 0.7
	behavioralWeight = 0.3
)

// PeerReputation is the persisted per-peer record.
type PeerReputation struct {
	NodeID               string    `json:"node_id"`
	TasksCompleted       int64     `json:"tasks_completed"`
	TasksFailed          int64     `json:"tasks_failed"`
	TasksAborted         int64     `json:"tasks_aborted"`
	TotalDurationMs      int64     `json:"total_duration_ms"`
	TotalTokens          int64     `json:"total_tokens"`
	TotalCostUSD         float64   `json:"total_cost_usd"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	AvgLatencyMs         float64   `json:"avg_latency_ms"`
	TrustScore           float64   `json:"trust_score"`
	LastOutcomeAt        time.Time `json:"last_outcome_at"`
}

func (r *PeerReputation) totalOutcomes() int64 {
	return r.TasksCompleted + r.TasksFailed + r.TasksAborted
}

// BehavioralScorer supplies the optional behavioral multiplier blended into
// trust. Implemented by the feedback guard; absent means pure outcome trust.
type BehavioralScorer interface {
	BehavioralScore(nodeID string) (float64, bool)
}

// Store is the reputation book. Reads are in-memory; saves are serialized
// behind a write lock.
type Store struct {
	mu      sync.RWMutex
	records map[string]*PeerReputation

	path       string
	behavioral BehavioralScorer
	logger     *slog.Logger
}

// NewStore creates a store persisting to path. An empty path keeps the store
// memory-only.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[string]*PeerReputation),
		path:    path,
		logger:  logger.With("component", "reputation"),
	}
}

// SetBehavioralScorer wires the feedback guard in after construction. The
// back edge is a lookup relation only.
func (s *Store) SetBehavioralScorer(b BehavioralScorer) {
	s.mu.Lock()
	s.behavioral = b
	s.mu.Unlock()
}

// RecordOutcome folds a task result into the peer's record and recomputes
// its trust score.
func (s *Store) RecordOutcome(nodeID string, result *common.TaskResult) {
	if nodeID == "" || result == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[nodeID]
	if !ok {
		rec = &PeerReputation{NodeID: nodeID, TrustScore: defaultScore}
		s.records[nodeID] = rec
	}

	switch result.Status {
	case common.TaskCompleted:
		rec.TasksCompleted++
		rec.ConsecutiveSuccesses++
		rec.ConsecutiveFailures = 0
	case common.TaskAborted, common.TaskCancelled:
		rec.TasksAborted++
		rec.ConsecutiveSuccesses = 0
	default:
		rec.TasksFailed++
		rec.ConsecutiveFailures++
		rec.ConsecutiveSuccesses = 0
	}

	rec.TotalDurationMs += result.DurationMs
	rec.TotalTokens += result.TokensUsed
	rec.TotalCostUSD += result.CostUSD
	if n := rec.totalOutcomes(); n > 0 {
		rec.AvgLatencyMs = float64(rec.TotalDurationMs) / float64(n)
	}
	rec.LastOutcomeAt = time.Now().UTC()
	rec.TrustScore = s.deriveTrust(rec)

	s.logger.Debug("outcome recorded",
		"node_id", nodeID, "status", result.Status, "trust", rec.TrustScore)
}

// deriveTrust computes
// clamp(0.7*success_ratio + 0.2*latency_score + streak_bonus - streak_penalty + 0.1, 0, 1)
// optionally blended 70/30 with the behavioral multiplier.
func (s *Store) deriveTrust(rec *PeerReputation) float64 {
	total := rec.totalOutcomes()
	if total == 0 {
		return defaultScore
	}
	successRatio := float64(rec.TasksCompleted) / float64(total)
	latencyScore := 1 - common.Clamp01(rec.AvgLatencyMs/latencyWindowMs)
	bonus := math.Min(float64(rec.ConsecutiveSuccesses)*streakBonusStep, streakBonusCap)
	penalty := math.Min(float64(rec.ConsecutiveFailures)*streakPenaltyStep, streakPenaltyCap)

	score := common.Clamp01(0.7*successRatio + 0.2*latencyScore + bonus - penalty + 0.1)

	if s.behavioral != nil {
		if mult, ok := s.behavioral.BehavioralScore(rec.NodeID); ok {
			score = common.Clamp01(baseWeight*score + behavioralWeight*mult)
		}
	}
	return score
}

// GetTrustScore returns the peer's trust, defaulting to 0.5 for unknowns.
func (s *Store) GetTrustScore(nodeID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[nodeID]; ok {
		return rec.TrustScore
	}
	return defaultScore
}

// Get returns a copy of the peer's record.
func (s *Store) Get(nodeID string) (PeerReputation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[nodeID]
	if !ok {
		return PeerReputation{}, false
	}
	return *rec, true
}

// AvgCostPerTask returns the average cost per recorded outcome.
func (s *Store) AvgCostPerTask(nodeID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[nodeID]
	if !ok || rec.totalOutcomes() == 0 {
		return 0, false
	}
	return rec.TotalCostUSD / float64(rec.totalOutcomes()), true
}

// Decay moves every trust score toward neutral by factor.
func (s *Store) Decay(factor float64) {
	factor = common.Clamp01(factor)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		rec.TrustScore += (defaultScore - rec.TrustScore) * factor
	}
}

// Len returns the number of tracked peers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Load reads the JSONL file, skipping corrupt lines. The last record for a
// node id wins.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open reputation file: %w", err)
	}
	defer f.Close()

	loaded := make(map[string]*PeerReputation)
	skipped := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec PeerReputation
		if err := json.Unmarshal(line, &rec); err != nil || rec.NodeID == "" {
			skipped++
			continue
		}
		loaded[rec.NodeID] = &rec
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read reputation file: %w", err)
	}

	s.mu.Lock()
	s.records = loaded
	s.mu.Unlock()

	if skipped > 0 {
		s.logger.Warn("skipped corrupt reputation lines", "count", skipped)
	}
	s.logger.Info("reputation loaded", "peers", len(loaded))
	return nil
}

// Save writes all records to a temp file and renames it into place.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".reputation-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp reputation file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, rec := range s.records {
		line, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal reputation record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write reputation record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace reputation file: %w", err)
	}
	return nil
}
