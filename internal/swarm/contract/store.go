// Package contract persists delegation contracts in a LevelDB keyspace so a
// restarted node still knows what it has delegated and under what bounds.
package contract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

const keyPrefix = "c|"

// Store holds delegation contracts, keyed "c|<contract_id>".
type Store struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger *slog.Logger
}

// Open opens (or creates) the contract database at path. An empty path opens
// an in-memory database, used by tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
		if errors.IsCorrupted(err) {
			logger.Warn("contract db corrupted, recovering", "path", path)
			db, err = leveldb.RecoverFile(path, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open contract db: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "contracts")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(contractID string) []byte {
	return []byte(keyPrefix + contractID)
}

// Create builds and persists a fresh active contract for one delegation.
func (s *Store) Create(delegator, delegatee, taskID string, slo common.SLO, boundary common.PermissionBoundary, monitoring common.MonitoringTerms) (*common.DelegationContract, error) {
	c := &common.DelegationContract{
		ContractID:         uuid.NewString(),
		DelegatorNodeID:    delegator,
		DelegateeNodeID:    delegatee,
		TaskID:             taskID,
		SLO:                slo,
		PermissionBoundary: boundary,
		Monitoring:         monitoring,
		Status:             common.ContractActive,
		CreatedAt:          time.Now().UTC(),
	}
	if slo.MaxDurationMs > 0 && slo.MaxDurationMs < common.MaxSafeInteger {
		c.ExpiresAt = c.CreatedAt.Add(time.Duration(slo.MaxDurationMs) * time.Millisecond)
	}
	if err := s.Put(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Put upserts a contract.
func (s *Store) Put(c *common.DelegationContract) error {
	if c.ContractID == "" {
		return common.ErrValidation("contract_id is required")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(key(c.ContractID), raw, nil)
}

// Get fetches one contract.
func (s *Store) Get(contractID string) (*common.DelegationContract, error) {
	raw, err := s.db.Get(key(contractID), nil)
	if err == leveldb.ErrNotFound {
		return nil, common.NewSwarmError(common.ErrCodeUnknownPeer, "contract not found").
			WithContext("contract_id", contractID)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	var c common.DelegationContract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode contract %s: %w", contractID, err)
	}
	return &c, nil
}

// Terminate moves a contract into a terminal status and deletes it from the
// active keyspace. Terminating twice is a no-op.
func (s *Store) Terminate(contractID string, status common.ContractStatus) error {
	switch status {
	case common.ContractCompleted, common.ContractFailed, common.ContractCancelled:
	default:
		return common.ErrValidation(fmt.Sprintf("%q is not a terminal contract status", status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	has, err := s.db.Has(key(contractID), nil)
	if err != nil {
		return err
	}
	if !has {
		return nil
	}
	s.logger.Debug("contract terminated", "contract_id", contractID, "status", status)
	return s.db.Delete(key(contractID), nil)
}

// ActiveForPeer lists active contracts where the peer is the delegatee.
func (s *Store) ActiveForPeer(delegateeNodeID string) ([]*common.DelegationContract, error) {
	var out []*common.DelegationContract
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var c common.DelegationContract
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			s.logger.Warn("skipping undecodable contract", "key", string(iter.Key()))
			continue
		}
		if c.DelegateeNodeID == delegateeNodeID && c.Status == common.ContractActive {
			cc := c
			out = append(out, &cc)
		}
	}
	return out, iter.Error()
}

// Count returns the number of stored contracts.
func (s *Store) Count() (int, error) {
	n := 0
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}
