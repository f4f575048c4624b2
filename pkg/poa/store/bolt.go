package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/poa-network/coordinator/pkg/poa/model"
)

var (
	bucketAgents         = []byte("agents")
	bucketBlobs          = []byte("blobs")
	bucketRefs           = []byte("refs")
	bucketContracts      = []byte("contracts")
	bucketContractEvents = []byte("contract_events")
	bucketChallenges     = []byte("challenges")
	bucketAudit          = []byte("audit")
)

var allBuckets = [][]byte{
	bucketAgents, bucketBlobs, bucketRefs, bucketContracts,
	bucketContractEvents, bucketChallenges, bucketAudit,
}

// BoltStore is a github.com/etcd-io/bbolt backed Repository. It follows
// the teacher's embedded-KV storage style (pkg/core/storage's
// BoltDBStore) rather than reaching for a SQL driver: this system's
// working set is bounded to a few thousand rows per bucket, well within
// what a linear bucket scan handles cheaply.
type BoltStore struct {
	db *bbolt.DB
	// debitMu serializes contract budget debits against the lifecycle
	// sweep, per the concurrency note in spec §9: the sweep must never
	// mark a contract completed while a debit is in flight.
	debitMu sync.Mutex
}

// Options configures where the bbolt file lives.
type Options struct {
	FilePath string
}

// NewBoltStore opens (creating if necessary) a bbolt-backed Repository.
func NewBoltStore(opts Options) (*BoltStore, error) {
	db, err := bbolt.Open(opts.FilePath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func getJSON(tx *bbolt.Tx, bucket []byte, key string, v any) (bool, error) {
	raw := tx.Bucket(bucket).Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func putJSON(tx *bbolt.Tx, bucket []byte, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), raw)
}

func (s *BoltStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketAgents, id, &a)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *BoltStore) UpsertAgent(_ context.Context, a *model.Agent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketAgents, a.ID, a)
	})
}

func (s *BoltStore) EligibleAgents(_ context.Context, now time.Time) ([]*model.Agent, error) {
	var out []*model.Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, raw []byte) error {
			var a model.Agent
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			if a.Status != model.StatusBanned || now.Sub(a.LastSeen) >= 24*time.Hour {
				cp := a
				out = append(out, &cp)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetBlob(_ context.Context, contentID string) (*model.Blob, error) {
	var b model.Blob
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketBlobs, contentID, &b)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *BoltStore) UpsertBlob(_ context.Context, b *model.Blob) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketBlobs, b.ContentID, b)
	})
}

func (s *BoltStore) PoAEnabledBlobs(_ context.Context) ([]*model.Blob, error) {
	var out []*model.Blob
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(_, raw []byte) error {
			var b model.Blob
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			if b.PoAEnabled {
				cp := b
				out = append(out, &cp)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ExhaustedContracts(_ context.Context) ([]*model.Contract, error) {
	var out []*model.Contract
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContracts).ForEach(func(_, raw []byte) error {
			var c model.Contract
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			if c.Status == model.ContractActive && c.Remaining() < c.RewardPerChallenge {
				cp := c
				out = append(out, &cp)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) FundedBlobContentIDs(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContracts).ForEach(func(_, raw []byte) error {
			var c model.Contract
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			if c.Status == model.ContractActive && c.Remaining() >= c.RewardPerChallenge {
				out[c.ContentID] = c.ID
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetRefs(_ context.Context, contentID string) (*model.RefsEntry, error) {
	var r model.RefsEntry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketRefs, contentID, &r)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *BoltStore) PutRefs(_ context.Context, r *model.RefsEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		// Refs are immutable for the lifetime of a content ID: don't
		// overwrite an existing entry.
		var existing model.RefsEntry
		found, err := getJSON(tx, bucketRefs, r.ContentID, &existing)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		return putJSON(tx, bucketRefs, r.ContentID, r)
	})
}

func (s *BoltStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	var c model.Contract
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketContracts, id, &c)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *BoltStore) UpsertContract(_ context.Context, c *model.Contract) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketContracts, c.ID, c)
	})
}

func (s *BoltStore) ExpiredContracts(_ context.Context, now time.Time) ([]*model.Contract, error) {
	var out []*model.Contract
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContracts).ForEach(func(_, raw []byte) error {
			var c model.Contract
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			if c.Status == model.ContractActive && !now.Before(c.ExpiresAt) {
				cp := c
				out = append(out, &cp)
			}
			return nil
		})
	})
	return out, err
}

// DebitContract applies the CAS-style optimistic check described in
// spec §5: spent += reward is accepted only if it would not exceed
// budget. debitMu serializes this against the lifecycle sweep so the
// sweep never observes a half-applied debit.
func (s *BoltStore) DebitContract(_ context.Context, id string, reward float64) (bool, error) {
	s.debitMu.Lock()
	defer s.debitMu.Unlock()

	var ok bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var c model.Contract
		found, err := getJSON(tx, bucketContracts, id, &c)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if c.Spent+reward > c.Budget {
			ok = false
			return nil
		}
		c.Spent += reward
		ok = true
		return putJSON(tx, bucketContracts, id, &c)
	})
	return ok, err
}

func (s *BoltStore) AppendContractEvent(_ context.Context, e *model.ContractEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketContractEvents, e.ID, e)
	})
}

func (s *BoltStore) ContractEvents(_ context.Context, contractID string) ([]*model.ContractEvent, error) {
	var out []*model.ContractEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContractEvents).ForEach(func(_, raw []byte) error {
			var e model.ContractEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if e.ContractID == contractID {
				cp := e
				out = append(out, &cp)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) InsertChallenge(_ context.Context, c *model.Challenge) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketChallenges, c.ID, c)
	})
}

func (s *BoltStore) UpdateChallengeResult(_ context.Context, id string, result model.ChallengeResult, reason string, latencyMillis int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var c model.Challenge
		found, err := getJSON(tx, bucketChallenges, id, &c)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		c.Result = result
		c.FailReason = reason
		c.LatencyMillis = latencyMillis
		return putJSON(tx, bucketChallenges, id, &c)
	})
}

func (s *BoltStore) AppendAudit(_ context.Context, a *model.AuditRow) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketAudit, a.ID, a)
	})
}

func (s *BoltStore) AuditRows(_ context.Context, limit int) ([]*model.AuditRow, error) {
	var out []*model.AuditRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, raw []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var a model.AuditRow
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			cp := a
			out = append(out, &cp)
			return nil
		})
	})
	return out, err
}

var _ Repository = (*BoltStore)(nil)
