// Package storetest provides an in-memory store.Repository fake shared
// across the PoA subsystem's unit tests, so each package doesn't need to
// hand-roll its own.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

// MemoryRepository is a store.Repository backed by plain Go maps, guarded
// by a single mutex. It is not meant for production use: DebitContract's
// CAS is trivially correct here because every method holds the same
// lock, where the bbolt-backed store relies on bbolt's database-wide
// write transactions plus its debitMu.
type MemoryRepository struct {
	mu             sync.Mutex
	agents         map[string]*model.Agent
	blobs          map[string]*model.Blob
	refs           map[string]*model.RefsEntry
	contracts      map[string]*model.Contract
	contractEvents []*model.ContractEvent
	challenges     map[string]*model.Challenge
	audit          []*model.AuditRow
}

// NewMemoryRepository returns an empty fake repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		agents:     make(map[string]*model.Agent),
		blobs:      make(map[string]*model.Blob),
		refs:       make(map[string]*model.RefsEntry),
		contracts:  make(map[string]*model.Contract),
		challenges: make(map[string]*model.Challenge),
	}
}

func (m *MemoryRepository) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) UpsertAgent(_ context.Context, a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryRepository) EligibleAgents(_ context.Context, now time.Time) ([]*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Agent
	for _, a := range m.agents {
		if a.Status != model.StatusBanned || now.Sub(a.LastSeen) >= 24*time.Hour {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetBlob(_ context.Context, contentID string) (*model.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[contentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryRepository) UpsertBlob(_ context.Context, b *model.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.blobs[b.ContentID] = &cp
	return nil
}

func (m *MemoryRepository) PoAEnabledBlobs(_ context.Context) ([]*model.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Blob
	for _, b := range m.blobs {
		if b.PoAEnabled {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) FundedBlobContentIDs(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, c := range m.contracts {
		if c.Status == model.ContractActive && c.Remaining() >= c.RewardPerChallenge {
			out[c.ContentID] = c.ID
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetRefs(_ context.Context, contentID string) (*model.RefsEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refs[contentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) PutRefs(_ context.Context, r *model.RefsEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[r.ContentID]; ok {
		return nil
	}
	cp := *r
	m.refs[r.ContentID] = &cp
	return nil
}

// PutRefsForce overwrites an existing refs entry, bypassing the
// immutability rule PutRefs enforces. Test-only escape hatch for
// exercising cache-vs-durable-store divergence.
func (m *MemoryRepository) PutRefsForce(_ context.Context, contentID string, subBlockIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[contentID] = &model.RefsEntry{ContentID: contentID, SubBlockIDs: subBlockIDs}
	return nil
}

func (m *MemoryRepository) GetContract(_ context.Context, id string) (*model.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) UpsertContract(_ context.Context, c *model.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.contracts[c.ID] = &cp
	return nil
}

func (m *MemoryRepository) ExpiredContracts(_ context.Context, now time.Time) ([]*model.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Contract
	for _, c := range m.contracts {
		if c.Status == model.ContractActive && !now.Before(c.ExpiresAt) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) ExhaustedContracts(_ context.Context) ([]*model.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Contract
	for _, c := range m.contracts {
		if c.Status == model.ContractActive && c.Remaining() < c.RewardPerChallenge {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) DebitContract(_ context.Context, id string, reward float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.Spent+reward > c.Budget {
		return false, nil
	}
	c.Spent += reward
	return true, nil
}

func (m *MemoryRepository) AppendContractEvent(_ context.Context, e *model.ContractEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.contractEvents = append(m.contractEvents, &cp)
	return nil
}

func (m *MemoryRepository) ContractEvents(_ context.Context, contractID string) ([]*model.ContractEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ContractEvent
	for _, e := range m.contractEvents {
		if e.ContractID == contractID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) InsertChallenge(_ context.Context, c *model.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.challenges[c.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateChallengeResult(_ context.Context, id string, result model.ChallengeResult, reason string, latencyMillis int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Result = result
	c.FailReason = reason
	c.LatencyMillis = latencyMillis
	return nil
}

func (m *MemoryRepository) AppendAudit(_ context.Context, a *model.AuditRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryRepository) AuditRows(_ context.Context, limit int) ([]*model.AuditRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]*model.AuditRow, 0, limit)
	for _, a := range m.audit[:limit] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepository) Close() error { return nil }

var _ store.Repository = (*MemoryRepository)(nil)
