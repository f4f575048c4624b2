package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Client fake for tests.
type Memory struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	balances    map[string]float64
	transfers   map[string]Transfer
	topValidators map[string]bool
	blockDigest string
	nextTxSeq   int
}

// NewMemory returns an empty fake ledger client.
func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[string]*Account),
		balances:      make(map[string]float64),
		transfers:     make(map[string]Transfer),
		topValidators: make(map[string]bool),
		blockDigest:   "0000000000000000000000000000000000000000000000000000000000000000",
	}
}

// SeedAccount registers name with address and an initial balance.
func (m *Memory) SeedAccount(name, addr string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[name] = &Account{Name: name, Address: addr}
	m.balances[name] = balance
}

// SetTopValidator marks name as a top validator for IsTopValidator checks.
func (m *Memory) SetTopValidator(name string, isTop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topValidators[name] = isTop
}

// SetBlockDigest overrides the digest LatestBlockDigest returns.
func (m *Memory) SetBlockDigest(digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockDigest = digest
}

func (m *Memory) GetAccount(_ context.Context, name string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[name]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetBalance(_ context.Context, name string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[name]; !ok {
		return 0, ErrAccountNotFound
	}
	return m.balances[name], nil
}

func (m *Memory) SubmitTransfer(_ context.Context, t Transfer) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[t.To]; !ok {
		return "", ErrAccountNotFound
	}
	m.nextTxSeq++
	txID := fmt.Sprintf("fake-tx-%d", m.nextTxSeq)
	m.transfers[txID] = t
	m.balances[t.To] += t.Amount
	if _, ok := m.accounts[t.From]; ok {
		m.balances[t.From] -= t.Amount
	}
	return txID, nil
}

func (m *Memory) VerifyTransfer(_ context.Context, txID string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[txID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := t
	return &cp, nil
}

func (m *Memory) LatestBlockDigest(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockDigest, nil
}

func (m *Memory) IsTopValidator(_ context.Context, name string, _ int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topValidators[name], nil
}

var _ Client = (*Memory)(nil)
