package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Memory is an in-process ContentStore fake for tests: content IDs are
// just hex SHA-256 digests of the stored bytes, and sub-block lists are
// registered explicitly rather than derived from a DAG encoding.
type Memory struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	refs   map[string][]string
	online bool
}

// NewMemory returns an online, empty fake store.
func NewMemory() *Memory {
	return &Memory{
		blobs:  make(map[string][]byte),
		refs:   make(map[string][]string),
		online: true,
	}
}

// Put seeds the store with contentID -> data directly, bypassing the
// hash-derived ID AddPinned would compute. Useful for fixtures that need
// a specific, pre-known content ID.
func (m *Memory) Put(contentID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[contentID] = data
}

// SetRefs registers contentID's sub-block list for RecursiveRefs.
func (m *Memory) SetRefs(contentID string, subBlockIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[contentID] = subBlockIDs
}

// SetOnline toggles the result IsOnline returns.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

func (m *Memory) Cat(_ context.Context, contentID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[contentID]
	if !ok {
		return nil, fmt.Errorf("contentstore: not found: %s", contentID)
	}
	return b, nil
}

func (m *Memory) RecursiveRefs(_ context.Context, contentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[contentID], nil
}

func (m *Memory) AddPinned(_ context.Context, b []byte) (string, error) {
	sum := sha256.Sum256(b)
	id := hex.EncodeToString(sum[:])
	m.mu.Lock()
	m.blobs[id] = b
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) IsOnline(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

var _ ContentStore = (*Memory)(nil)
