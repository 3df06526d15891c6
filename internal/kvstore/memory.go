package kvstore

import (
	"context"
	"sync"
)

// Memory is a mutex-guarded in-process store with the same contract as
// Store. It backs single-process deployments where no Redis is configured;
// state does not survive a restart and is not shared across replicas.
type Memory struct {
	mu     sync.Mutex
	syncs  map[string]string
	pushes map[string]string
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		syncs:  make(map[string]string),
		pushes: make(map[string]string),
	}
}

// GetSync returns the stored sync payload, or ErrNotFound.
func (m *Memory) GetSync(_ context.Context, keyHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.syncs[keyHash]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetSync stores the sync payload.
func (m *Memory) SetSync(_ context.Context, keyHash, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs[keyHash] = value
	return nil
}

// DelSync removes the sync payload. Absent keys are not an error.
func (m *Memory) DelSync(_ context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.syncs, keyHash)
	return nil
}

// DelPush removes the push subscription. Absent keys are not an error.
func (m *Memory) DelPush(_ context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pushes, keyHash)
	return nil
}
