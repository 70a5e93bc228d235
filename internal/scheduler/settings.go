package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// StoreSettings are the per-store business rules applied before calling a customer.
type StoreSettings struct {
	StoreID              string
	AICallsEnabled       bool
	MinVerificationScore float64

	// CallDelay postpones the first call after verification; <= 0 calls immediately.
	CallDelay time.Duration

	// CooldownWindow suppresses repeat calls to the same customer for this store.
	CooldownWindow time.Duration

	ExpectedQuestions int
	BusinessContext   map[string]string
}

var ErrStoreNotConfigured = errors.New("scheduler: store has no call settings")

type SettingsProvider interface {
	Settings(ctx context.Context, storeID string) (StoreSettings, error)
}

// MemorySettings is a map-backed SettingsProvider for tests and local runs.
type MemorySettings struct {
	mu     sync.RWMutex
	stores map[string]StoreSettings
}

func NewMemorySettings(stores ...StoreSettings) *MemorySettings {
	m := &MemorySettings{stores: map[string]StoreSettings{}}
	for _, s := range stores {
		m.stores[s.StoreID] = s
	}
	return m
}

func (m *MemorySettings) Put(s StoreSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[s.StoreID] = s
}

func (m *MemorySettings) Settings(ctx context.Context, storeID string) (StoreSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[storeID]
	if !ok {
		return StoreSettings{}, ErrStoreNotConfigured
	}
	return s, nil
}
