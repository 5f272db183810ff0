package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

// MemoryManager keeps identity records for the life of the process. Used when
// no valkey endpoint is configured, and in tests.
type MemoryManager struct {
	// Identity key -> record
	records   map[string]Record
	recordsMu sync.RWMutex

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryManager() *MemoryManager {
	return newMemoryManagerWithClock(clock.New())
}

func newMemoryManagerWithClock(clk clock.Clock) *MemoryManager {
	return &MemoryManager{
		records: make(map[string]Record),
		clock:   clk,
	}
}

func (m *MemoryManager) GetByIdentity(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.recordsMu.RLock()
	defer m.recordsMu.RUnlock()

	record, exists := m.records[key]
	if !exists {
		return nil, nil
	}
	return &record, nil
}

func (m *MemoryManager) PutByIdentity(ctx context.Context, key string, imageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if imageRef == "" {
		return fmt.Errorf("image reference is required")
	}

	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	m.records[key] = Record{ImageRef: imageRef, CreatedAt: m.clock.Now()}
	return nil
}

// Clear removes every record. The generator never calls this; durable data
// is cleared by whoever owns the store.
func (m *MemoryManager) Clear() {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	m.records = make(map[string]Record)
}
