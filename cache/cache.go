package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/monitoring"
	"github.com/chaodonghu/outfit-generator/state"
)

type Tier string

const (
	TierMemory  Tier = "memory"
	TierDurable Tier = "durable"
)

// Stats tracks cache performance since the last Clear.
type Stats struct {
	MemoryHits     int64 `json:"memory_hits"`
	DurableHits    int64 `json:"durable_hits"`
	Misses         int64 `json:"misses"`
	Stores         int64 `json:"stores"`
	DurableErrors  int64 `json:"durable_errors"`
	MemoryEntries  int   `json:"memory_entries"`
	DurableEnabled bool  `json:"durable_enabled"`
}

// Layer is the two-tier result cache. Entries are never invalidated
// automatically; they stay until Clear.
type Layer struct {
	// Content fingerprint -> result
	memory   map[string]outfit.CachedResult
	memoryMu sync.RWMutex

	// Nil runs the layer memory-only.
	durable state.IdentityStore

	stats   Stats
	statsMu sync.Mutex

	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger
}

func NewLayer(durable state.IdentityStore, metrics *monitoring.Metrics, logger *zap.SugaredLogger) *Layer {
	return &Layer{
		memory:  make(map[string]outfit.CachedResult),
		durable: durable,
		metrics: metrics,
		logger:  logger,
	}
}

// Lookup checks the memory tier first, then the durable tier. A durable hit
// is copied into memory. Durable failures count as a miss.
func (l *Layer) Lookup(ctx context.Context, key Key) (outfit.CachedResult, Tier, bool) {
	l.memoryMu.RLock()
	result, found := l.memory[key.Content]
	l.memoryMu.RUnlock()
	if found {
		l.recordLookup(TierMemory, true)
		return result, TierMemory, true
	}
	l.recordLookup(TierMemory, false)

	if l.durable == nil || !key.HasIdentity() {
		l.recordMiss()
		return outfit.CachedResult{}, "", false
	}

	record, err := l.durable.GetByIdentity(ctx, key.Identity)
	if err != nil {
		l.storageDegraded("lookup", key, err)
		l.recordMiss()
		return outfit.CachedResult{}, "", false
	}
	if record == nil {
		l.recordLookup(TierDurable, false)
		l.recordMiss()
		return outfit.CachedResult{}, "", false
	}

	result = outfit.CachedResult{
		ImageRef:   record.ImageRef,
		Provenance: outfit.ProvenanceGenerated,
		CreatedAt:  record.CreatedAt,
	}
	l.memoryMu.Lock()
	l.memory[key.Content] = result
	l.memoryMu.Unlock()

	l.recordLookup(TierDurable, true)
	return result, TierDurable, true
}

// Peek checks the memory tier without touching stats or metrics. Results
// stored by this process always land in memory, so it is enough to see
// what a concurrent request just finished.
func (l *Layer) Peek(key Key) (outfit.CachedResult, bool) {
	l.memoryMu.RLock()
	defer l.memoryMu.RUnlock()
	result, found := l.memory[key.Content]
	return result, found
}

// Store always writes the memory tier. Generated results with an identity
// key are also written through to the durable tier; degraded ones never
// are, so a later session gets another chance at a real generation.
func (l *Layer) Store(ctx context.Context, key Key, result outfit.CachedResult) {
	l.memoryMu.Lock()
	l.memory[key.Content] = result
	l.memoryMu.Unlock()

	l.statsMu.Lock()
	l.stats.Stores++
	l.statsMu.Unlock()

	if l.durable == nil || !key.HasIdentity() || result.Degraded() {
		return
	}
	if err := l.durable.PutByIdentity(ctx, key.Identity, result.ImageRef); err != nil {
		l.storageDegraded("store", key, err)
	}
}

// Clear resets the memory tier only. Durable data belongs to the store.
func (l *Layer) Clear() {
	l.memoryMu.Lock()
	cleared := len(l.memory)
	l.memory = make(map[string]outfit.CachedResult)
	l.memoryMu.Unlock()

	l.statsMu.Lock()
	l.stats = Stats{}
	l.statsMu.Unlock()

	l.logger.Infow("Memory cache cleared", "entries", cleared)
}

func (l *Layer) Stats() Stats {
	l.memoryMu.RLock()
	entries := len(l.memory)
	l.memoryMu.RUnlock()

	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	stats := l.stats
	stats.MemoryEntries = entries
	stats.DurableEnabled = l.durable != nil
	return stats
}

func (l *Layer) recordLookup(tier Tier, hit bool) {
	if hit {
		l.statsMu.Lock()
		if tier == TierMemory {
			l.stats.MemoryHits++
		} else {
			l.stats.DurableHits++
		}
		l.statsMu.Unlock()
	}
	l.metrics.RecordCacheLookup(string(tier), hit)
}

func (l *Layer) recordMiss() {
	l.statsMu.Lock()
	l.stats.Misses++
	l.statsMu.Unlock()
}

func (l *Layer) storageDegraded(operation string, key Key, err error) {
	l.statsMu.Lock()
	l.stats.DurableErrors++
	l.statsMu.Unlock()

	l.metrics.RecordStorageDegraded(operation)
	l.logger.Warnw("Durable cache unavailable, continuing with memory only",
		"operation", operation, "identity", key.Identity, "error", err)
}
