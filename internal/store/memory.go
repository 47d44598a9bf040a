// Package store — in-memory Store implementation. Run history lives for
// the process lifetime only; there is no persisted format.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/pkg/models"
)

// defaultMaxKept caps the run history when no limit is configured.
const defaultMaxKept = 1000

// defaultListLimit bounds ListRuns when the caller passes no limit.
const defaultListLimit = 100

// MemoryStore implements Store with an in-memory map plus an insertion
// order index used for eviction and newest-first listing.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*models.Run
	order   []string // run IDs, oldest first
	maxKept int
}

// NewMemoryStore creates a new in-memory run store keeping at most
// maxKept runs, oldest evicted first.
func NewMemoryStore(maxKept int) *MemoryStore {
	if maxKept <= 0 {
		maxKept = defaultMaxKept
	}
	log.Info().Int("max_kept", maxKept).Msg("Run store configured")
	return &MemoryStore{
		runs:    make(map[string]*models.Run),
		maxKept: maxKept,
	}
}

// evictLocked drops the oldest runs until the history fits the cap.
// Caller must hold the write lock.
func (m *MemoryStore) evictLocked() {
	for len(m.order) > m.maxKept {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.runs, oldest)
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store. Safe to call multiple times.
func (m *MemoryStore) Close() error { return nil }

// ── Run Store ───────────────────────────────────────────────

func (m *MemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *run
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.runs[copy.ID]; !ok {
		m.order = append(m.order, copy.ID)
	}
	m.runs[copy.ID] = &copy
	m.evictLocked()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: id}
	}
	copy := *run
	return &copy, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, kind models.RunKind, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Run, 0, limit)
	for i := len(m.order) - 1; i >= 0; i-- { // newest first
		run, ok := m.runs[m.order[i]]
		if !ok {
			continue
		}
		if kind != "" && run.Kind != kind {
			continue
		}
		result = append(result, *run)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CountRuns(_ context.Context, kind models.RunKind) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, run := range m.runs {
		if kind != "" && run.Kind != kind {
			continue
		}
		count++
	}
	return count, nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
