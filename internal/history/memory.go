package history

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

// MemoryStore keeps records in a map. Used by tests and as the fallback
// backend when no storage path is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.TradeRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.TradeRecord)}
}

func (m *MemoryStore) Add(_ context.Context, rec models.TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("trade %s already stored", rec.ID)
	}
	if rec.Status == models.TradeOpen {
		for _, other := range m.records {
			if other.Status == models.TradeOpen &&
				other.UserID == rec.UserID &&
				other.StrategyName == rec.StrategyName &&
				other.Instrument == rec.Instrument {
				return fmt.Errorf("%w: %s/%s", ErrDuplicateOpenTrade, rec.StrategyName, rec.Instrument)
			}
		}
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.apply(&rec)
	if err := rec.Validate(); err != nil {
		return err
	}
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return models.TradeRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]models.TradeRecord, error) {
	m.mu.RLock()
	matched := make([]models.TradeRecord, 0)
	for _, rec := range m.records {
		if q.matches(&rec) {
			matched = append(matched, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EntryTime.After(matched[j].EntryTime)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []models.TradeRecord{}, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) Stats(ctx context.Context, q Query) (Stats, error) {
	q.Limit = 0
	q.Offset = 0
	records, err := m.Query(ctx, q)
	if err != nil {
		return Stats{}, err
	}
	return statsOf(records), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
