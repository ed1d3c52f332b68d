package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/polisai/polis-pdti/pkg/domain"
)

// ErrDuplicateRecord is returned when an audit record id is saved twice.
var ErrDuplicateRecord = errors.New("audit record already exists")

// MemoryAuditStore is an in-memory implementation of AuditStore.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records []domain.AuditRecord
	ids     map[string]struct{}
}

// NewMemoryAuditStore creates a new MemoryAuditStore.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{ids: make(map[string]struct{})}
}

// Save appends the record to memory.
func (s *MemoryAuditStore) Save(ctx context.Context, record domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID != "" {
		if _, exists := s.ids[record.ID]; exists {
			return ErrDuplicateRecord
		}
		s.ids[record.ID] = struct{}{}
	}
	s.records = append(s.records, record)
	return nil
}

// List returns matching records in the order they were saved.
func (s *MemoryAuditStore) List(_ context.Context, query AuditQuery) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditRecord, 0, len(s.records))
	for _, record := range s.records {
		if !query.matches(record) {
			continue
		}
		out = append(out, record)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

// Len reports the number of stored records.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op for memory store.
func (s *MemoryAuditStore) Close() error {
	return nil
}
