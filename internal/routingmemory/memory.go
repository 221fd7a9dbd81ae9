package routingmemory

import (
	"context"
	"sync"
)

// MemoryStore keeps the most recent records in process. When full, the
// oldest record is evicted; ids already seen stay reserved while retained.
type MemoryStore struct {
	mu      sync.RWMutex
	max     int
	records []Record
	byID    map[string]int
	offset  int // number of evicted records
}

// NewMemoryStore retains at most max records (1000 when max <= 0).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max, byID: map[string]int{}}
}

// Append stores r.
func (s *MemoryStore) Append(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[r.RecordID]; ok {
		return ErrDuplicateRecord
	}
	if len(s.records) == s.max {
		delete(s.byID, s.records[0].RecordID)
		s.records = s.records[1:]
		s.offset++
	}
	s.byID[r.RecordID] = s.offset + len(s.records)
	s.records = append(s.records, r)
	return nil
}

// Get returns a retained record.
func (s *MemoryStore) Get(_ context.Context, recordID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[recordID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return s.records[i-s.offset], nil
}

// Recent returns up to limit records, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

// Len returns the number of retained records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Reader = (*MemoryStore)(nil)
)
