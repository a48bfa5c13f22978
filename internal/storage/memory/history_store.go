package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/product-search-gateway/internal/search"
)

// DefaultHistoryCapacity bounds a HistoryStore built with a non-positive
// capacity.
const DefaultHistoryCapacity = 1000

// HistoryStore keeps the most recent invocation records in a map keyed by
// request id. Once capacity is reached the oldest inserted record is evicted.
type HistoryStore struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]search.InvocationRecord
	order    []string
}

// NewHistoryStore constructs a HistoryStore holding at most capacity records.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryStore{
		capacity: capacity,
		records:  make(map[string]search.InvocationRecord),
	}
}

// RecordInvocation stores rec, replacing any earlier record for the same id.
func (s *HistoryStore) RecordInvocation(_ context.Context, rec search.InvocationRecord) error {
	if rec.RequestID == "" {
		return errors.New("request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.RequestID]; !ok {
		for len(s.order) >= s.capacity {
			delete(s.records, s.order[0])
			s.order = s.order[1:]
		}
		s.order = append(s.order, rec.RequestID)
	}
	s.records[rec.RequestID] = rec
	return nil
}

// GetInvocation returns the record for requestID or search.ErrNotFound.
func (s *HistoryStore) GetInvocation(_ context.Context, requestID string) (search.InvocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[requestID]
	if !ok {
		return search.InvocationRecord{}, fmt.Errorf("get invocation %s: %w", requestID, search.ErrNotFound)
	}
	return rec, nil
}

// Len returns the number of records held.
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// List returns all records ordered by receive time.
func (s *HistoryStore) List() []search.InvocationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]search.InvocationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}
