package storage

import (
	"context"
	"sync"
)

// Record is one persisted entry in a MemStore.
type Record struct {
	ID     []byte
	Data   []byte
	Epoch  uint32
	Exotic bool
}

// MemStore is an in-memory append-only stand-in for the local
// log-structured store, useful for tests and cmd/shuffled.
type MemStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) NativeWrite(_ context.Context, id, data []byte, epoch uint32) error {
	s.append(id, data, epoch, false)
	return nil
}

func (s *MemStore) ExoticWrite(_ context.Context, id, data []byte, epoch uint32) error {
	s.append(id, data, epoch, true)
	return nil
}

func (s *MemStore) append(id, data []byte, epoch uint32, exotic bool) {
	rec := Record{
		ID:     append([]byte(nil), id...),
		Data:   append([]byte(nil), data...),
		Epoch:  epoch,
		Exotic: exotic,
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
}

// Records returns a snapshot of everything written so far.
func (s *MemStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// CountEpoch returns the number of records written for epoch.
func (s *MemStore) CountEpoch(epoch uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Epoch == epoch {
			n++
		}
	}
	return n
}

var _ Store = (*MemStore)(nil)
