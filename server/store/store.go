// Package store keeps the most recent packet records in insertion order.
package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/common/ringbuffer"
)

const DefaultCapacity = 10_000

// Store is a bounded, insertion ordered record store. Every method holds the
// store lock for its whole duration, so reads see a single snapshot.
type Store struct {
	mu    sync.RWMutex
	rb    *ringbuffer.RingBuffer[record.Record]
	index map[uuid.UUID]uint64 // record id -> insertion sequence
	total uint64
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Store{
		rb:    ringbuffer.New[record.Record](capacity),
		index: make(map[uuid.UUID]uint64, capacity),
	}
}

// Insert appends rec, evicting the oldest record once capacity is exceeded.
func (s *Store) Insert(rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.total
	s.total++

	if old, ok := s.rb.Push(rec); ok {
		// Only drop the mapping if it still points at the evicted slot.
		if oseq, ok := s.index[old.ID]; ok && oseq == seq-uint64(s.rb.Cap()) {
			delete(s.index, old.ID)
		}
	}

	s.index[rec.ID] = seq
}

// Recent returns up to limit of the newest records, oldest first.
func (s *Store) Recent(limit int) []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.rb.Len()

	return s.rb.Slice(n-min(max(limit, 0), n), n)
}

func (s *Store) Get(id uuid.UUID) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.position(id)
	if !ok {
		return record.Record{}, false
	}

	return s.rb.At(pos), true
}

// Context returns the record with id plus up to before preceding and after
// following records, clipped to the store's bounds.
func (s *Store) Context(id uuid.UUID, before, after int) ([]record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.position(id)
	if !ok {
		return nil, false
	}

	n := s.rb.Len()
	before = min(max(before, 0), n)
	after = min(max(after, 0), n)

	return s.rb.Slice(pos-before, pos+after+1), true
}

// Len is the number of records currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rb.Len()
}

// Total is the number of records ever inserted, including evicted ones.
func (s *Store) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.total
}

// Cap is the maximum number of records held.
func (s *Store) Cap() int {
	return s.rb.Cap()
}

// position must be called with the lock held.
func (s *Store) position(id uuid.UUID) (int, bool) {
	seq, ok := s.index[id]
	if !ok {
		return 0, false
	}

	first := s.total - uint64(s.rb.Len())

	return int(seq - first), true
}
