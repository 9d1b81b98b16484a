package dlq

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	seq      map[string]uint64 // insertion order
	next     uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		seq:      make(map[string]uint64),
	}
}

func clone(msg *Message) *Message {
	c := *msg
	c.Headers = maps.Clone(msg.Headers)
	c.Body = slices.Clone(msg.Body)
	if msg.RetriedAt != nil {
		t := *msg.RetriedAt
		c.RetriedAt = &t
	}
	return &c
}

func (s *MemoryStore) Store(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; !ok {
		s.next++
		s.seq[msg.ID] = s.next
	}
	s.messages[msg.ID] = clone(msg)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(msg), nil
}

// ordered returns matching messages in insertion order. Caller holds the lock.
func (s *MemoryStore) ordered(filter Filter) []*Message {
	var out []*Message
	for _, msg := range s.messages {
		if filter.Match(msg) {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b *Message) int {
		return int(s.seq[a.ID]) - int(s.seq[b.ID])
	})
	return out
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := filter.page(s.ordered(filter))
	out := make([]*Message, len(page))
	for i, msg := range page {
		out[i] = clone(msg)
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, msg := range s.messages {
		if filter.Match(msg) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkRetried(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := time.Now()
	msg.RetriedAt = &now
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.messages, id)
	delete(s.seq, id)
	return nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.DeleteByFilter(ctx, Filter{EndTime: time.Now().Add(-age)})
}

func (s *MemoryStore) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, msg := range filter.page(s.ordered(filter)) {
		delete(s.messages, msg.ID)
		delete(s.seq, msg.ID)
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return computeStats(slices.Collect(maps.Values(s.messages))), nil
}

var _ Store = (*MemoryStore)(nil)
var _ StatsProvider = (*MemoryStore)(nil)
