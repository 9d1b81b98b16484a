package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired keys are swept.
const DefaultCleanupInterval = time.Minute

// MemoryStore is an in-process Store. It only deduplicates deliveries seen by
// the same process; use RedisStore when several processes share a queue.
//
// Example:
//
//	store := idempotency.NewMemoryStore(time.Hour)
//	defer store.Close()
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration
	stopCh  chan struct{}
	once    sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	cleanupInterval time.Duration
}

// WithCleanupInterval sets how often expired keys are removed.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// NewMemoryStore creates an in-memory store remembering keys for ttl
// (DefaultTTL when ttl <= 0). Call Close to stop the cleanup goroutine.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	o := &memoryOptions{cleanupInterval: DefaultCleanupInterval}
	for _, opt := range opts {
		opt(o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go s.cleanup(o.cleanupInterval)
	return s
}

// IsDuplicate reports whether key is known and unexpired.
func (s *MemoryStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[key]
	return ok && time.Now().Before(expiry), nil
}

// MarkProcessed records key for the default TTL.
func (s *MemoryStore) MarkProcessed(ctx context.Context, key string) error {
	return s.MarkProcessedWithTTL(ctx, key, s.ttl)
}

// MarkProcessedWithTTL records key for ttl, replacing any earlier expiry.
func (s *MemoryStore) MarkProcessedWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = time.Now().Add(ttl)
	return nil
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stopCh) })
}

// Len returns the number of keys held, including expired keys not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, expiry := range s.entries {
				if now.After(expiry) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
