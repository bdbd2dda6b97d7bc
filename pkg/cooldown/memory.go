package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps keys in process memory. It is suitable for single-process deployments
// and tests; it does not coordinate across processes.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store that purges expired keys every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	return &MemoryStore{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (s *MemoryStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, err := s.Lock(ctx, key, ttl)

	return token != "", err
}

func (s *MemoryStore) Lock(_ context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}

	token := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Add fails while an unexpired item exists and replaces expired ones.
	if err := s.cache.Add(key, memoryEntry{token: token, expiresAt: time.Now().Add(ttl)}, ttl); err != nil {
		return "", nil
	}

	return token, nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, found := s.cache.Get(key)
	if !found {
		return nil
	}

	if entry, ok := value.(memoryEntry); ok && entry.token == token {
		s.cache.Delete(key)
	}

	return nil
}

func (s *MemoryStore) Active(_ context.Context, key string) (bool, error) {
	_, found := s.cache.Get(key)

	return found, nil
}

// ExpiresAt returns when a held key expires.
func (s *MemoryStore) ExpiresAt(key string) (time.Time, bool) {
	value, found := s.cache.Get(key)
	if !found {
		return time.Time{}, false
	}

	entry, ok := value.(memoryEntry)

	return entry.expiresAt, ok
}
