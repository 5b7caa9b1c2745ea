package coordination

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	token     string
	expiresAt time.Time
}

/*
MemoryStore implements the Store contract in process memory. It exists for
tests and local development; it honors the same conditional-write semantics
as a remote store with explicit record expiry (create succeeds if the record
is absent or its expiry has strictly passed).
*/
type MemoryStore struct {
	mutex   sync.Mutex
	records map[string]memoryRecord

	//Now returns the store's current time. Tests override it to control
	//record expiry.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]memoryRecord{},
		Now:     time.Now,
	}
}

func (s *MemoryStore) TryCreate(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.Now()
	existing, found := s.records[key]
	if found && !existing.expiresAt.Before(now) {
		return false, nil
	}

	s.records[key] = memoryRecord{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseIfOwned(ctx context.Context, key string, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, found := s.records[key]
	if !found || existing.token != token {
		return false, nil
	}

	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) Inspect(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, found := s.records[key]
	if !found || existing.expiresAt.Before(s.Now()) {
		return Record{}, false, nil
	}

	return Record{Token: existing.token, ExpiresAt: existing.expiresAt}, true, nil
}
