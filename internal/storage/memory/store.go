package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"guardian/internal/storage"
)

// item is a stored value with its expiry
type item struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (i *item) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// member is one entry in a time-scored rolling set
type member struct {
	value string
	at    time.Time
}

// Store implements CacheStore with in-process maps. Increment is atomic
// under the store lock, so it honors the same contract as the Redis path.
type Store struct {
	mu      sync.Mutex
	items   map[string]*item
	sets    map[string]*setEntry
	config  *storage.Config
	done    chan struct{}
	closeMu sync.Once
}

type setEntry struct {
	members   []member
	expiresAt time.Time
}

// NewStore creates a new memory store
func NewStore(config *storage.Config) *Store {
	if config == nil {
		config = storage.DefaultConfig()
	}

	s := &Store{
		items:  make(map[string]*item),
		sets:   make(map[string]*setEntry),
		config: config,
		done:   make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// Get returns the value for key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok || it.expired(time.Now()) {
		return "", false, nil
	}
	return it.value, true, nil
}

// Set writes value with the given TTL
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictIfFull()

	it := &item{value: value}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	s.items[key] = it
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	delete(s.sets, key)
	return nil
}

// Increment atomically increments the counter at key. The TTL starts the
// window only on first increment.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	it, ok := s.items[key]
	if !ok || it.expired(now) {
		s.evictIfFull()
		it = &item{value: "0"}
		if ttl > 0 {
			it.expiresAt = now.Add(ttl)
		}
		s.items[key] = it
	}

	count, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		count = 0
	}
	count++
	it.value = strconv.FormatInt(count, 10)
	return count, nil
}

// TTL returns the remaining lifetime of key
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok || it.expiresAt.IsZero() {
		return 0, nil
	}
	remaining := time.Until(it.expiresAt)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// AddToSet appends a member to a time-scored rolling set
func (s *Store) AddToSet(ctx context.Context, key, value string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.sets[key]
	if !ok || (se.expiresAt != (time.Time{}) && time.Now().After(se.expiresAt)) {
		se = &setEntry{}
		s.sets[key] = se
	}
	se.members = append(se.members, member{value: value, at: at})
	if ttl > 0 {
		se.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// RangeSet returns members scored at or after since, oldest first
func (s *Store) RangeSet(ctx context.Context, key string, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.sets[key]
	if !ok {
		return nil, nil
	}

	var out []member
	for _, m := range se.members {
		if !m.at.Before(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })

	values := make([]string, len(out))
	for i, m := range out {
		values[i] = m.value
	}
	return values, nil
}

// TrimSetBefore drops members scored before cutoff
func (s *Store) TrimSetBefore(ctx context.Context, key string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.sets[key]
	if !ok {
		return nil
	}

	kept := se.members[:0]
	for _, m := range se.members {
		if !m.at.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	se.members = kept
	if len(se.members) == 0 {
		delete(s.sets, key)
	}
	return nil
}

// Close stops the cleanup goroutine
func (s *Store) Close() error {
	s.closeMu.Do(func() { close(s.done) })
	return nil
}

// cleanupLoop periodically removes expired entries
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

// removeExpired sweeps expired items and sets
func (s *Store) removeExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, it := range s.items {
		if it.expired(now) {
			delete(s.items, key)
		}
	}
	for key, se := range s.sets {
		if se.expiresAt != (time.Time{}) && now.After(se.expiresAt) {
			delete(s.sets, key)
		}
	}
}

// evictIfFull removes the soonest-expiring entry when at capacity.
// Callers must hold s.mu.
func (s *Store) evictIfFull() {
	if s.config.MaxEntries <= 0 || len(s.items) < s.config.MaxEntries {
		return
	}

	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, it := range s.items {
		if first || (!it.expiresAt.IsZero() && it.expiresAt.Before(oldestTime)) {
			oldestKey = key
			oldestTime = it.expiresAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(s.items, oldestKey)
	}
}

var _ storage.CacheStore = (*Store)(nil)
