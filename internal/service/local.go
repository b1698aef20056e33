package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

const localCacheSize = 10000

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LocalCoordinator is the single-instance Coordinator used when Redis is disabled.
// Idempotency claims and cached values live in one bounded LRU.
type LocalCoordinator struct {
	mu      sync.Mutex
	entries *lru.Cache
	locks   map[string]localEntry
	now     func() time.Time
}

// NewLocalCoordinator creates a new LocalCoordinator
func NewLocalCoordinator() *LocalCoordinator {
	entries, _ := lru.New(localCacheSize)
	return &LocalCoordinator{
		entries: entries,
		locks:   make(map[string]localEntry),
		now:     time.Now,
	}
}

func (l *LocalCoordinator) get(key string) (localEntry, bool) {
	v, ok := l.entries.Get(key)
	if !ok {
		return localEntry{}, false
	}
	e := v.(localEntry)
	if e.expired(l.now()) {
		l.entries.Remove(key)
		return localEntry{}, false
	}
	return e, true
}

// ClaimIdempotencyKey stores value under key unless it is already claimed
func (l *LocalCoordinator) ClaimIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := "idempotency:" + key
	if e, ok := l.get(k); ok {
		return string(e.value), true, nil
	}
	l.entries.Add(k, localEntry{value: []byte(value), expiresAt: l.now().Add(ttl)})
	return "", false, nil
}

// ReleaseIdempotencyKey forgets a claim
func (l *LocalCoordinator) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	l.entries.Remove("idempotency:" + key)
	return nil
}

// AcquireLock takes key for ttl unless someone else holds it
func (l *LocalCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.locks[key]; ok && !e.expired(l.now()) {
		return "", false, nil
	}
	token := uuid.New().String()
	l.locks[key] = localEntry{value: []byte(token), expiresAt: l.now().Add(ttl)}
	return token, true, nil
}

// ReleaseLock releases key if token still owns it
func (l *LocalCoordinator) ReleaseLock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.locks[key]; ok && string(e.value) == token {
		delete(l.locks, key)
	}
	return nil
}

// SetJSON caches value as JSON under key with TTL
func (l *LocalCoordinator) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Add("cache:"+key, localEntry{value: data, expiresAt: l.now().Add(ttl)})
	return nil
}

// GetJSON loads a cached JSON value into dest; found is false on a miss
func (l *LocalCoordinator) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	l.mu.Lock()
	e, ok := l.get("cache:" + key)
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.value, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return true, nil
}
