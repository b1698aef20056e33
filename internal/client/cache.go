package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"trade-service/internal/models"

	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const cacheKeyPrefix = "trade:"

// CacheConfig configures a Cache
type CacheConfig struct {
	// Size bounds the in-memory layer
	Size int
	// FreshFor is how long a stored trade may be served as a fallback
	FreshFor time.Duration
	// Path of the LevelDB directory; empty keeps the cache in memory only
	Path string
}

// cachedTrade is a trade with the time it was stored
type cachedTrade struct {
	Trade    *models.Trade `json:"trade"`
	StoredAt time.Time     `json:"stored_at"`
}

// Cache holds the last fetched record of each trade.
// Freshness is decided here so callers never compare timestamps themselves.
type Cache struct {
	mu       sync.Mutex
	mem      *lru.Cache
	db       *leveldb.DB
	freshFor time.Duration
	now      func() time.Time
}

// NewCache creates a new Cache, opening the LevelDB directory when cfg.Path is set
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = 5 * time.Minute
	}

	mem, err := lru.New(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create trade cache: %w", err)
	}

	c := &Cache{mem: mem, freshFor: cfg.FreshFor, now: time.Now}

	if path := strings.TrimSpace(cfg.Path); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve trade cache path: %w", err)
		}
		db, err := leveldb.OpenFile(abs, nil)
		if err != nil {
			return nil, fmt.Errorf("open trade cache: %w", err)
		}
		c.db = db
	}
	return c, nil
}

// Get returns the stored trade and whether it is still fresh
func (c *Cache) Get(key string) (trade *models.Trade, isFresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.load(key)
	if !ok {
		return nil, false, false
	}
	return entry.Trade.Clone(), c.fresh(entry), true
}

// Put stores trade under key, stamped with the current time
func (c *Cache) Put(key string, trade *models.Trade) error {
	if trade == nil {
		return errors.New("nil trade")
	}
	entry := cachedTrade{Trade: trade.Clone(), StoredAt: c.now().UTC()}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.mem.Add(key, entry)
	if c.db == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cached trade: %w", err)
	}
	if err := c.db.Put([]byte(cacheKeyPrefix+key), data, nil); err != nil {
		return fmt.Errorf("persist cached trade: %w", err)
	}
	return nil
}

// IsExpired reports whether key is missing or too old to serve
func (c *Cache) IsExpired(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.load(key)
	return !ok || !c.fresh(entry)
}

// Delete forgets key
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mem.Remove(key)
	if c.db == nil {
		return nil
	}
	return c.db.Delete([]byte(cacheKeyPrefix+key), nil)
}

// Keys lists every stored key, including ones only on disk
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	var keys []string
	for _, k := range c.mem.Keys() {
		if s, ok := k.(string); ok {
			seen[s] = struct{}{}
			keys = append(keys, s)
		}
	}
	if c.db == nil {
		return keys
	}
	iter := c.db.NewIterator(util.BytesPrefix([]byte(cacheKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		k := strings.TrimPrefix(string(iter.Key()), cacheKeyPrefix)
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Close releases the LevelDB handle
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// load reads through to LevelDB on a memory miss; caller holds mu
func (c *Cache) load(key string) (cachedTrade, bool) {
	if v, ok := c.mem.Get(key); ok {
		return v.(cachedTrade), true
	}
	if c.db == nil {
		return cachedTrade{}, false
	}
	data, err := c.db.Get([]byte(cacheKeyPrefix+key), nil)
	if err != nil {
		return cachedTrade{}, false
	}
	var entry cachedTrade
	if err := json.Unmarshal(data, &entry); err != nil || entry.Trade == nil {
		return cachedTrade{}, false
	}
	c.mem.Add(key, entry)
	return entry, true
}

func (c *Cache) fresh(entry cachedTrade) bool {
	return c.now().Sub(entry.StoredAt) < c.freshFor
}
