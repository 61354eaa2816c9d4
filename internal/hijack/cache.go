package hijack

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mystic/internal/config"
)

func init() {
	// gob transmits interface values by registered concrete type; cover the
	// shapes that commonly cross the disk-cache boundary.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(time.Time{})
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]string(nil))
	gob.Register(map[string]string(nil))
}

// diskEntry is the serialized form of one cache file.
type diskEntry struct {
	Value     interface{}
	CreatedAt time.Time
}

type memEntry struct {
	value     interface{}
	createdAt time.Time
}

// CacheStrategy memoizes call results in memory with an on-disk mirror.
// Within one TTL window the original runs at most once per canonical
// argument tuple; concurrent first calls for the same key are coalesced
// through singleflight.
type CacheStrategy struct {
	ttl      time.Duration
	dir      string
	maxSize  int
	strict   bool
	priority Priority
	log      *zap.Logger

	mu       sync.Mutex
	memory   map[string]memEntry
	access   map[string]time.Time
	badKeys  map[string]bool // disk failures already logged
	group    singleflight.Group
}

// CacheOption configures a CacheStrategy.
type CacheOption func(*CacheStrategy)

// WithCacheDir overrides the disk mirror location. An empty dir disables the
// mirror.
func WithCacheDir(dir string) CacheOption {
	return func(c *CacheStrategy) { c.dir = dir }
}

// WithMaxEntries overrides the in-memory entry cap.
func WithMaxEntries(n int) CacheOption {
	return func(c *CacheStrategy) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithStrictKeys makes the strategy refuse to cache calls whose canonical
// argument form contains an unstable token instead of keying on it.
func WithStrictKeys(on bool) CacheOption {
	return func(c *CacheStrategy) { c.strict = on }
}

// WithCacheLogger sets the diagnostic logger.
func WithCacheLogger(log *zap.Logger) CacheOption {
	return func(c *CacheStrategy) { c.log = log }
}

// WithCachePriority overrides the default High priority.
func WithCachePriority(p Priority) CacheOption {
	return func(c *CacheStrategy) { c.priority = p }
}

// NewCache builds a cache strategy. ttl accepts "90s", "5m", "1h", "2d"
// forms; unparseable values fall back to one hour.
func NewCache(ttl string, opts ...CacheOption) *CacheStrategy {
	cfg := config.Global()
	c := &CacheStrategy{
		ttl:      ParseTTL(ttl),
		dir:      filepath.Join(cfg.CacheDir, "function_cache"),
		maxSize:  cfg.MaxCacheEntries,
		strict:   true,
		priority: PriorityHigh,
		log:      zap.NewNop(),
		memory:   make(map[string]memEntry),
		access:   make(map[string]time.Time),
		badKeys:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dir != "" {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			c.log.Debug("cache dir unavailable, disk mirror disabled", zap.Error(err))
			c.dir = ""
		}
	}
	return c
}

// ParseTTL parses a duration with an added day unit. Unparseable input
// yields one hour.
func ParseTTL(s string) time.Duration {
	if s == "" {
		return time.Hour
	}
	if strings.HasSuffix(s, "d") {
		if days, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		return time.Hour
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// Name implements Strategy.
func (c *CacheStrategy) Name() string { return "cache" }

// Priority implements Strategy.
func (c *CacheStrategy) Priority() Priority { return c.priority }

func (c *CacheStrategy) isStrategy() {}

// ShouldIntercept always reports true: the strategy owns both the hit and
// the miss path.
func (c *CacheStrategy) ShouldIntercept(*Context) bool { return true }

// HasCachedValue reports whether a fresh entry exists for the context's
// arguments without touching the original.
func (c *CacheStrategy) HasCachedValue(ctx *Context) bool {
	key, stable := cacheKey(ctx.Identity, ctx.Args, ctx.Kwargs)
	if c.strict && !stable {
		return false
	}
	if _, ok := c.lookupMemory(key); ok {
		return true
	}
	_, ok := c.lookupDisk(key)
	return ok
}

// Handle implements Strategy. On a stable key it returns a cached value or
// invokes the original exactly once per TTL window, recording the outcome in
// metadata under cache_hit.
func (c *CacheStrategy) Handle(ctx *Context, original Callable) (Result, error) {
	key, stable := cacheKey(ctx.Identity, ctx.Args, ctx.Kwargs)
	if c.strict && !stable {
		// Pass through: the call still runs, it is just never memoized.
		return Result{Executed: false, Metadata: map[string]interface{}{"cacheable": false}}, nil
	}

	if value, ok := c.lookupMemory(key); ok {
		return Result{Executed: true, Value: value, Metadata: map[string]interface{}{"cache_hit": true, "cache_key": key}}, nil
	}
	if entry, ok := c.lookupDisk(key); ok {
		c.store(key, entry.Value, entry.CreatedAt, false)
		return Result{Executed: true, Value: entry.Value, Metadata: map[string]interface{}{"cache_hit": true, "cache_key": key}}, nil
	}

	// Miss. Coalesce concurrent first calls per key; each flight runs the
	// original at most once.
	type outcome struct {
		value interface{}
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if value, ok := c.lookupMemory(key); ok {
			return outcome{value}, nil
		}
		value, err := original(ctx.Args, ctx.Kwargs)
		if err != nil {
			return nil, err
		}
		c.store(key, value, time.Now(), true)
		return outcome{value}, nil
	})
	if err != nil {
		// Original failure propagates; nothing is cached.
		return Result{Executed: true, Err: err, Metadata: map[string]interface{}{"cache_hit": false, "cache_key": key}}, nil
	}
	return Result{Executed: true, Value: v.(outcome).value, Metadata: map[string]interface{}{"cache_hit": false, "cache_key": key}}, nil
}

func (c *CacheStrategy) lookupMemory(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.memory[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.createdAt) >= c.ttl {
		delete(c.memory, key)
		delete(c.access, key)
		return nil, false
	}
	c.access[key] = time.Now()
	return e.value, true
}

func (c *CacheStrategy) lookupDisk(key string) (diskEntry, bool) {
	if c.dir == "" {
		return diskEntry{}, false
	}
	path := filepath.Join(c.dir, key+".cache")
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.reportDiskError(key, fmt.Errorf("open: %w", err))
		}
		return diskEntry{}, false
	}
	defer f.Close()

	var entry diskEntry
	if err := gob.NewDecoder(f).Decode(&entry); err != nil {
		c.reportDiskError(key, fmt.Errorf("decode: %w", err))
		_ = os.Remove(path)
		return diskEntry{}, false
	}
	if time.Since(entry.CreatedAt) >= c.ttl {
		_ = os.Remove(path)
		return diskEntry{}, false
	}
	return entry, true
}

// store inserts into memory (evicting if over cap) and, when toDisk is set,
// mirrors the entry onto disk.
func (c *CacheStrategy) store(key string, value interface{}, createdAt time.Time, toDisk bool) {
	c.mu.Lock()
	if len(c.memory) >= c.maxSize {
		c.evictLocked()
	}
	c.memory[key] = memEntry{value: value, createdAt: createdAt}
	c.access[key] = time.Now()
	c.mu.Unlock()

	if !toDisk || c.dir == "" {
		return
	}
	path := filepath.Join(c.dir, key+".cache")
	f, err := os.CreateTemp(c.dir, key+".tmp")
	if err != nil {
		c.reportDiskError(key, fmt.Errorf("create: %w", err))
		return
	}
	if err := gob.NewEncoder(f).Encode(diskEntry{Value: value, CreatedAt: createdAt}); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		c.reportDiskError(key, fmt.Errorf("encode: %w", err))
		return
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		c.reportDiskError(key, fmt.Errorf("close: %w", err))
		return
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		c.reportDiskError(key, fmt.Errorf("rename: %w", err))
	}
}

// evictLocked drops the least-recently-accessed half of the memory map.
func (c *CacheStrategy) evictLocked() {
	type pair struct {
		key string
		ts  time.Time
	}
	pairs := make([]pair, 0, len(c.access))
	for k, ts := range c.access {
		pairs = append(pairs, pair{k, ts})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ts.Before(pairs[j].ts) })
	for _, p := range pairs[:len(pairs)/2] {
		delete(c.memory, p.key)
		delete(c.access, p.key)
	}
}

// reportDiskError logs each offending key once per process.
func (c *CacheStrategy) reportDiskError(key string, err error) {
	c.mu.Lock()
	seen := c.badKeys[key]
	c.badKeys[key] = true
	c.mu.Unlock()
	if !seen {
		c.log.Debug("disk cache failure, treating as miss", zap.String("key", key), zap.Error(err))
	}
}

// Clear drops all in-memory entries (the disk mirror is left alone).
func (c *CacheStrategy) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = make(map[string]memEntry)
	c.access = make(map[string]time.Time)
}

// Len reports the number of live in-memory entries.
func (c *CacheStrategy) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.memory)
}
