package coremerge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// cacheKey identifies one cached (dimType, business key) entry. Row isn't
// comparable, so the key is the canonical JSON-ish string built by
// businessKeyString.
type cacheKey struct {
	dimType DimensionType
	key     string
}

type cacheEntry struct {
	surrogateKey int64
	cachedAt     time.Time
}

// FKLookup is the read-only surface C7 holds a reference to; it cannot
// mutate cache entries (spec §9 "Cache ownership").
type FKLookup interface {
	Resolve(ctx context.Context, dimType DimensionType, businessKey Row) (int64, bool, error)
}

// FKCacheStats mirrors the teacher's CacheStats shape (internal/rpc/cache.go).
type FKCacheStats struct {
	Entries  int
	MaxSize  int
	TTL      time.Duration
	Hits     int64
	Misses   int64
	HitRatio float64
}

// FKResolver is C5: a bounded, TTL-expiring cache in front of a point
// query against each dimension's current-version table, adapted from
// internal/rpc/cache.go's QueryCache (mutex, TTL check on Get, insertion-
// order eviction on overflow instead of QueryCache's "oldest timestamp"
// eviction — both are permitted by spec §4.5, which only requires that
// capacity be respected).
type FKResolver struct {
	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry
	order   []cacheKey // insertion order, for capacity eviction
	ttl     time.Duration
	maxSize int

	hits   int64
	misses int64

	lookup DimensionPointLookup
	bkFields func(DimensionType) []string
}

// DimensionPointLookup is the database-backed fallback: a point query
// keyed by the dimension's business key with isCurrent=true (spec §4.5).
type DimensionPointLookup interface {
	LookupCurrentSurrogateKey(ctx context.Context, dimType DimensionType, businessKey Row) (int64, bool, error)
	AllCurrentRows(ctx context.Context, dimType DimensionType) (iterFunc func() (Row, int64, bool, error), err error)
}

// NewFKResolver builds C5 with the given TTL and capacity (cache.cacheTtlMs,
// cache.maxCacheSize from spec §6.3).
func NewFKResolver(lookup DimensionPointLookup, bkFields func(DimensionType) []string, ttl time.Duration, maxSize int) *FKResolver {
	if maxSize <= 0 {
		maxSize = 1_000_000
	}
	return &FKResolver{
		entries:  make(map[cacheKey]*cacheEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		lookup:   lookup,
		bkFields: bkFields,
	}
}

// Resolve implements C5's resolve() (spec §4.5): a fresh cache hit returns
// immediately; a miss or an expired entry falls back to the database,
// caching the result on success.
func (c *FKResolver) Resolve(ctx context.Context, dimType DimensionType, businessKey Row) (int64, bool, error) {
	key := cacheKey{dimType: dimType, key: businessKeyString(businessKey)}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Since(entry.cachedAt) < c.ttl {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry.surrogateKey, true, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	sk, found, err := c.lookup.LookupCurrentSurrogateKey(ctx, dimType, businessKey)
	if err != nil {
		return 0, false, fmt.Errorf("resolve %s business key: %w", dimType, err)
	}
	if !found {
		return 0, false, nil
	}

	c.set(key, sk)
	return sk, true, nil
}

func (c *FKResolver) set(key cacheKey, surrogateKey int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &cacheEntry{surrogateKey: surrogateKey, cachedAt: time.Now()}
}

// evictOldestLocked drops the earliest-inserted entry, implementing the
// "simple insertion-order eviction" capacity policy (spec §4.5). Caller
// must hold c.mu.
func (c *FKResolver) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}

// Preload warms the cache by selecting all current dimension rows (spec
// §4.5 preload()). If no dimension type is given, every type in
// DimensionLoadOrder is warmed. Preload may stop early once capacity is
// reached; that is a warning condition the caller should log, not an error.
func (c *FKResolver) Preload(ctx context.Context, dimTypes ...DimensionType) (count int, stoppedEarly bool, err error) {
	if len(dimTypes) == 0 {
		dimTypes = DimensionLoadOrder
	}
	for _, dimType := range dimTypes {
		n, stopped, err := c.preloadOne(ctx, dimType)
		count += n
		if stopped {
			stoppedEarly = true
		}
		if err != nil {
			return count, stoppedEarly, fmt.Errorf("preload %s: %w", dimType, err)
		}
	}
	return count, stoppedEarly, nil
}

func (c *FKResolver) preloadOne(ctx context.Context, dimType DimensionType) (int, bool, error) {
	next, err := c.lookup.AllCurrentRows(ctx, dimType)
	if err != nil {
		return 0, false, err
	}

	bkFields := c.bkFields(dimType)
	count := 0
	for {
		row, sk, ok, err := next()
		if err != nil {
			return count, false, err
		}
		if !ok {
			break
		}
		bk := make(Row, len(bkFields))
		for _, f := range bkFields {
			bk[f] = row.Get(f)
		}
		key := cacheKey{dimType: dimType, key: businessKeyString(bk)}

		c.mu.Lock()
		atCapacity := len(c.entries) >= c.maxSize
		if atCapacity {
			if _, exists := c.entries[key]; !exists {
				c.mu.Unlock()
				return count, true, nil
			}
		}
		c.mu.Unlock()

		c.set(key, sk)
		count++
	}
	return count, false, nil
}

// Refresh clears and re-preloads the given dimensions (or all cached
// dimensions if none given), per spec §4.5 refresh().
func (c *FKResolver) Refresh(ctx context.Context, dimTypes ...DimensionType) (int, error) {
	c.Clear(dimTypes...)
	count, _, err := c.Preload(ctx, dimTypes...)
	return count, err
}

// Clear empties cache entries for the given dimensions, or all entries if
// none given (spec §4.5 clear()).
func (c *FKResolver) Clear(dimTypes ...DimensionType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(dimTypes) == 0 {
		c.entries = make(map[cacheKey]*cacheEntry)
		c.order = nil
		return
	}
	want := make(map[DimensionType]bool, len(dimTypes))
	for _, d := range dimTypes {
		want[d] = true
	}
	newOrder := c.order[:0]
	for _, k := range c.order {
		if want[k.dimType] {
			delete(c.entries, k)
			continue
		}
		newOrder = append(newOrder, k)
	}
	c.order = newOrder
}

// Stats reports cache hit/miss counters (spec §4.5 stats()).
func (c *FKResolver) Stats() FKCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}
	return FKCacheStats{
		Entries:  len(c.entries),
		MaxSize:  c.maxSize,
		TTL:      c.ttl,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRatio: ratio,
	}
}

// businessKeyString builds a stable string key from a canonical business
// key row, field-sorted so field insertion order never affects the key.
func businessKeyString(bk Row) string {
	fields := make([]string, 0, len(bk))
	for f := range bk {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	s := ""
	for _, f := range fields {
		s += f + "=" + valueString(bk.Get(f)) + "\x1f"
	}
	return s
}

func valueString(v Value) string {
	cv := Canonicalize(v)
	switch cv.kind {
	case kindNull:
		return "\x00"
	case kindString:
		return cv.str
	case kindNumber:
		return fmt.Sprintf("%.6f", cv.num)
	case kindBool:
		return fmt.Sprintf("%v", cv.boo)
	default:
		return fmt.Sprintf("%v", canonicalJSON(cv))
	}
}
