// Package cache implements the multi-tier cache from spec §4.5: a bounded
// per-process L1 in front of a shared, size-bounded L2, fronting the shard
// backend. It hides both tiers behind one TieredCache facade, the same
// "one Cache type, internals hidden" shape as
// Voskan-arena-cache/pkg/cache.go, built on golang-lru/v2 for L1 (entry-
// count bounded, matching the teacher pack's indirect dependency) and
// ristretto/v2 for L2 (byte-bounded, native TTL).
package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/romilpunetha/tao-sub001/internal/metrics"
	"github.com/romilpunetha/tao-sub001/internal/model"
)

// Config mirrors the cache-related options in spec §6.
type Config struct {
	L1Size            int // entry count, default 10_000
	ObjectTTL         time.Duration
	AssociationTTL    time.Duration
	AssocWindowSize   int
	L2MaxCostBytes    int64
	Enabled           bool
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		L1Size:          10_000,
		ObjectTTL:       300 * time.Second,
		AssociationTTL:  600 * time.Second,
		AssocWindowSize: 1024,
		L2MaxCostBytes:  1 << 28, // 256 MiB
		Enabled:         true,
	}
}

// clock lets tests inject a controllable time source; production callers
// never need to set it, defaulting to time.Now.
type clock func() time.Time

// TieredCache is the L1 -> L2 facade. Callers never address a tier
// directly.
type TieredCache struct {
	cfg Config
	now clock
	met *metrics.Metrics

	l1 *lru.Cache[string, any]
	l2 *ristretto.Cache[string, any]
}

// SetMetrics installs the prometheus collectors Get* calls report hits and
// misses against. Passing nil (the default) disables metrics entirely.
func (c *TieredCache) SetMetrics(met *metrics.Metrics) {
	c.met = met
}

func (c *TieredCache) recordHit(tier, keyspace string) {
	if c.met != nil {
		c.met.CacheHitTotal.WithLabelValues(tier, keyspace).Inc()
	}
}

func (c *TieredCache) recordMiss(keyspace string) {
	if c.met != nil {
		c.met.CacheMissTotal.WithLabelValues(keyspace).Inc()
	}
}

// New constructs a TieredCache per cfg.
func New(cfg Config) (*TieredCache, error) {
	l1, err := lru.New[string, any](cfg.L1Size)
	if err != nil {
		return nil, fmt.Errorf("cache: l1 init: %w", err)
	}
	l2, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: 10 * int64(cfg.L1Size),
		MaxCost:     cfg.L2MaxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: l2 init: %w", err)
	}
	return &TieredCache{cfg: cfg, now: time.Now, l1: l1, l2: l2}, nil
}

func objKey(id model.TaoID) string {
	return fmt.Sprintf("obj:%s", id)
}

func assocListKey(id1 model.TaoID, atype string) string {
	return fmt.Sprintf("assoc_list:%s:%s", id1, atype)
}

func assocCountKey(id1 model.TaoID, atype string) string {
	return fmt.Sprintf("assoc_count:%s:%s", id1, atype)
}

// GetObject checks L1 then L2, promoting an L2 hit into L1.
func (c *TieredCache) GetObject(id model.TaoID) (model.Object, bool) {
	if !c.cfg.Enabled {
		return model.Object{}, false
	}
	key := objKey(id)
	if v, ok := c.l1.Get(key); ok {
		if obj, ok := v.(model.Object); ok {
			c.recordHit("l1", "object")
			return obj, true
		}
		return model.Object{}, false // negative entry
	}
	if v, ok := c.l2.Get(key); ok {
		obj, ok := v.(model.Object)
		if !ok {
			return model.Object{}, false
		}
		c.l1.Add(key, obj)
		c.recordHit("l2", "object")
		return obj, true
	}
	c.recordMiss("object")
	return model.Object{}, false
}

// PutObject fills both tiers.
func (c *TieredCache) PutObject(obj model.Object) {
	if !c.cfg.Enabled {
		return
	}
	key := objKey(obj.ID)
	c.l1.Add(key, obj)
	c.l2.SetWithTTL(key, obj, objectCost(obj), c.cfg.ObjectTTL)
}

// PutNegativeObject stores a short-TTL miss marker so repeated obj_get
// calls for a known-absent id don't keep hitting the backend (spec §4.5
// "store a negative cache entry with short TTL on miss").
func (c *TieredCache) PutNegativeObject(id model.TaoID) {
	if !c.cfg.Enabled {
		return
	}
	key := objKey(id)
	c.l1.Add(key, negativeEntry{})
	c.l2.SetWithTTL(key, negativeEntry{}, 1, negativeTTL)
}

type negativeEntry struct{}

const negativeTTL = 5 * time.Second

// NegativeHit reports whether id currently has a live negative cache
// entry, letting obj_get skip the backend round trip on a known-absent id
// instead of treating it the same as an ordinary cache miss. Peek-only on
// L1: checking must not perturb LRU recency for a miss marker.
func (c *TieredCache) NegativeHit(id model.TaoID) bool {
	if !c.cfg.Enabled {
		return false
	}
	key := objKey(id)
	if v, ok := c.l1.Peek(key); ok {
		_, isNeg := v.(negativeEntry)
		return isNeg
	}
	if v, ok := c.l2.Get(key); ok {
		_, isNeg := v.(negativeEntry)
		return isNeg
	}
	return false
}

func objectCost(obj model.Object) int64 {
	return int64(len(obj.Data)) + int64(len(obj.Otype)) + 32
}

// InvalidateObject evicts id from both tiers.
func (c *TieredCache) InvalidateObject(id model.TaoID) {
	key := objKey(id)
	c.l1.Remove(key)
	c.l2.Del(key)
}

// GetAssocWindow returns the cached assoc_list window for (id1, atype).
func (c *TieredCache) GetAssocWindow(id1 model.TaoID, atype string) (CachedAssocWindow, bool) {
	if !c.cfg.Enabled {
		return CachedAssocWindow{}, false
	}
	key := assocListKey(id1, atype)
	if v, ok := c.l1.Get(key); ok {
		if w, ok := v.(CachedAssocWindow); ok {
			c.recordHit("l1", "assoc_list")
			return w, true
		}
	}
	if v, ok := c.l2.Get(key); ok {
		if w, ok := v.(CachedAssocWindow); ok {
			c.l1.Add(key, w)
			c.recordHit("l2", "assoc_list")
			return w, true
		}
	}
	c.recordMiss("assoc_list")
	return CachedAssocWindow{}, false
}

// PutAssocWindow replaces the cached window for (id1, atype) wholesale —
// used on a full cache miss/refill, as opposed to AppendAssoc's
// incremental update.
func (c *TieredCache) PutAssocWindow(id1 model.TaoID, atype string, w CachedAssocWindow) {
	if !c.cfg.Enabled {
		return
	}
	key := assocListKey(id1, atype)
	c.l1.Add(key, w)
	c.l2.SetWithTTL(key, w, windowCost(w), c.cfg.AssociationTTL)
}

// AppendAssoc inserts assoc into the cached window (if present) in
// time-descending order without a full invalidation, per spec §4.5.
// If no window is cached yet, this is a no-op: the next assoc_get will
// populate one from the backend.
func (c *TieredCache) AppendAssoc(id1 model.TaoID, atype string, assoc model.Association) {
	w, ok := c.GetAssocWindow(id1, atype)
	if !ok {
		return
	}
	updated := w.withInserted(assoc, c.cfg.AssocWindowSize, c.cfg.AssociationTTL, c.now())
	c.PutAssocWindow(id1, atype, updated)
}

// RemoveAssoc removes id2's entry from the cached window (if present),
// without a full invalidation.
func (c *TieredCache) RemoveAssoc(id1 model.TaoID, atype string, id2 model.TaoID) {
	w, ok := c.GetAssocWindow(id1, atype)
	if !ok {
		return
	}
	updated := w.withRemoved(id2, c.cfg.AssociationTTL, c.now())
	c.PutAssocWindow(id1, atype, updated)
}

// InvalidateAssocList evicts the cached window for (id1, atype).
func (c *TieredCache) InvalidateAssocList(id1 model.TaoID, atype string) {
	key := assocListKey(id1, atype)
	c.l1.Remove(key)
	c.l2.Del(key)
}

func windowCost(w CachedAssocWindow) int64 {
	return int64(len(w.Items))*64 + 16
}

// GetAssocCount returns the cached assoc_count entry.
func (c *TieredCache) GetAssocCount(id1 model.TaoID, atype string) (int64, bool) {
	if !c.cfg.Enabled {
		return 0, false
	}
	key := assocCountKey(id1, atype)
	if v, ok := c.l1.Get(key); ok {
		if n, ok := v.(int64); ok {
			c.recordHit("l1", "assoc_count")
			return n, true
		}
	}
	if v, ok := c.l2.Get(key); ok {
		if n, ok := v.(int64); ok {
			c.l1.Add(key, n)
			c.recordHit("l2", "assoc_count")
			return n, true
		}
	}
	c.recordMiss("assoc_count")
	return 0, false
}

// PutAssocCount sets the cached assoc_count entry.
func (c *TieredCache) PutAssocCount(id1 model.TaoID, atype string, count int64) {
	if !c.cfg.Enabled {
		return
	}
	key := assocCountKey(id1, atype)
	c.l1.Add(key, count)
	c.l2.SetWithTTL(key, count, 16, c.cfg.AssociationTTL)
}

// IncrAssocCount adjusts the cached count by delta if present, avoiding a
// full invalidation; a cache miss is left as a miss for the next
// assoc_count to refill from the backend.
func (c *TieredCache) IncrAssocCount(id1 model.TaoID, atype string, delta int64) {
	count, ok := c.GetAssocCount(id1, atype)
	if !ok {
		return
	}
	c.PutAssocCount(id1, atype, count+delta)
}

// InvalidateAssocCount evicts the cached assoc_count entry.
func (c *TieredCache) InvalidateAssocCount(id1 model.TaoID, atype string) {
	key := assocCountKey(id1, atype)
	c.l1.Remove(key)
	c.l2.Del(key)
}

// Wait blocks until all pending L2 writes are visible to readers — the
// ristretto buffer-drain call, exposed for tests that write then
// immediately read.
func (c *TieredCache) Wait() {
	c.l2.Wait()
}

// Close releases L2's background goroutines.
func (c *TieredCache) Close() {
	c.l2.Close()
}
