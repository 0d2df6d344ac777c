// Package topology holds the shard-to-node map and consistent-hash ring
// that the query router uses to place and find data (spec §4.2). It is the
// direct descendant of johnjansen-torua/internal/coordinator.ShardRegistry,
// generalized from a single node-id-per-shard map into the full
// ShardRecord model (health, replicas, load, region) the spec calls for.
package topology

import (
	"fmt"
	"sync"
	"time"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// Health is the operational state of a shard (spec §3).
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// ShardRecord is the topology's unit of bookkeeping for one shard (spec
// §3 "Shard record"). Connection/backend handles are not stored here —
// they belong to the router, which looks a shard up by ID.
type ShardRecord struct {
	Region          string
	Health          Health
	Replicas        []uint16
	LastHealthCheck time.Time
	LoadFactor      float64
	ShardID         uint16
}

func (r ShardRecord) copy() ShardRecord {
	out := r
	out.Replicas = append([]uint16(nil), r.Replicas...)
	return out
}

// virtualNodesPerShard is the default ring density; within the
// "128-256 per shard" range spec §4.2 recommends.
const virtualNodesPerShard = 128

// Topology owns the shard record map and the consistent-hash ring used for
// non-ID-keyed placement (spec §4.2). Records and ring are guarded by one
// RWMutex: readers take the read lock, mutations take the write lock and
// update the ring in place, and every returned record is a copy, following
// ShardRegistry's "readers use RLock, all returned data is copied" model.
type Topology struct {
	mu      sync.RWMutex
	records map[uint16]*ShardRecord
	ring    *hashRing

	// live reports whether a shard still has active connections/objects,
	// consulted by RemoveShard. Wired by the router at construction time;
	// nil means "assume not in use" (used in tests).
	live func(shardID uint16) bool
}

// New constructs an empty Topology.
func New() *Topology {
	return &Topology{
		records: make(map[uint16]*ShardRecord),
		ring:    newHashRing(virtualNodesPerShard),
	}
}

// SetLiveChecker wires the callback RemoveShard uses to detect in-use
// shards. The router calls this once at startup.
func (t *Topology) SetLiveChecker(fn func(shardID uint16) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = fn
}

// AddShard inserts (or idempotently re-inserts) a shard record and its
// virtual nodes into the ring.
func (t *Topology) AddShard(rec ShardRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Health == "" {
		rec.Health = Healthy
	}
	stored := rec.copy()
	_, existed := t.records[rec.ShardID]
	t.records[rec.ShardID] = &stored
	if !existed {
		t.ring.addShard(rec.ShardID)
	}
}

// RemoveShard removes a shard's virtual nodes and record. It fails with
// model.ErrShardInUse if the live-checker reports the shard still has
// objects or connections (spec §4.2).
func (t *Topology) RemoveShard(shardID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.live != nil && t.live(shardID) {
		return fmt.Errorf("shard %d: %w", shardID, model.ErrShardInUse)
	}
	delete(t.records, shardID)
	t.ring.removeShard(shardID)
	return nil
}

// DrainShard is the first phase of the two-step decommission flow
// restored from original_source/ (see DESIGN.md): it marks the shard
// Unhealthy so the router stops issuing new reads/writes to it ahead of
// an eventual RemoveShard, and reports 1 if the live-checker says the
// router still has a backend registered for it, otherwise 0 (always 0
// when no live-checker is wired). It does not move data — actual
// migration is out of scope (spec §1).
func (t *Topology) DrainShard(shardID uint16) (migrated int, err error) {
	t.mu.Lock()
	rec, ok := t.records[shardID]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("shard %d: %w", shardID, model.ErrNotFound)
	}
	rec.Health = Unhealthy
	t.mu.Unlock()

	if t.live == nil {
		return 0, nil
	}
	if t.live(shardID) {
		return 1, nil
	}
	return 0, nil
}

// ShardForKey returns the primary shard for an arbitrary byte key via
// consistent hashing (spec §4.2 shard_for_key) — used for placement of
// objects with no owner_id to colocate with.
func (t *Topology) ShardForKey(key []byte) (uint16, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.shardFor(key)
}

// Get returns a copy of the shard record, or (ShardRecord{}, false) if
// unknown.
func (t *Topology) Get(shardID uint16) (ShardRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[shardID]
	if !ok {
		return ShardRecord{}, false
	}
	return rec.copy(), true
}

// All returns a snapshot of every shard record, in no particular order.
func (t *Topology) All() []ShardRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ShardRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.copy())
	}
	return out
}

// MarkHealth updates a shard's health state (spec §4.2 mark_health). A
// shard transitioning to Unhealthy is implicitly excluded from replica
// read candidates because callers filter on Health == Healthy.
func (t *Topology) MarkHealth(shardID uint16, h Health) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[shardID]
	if !ok {
		return fmt.Errorf("shard %d: %w", shardID, model.ErrNotFound)
	}
	rec.Health = h
	rec.LastHealthCheck = time.Now()
	return nil
}

// SetLoadFactor updates a shard's reported load (the router's primary
// sort key for replica selection; shard id breaks ties).
func (t *Topology) SetLoadFactor(shardID uint16, load float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[shardID]
	if !ok {
		return fmt.Errorf("shard %d: %w", shardID, model.ErrNotFound)
	}
	rec.LoadFactor = load
	return nil
}
