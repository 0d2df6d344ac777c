package topology

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// hashRing is a consistent-hash ring of virtual nodes over shard ids. It
// is hashed with xxhash rather than the teacher's hash/fnv: a ring build
// hashes hundreds of virtual-node labels up front, where xxhash's better
// distribution and speed (also used by zhu733756-influxdb-cluster and
// Voskan-arena-cache in this retrieval pack) matters more than avoiding an
// extra import. Plain key routing (shard_for_key on the write hot path)
// still goes through the ring's single Sum64 call, so the cost is paid
// once per lookup either way.
type hashRing struct {
	mu           sync.RWMutex
	vnodeHashes  []uint64
	vnodeToShard map[uint64]uint16
	perShard     int
}

func newHashRing(perShard int) *hashRing {
	return &hashRing{
		vnodeToShard: make(map[uint64]uint16),
		perShard:     perShard,
	}
}

func (r *hashRing) addShard(shardID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.perShard; i++ {
		label := fmt.Sprintf("shard-%d-vnode-%d", shardID, i)
		h := xxhash.Sum64String(label)
		if _, exists := r.vnodeToShard[h]; exists {
			continue
		}
		r.vnodeToShard[h] = shardID
		r.vnodeHashes = append(r.vnodeHashes, h)
	}
	sort.Slice(r.vnodeHashes, func(i, j int) bool { return r.vnodeHashes[i] < r.vnodeHashes[j] })
}

func (r *hashRing) removeShard(shardID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filtered := r.vnodeHashes[:0]
	for _, h := range r.vnodeHashes {
		if r.vnodeToShard[h] == shardID {
			delete(r.vnodeToShard, h)
			continue
		}
		filtered = append(filtered, h)
	}
	r.vnodeHashes = filtered
}

var errEmptyRing = fmt.Errorf("topology: ring has no shards")

func (r *hashRing) shardFor(key []byte) (uint16, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodeHashes) == 0 {
		return 0, errEmptyRing
	}

	h := xxhash.Sum64(key)
	idx := sort.Search(len(r.vnodeHashes), func(i int) bool { return r.vnodeHashes[i] >= h })
	if idx == len(r.vnodeHashes) {
		idx = 0
	}
	return r.vnodeToShard[r.vnodeHashes[idx]], nil
}
