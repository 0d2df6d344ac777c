package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// OperationStats tracks per-backend operation counts, updated atomically —
// the same lock-free counter shape as johnjansen-torua/internal/shard's
// ShardStats.Ops, generalized to the object/association operation set.
type OperationStats struct {
	ObjGets      uint64
	ObjPuts      uint64
	ObjDeletes   uint64
	AssocPuts    uint64
	AssocDeletes uint64
	AssocQueries uint64
}

// MemoryBackend is an in-memory Backend implementation: fast, safe for
// concurrent use, non-persistent. Suitable for tests and for shards whose
// data can be regenerated, mirroring MemoryStore's stated use cases.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[model.TaoID]model.Object
	assocs  map[model.AssocKey]model.Association
	// byID1Atype indexes association keys by (id1, atype) for assoc_query
	// and assoc_count without a full table scan.
	byID1Atype map[assocIndexKey]map[model.AssocKey]struct{}

	stats OperationStats
}

type assocIndexKey struct {
	ID1   model.TaoID
	Atype string
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects:    make(map[model.TaoID]model.Object),
		assocs:     make(map[model.AssocKey]model.Association),
		byID1Atype: make(map[assocIndexKey]map[model.AssocKey]struct{}),
	}
}

func (m *MemoryBackend) ObjPut(_ context.Context, obj model.Object) error {
	atomic.AddUint64(&m.stats.ObjPuts, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.ID] = obj
	return nil
}

func (m *MemoryBackend) ObjGet(_ context.Context, id model.TaoID) (model.Object, bool, error) {
	atomic.AddUint64(&m.stats.ObjGets, 1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[id]
	return obj, ok, nil
}

func (m *MemoryBackend) ObjUpdate(_ context.Context, id model.TaoID, data []byte, ts int64) (model.Object, error) {
	atomic.AddUint64(&m.stats.ObjPuts, 1)
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[id]
	if !ok {
		return model.Object{}, fmt.Errorf("obj %s: %w", id, model.ErrNotFound)
	}
	obj.Data = append([]byte(nil), data...)
	obj.UpdatedAt = ts
	m.objects[id] = obj
	return obj, nil
}

func (m *MemoryBackend) ObjDelete(_ context.Context, id model.TaoID) (bool, error) {
	atomic.AddUint64(&m.stats.ObjDeletes, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; !ok {
		return false, nil
	}
	delete(m.objects, id)
	return true, nil
}

func (m *MemoryBackend) AssocPut(_ context.Context, a model.Association) error {
	atomic.AddUint64(&m.stats.AssocPuts, 1)
	m.mu.Lock()
	defer m.mu.Unlock()

	key := a.Key()
	m.assocs[key] = a
	idxKey := assocIndexKey{ID1: a.ID1, Atype: a.Atype}
	if m.byID1Atype[idxKey] == nil {
		m.byID1Atype[idxKey] = make(map[model.AssocKey]struct{})
	}
	m.byID1Atype[idxKey][key] = struct{}{}
	return nil
}

func (m *MemoryBackend) AssocDelete(_ context.Context, id1 model.TaoID, atype string, id2 model.TaoID) (bool, error) {
	atomic.AddUint64(&m.stats.AssocDeletes, 1)
	m.mu.Lock()
	defer m.mu.Unlock()

	key := model.AssocKey{ID1: id1, Atype: atype, ID2: id2}
	if _, ok := m.assocs[key]; !ok {
		return false, nil
	}
	delete(m.assocs, key)
	idxKey := assocIndexKey{ID1: id1, Atype: atype}
	delete(m.byID1Atype[idxKey], key)
	if len(m.byID1Atype[idxKey]) == 0 {
		delete(m.byID1Atype, idxKey)
	}
	return true, nil
}

func (m *MemoryBackend) AssocDeleteAllFrom(_ context.Context, id1 model.TaoID) ([]model.Association, error) {
	atomic.AddUint64(&m.stats.AssocDeletes, 1)
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []model.Association
	for key, a := range m.assocs {
		if key.ID1 != id1 {
			continue
		}
		deleted = append(deleted, a)
		delete(m.assocs, key)
		idxKey := assocIndexKey{ID1: key.ID1, Atype: key.Atype}
		delete(m.byID1Atype[idxKey], key)
		if len(m.byID1Atype[idxKey]) == 0 {
			delete(m.byID1Atype, idxKey)
		}
	}
	return deleted, nil
}

func (m *MemoryBackend) AssocQuery(_ context.Context, q model.AssocQuery) ([]model.Association, error) {
	atomic.AddUint64(&m.stats.AssocQueries, 1)
	m.mu.RLock()
	defer m.mu.RUnlock()

	idxKey := assocIndexKey{ID1: q.ID1, Atype: q.Atype}
	keys := m.byID1Atype[idxKey]
	out := make([]model.Association, 0, len(keys))
	for key := range keys {
		a := m.assocs[key]
		if q.HighTime != 0 && a.Time > q.HighTime {
			continue
		}
		if q.LowTime != 0 && a.Time < q.LowTime {
			continue
		}
		if q.ID2Set != nil {
			if _, ok := q.ID2Set[a.ID2]; !ok {
				continue
			}
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time > out[j].Time
		}
		return out[i].ID2 > out[j].ID2
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryBackend) AssocCount(_ context.Context, id1 model.TaoID, atype string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.byID1Atype[assocIndexKey{ID1: id1, Atype: atype}])), nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

// Stats returns a snapshot of the backend's operation counters.
func (m *MemoryBackend) Stats() OperationStats {
	return OperationStats{
		ObjGets:      atomic.LoadUint64(&m.stats.ObjGets),
		ObjPuts:      atomic.LoadUint64(&m.stats.ObjPuts),
		ObjDeletes:   atomic.LoadUint64(&m.stats.ObjDeletes),
		AssocPuts:    atomic.LoadUint64(&m.stats.AssocPuts),
		AssocDeletes: atomic.LoadUint64(&m.stats.AssocDeletes),
		AssocQueries: atomic.LoadUint64(&m.stats.AssocQueries),
	}
}
