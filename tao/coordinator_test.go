package tao

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/romilpunetha/tao-sub001/internal/backend"
	"github.com/romilpunetha/tao-sub001/internal/cache"
	"github.com/romilpunetha/tao-sub001/internal/config"
	"github.com/romilpunetha/tao-sub001/internal/metrics"
	"github.com/romilpunetha/tao-sub001/internal/model"
	"github.com/romilpunetha/tao-sub001/internal/registry"
	"github.com/romilpunetha/tao-sub001/internal/router"
	"github.com/romilpunetha/tao-sub001/internal/taoid"
	"github.com/romilpunetha/tao-sub001/internal/topology"
	"github.com/romilpunetha/tao-sub001/internal/wal"
)

// testHarness bundles a Coordinator with the pieces a test needs to poke
// directly: the topology (to flip shard health) and the router (to swap
// in a failure-injecting backend).
type testHarness struct {
	c     *Coordinator
	topo  *topology.Topology
	rtr   *router.Router
	backs map[uint16]*backend.MemoryBackend
}

func newTestHarness(t *testing.T, shards ...uint16) *testHarness {
	t.Helper()
	topo := topology.New()

	rcfg := router.DefaultConfig()
	rcfg.MaxRetryAttempts = 2
	rcfg.BaseRetryDelay = time.Millisecond
	rcfg.MaxRetryDelay = 2 * time.Millisecond
	rtr := router.New(topo, rcfg, nil)

	backs := make(map[uint16]*backend.MemoryBackend)
	for _, sid := range shards {
		topo.AddShard(topology.ShardRecord{ShardID: sid})
		be := backend.NewMemoryBackend()
		backs[sid] = be
		rtr.RegisterShard(sid, be)
	}

	walCfg := wal.DefaultConfig()
	walCfg.MaxRetryAttempts = 2
	walCfg.BaseRetryDelay = time.Millisecond
	walCfg.MaxRetryDelay = 2 * time.Millisecond
	walMgr := wal.New(wal.NewMemoryStore(), rtr, walCfg, nil)

	cacheCfg := cache.DefaultConfig()
	tc, err := cache.New(cacheCfg)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(tc.Close)

	reg := registry.New()
	c := New(topo, rtr, walMgr, tc, reg, config.Default(), nil)

	return &testHarness{c: c, topo: topo, rtr: rtr, backs: backs}
}

func sameShardOwner(t *testing.T, h *testHarness, shardID uint16) *model.TaoID {
	t.Helper()
	alloc, err := taoid.New(shardID)
	if err != nil {
		t.Fatalf("taoid.New: %v", err)
	}
	id, err := alloc.Next()
	if err != nil {
		t.Fatalf("alloc.Next: %v", err)
	}
	return &id
}

// TestIDLocality covers spec §8 property 1: every id obj_add issues on a
// shard self-routes back to that shard.
func TestIDLocality(t *testing.T) {
	h := newTestHarness(t, 0, 1)
	ctx := context.Background()

	owner := sameShardOwner(t, h, 1)
	obj, err := h.c.ObjAdd(ctx, model.ViewerContext{}, "ent_user", []byte("alice"), owner)
	if err != nil {
		t.Fatalf("ObjAdd: %v", err)
	}
	if got := taoid.ShardOf(obj.ID); got != 1 {
		t.Fatalf("extract_shard(id) = %d, want 1 (owner's shard)", got)
	}
}

// TestSingleShardObjectLifecycle is scenario S1.
func TestSingleShardObjectLifecycle(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()
	owner := sameShardOwner(t, h, 0)

	obj, err := h.c.ObjAdd(ctx, model.ViewerContext{}, "ent_user", []byte(`{"username":"alice"}`), owner)
	if err != nil {
		t.Fatalf("ObjAdd: %v", err)
	}
	if obj.CreatedAt != obj.UpdatedAt {
		t.Fatalf("expected CreatedAt == UpdatedAt on creation, got %d != %d", obj.CreatedAt, obj.UpdatedAt)
	}

	got, err := h.c.ObjGet(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || got == nil {
		t.Fatalf("ObjGet: got=%v err=%v", got, err)
	}

	time.Sleep(time.Millisecond)
	updated, err := h.c.ObjUpdate(ctx, model.ViewerContext{}, obj.ID, []byte(`{"username":"alice","bio":"hi"}`))
	if err != nil {
		t.Fatalf("ObjUpdate: %v", err)
	}
	if updated.UpdatedAt <= updated.CreatedAt {
		t.Fatalf("expected UpdatedAt > CreatedAt after update, got %d <= %d", updated.UpdatedAt, updated.CreatedAt)
	}

	reread, err := h.c.ObjGet(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || reread == nil || string(reread.Data) != `{"username":"alice","bio":"hi"}` {
		t.Fatalf("expected updated payload, got %+v err=%v", reread, err)
	}

	existed, err := h.c.ObjDelete(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || !existed {
		t.Fatalf("ObjDelete first call: existed=%v err=%v", existed, err)
	}
	gone, err := h.c.ObjGet(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || gone != nil {
		t.Fatalf("expected obj_get empty after delete, got %+v err=%v", gone, err)
	}
}

// TestIdempotentObjDelete covers spec §8 property 6.
func TestIdempotentObjDelete(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()
	owner := sameShardOwner(t, h, 0)

	obj, err := h.c.ObjAdd(ctx, model.ViewerContext{}, "ent_post", []byte("x"), owner)
	if err != nil {
		t.Fatalf("ObjAdd: %v", err)
	}

	first, err := h.c.ObjDelete(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || !first {
		t.Fatalf("first delete: existed=%v err=%v", first, err)
	}
	second, err := h.c.ObjDelete(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || second {
		t.Fatalf("second delete: existed=%v err=%v, want false", second, err)
	}
}

// TestCacheCoherenceReadYourWrites covers spec §8 property 7.
func TestCacheCoherenceReadYourWrites(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()
	owner := sameShardOwner(t, h, 0)

	obj, err := h.c.ObjAdd(ctx, model.ViewerContext{}, "ent_user", []byte("v1"), owner)
	if err != nil {
		t.Fatalf("ObjAdd: %v", err)
	}
	if _, err := h.c.ObjUpdate(ctx, model.ViewerContext{}, obj.ID, []byte("v2")); err != nil {
		t.Fatalf("ObjUpdate: %v", err)
	}

	got, err := h.c.ObjGet(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || got == nil || string(got.Data) != "v2" {
		t.Fatalf("expected immediate read-your-write of v2, got %+v err=%v", got, err)
	}
}

// TestAssociationKeyUniqueness covers spec §8 property 2: re-adding the
// same (id1, atype, id2) key never creates a second record.
func TestAssociationKeyUniqueness(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	a := model.Association{ID1: 1, Atype: "tags", ID2: 2, Time: 100}
	if err := h.c.AssocAdd(ctx, model.ViewerContext{}, a); err != nil {
		t.Fatalf("first AssocAdd: %v", err)
	}
	a.Time = 200
	a.Data = []byte("refreshed")
	if err := h.c.AssocAdd(ctx, model.ViewerContext{}, a); err != nil {
		t.Fatalf("second AssocAdd: %v", err)
	}

	count, err := h.c.AssocCount(ctx, model.ViewerContext{}, 1, "tags")
	if err != nil || count != 1 {
		t.Fatalf("AssocCount = %d, err=%v, want 1", count, err)
	}
	items, err := h.c.AssocGet(ctx, model.ViewerContext{}, model.AssocQuery{ID1: 1, Atype: "tags"})
	if err != nil || len(items) != 1 || items[0].Time != 200 || string(items[0].Data) != "refreshed" {
		t.Fatalf("expected a single refreshed record, got %+v err=%v", items, err)
	}
}

// TestCrossShardInverseEdge is scenario S2.
func TestCrossShardInverseEdge(t *testing.T) {
	h := newTestHarness(t, 0, 1)
	ctx := context.Background()
	if err := h.c.registry.Register("follows", "followers"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	u := sameShardOwner(t, h, 0)
	v := sameShardOwner(t, h, 1)

	if err := h.c.AssocAdd(ctx, model.ViewerContext{}, model.Association{ID1: *u, Atype: "follows", ID2: *v, Time: 1000}); err != nil {
		t.Fatalf("AssocAdd: %v", err)
	}

	forward, err := h.c.AssocGet(ctx, model.ViewerContext{}, model.AssocQuery{ID1: *u, Atype: "follows"})
	if err != nil || len(forward) != 1 || forward[0].ID2 != *v {
		t.Fatalf("expected u->v in follows, got %+v err=%v", forward, err)
	}
	inverse, err := h.c.AssocGet(ctx, model.ViewerContext{}, model.AssocQuery{ID1: *v, Atype: "followers"})
	if err != nil || len(inverse) != 1 || inverse[0].ID2 != *u {
		t.Fatalf("expected v->u in followers, got %+v err=%v", inverse, err)
	}

	countU, _ := h.c.AssocCount(ctx, model.ViewerContext{}, *u, "follows")
	countV, _ := h.c.AssocCount(ctx, model.ViewerContext{}, *v, "followers")
	if countU != 1 || countV != 1 {
		t.Fatalf("expected both counts == 1, got %d and %d", countU, countV)
	}
}

// TestCompensationUnderPartialFailure is scenario S3 / spec §8 property 4.
func TestCompensationUnderPartialFailure(t *testing.T) {
	h := newTestHarness(t, 0, 1)
	ctx := context.Background()
	if err := h.c.registry.Register("likes", "liked_by"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	u := sameShardOwner(t, h, 0)
	v := sameShardOwner(t, h, 1)

	h.rtr.RegisterShard(1, &fatalOnAssocPut{MemoryBackend: h.backs[1]})

	err := h.c.AssocAdd(ctx, model.ViewerContext{}, model.Association{ID1: *u, Atype: "likes", ID2: *v, Time: 1})
	if err == nil {
		t.Fatal("expected AssocAdd to surface the fatal failure after compensation")
	}
	if !errors.Is(err, model.ErrFatal) {
		t.Fatalf("expected error to wrap ErrFatal, got %v", err)
	}

	items, err := h.c.AssocGet(ctx, model.ViewerContext{}, model.AssocQuery{ID1: *u, Atype: "likes"})
	if err != nil || len(items) != 0 {
		t.Fatalf("expected forward edge compensated away, got %+v err=%v", items, err)
	}
	count, _ := h.c.AssocCount(ctx, model.ViewerContext{}, *u, "likes")
	if count != 0 {
		t.Fatalf("expected assoc_count to reflect no change, got %d", count)
	}
}

type fatalOnAssocPut struct {
	*backend.MemoryBackend
}

func (f *fatalOnAssocPut) AssocPut(ctx context.Context, a model.Association) error {
	return fmt.Errorf("schema mismatch: %w", model.ErrFatal)
}

// TestTimeOrderedRange is scenario S4.
func TestTimeOrderedRange(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	for _, tm := range []int64{100, 200, 300} {
		a := model.Association{ID1: 1, Atype: "posts", ID2: model.TaoID(tm), Time: tm}
		if err := h.c.AssocAdd(ctx, model.ViewerContext{}, a); err != nil {
			t.Fatalf("AssocAdd(time=%d): %v", tm, err)
		}
	}

	items, err := h.c.AssocTimeRange(ctx, model.ViewerContext{}, 1, "posts", 250, 100, 0)
	if err != nil {
		t.Fatalf("AssocTimeRange: %v", err)
	}
	if len(items) != 2 || items[0].Time != 200 || items[1].Time != 100 {
		t.Fatalf("expected [200, 100] in that order, got %+v", items)
	}
}

// TestNarrowQueryThenBroadQueryDoesNotLoseAssociations guards against a
// narrow AssocTimeRange populating the cached window with only the
// associations inside its own bounds: a later unbounded AssocGet/
// AssocRange/GetNeighborIDs call against the same (id1, atype) must still
// see every association, not just whatever the first, narrower query
// happened to ask for.
func TestNarrowQueryThenBroadQueryDoesNotLoseAssociations(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	for _, tm := range []int64{100, 200, 300} {
		a := model.Association{ID1: 1, Atype: "posts", ID2: model.TaoID(tm), Time: tm}
		if err := h.c.AssocAdd(ctx, model.ViewerContext{}, a); err != nil {
			t.Fatalf("AssocAdd(time=%d): %v", tm, err)
		}
	}

	narrow, err := h.c.AssocTimeRange(ctx, model.ViewerContext{}, 1, "posts", 250, 100, 0)
	if err != nil {
		t.Fatalf("AssocTimeRange: %v", err)
	}
	if len(narrow) != 2 {
		t.Fatalf("expected the narrow query to return 2 items, got %d: %+v", len(narrow), narrow)
	}

	broad, err := h.c.AssocRange(ctx, model.ViewerContext{}, 1, "posts", 0, 0)
	if err != nil {
		t.Fatalf("AssocRange: %v", err)
	}
	if len(broad) != 3 {
		t.Fatalf("expected the subsequent unbounded query to see all 3 associations, got %d: %+v", len(broad), broad)
	}

	ids, err := h.c.GetNeighborIDs(ctx, model.ViewerContext{}, 1, "posts", 0)
	if err != nil {
		t.Fatalf("GetNeighborIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected get_neighbor_ids to see all 3 associations, got %d: %+v", len(ids), ids)
	}
}

// TestRouterFailoverToReplica is scenario S5 / spec §8 property 8.
func TestRouterFailoverToReplica(t *testing.T) {
	h := newTestHarness(t) // no shards added yet; add with replica wiring below
	ctx := context.Background()

	h.topo.AddShard(topology.ShardRecord{ShardID: 0, Replicas: []uint16{1}})
	h.topo.AddShard(topology.ShardRecord{ShardID: 1})
	be0 := backend.NewMemoryBackend()
	be1 := backend.NewMemoryBackend()
	h.rtr.RegisterShard(0, be0)
	h.rtr.RegisterShard(1, be1)

	owner := sameShardOwner(t, h, 0)
	obj := model.Object{ID: *owner, Otype: "ent_user", Data: []byte("alice"), CreatedAt: 1, UpdatedAt: 1}
	if err := be0.ObjPut(ctx, obj); err != nil {
		t.Fatalf("seed be0: %v", err)
	}
	if err := be1.ObjPut(ctx, obj); err != nil { // simulate replicated state
		t.Fatalf("seed be1: %v", err)
	}

	if err := h.topo.MarkHealth(0, topology.Unhealthy); err != nil {
		t.Fatalf("MarkHealth: %v", err)
	}

	got, err := h.c.ObjGet(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || got == nil {
		t.Fatalf("expected obj_get to succeed via the healthy replica, got %+v err=%v", got, err)
	}

	// Now also take the replica down: no healthy candidate remains.
	if err := h.topo.MarkHealth(1, topology.Unhealthy); err != nil {
		t.Fatalf("MarkHealth: %v", err)
	}
	h.c.cache.InvalidateObject(obj.ID)
	_, err = h.c.ObjGet(ctx, model.ViewerContext{}, obj.ID)
	if err == nil {
		t.Fatal("expected obj_get to fail once primary and replica are both unhealthy")
	}
}

// TestObjGetReadAnyRacesPrimaryAndReplica exercises the read_any strategy
// (spec §C3): with both primary and replica healthy, obj_get_read_any
// still returns the object, racing the two instead of preferring one.
func TestObjGetReadAnyRacesPrimaryAndReplica(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.topo.AddShard(topology.ShardRecord{ShardID: 0, LoadFactor: 0.95, Replicas: []uint16{1}})
	h.topo.AddShard(topology.ShardRecord{ShardID: 1})
	be0 := backend.NewMemoryBackend()
	be1 := backend.NewMemoryBackend()
	h.rtr.RegisterShard(0, be0)
	h.rtr.RegisterShard(1, be1)

	owner := sameShardOwner(t, h, 0)
	obj := model.Object{ID: *owner, Otype: "ent_user", Data: []byte("alice"), CreatedAt: 1, UpdatedAt: 1}
	if err := be0.ObjPut(ctx, obj); err != nil {
		t.Fatalf("seed be0: %v", err)
	}
	if err := be1.ObjPut(ctx, obj); err != nil {
		t.Fatalf("seed be1: %v", err)
	}

	got, err := h.c.ObjGetReadAny(ctx, model.ViewerContext{}, obj.ID)
	if err != nil || got == nil || string(got.Data) != "alice" {
		t.Fatalf("ObjGetReadAny: got=%+v err=%v", got, err)
	}
}

// TestMetricsRecordDispatchAndCacheActivity checks that wiring a Metrics
// instance onto the Coordinator actually observes traffic, not just that
// SetMetrics doesn't panic.
func TestMetricsRecordDispatchAndCacheActivity(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()
	owner := sameShardOwner(t, h, 0)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	h.c.SetMetrics(met)

	obj, err := h.c.ObjAdd(ctx, model.ViewerContext{}, "ent_user", []byte("v1"), owner)
	if err != nil {
		t.Fatalf("ObjAdd: %v", err)
	}
	if _, err := h.c.ObjGet(ctx, model.ViewerContext{}, obj.ID); err != nil {
		t.Fatalf("ObjGet: %v", err)
	}

	dispatches := testutil.ToFloat64(met.RouterDispatchTotal.WithLabelValues("0", "dispatch", "success"))
	if dispatches == 0 {
		t.Fatal("expected router_dispatch_total to record at least one success")
	}
	hits := testutil.ToFloat64(met.CacheHitTotal.WithLabelValues("l1", "object"))
	if hits == 0 {
		t.Fatal("expected cache_hit_total{tier=l1} to record the obj_get served from cache")
	}
}
