package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// runBackendSuite exercises both Backend implementations identically:
// behavioral parity between MemoryBackend and BoltBackend is the property
// under test, mirroring how johnjansen-torua/internal/storage_test.go runs
// the same table against MemoryStore.
func runBackendSuite(t *testing.T, newBackend func() Backend) {
	t.Run("ObjPutGet", func(t *testing.T) {
		b := newBackend()
		ctx := context.Background()
		obj := model.Object{ID: 1, Otype: "user", Data: []byte("alice"), CreatedAt: 100}

		if err := b.ObjPut(ctx, obj); err != nil {
			t.Fatalf("ObjPut: %v", err)
		}
		got, ok, err := b.ObjGet(ctx, 1)
		if err != nil || !ok {
			t.Fatalf("ObjGet: got=%v ok=%v err=%v", got, ok, err)
		}
		if string(got.Data) != "alice" || got.Otype != "user" {
			t.Fatalf("ObjGet returned %+v", got)
		}
	})

	t.Run("ObjGetMissing", func(t *testing.T) {
		b := newBackend()
		_, ok, err := b.ObjGet(context.Background(), 404)
		if err != nil {
			t.Fatalf("ObjGet: %v", err)
		}
		if ok {
			t.Fatal("expected ok=false for missing object")
		}
	})

	t.Run("ObjUpdateMissingIsNotFound", func(t *testing.T) {
		b := newBackend()
		_, err := b.ObjUpdate(context.Background(), 999, []byte("x"), 1)
		if !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ObjUpdateRefreshesDataAndTimestamp", func(t *testing.T) {
		b := newBackend()
		ctx := context.Background()
		b.ObjPut(ctx, model.Object{ID: 2, Otype: "post", Data: []byte("v1"), CreatedAt: 10, UpdatedAt: 10})

		updated, err := b.ObjUpdate(ctx, 2, []byte("v2"), 20)
		if err != nil {
			t.Fatalf("ObjUpdate: %v", err)
		}
		if string(updated.Data) != "v2" || updated.UpdatedAt != 20 {
			t.Fatalf("ObjUpdate returned %+v", updated)
		}

		got, _, _ := b.ObjGet(ctx, 2)
		if string(got.Data) != "v2" {
			t.Fatalf("ObjGet after update = %+v", got)
		}
	})

	t.Run("ObjDeleteReportsExistence", func(t *testing.T) {
		b := newBackend()
		ctx := context.Background()
		b.ObjPut(ctx, model.Object{ID: 3})

		existed, err := b.ObjDelete(ctx, 3)
		if err != nil || !existed {
			t.Fatalf("ObjDelete: existed=%v err=%v", existed, err)
		}
		existed, err = b.ObjDelete(ctx, 3)
		if err != nil || existed {
			t.Fatalf("second ObjDelete: existed=%v err=%v, want false", existed, err)
		}
	})

	t.Run("AssocPutQueryOrdersByTimeDescending", func(t *testing.T) {
		b := newBackend()
		ctx := context.Background()
		for i, ts := range []int64{30, 10, 20} {
			b.AssocPut(ctx, model.Association{ID1: 1, Atype: "follows", ID2: model.TaoID(100 + i), Time: ts})
		}

		out, err := b.AssocQuery(ctx, model.AssocQuery{ID1: 1, Atype: "follows"})
		if err != nil {
			t.Fatalf("AssocQuery: %v", err)
		}
		if len(out) != 3 {
			t.Fatalf("expected 3 results, got %d", len(out))
		}
		for i := 1; i < len(out); i++ {
			if out[i-1].Time < out[i].Time {
				t.Fatalf("results not time-descending: %+v", out)
			}
		}
	})

	t.Run("AssocQueryRespectsTimeRangeAndLimit", func(t *testing.T) {
		b := newBackend()
		ctx := context.Background()
		for _, ts := range []int64{5, 15, 25, 35, 45} {
			b.AssocPut(ctx, model.Association{ID1: 7, Atype: "likes", ID2: model.TaoID(ts), Time: ts})
		}

		out, err := b.AssocQuery(ctx, model.AssocQuery{ID1: 7, Atype: "likes", LowTime: 10, HighTime: 40, Limit: 2})
		if err != nil {
			t.Fatalf("AssocQuery: %v", err)
		}
		if len(out) != 2 {
			t.Fatalf("expected 2 results under limit, got %d: %+v", len(out), out)
		}
		if out[0].Time != 35 || out[1].Time != 25 {
			t.Fatalf("unexpected ordering/window: %+v", out)
		}
	})

	t.Run("AssocQueryFiltersByID2Set", func(t *testing.T) {
		b := newBackend()
		ctx := context.Background()
		for _, id2 := range []model.TaoID{1, 2, 3} {
			b.AssocPut(ctx, model.Association{ID1: 9, Atype: "friends", ID2: id2, Time: int64(id2)})
		}

		out, err := b.AssocQuery(ctx, model.AssocQuery{
			ID1: 9, Atype: "friends",
			ID2Set: map[model.TaoID]struct{}{2: {}},
		})
		if err != nil {
			t.Fatalf("AssocQuery: %v", err)
		}
		if len(out) != 1 || out[0].ID2 != 2 {
			t.Fatalf("ID2Set filter failed: %+v", out)
		}
	})

	t.Run("AssocDeleteAllFromCascades", func(t *testing.T) {
		b := newBackend()
		ctx := context.Background()
		b.AssocPut(ctx, model.Association{ID1: 5, Atype: "follows", ID2: 6, Time: 1})
		b.AssocPut(ctx, model.Association{ID1: 5, Atype: "likes", ID2: 7, Time: 2})
		b.AssocPut(ctx, model.Association{ID1: 8, Atype: "follows", ID2: 5, Time: 3})

		deleted, err := b.AssocDeleteAllFrom(ctx, 5)
		if err != nil {
			t.Fatalf("AssocDeleteAllFrom: %v", err)
		}
		if len(deleted) != 2 {
			t.Fatalf("expected 2 cascaded deletes, got %d: %+v", len(deleted), deleted)
		}

		count, _ := b.AssocCount(ctx, 5, "follows")
		if count != 0 {
			t.Fatalf("expected 0 remaining follows from id1=5, got %d", count)
		}
		// The reverse-direction edge (8 -> 5) must survive: AssocDeleteAllFrom
		// only touches edges where id1 matches.
		remaining, _ := b.AssocQuery(ctx, model.AssocQuery{ID1: 8, Atype: "follows"})
		if len(remaining) != 1 {
			t.Fatalf("expected edge (8->5) to survive, got %+v", remaining)
		}
	})

	t.Run("AssocCount", func(t *testing.T) {
		b := newBackend()
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			b.AssocPut(ctx, model.Association{ID1: 11, Atype: "tags", ID2: model.TaoID(i), Time: int64(i)})
		}
		count, err := b.AssocCount(ctx, 11, "tags")
		if err != nil || count != 4 {
			t.Fatalf("AssocCount = %d, err=%v, want 4", count, err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		b := newBackend()
		if err := b.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func TestMemoryBackendSuite(t *testing.T) {
	runBackendSuite(t, func() Backend { return NewMemoryBackend() })
}

func TestBoltBackendSuite(t *testing.T) {
	runBackendSuite(t, func() Backend {
		dir := t.TempDir()
		bb, err := OpenBolt(filepath.Join(dir, "tao.db"), time.Second)
		if err != nil {
			t.Fatalf("OpenBolt: %v", err)
		}
		t.Cleanup(func() { bb.Close() })
		return bb
	})
}

func TestOpenBoltCreatesParentlessFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub.db")
	bb, err := OpenBolt(path, time.Second)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer bb.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}
