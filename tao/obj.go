package tao

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/romilpunetha/tao-sub001/internal/backend"
	"github.com/romilpunetha/tao-sub001/internal/model"
	"github.com/romilpunetha/tao-sub001/internal/taoid"
	"github.com/romilpunetha/tao-sub001/internal/wal"
)

// ObjAdd allocates an id and persists a new object (spec §4.5 obj_add). If
// ownerID is non-nil, the object is colocated on ownerID's shard;
// otherwise it is placed by consistent-hashing a synthetic key, so
// unrelated objects spread evenly across shards.
func (c *Coordinator) ObjAdd(ctx context.Context, vc model.ViewerContext, otype string, data []byte, ownerID *model.TaoID) (model.Object, error) {
	start := time.Now()
	obj, err := c.objAdd(ctx, otype, data, ownerID)
	c.observe("obj_add", vc, start, err)
	return obj, err
}

func (c *Coordinator) objAdd(ctx context.Context, otype string, data []byte, ownerID *model.TaoID) (model.Object, error) {
	if otype == "" {
		return model.Object{}, fmt.Errorf("tao: obj_add: %w", model.ErrValidation)
	}

	shardID, err := c.placementShard(ownerID)
	if err != nil {
		return model.Object{}, fmt.Errorf("tao: obj_add: %w", err)
	}

	alloc, err := c.allocatorFor(shardID)
	if err != nil {
		return model.Object{}, fmt.Errorf("tao: obj_add: %w", err)
	}
	id, err := alloc.Next()
	if err != nil {
		return model.Object{}, fmt.Errorf("tao: obj_add: %w", err)
	}

	now := nowMillis()
	obj := model.Object{ID: id, Otype: otype, Data: data, CreatedAt: now, UpdatedAt: now}

	err = c.router.DispatchWrite(ctx, shardID, func(ctx context.Context, be backend.Backend) error {
		return be.ObjPut(ctx, obj)
	})
	if err != nil {
		return model.Object{}, fmt.Errorf("tao: obj_add: %w", err)
	}

	if c.cache != nil {
		c.cache.PutObject(obj)
	}
	return obj, nil
}

// placementShard resolves obj_add's target shard: colocated with ownerID
// when given, otherwise consistent-hashed on a fresh synthetic key (spec
// §4.5, §4.2 shard_for_key).
func (c *Coordinator) placementShard(ownerID *model.TaoID) (uint16, error) {
	if ownerID != nil {
		return taoid.ShardOf(*ownerID), nil
	}
	key := uuid.New()
	return c.topo.ShardForKey(key[:])
}

// ObjGet fetches an object by id, trying L1/L2 before falling back to the
// owning shard (spec §4.5 obj_get). Absence is reported as a nil object
// and a nil error, never model.ErrNotFound — this is a lookup, not an
// assertion that id exists.
func (c *Coordinator) ObjGet(ctx context.Context, vc model.ViewerContext, id model.TaoID) (*model.Object, error) {
	start := time.Now()
	obj, err := c.objGet(ctx, id, false)
	c.observe("obj_get", vc, start, err)
	return obj, err
}

// ObjGetReadAny is obj_get with the router's read_any strategy (spec §C3):
// primary and the best replica candidate are raced concurrently instead of
// the load-based replica preference DispatchRead applies, trading extra
// backend load for lower tail latency. Still served from cache on a hit.
func (c *Coordinator) ObjGetReadAny(ctx context.Context, vc model.ViewerContext, id model.TaoID) (*model.Object, error) {
	start := time.Now()
	obj, err := c.objGet(ctx, id, true)
	c.observe("obj_get_read_any", vc, start, err)
	return obj, err
}

func (c *Coordinator) objGet(ctx context.Context, id model.TaoID, readAny bool) (*model.Object, error) {
	if c.cache != nil {
		if obj, ok := c.cache.GetObject(id); ok {
			cp := obj
			return &cp, nil
		}
		if c.cache.NegativeHit(id) {
			return nil, nil
		}
	}

	shardID := taoid.ShardOf(id)
	var (
		result model.Object
		found  bool
	)
	fetch := func(ctx context.Context, be backend.Backend) error {
		obj, ok, err := be.ObjGet(ctx, id)
		if err != nil {
			return err
		}
		result, found = obj, ok
		return nil
	}
	var err error
	if readAny {
		err = c.router.DispatchReadAny(ctx, shardID, fetch)
	} else {
		err = c.router.DispatchRead(ctx, shardID, fetch)
	}
	if err != nil {
		return nil, fmt.Errorf("tao: obj_get: %w", err)
	}

	if !found {
		if c.cache != nil {
			c.cache.PutNegativeObject(id)
		}
		return nil, nil
	}
	if c.cache != nil {
		c.cache.PutObject(result)
	}
	return &result, nil
}

// ObjUpdate write-throughs a new payload for id, invalidating and then
// refilling the cache with the post-update value before returning (spec
// §4.5 obj_update — "refill with the new value before returning" is what
// gives the same-process read-your-writes property S7 names).
func (c *Coordinator) ObjUpdate(ctx context.Context, vc model.ViewerContext, id model.TaoID, data []byte) (model.Object, error) {
	start := time.Now()
	obj, err := c.objUpdate(ctx, id, data)
	c.observe("obj_update", vc, start, err)
	return obj, err
}

func (c *Coordinator) objUpdate(ctx context.Context, id model.TaoID, data []byte) (model.Object, error) {
	shardID := taoid.ShardOf(id)
	now := nowMillis()

	var updated model.Object
	err := c.router.DispatchWrite(ctx, shardID, func(ctx context.Context, be backend.Backend) error {
		obj, err := be.ObjUpdate(ctx, id, data, now)
		if err != nil {
			return err
		}
		updated = obj
		return nil
	})
	if err != nil {
		return model.Object{}, fmt.Errorf("tao: obj_update: %w", err)
	}

	if c.cache != nil {
		c.cache.InvalidateObject(id)
		c.cache.PutObject(updated)
	}
	return updated, nil
}

// ObjDelete write-throughs a delete, cascades same-shard outbound
// associations, and enqueues a WAL transaction to delete the
// corresponding inverse edges on id2's shards (spec §4.5 obj_delete).
// Idempotent: the second call on an already-deleted id returns false.
func (c *Coordinator) ObjDelete(ctx context.Context, vc model.ViewerContext, id model.TaoID) (bool, error) {
	start := time.Now()
	existed, err := c.objDelete(ctx, id)
	c.observe("obj_delete", vc, start, err)
	return existed, err
}

func (c *Coordinator) objDelete(ctx context.Context, id model.TaoID) (bool, error) {
	shardID := taoid.ShardOf(id)

	var (
		existed bool
		removed []model.Association
	)
	err := c.router.DispatchWrite(ctx, shardID, func(ctx context.Context, be backend.Backend) error {
		ok, err := be.ObjDelete(ctx, id)
		if err != nil {
			return err
		}
		existed = ok
		if !ok {
			return nil
		}
		assocs, err := be.AssocDeleteAllFrom(ctx, id)
		if err != nil {
			return err
		}
		removed = assocs
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("tao: obj_delete: %w", err)
	}
	if !existed {
		return false, nil
	}

	if c.cache != nil {
		c.cache.InvalidateObject(id)
		for _, a := range removed {
			c.cache.RemoveAssoc(a.ID1, a.Atype, a.ID2)
			c.cache.InvalidateAssocCount(a.ID1, a.Atype)
		}
	}

	c.enqueueInverseCleanup(ctx, id, removed)
	return true, nil
}

// enqueueInverseCleanup builds and begins the WAL transaction that
// deletes the inverse side of every association obj_delete just removed
// from id's own shard. It is best-effort from the caller's point of
// view: every failure is only logged. A Begin failure leaves no record;
// an Execute failure leaves the transaction to the scheduler if it is
// InFlight or Compensating, while one still Pending is replayed only by
// Recover at startup.
func (c *Coordinator) enqueueInverseCleanup(ctx context.Context, id model.TaoID, removed []model.Association) {
	var steps []wal.Step
	for _, a := range removed {
		inv, ok := c.registry.InverseOf(a.Atype)
		if !ok {
			continue
		}
		if c.registry.IsSelfInverse(a.Atype) && a.ID1 == a.ID2 {
			continue
		}
		steps = append(steps, wal.Step{
			Kind:    wal.StepAssocDelete,
			ShardID: taoid.ShardOf(a.ID2),
			Assoc:   model.Association{ID1: a.ID2, Atype: inv, ID2: a.ID1, Time: a.Time},
		})
	}
	if len(steps) == 0 {
		return
	}

	txnID, err := c.wal.Begin(ctx, steps)
	if err != nil {
		c.log.Warn("tao: obj_delete inverse cleanup begin failed",
			zap.Stringer("id", id), zap.Error(err))
		return
	}
	if err := c.wal.Execute(ctx, txnID); err != nil {
		c.log.Warn("tao: obj_delete inverse cleanup execute failed, scheduler will retry",
			zap.String("txn_id", txnID), zap.Error(err))
		return
	}
	txn, err := c.wal.Peek(ctx, txnID)
	if err != nil {
		c.log.Warn("tao: obj_delete inverse cleanup peek failed",
			zap.String("txn_id", txnID), zap.Error(err))
		return
	}
	c.applyCommittedSteps(txn)
	if txn.State == wal.TxnCompensated || txn.State == wal.TxnFailed {
		c.log.Warn("tao: obj_delete inverse cleanup compensated",
			zap.String("txn_id", txnID), zap.Stringer("state", txn.State))
	}
}
