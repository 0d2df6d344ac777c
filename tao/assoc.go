package tao

import (
	"context"
	"fmt"
	"time"

	"github.com/romilpunetha/tao-sub001/internal/backend"
	"github.com/romilpunetha/tao-sub001/internal/cache"
	"github.com/romilpunetha/tao-sub001/internal/model"
	"github.com/romilpunetha/tao-sub001/internal/taoid"
	"github.com/romilpunetha/tao-sub001/internal/wal"
)

// AssocAdd enqueues the WAL transaction for a new directed edge: one step
// if atype has no registered inverse, two if it does (spec §4.4's
// inverse-edge contract), collapsing to one even with a registered
// inverse when atype is self-inverse and id1 == id2 (spec §9 Open
// Question 1).
func (c *Coordinator) AssocAdd(ctx context.Context, vc model.ViewerContext, a model.Association) error {
	start := time.Now()
	err := c.assocAdd(ctx, a)
	c.observe("assoc_add", vc, start, err)
	return err
}

func (c *Coordinator) assocAdd(ctx context.Context, a model.Association) error {
	if a.Atype == "" {
		return fmt.Errorf("tao: assoc_add: %w", model.ErrValidation)
	}
	if a.Time == 0 {
		a.Time = nowMillis()
	}

	steps := c.assocSteps(wal.StepAssocPut, a)
	txnID, err := c.wal.Begin(ctx, steps)
	if err != nil {
		return fmt.Errorf("tao: assoc_add: %w", err)
	}
	// assoc_add with an identical (id1, atype, id2) key and a newer time
	// refreshes time/data rather than conflicting (spec §9 Open Question
	// 2): the backend's AssocPut is an upsert keyed on (id1, atype, id2),
	// so no special WAL conflict handling is needed here.
	if err := c.wal.Execute(ctx, txnID); err != nil {
		return fmt.Errorf("tao: assoc_add: %w", err)
	}
	return c.finishTxn(ctx, txnID)
}

// assocSteps builds the one- or two-step WAL plan for an inverse-edge
// mutation (add or delete), shared by assoc_add and assoc_delete (spec
// §4.4's inverse-pair contract applies identically to both).
func (c *Coordinator) assocSteps(kind wal.StepKind, a model.Association) []wal.Step {
	steps := []wal.Step{{
		Kind:    kind,
		ShardID: taoid.ShardOf(a.ID1),
		Assoc:   a,
	}}

	inv, hasInverse := c.registry.InverseOf(a.Atype)
	if !hasInverse {
		return steps
	}
	if c.registry.IsSelfInverse(a.Atype) && a.ID1 == a.ID2 {
		return steps
	}
	steps = append(steps, wal.Step{
		Kind:    kind,
		ShardID: taoid.ShardOf(a.ID2),
		Assoc:   model.Association{ID1: a.ID2, Atype: inv, ID2: a.ID1, Time: a.Time, Data: a.Data},
	})
	return steps
}

// finishTxn inspects txnID's state right after an Execute pass: it mirrors
// whichever steps ended that pass in StepCommitted state into the cache
// (never the ones that never committed or that compensation reversed, per
// spec §8 property 4), and surfaces a Fatal error if the transaction ended
// Compensated or Failed instead of Committed — Execute itself returns nil
// in that case (spec §4.4: compensation is a successful, logged outcome
// from the WAL's point of view; it is C5's job to surface it to the
// caller per spec §7's "Fatal... triggers WAL compensation... surfaced").
func (c *Coordinator) finishTxn(ctx context.Context, txnID string) error {
	txn, err := c.wal.Peek(ctx, txnID)
	if err != nil {
		return fmt.Errorf("tao: %w", err)
	}
	c.applyCommittedSteps(txn)
	if txn.State == wal.TxnCompensated || txn.State == wal.TxnFailed {
		return fmt.Errorf("tao: transaction %s compensated: %w", txnID, model.ErrFatal)
	}
	return nil
}

// applyCommittedSteps mirrors exactly the steps that ended this Execute
// pass in StepCommitted state into the cache — never the ones that never
// committed or that were reversed by compensation (spec §8 property 4).
func (c *Coordinator) applyCommittedSteps(txn *wal.Transaction) {
	if c.cache == nil {
		return
	}
	for _, step := range txn.Steps {
		if step.State != wal.StepCommitted {
			continue
		}
		a := step.Assoc
		switch step.Kind {
		case wal.StepAssocPut:
			c.cache.AppendAssoc(a.ID1, a.Atype, a)
			c.cache.IncrAssocCount(a.ID1, a.Atype, 1)
		case wal.StepAssocDelete:
			c.cache.RemoveAssoc(a.ID1, a.Atype, a.ID2)
			c.cache.IncrAssocCount(a.ID1, a.Atype, -1)
		}
	}
}

// AssocGet resolves an assoc_get query: served entirely from cache when
// the cached window is fresh, otherwise from id1's owning shard, refilling
// the window on the way out (spec §4.5 assoc_get). No range-coverage check
// is made: both paths hold only the AssocWindowSize most recent edges, so
// older associations are never returned.
func (c *Coordinator) AssocGet(ctx context.Context, vc model.ViewerContext, q model.AssocQuery) ([]model.Association, error) {
	start := time.Now()
	items, err := c.assocGet(ctx, q)
	c.observe("assoc_get", vc, start, err)
	return items, err
}

// assocGet always serves (or refills) the canonical, unbounded
// time-descending window for (id1, atype) — never a query-filtered
// fragment of it — and applies the caller's HighTime/LowTime/ID2Set/
// Offset/Limit in memory afterward. A query-bounded window cached
// verbatim would silently look like it "covers" any later, broader query
// whose bounds happen to fall inside the narrow slice actually fetched,
// dropping associations that were simply never asked for the first time
// around. Keying the cache per (id1, atype) instead of per distinct
// bound means every caller shares one refill.
func (c *Coordinator) assocGet(ctx context.Context, q model.AssocQuery) ([]model.Association, error) {
	if c.cache != nil {
		if w, ok := c.cache.GetAssocWindow(q.ID1, q.Atype); ok && w.Fresh(time.Now()) {
			return filterWindow(w.Items, q), nil
		}
	}

	shardID := taoid.ShardOf(q.ID1)
	var fetched []model.Association
	err := c.router.DispatchRead(ctx, shardID, func(ctx context.Context, be backend.Backend) error {
		items, err := be.AssocQuery(ctx, model.AssocQuery{ID1: q.ID1, Atype: q.Atype, Limit: c.cfg.AssocWindowSize})
		if err != nil {
			return err
		}
		fetched = items
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tao: assoc_get: %w", err)
	}

	if c.cache != nil {
		c.cache.PutAssocWindow(q.ID1, q.Atype, cache.CachedAssocWindow{
			Items:      fetched,
			FreshUntil: time.Now().Add(c.cfg.CacheAssociationTTL()),
		})
	}
	return filterWindow(fetched, q), nil
}

// filterWindow applies the query's id2_set filter, offset, and limit
// after the items are already time-descending, per spec §4.5
// ("Filtering by id2_set is applied after ordering").
func filterWindow(items []model.Association, q model.AssocQuery) []model.Association {
	out := make([]model.Association, 0, len(items))
	for _, a := range items {
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
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// AssocCount serves assoc_count from the cache, falling back to the
// owning shard on a miss (spec §4.5 assoc_count).
func (c *Coordinator) AssocCount(ctx context.Context, vc model.ViewerContext, id1 model.TaoID, atype string) (int64, error) {
	start := time.Now()
	n, err := c.assocCount(ctx, id1, atype)
	c.observe("assoc_count", vc, start, err)
	return n, err
}

func (c *Coordinator) assocCount(ctx context.Context, id1 model.TaoID, atype string) (int64, error) {
	if c.cache != nil {
		if n, ok := c.cache.GetAssocCount(id1, atype); ok {
			return n, nil
		}
	}

	shardID := taoid.ShardOf(id1)
	var count int64
	err := c.router.DispatchRead(ctx, shardID, func(ctx context.Context, be backend.Backend) error {
		n, err := be.AssocCount(ctx, id1, atype)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tao: assoc_count: %w", err)
	}
	if c.cache != nil {
		c.cache.PutAssocCount(id1, atype, count)
	}
	return count, nil
}

// AssocRange is a paginated assoc_get ordered time-descending (spec §4.5
// assoc_range). Pages are cut from the same window of the
// AssocWindowSize most recent edges, so offsets past the window return
// nothing; concurrent inserts between pages are observable.
func (c *Coordinator) AssocRange(ctx context.Context, vc model.ViewerContext, id1 model.TaoID, atype string, offset, limit int) ([]model.Association, error) {
	start := time.Now()
	items, err := c.assocGet(ctx, model.AssocQuery{ID1: id1, Atype: atype, Offset: offset, Limit: limit})
	c.observe("assoc_range", vc, start, err)
	return items, err
}

// AssocTimeRange is assoc_get bounded by an inclusive [low_time,
// high_time] window (spec §4.5 assoc_time_range).
func (c *Coordinator) AssocTimeRange(ctx context.Context, vc model.ViewerContext, id1 model.TaoID, atype string, highTime, lowTime int64, limit int) ([]model.Association, error) {
	start := time.Now()
	items, err := c.assocGet(ctx, model.AssocQuery{ID1: id1, Atype: atype, HighTime: highTime, LowTime: lowTime, Limit: limit})
	c.observe("assoc_time_range", vc, start, err)
	return items, err
}

// AssocDelete WAL-coordinates an inverse-pair deletion analogous to
// AssocAdd (spec §4.5 assoc_delete), reporting whether the forward-side
// record actually existed and was removed.
func (c *Coordinator) AssocDelete(ctx context.Context, vc model.ViewerContext, id1 model.TaoID, atype string, id2 model.TaoID) (bool, error) {
	start := time.Now()
	ok, err := c.assocDelete(ctx, id1, atype, id2)
	c.observe("assoc_delete", vc, start, err)
	return ok, err
}

func (c *Coordinator) assocDelete(ctx context.Context, id1 model.TaoID, atype string, id2 model.TaoID) (bool, error) {
	a := model.Association{ID1: id1, Atype: atype, ID2: id2}
	steps := c.assocSteps(wal.StepAssocDelete, a)

	txnID, err := c.wal.Begin(ctx, steps)
	if err != nil {
		return false, fmt.Errorf("tao: assoc_delete: %w", err)
	}
	if err := c.wal.Execute(ctx, txnID); err != nil {
		return false, fmt.Errorf("tao: assoc_delete: %w", err)
	}

	txn, err := c.wal.Peek(ctx, txnID)
	if err != nil {
		return false, fmt.Errorf("tao: assoc_delete: %w", err)
	}
	c.applyCommittedSteps(txn)
	// A forward delete reversed by compensation leaves its step
	// Compensated (re-added), not Committed, so this correctly reports
	// false in that case rather than claiming the edge was removed.
	deleted := len(txn.Steps) > 0 && txn.Steps[0].State == wal.StepCommitted

	if txn.State == wal.TxnCompensated || txn.State == wal.TxnFailed {
		return deleted, fmt.Errorf("tao: transaction %s compensated: %w", txnID, model.ErrFatal)
	}
	return deleted, nil
}

// GetNeighborIDs is a convenience over assoc_get that returns only the
// id2 side of each matching edge (spec §4.5 get_neighbor_ids).
func (c *Coordinator) GetNeighborIDs(ctx context.Context, vc model.ViewerContext, id1 model.TaoID, atype string, limit int) ([]model.TaoID, error) {
	start := time.Now()
	ids, err := c.getNeighborIDs(ctx, id1, atype, limit)
	c.observe("get_neighbor_ids", vc, start, err)
	return ids, err
}

func (c *Coordinator) getNeighborIDs(ctx context.Context, id1 model.TaoID, atype string, limit int) ([]model.TaoID, error) {
	items, err := c.assocGet(ctx, model.AssocQuery{ID1: id1, Atype: atype, Limit: limit})
	if err != nil {
		return nil, err
	}
	ids := make([]model.TaoID, len(items))
	for i, a := range items {
		ids[i] = a.ID2
	}
	return ids, nil
}
