// Package backend defines the shard backend capability set from spec §6/§9
// — the abstract, pluggable storage interface every shard exposes to the
// router — plus two concrete implementations: an in-memory backend
// (adapted from johnjansen-torua/internal/storage.MemoryStore, generalized
// from opaque string->[]byte to typed object/association tables) for tests
// and small deployments, and a bolt-backed persistent backend for durable
// single-node storage.
//
// All methods must be idempotent given identical inputs, or safely
// retryable under duplicate delivery (spec §6) — callers include the WAL's
// retry loop.
package backend

import (
	"context"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// Backend is the capability set a shard exposes. Every method must be safe
// for concurrent calls from many goroutines (spec §9 "Dynamic dispatch").
type Backend interface {
	ObjPut(ctx context.Context, obj model.Object) error
	ObjGet(ctx context.Context, id model.TaoID) (model.Object, bool, error)
	ObjUpdate(ctx context.Context, id model.TaoID, data []byte, ts int64) (model.Object, error)
	ObjDelete(ctx context.Context, id model.TaoID) (bool, error)

	AssocPut(ctx context.Context, a model.Association) error
	AssocDelete(ctx context.Context, id1 model.TaoID, atype string, id2 model.TaoID) (bool, error)
	// AssocDeleteAllFrom removes every association with the given id1,
	// returning the deleted records so the caller (obj_delete) can derive
	// which inverse edges need a compensating WAL transaction.
	AssocDeleteAllFrom(ctx context.Context, id1 model.TaoID) ([]model.Association, error)
	AssocQuery(ctx context.Context, q model.AssocQuery) ([]model.Association, error)
	AssocCount(ctx context.Context, id1 model.TaoID, atype string) (int64, error)

	Ping(ctx context.Context) error
}
