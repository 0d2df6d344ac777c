// Package model defines the core data types shared across every component of
// the TAO-style data plane: objects, associations, the viewer context, and
// the error taxonomy from spec §7. Nothing in this package talks to a shard,
// the WAL, or a cache — it is pure data plus pure validation.
package model

import "errors"

// Sentinel errors for the kinds in spec §7. Call sites wrap these with
// fmt.Errorf("%w: ...") for context; callers recover the kind with
// errors.Is, following johnjansen-torua/internal/storage's ErrKeyNotFound
// convention.
var (
	// ErrValidation covers empty otype, oversize payload, invalid atype.
	// Never retried.
	ErrValidation = errors.New("tao: validation failed")

	// ErrNotFound is returned by obj_update against a missing object, and
	// by topology and WAL lookups of an unknown shard or transaction.
	// obj_get reports absence by returning (nil, nil) instead, per spec §7,
	// and obj_delete/assoc_delete report it by returning false.
	ErrNotFound = errors.New("tao: not found")

	// ErrShardUnavailable means no healthy primary or replica could be
	// reached for the target shard after retries.
	ErrShardUnavailable = errors.New("tao: shard unavailable")

	// ErrRetryable marks a transient backend/network failure. Surfaced to
	// the caller only once the retry budget is exhausted.
	ErrRetryable = errors.New("tao: retryable backend error")

	// ErrFatal marks a non-recoverable backend condition. Inside a WAL
	// transaction this triggers compensation.
	ErrFatal = errors.New("tao: fatal backend error")

	// ErrClockSkew is raised by the ID allocator when the millisecond
	// clock regresses.
	ErrClockSkew = errors.New("tao: clock skew detected")

	// ErrCancelled means the caller withdrew; background WAL work may
	// continue after this is returned.
	ErrCancelled = errors.New("tao: operation cancelled")

	// ErrConflict signals a conflicting registration. registry.Register
	// returns it when a type is already bound to a different inverse.
	// assoc_add never sees it: backends upsert on (id1, atype, id2).
	ErrConflict = errors.New("tao: association conflict")

	// ErrShardInUse is returned by topology.RemoveShard when the shard
	// still has live objects or connections routed through it.
	ErrShardInUse = errors.New("tao: shard in use")
)
