package wal

import (
	"context"
	"time"
)

// Store is the WAL's durable storage contract (spec §6 "WAL storage"):
// append/random-access by txn_id, and scan by (state, next_attempt_at) for
// the scheduler and reaper. Implementations must survive process restart.
type Store interface {
	Put(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, bool, error)
	Delete(ctx context.Context, id string) error

	// ScanDue returns transactions in one of the given states whose
	// NextAttemptAt is at or before now, for the scheduler to resume.
	ScanDue(ctx context.Context, states []TxnState, now time.Time) ([]*Transaction, error)

	// ScanAll returns every transaction, for Manager.Recover on startup.
	ScanAll(ctx context.Context) ([]*Transaction, error)

	// ScanOlderThan returns transactions in one of the given terminal
	// states created before cutoff, for the reaper to truncate.
	ScanOlderThan(ctx context.Context, states []TxnState, cutoff time.Time) ([]*Transaction, error)
}
