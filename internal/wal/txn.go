// Package wal implements the write-ahead log and consistency manager
// (spec §4.4): durable multi-step transaction records, a retry/backoff
// driven state machine, and compensation for steps that cannot be
// completed. It is grounded on zhu733756-influxdb-cluster's use of
// boltdb/bolt for durable metadata, with the execute/scheduler/reaper
// split spec §4.4 names directly.
package wal

import (
	"time"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// TxnState is the transaction-level state machine (spec §3 "WAL
// transaction"): Pending -> InFlight -> {Committed | Compensating ->
// Compensated}, with Failed reserved for external observation once a
// Compensated transaction is surfaced to a waiter.
type TxnState int

const (
	TxnPending TxnState = iota
	TxnInFlight
	TxnCommitted
	TxnFailed
	TxnCompensating
	TxnCompensated
)

func (s TxnState) String() string {
	switch s {
	case TxnPending:
		return "pending"
	case TxnInFlight:
		return "in_flight"
	case TxnCommitted:
		return "committed"
	case TxnFailed:
		return "failed"
	case TxnCompensating:
		return "compensating"
	case TxnCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// StepKind names the primitive single-shard operation a Step performs
// (spec §3: ObjAdd, ObjUpdate, ObjDelete, AssocAdd, AssocDelete).
type StepKind int

const (
	StepObjPut StepKind = iota
	StepObjUpdate
	StepObjDelete
	StepAssocPut
	StepAssocDelete
)

// StepState tracks one step's progress independent of the owning
// transaction's overall state.
type StepState int

const (
	StepPending StepState = iota
	StepCommitted
	StepCompensated
)

// Step is a single primitive operation dispatched to one shard. Object and
// Assoc carry the operation's parameters; PrevData/PrevUpdatedAt capture
// the pre-image an ObjUpdate step needs to compensate by restoring the old
// value instead of deleting.
type Step struct {
	Kind    StepKind
	ShardID uint16
	State   StepState

	Object model.Object
	Assoc  model.Association

	PrevData      []byte
	PrevUpdatedAt int64
}

// Transaction is the durable unit of the WAL (spec §3 "WAL transaction").
type Transaction struct {
	ID            string
	CreatedAt     time.Time
	State         TxnState
	Steps         []Step
	AttemptCount  int
	NextAttemptAt time.Time
}

// inverse returns the step that reverses kind's effect during compensation.
func (s Step) inverse() Step {
	inv := s
	inv.State = StepPending
	switch s.Kind {
	case StepObjPut:
		inv.Kind = StepObjDelete
	case StepObjDelete:
		inv.Kind = StepObjPut
	case StepObjUpdate:
		inv.Kind = StepObjUpdate
		inv.Object.Data = s.PrevData
		inv.Object.UpdatedAt = s.PrevUpdatedAt
	case StepAssocPut:
		inv.Kind = StepAssocDelete
	case StepAssocDelete:
		inv.Kind = StepAssocPut
	}
	return inv
}
