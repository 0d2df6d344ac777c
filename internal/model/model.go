package model

import "fmt"

// TaoID is a 64-bit self-routing identifier: 42 bits of millisecond
// timestamp, 10 bits of shard id, 12 bits of sequence (spec §3). It is
// always non-negative when interpreted as signed int64.
type TaoID int64

// String renders the id in decimal, matching how the original system logs
// and serializes ids.
func (id TaoID) String() string {
	return fmt.Sprintf("%d", int64(id))
}

// Object is the typed, opaque-data entity addressed by a TaoID (spec §3).
// Id and Otype are immutable after creation; Data is opaque to every layer
// of this module.
type Object struct {
	Otype     string
	Data      []byte
	ID        TaoID
	CreatedAt int64
	UpdatedAt int64
}

// Association is a directed, typed edge from ID1 to ID2 (spec §3). The
// triple (ID1, Atype, ID2) is the unique key; Time orders the edge for
// range queries.
type Association struct {
	Atype string
	Data  []byte
	ID1   TaoID
	ID2   TaoID
	Time  int64
}

// Key returns the unique (id1, atype, id2) key as a comparable value,
// usable as a map key for dedup/uniqueness checks.
func (a Association) Key() AssocKey {
	return AssocKey{ID1: a.ID1, Atype: a.Atype, ID2: a.ID2}
}

// AssocKey is the comparable uniqueness key for an association.
type AssocKey struct {
	Atype string
	ID1   TaoID
	ID2   TaoID
}

// AssocQuery describes an assoc_get request (spec §4.5). A zero value for
// HighTime/LowTime/Limit/Offset means "unbounded" for that dimension.
type AssocQuery struct {
	ID1      TaoID
	Atype    string
	ID2Set   map[TaoID]struct{} // optional filter, applied after ordering
	HighTime int64              // inclusive upper bound, 0 = unbounded
	LowTime  int64              // inclusive lower bound, 0 = unbounded
	Limit    int                // 0 = use the store's default window
	Offset   int
}

// ViewerContext is an opaque per-request envelope carrying caller identity
// and request metadata through the core (spec §1, §4.5, §6). The core
// never inspects its contents; it is only threaded through to
// ObservabilityHook callbacks.
type ViewerContext struct {
	// V holds whatever the embedding application wants to carry (a user
	// id, a trace id, request-scoped auth claims, ...). The core treats
	// this as opaque.
	V any
}
